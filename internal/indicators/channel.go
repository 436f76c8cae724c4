package indicators

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/hurstbot/pkg/models"
)

// trendThreshold порог разницы средних половин окна
const trendThreshold = 0.01

// Channel рассчитывает адаптивный канал Херста по ценам закрытия окна
func Channel(closes []float64, upperFactor, lowerFactor float64) *models.HurstResult {
	return ChannelWithExponent(closes, HurstExponent(closes), upperFactor, lowerFactor)
}

// ChannelWithExponent рассчитывает канал для заданного показателя Херста
func ChannelWithExponent(closes []float64, h, upperFactor, lowerFactor float64) *models.HurstResult {
	mean, std := meanStd(closes)

	upper := upperFactor * h
	lower := lowerFactor * h

	var last float64
	if len(closes) > 0 {
		last = closes[len(closes)-1]
	}

	return &models.HurstResult{
		UpperBand:           mean + upper*std,
		MiddleBand:          mean,
		LowerBand:           mean - lower*std,
		HurstExponent:       h,
		StdDev:              std,
		Trend:               halvesTrend(closes),
		AdaptiveUpperFactor: upper,
		AdaptiveLowerFactor: lower,
		LastClose:           last,
	}
}

// meanStd среднее и стандартное отклонение генеральной совокупности окна
func meanStd(closes []float64) (float64, float64) {
	n := len(closes)
	switch n {
	case 0:
		return 0, 0
	case 1:
		return closes[0], 0
	}
	sma := talib.Sma(closes, n)
	std := talib.StdDev(closes, n, 1)
	mean, dev := sma[n-1], std[n-1]
	if math.IsNaN(dev) {
		dev = 0
	}
	return mean, dev
}

func halvesTrend(closes []float64) models.Trend {
	n := len(closes)
	if n < 2 {
		return models.TrendSideways
	}
	half := n / 2
	first := avg(closes[:half])
	second := avg(closes[half:])
	if first == 0 {
		return models.TrendSideways
	}
	diff := (second - first) / first
	switch {
	case diff > trendThreshold:
		return models.TrendUp
	case diff < -trendThreshold:
		return models.TrendDown
	default:
		return models.TrendSideways
	}
}

func avg(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// Closes извлекает цены закрытия
func Closes(candles []*models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// stamp время последней свечи окна
func stamp(candles []*models.Candle) time.Time {
	if len(candles) == 0 {
		return time.Time{}
	}
	return candles[len(candles)-1].CloseTime
}
