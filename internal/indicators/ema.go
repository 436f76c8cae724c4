package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/hurstbot/pkg/models"
)

// strongTrendThreshold отрыв цены от длинной EMA для сильного тренда
const strongTrendThreshold = 0.015

// EMA полный пересчет экспоненциальной средней с затравкой SMA первых periods значений
func EMA(closes []float64, periods int) (float64, bool) {
	if periods < 1 || len(closes) < periods {
		return 0, false
	}
	out := talib.Ema(closes, periods)
	v := out[len(out)-1]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// NextEMA инкрементальное обновление по последней цене закрытия
func NextEMA(prev, price float64, periods int) float64 {
	k := 2 / float64(periods+1)
	return price*k + prev*(1-k)
}

// CombinedTrend метка тренда по цене и двум EMA
func CombinedTrend(price, emaLong, emaShort float64) models.TrendLabel {
	if emaLong <= 0 {
		return models.TrendNeutral
	}
	strength := math.Abs(price-emaLong) / emaLong
	switch {
	case price > emaLong && emaShort > emaLong:
		if strength > strongTrendThreshold {
			return models.TrendStrongUp
		}
		return models.TrendLabelUp
	case price < emaLong && emaShort < emaLong:
		if strength > strongTrendThreshold {
			return models.TrendStrongDown
		}
		return models.TrendLabelDown
	default:
		return models.TrendNeutral
	}
}

// SnapshotTrend метка тренда по снимку индикаторов. ok == false, если длинной EMA нет.
func SnapshotTrend(snap *models.IndicatorSnapshot, price float64) (models.TrendLabel, bool) {
	if snap == nil || snap.EMALong == nil {
		return models.TrendNeutral, false
	}
	short := *snap.EMALong
	if snap.EMAShort != nil {
		short = *snap.EMAShort
	}
	return CombinedTrend(price, *snap.EMALong, short), true
}
