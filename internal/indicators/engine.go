package indicators

import (
	"sync/atomic"
	"time"

	"github.com/skalibog/hurstbot/internal/registry"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

type slot = atomic.Pointer[models.IndicatorSnapshot]

// Engine хранит снимки индикаторов экземпляров.
// Снимки неизменяемы, обновление заменяет указатель целиком.
type Engine struct {
	snaps *registry.Registry[*slot]
	now   func() time.Time
}

// NewEngine создает движок индикаторов
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{snaps: registry.New[*slot](), now: now}
}

func (e *Engine) slot(instanceID string) *slot {
	return e.snaps.GetOrCreate(instanceID, func() *slot { return new(slot) })
}

// Snapshot текущий снимок экземпляра или nil. Возвращаемое значение не изменять.
func (e *Engine) Snapshot(instanceID string) *models.IndicatorSnapshot {
	s, ok := e.snaps.Get(instanceID)
	if !ok {
		return nil
	}
	return s.Load()
}

// Set заменяет снимок целиком
func (e *Engine) Set(instanceID string, snap *models.IndicatorSnapshot) {
	e.slot(instanceID).Store(snap.Clone())
}

// Forget удаляет снимок экземпляра
func (e *Engine) Forget(instanceID string) {
	e.snaps.Delete(instanceID)
}

func (e *Engine) update(instanceID string, fn func(s *models.IndicatorSnapshot)) *models.IndicatorSnapshot {
	sl := e.slot(instanceID)
	for {
		old := sl.Load()
		next := old.Clone()
		fn(next)
		next.UpdatedAt = e.now()
		if sl.CompareAndSwap(old, next) {
			return next
		}
	}
}

// OnCandleClosed пересчитывает канал или EMA по закрытой свече своего интервала
func (e *Engine) OnCandleClosed(instanceID string, params models.StrategyParams, c *models.Candle, closed []*models.Candle) {
	if c.Interval == params.Hurst.Interval {
		e.recomputeHurst(instanceID, params.Hurst, closed)
	}
	if c.Interval == params.EMA.Interval {
		e.updateEMA(instanceID, params.EMA, closed, false)
	}
}

// Recompute полный пересчет снимка по закешированным свечам.
// reset == true пересчитывает EMA с нуля, иначе обновляет по последней цене.
func (e *Engine) Recompute(instanceID string, params models.StrategyParams, hurstCandles, emaCandles []*models.Candle, reset bool) *models.IndicatorSnapshot {
	e.recomputeHurst(instanceID, params.Hurst, hurstCandles)
	return e.updateEMA(instanceID, params.EMA, emaCandles, reset)
}

// OnPrice запоминает последнюю цену решения
func (e *Engine) OnPrice(instanceID string, price float64) {
	e.update(instanceID, func(s *models.IndicatorSnapshot) {
		s.LastPrice = models.Float(price)
	})
}

func (e *Engine) recomputeHurst(instanceID string, p models.HurstParams, candles []*models.Candle) {
	if len(candles) == 0 {
		return
	}
	window := lastN(candles, p.Periods)
	result := Channel(Closes(window), p.UpperDeviationFactor, p.LowerDeviationFactor)
	result.Timestamp = stamp(window)

	e.update(instanceID, func(s *models.IndicatorSnapshot) {
		s.Hurst = result
	})
	logger.Debug("Пересчитан канал Херста",
		zap.String("instance_id", instanceID),
		zap.Float64("hurst", result.HurstExponent),
		zap.Float64("upper", result.UpperBand),
		zap.Float64("lower", result.LowerBand),
		zap.String("trend", string(result.Trend)))
}

func (e *Engine) updateEMA(instanceID string, p models.EMAParams, candles []*models.Candle, reset bool) *models.IndicatorSnapshot {
	if len(candles) == 0 {
		return e.Snapshot(instanceID)
	}
	closes := Closes(candles)
	last := closes[len(closes)-1]
	shortPeriods := p.ShortPeriods
	if shortPeriods <= 0 {
		shortPeriods = 5
	}

	return e.update(instanceID, func(s *models.IndicatorSnapshot) {
		s.EMALong = nextEMA(s.EMALong, closes, last, p.Periods, reset)
		s.EMAShort = nextEMA(s.EMAShort, closes, last, shortPeriods, reset)
	})
}

// nextEMA пересчитывает EMA полностью при reset или без предыдущего значения
func nextEMA(prev *float64, closes []float64, last float64, periods int, reset bool) *float64 {
	if reset || prev == nil {
		if v, ok := EMA(closes, periods); ok {
			return models.Float(v)
		}
		return prev
	}
	return models.Float(NextEMA(*prev, last, periods))
}

func lastN(candles []*models.Candle, n int) []*models.Candle {
	if n > 0 && len(candles) > n {
		return candles[len(candles)-n:]
	}
	return candles
}
