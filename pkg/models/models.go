package models

import (
	"time"
)

// Интервалы свечей, с которыми работает движок
const (
	Interval1m  = "1m"
	Interval15m = "15m"
	Interval1h  = "1h"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
	IsFinal   bool      `json:"is_final"`
}

// Trend направление канала Херста
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
)

// TrendLabel комбинированный тренд по цене и двум EMA
type TrendLabel string

const (
	TrendStrongUp   TrendLabel = "strong_up"
	TrendLabelUp    TrendLabel = "up"
	TrendNeutral    TrendLabel = "neutral"
	TrendLabelDown  TrendLabel = "down"
	TrendStrongDown TrendLabel = "strong_down"
)

// AllowsEntry сообщает, пропускает ли фильтр тренда вход в позицию
func (l TrendLabel) AllowsEntry() bool {
	switch l {
	case TrendStrongUp, TrendLabelUp, TrendNeutral:
		return true
	default:
		return false
	}
}

// HurstResult результат расчета адаптивного канала Херста
type HurstResult struct {
	UpperBand           float64   `json:"upper_band"`
	MiddleBand          float64   `json:"middle_band"`
	LowerBand           float64   `json:"lower_band"`
	HurstExponent       float64   `json:"hurst_exponent"`
	StdDev              float64   `json:"std_dev"`
	Trend               Trend     `json:"trend"`
	AdaptiveUpperFactor float64   `json:"adaptive_upper_factor"`
	AdaptiveLowerFactor float64   `json:"adaptive_lower_factor"`
	LastClose           float64   `json:"last_close"`
	Timestamp           time.Time `json:"timestamp"`
}

// IndicatorSnapshot последние значения индикаторов экземпляра.
// Любое поле может отсутствовать.
type IndicatorSnapshot struct {
	Hurst     *HurstResult `json:"hurst_result,omitempty"`
	EMALong   *float64     `json:"ema_long,omitempty"`
	EMAShort  *float64     `json:"ema_short,omitempty"`
	LastPrice *float64     `json:"last_price,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Clone возвращает независимую копию снимка
func (s *IndicatorSnapshot) Clone() *IndicatorSnapshot {
	if s == nil {
		return &IndicatorSnapshot{}
	}
	out := &IndicatorSnapshot{UpdatedAt: s.UpdatedAt}
	if s.Hurst != nil {
		h := *s.Hurst
		out.Hurst = &h
	}
	out.EMALong = copyFloat(s.EMALong)
	out.EMAShort = copyFloat(s.EMAShort)
	out.LastPrice = copyFloat(s.LastPrice)
	return out
}

// Float возвращает указатель на значение
func Float(v float64) *float64 {
	return &v
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Cooldown пауза после закрытия позиции
type Cooldown struct {
	InstanceID    string    `json:"instance_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationHours float64   `json:"duration_hours"`
}

// Active сообщает, действует ли пауза в момент now
func (c *Cooldown) Active(now time.Time) bool {
	return c != nil && now.Before(c.EndTime)
}
