package models

import (
	"time"
)

// InstanceStatus состояние экземпляра стратегии
type InstanceStatus string

const (
	InstanceRunning InstanceStatus = "running"
	InstanceStopped InstanceStatus = "stopped"
)

// HurstParams параметры канала Херста
type HurstParams struct {
	Periods              int     `yaml:"periods" json:"periods" validate:"gte=10,lte=100"`
	UpperDeviationFactor float64 `yaml:"upper_deviation_factor" json:"upper_deviation_factor" validate:"gte=0.5,lte=5"`
	LowerDeviationFactor float64 `yaml:"lower_deviation_factor" json:"lower_deviation_factor" validate:"gte=0.5,lte=5"`
	Interval             string  `yaml:"interval" json:"interval" validate:"required"`
}

// EMAParams параметры скользящих средних
type EMAParams struct {
	Periods      int    `yaml:"periods" json:"periods" validate:"gte=5,lte=200"`
	ShortPeriods int    `yaml:"short_periods" json:"short_periods" validate:"gte=2,lte=200"`
	Interval     string `yaml:"interval" json:"interval" validate:"required"`
}

// SignalParams параметры генерации сигналов. Интервалы в миллисекундах.
type SignalParams struct {
	CheckEMATrend      bool    `yaml:"check_ema_trend" json:"check_ema_trend"`
	MinEntryTimeGap    int64   `yaml:"min_entry_time_gap" json:"min_entry_time_gap" validate:"gte=0"`
	EnableTrailingStop bool    `yaml:"enable_trailing_stop" json:"enable_trailing_stop"`
	TrailingStop       float64 `yaml:"trailing_stop" json:"trailing_stop" validate:"gt=0,lt=1"`
	TrailingStopDelay  int64   `yaml:"trailing_stop_delay" json:"trailing_stop_delay" validate:"gte=0"`
}

// CapitalAllocation доли свободного баланса на каждый вход лесенки
type CapitalAllocation struct {
	FirstEntry  float64 `yaml:"first_entry" json:"first_entry" validate:"gt=0,lte=1"`
	SecondEntry float64 `yaml:"second_entry" json:"second_entry" validate:"gt=0,lte=1"`
	ThirdEntry  float64 `yaml:"third_entry" json:"third_entry" validate:"gt=0,lte=1"`
}

// StrategyParams параметры экземпляра стратегии
type StrategyParams struct {
	Hurst             HurstParams       `yaml:"hurst" json:"hurst"`
	EMA               EMAParams         `yaml:"ema" json:"ema"`
	Signals           SignalParams      `yaml:"signals" json:"signals"`
	CapitalAllocation CapitalAllocation `yaml:"capital_allocation" json:"capital_allocation"`
	CooldownHours     float64           `yaml:"cooldown_hours" json:"cooldown_hours" validate:"gte=0,lte=48"`
}

// MinEntryGap минимальный интервал между входами
func (p StrategyParams) MinEntryGap() time.Duration {
	return time.Duration(p.Signals.MinEntryTimeGap) * time.Millisecond
}

// TrailingDelay задержка взведения трейлинг-стопа
func (p StrategyParams) TrailingDelay() time.Duration {
	return time.Duration(p.Signals.TrailingStopDelay) * time.Millisecond
}

// Cooldown длительность паузы после выхода
func (p StrategyParams) Cooldown() time.Duration {
	return time.Duration(p.CooldownHours * float64(time.Hour))
}

// Fraction доля капитала для входа с указанным подтипом
func (c CapitalAllocation) Fraction(sub EntrySubType) float64 {
	switch sub {
	case EntrySecond:
		return c.SecondEntry
	case EntryThird:
		return c.ThirdEntry
	default:
		return c.FirstEntry
	}
}

// Financials финансовое состояние экземпляра
type Financials struct {
	AllocatedCapital float64     `json:"allocated_capital"`
	CurrentBalance   float64     `json:"current_balance"`
	AvailableBalance float64     `json:"available_balance"`
	LockedBalance    float64     `json:"locked_balance"`
	TotalProfit      float64     `json:"total_profit"`
	OpenPositions    []*Position `json:"open_positions"`
	ClosedPositions  []*Position `json:"closed_positions"`
}

// OpenTotal сумма total_amount открытых позиций
func (f *Financials) OpenTotal() float64 {
	var sum float64
	for _, p := range f.OpenPositions {
		sum += p.TotalAmount
	}
	return sum
}

// PositionMeta краткие сведения об активной позиции, хранящиеся в документе экземпляра
type PositionMeta struct {
	PositionID        string    `json:"position_id"`
	EntryCount        int       `json:"entry_count"`
	TotalAmount       float64   `json:"total_amount"`
	AverageEntryPrice float64   `json:"average_entry_price"`
	EntrySignalIDs    []string  `json:"entry_signal_ids"`
	FirstEntryTime    time.Time `json:"first_entry_time"`
	LastEntryTime     time.Time `json:"last_entry_time"`
}

// Instance экземпляр стратегии для одной торговой пары
type Instance struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Symbol         string         `json:"symbol"`
	Status         InstanceStatus `json:"status"`
	Params         StrategyParams `json:"params"`
	Financials     Financials     `json:"financials"`
	ActivePosition *PositionMeta  `json:"active_position,omitempty"`
	CooldownUntil  *time.Time     `json:"cooldown_until,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone возвращает глубокую копию экземпляра
func (i *Instance) Clone() *Instance {
	out := *i
	out.Financials.OpenPositions = clonePositions(i.Financials.OpenPositions)
	out.Financials.ClosedPositions = clonePositions(i.Financials.ClosedPositions)
	if i.ActivePosition != nil {
		meta := *i.ActivePosition
		meta.EntrySignalIDs = append([]string(nil), i.ActivePosition.EntrySignalIDs...)
		out.ActivePosition = &meta
	}
	if i.CooldownUntil != nil {
		t := *i.CooldownUntil
		out.CooldownUntil = &t
	}
	return &out
}

func clonePositions(in []*Position) []*Position {
	if in == nil {
		return nil
	}
	out := make([]*Position, len(in))
	for k, p := range in {
		out[k] = p.Clone()
	}
	return out
}

// UserStats агрегированная статистика пользователя
type UserStats struct {
	TotalProfit   float64 `json:"total_profit"`
	ClosedTrades  int     `json:"closed_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
}

// User владелец экземпляров
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Stats     UserStats `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
