package models

import (
	"time"
)

// SignalType тип сигнала
type SignalType string

const (
	SignalEntry         SignalType = "entry"
	SignalExit          SignalType = "exit"
	SignalEntryRejected SignalType = "entry-rejected"
)

// SignalStatus состояние сигнала
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalExecuted SignalStatus = "executed"
	SignalCanceled SignalStatus = "canceled"
)

// Виды сигналов стратегии
const (
	KindLowerBandTouch  = "lowerBandTouch"
	KindUpperBandReturn = "upperBandReturn"
	KindTrailingStop    = "trailingStop"
)

// Источник цены решения
const (
	PriceSourceStream = "stream"
	PriceSourceREST   = "rest"
)

// SignalMetadata контекст, в котором был сформирован сигнал
type SignalMetadata struct {
	Kind           string       `json:"kind,omitempty"`
	PriceSource    string       `json:"price_source,omitempty"`
	BandLevel      *float64     `json:"band_level,omitempty"`
	HurstChannel   *HurstResult `json:"hurst_channel,omitempty"`
	EMALong        *float64     `json:"ema_long,omitempty"`
	EMAShort       *float64     `json:"ema_short,omitempty"`
	Trend          TrendLabel   `json:"trend,omitempty"`
	HighestPrice   *float64     `json:"highest_price,omitempty"`
	Reconciliation string       `json:"reconciliation,omitempty"`
}

// Signal сохраняемая запись сигнала
type Signal struct {
	ID             string         `json:"signal_id"`
	InstanceID     string         `json:"instance_id"`
	Symbol         string         `json:"symbol"`
	Type           SignalType     `json:"type"`
	SubType        string         `json:"sub_type"`
	Price          float64        `json:"price"`
	Allocation     float64        `json:"allocation"`
	Amount         float64        `json:"amount"`
	Profit         *float64       `json:"profit,omitempty"`
	ProfitPercent  *float64       `json:"profit_percent,omitempty"`
	ExitAmount     *float64       `json:"exit_amount,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         SignalStatus   `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	PositionID     string         `json:"position_id,omitempty"`
	EntrySignalIDs []string       `json:"entry_signal_ids,omitempty"`
	Metadata       SignalMetadata `json:"metadata"`
}
