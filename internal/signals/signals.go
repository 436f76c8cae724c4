// Package signals содержит общие типы автоматов, работающих на минутных ценах.
package signals

import (
	"context"

	"github.com/skalibog/hurstbot/internal/feed"
	"github.com/skalibog/hurstbot/internal/ledger"
	"github.com/skalibog/hurstbot/pkg/models"
)

// Tick свежая минутная свеча и источник ее цены
type Tick struct {
	Candle *models.Candle
	Source string
}

// FromPrice строит тик из результата получения цены
func FromPrice(p *feed.Price) Tick {
	return Tick{Candle: p.Candle, Source: p.Source}
}

// Close цена решения
func (t Tick) Close() float64 {
	return t.Candle.Close
}

// High максимум минутной свечи
func (t Tick) High() float64 {
	return t.Candle.High
}

// Snapshots источник снимков индикаторов
type Snapshots interface {
	Snapshot(instanceID string) *models.IndicatorSnapshot
}

// Positions сведения об активных позициях
type Positions interface {
	HasActivePosition(instanceID string) bool
	ActivePosition(instanceID string) *models.Position
}

// Exiter проводит выход из позиции
type Exiter interface {
	HandleExit(ctx context.Context, in ledger.ExitIntent) (*models.Signal, error)
}

// Entrier проводит вход и фиксирует отклоненные входы
type Entrier interface {
	HandleEntry(ctx context.Context, in ledger.EntryIntent) (*models.Signal, error)
	RecordRejection(ctx context.Context, in ledger.RejectionIntent) (*models.Signal, error)
}
