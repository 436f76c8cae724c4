package feed

import (
	"github.com/skalibog/hurstbot/pkg/models"
)

// EventKind вид события потока
type EventKind int

const (
	// CandleTick любое обновление свечи
	CandleTick EventKind = iota
	// CandleClosed закрытие свечи
	CandleClosed
)

func (k EventKind) String() string {
	if k == CandleClosed {
		return "closed"
	}
	return "tick"
}

// Event событие потока свечей, привязанное к экземпляру
type Event struct {
	Kind       EventKind
	InstanceID string
	Candle     *models.Candle
	// All закрытые свечи интервала, только для CandleClosed
	All []*models.Candle
}

// Sink получатель событий подписки
type Sink func(Event)
