package engine

import (
	"context"
	"sync"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/feed"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/models"
)

// Clock управляемые часы для воспроизводимых сценариев
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock часы, остановленные на t
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now текущее время часов
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set переводит часы
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance сдвигает часы вперед
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Harness движок без сети: хранилище в памяти, поток без биржи, ручные часы.
// События обрабатываются синхронно в вызывающей горутине.
type Harness struct {
	Engine *Engine
	Store  *storage.BadgerStore
	Clock  *Clock
}

// NewHarness собирает движок для сценарных тестов
func NewHarness(cfg *config.Config, start time.Time) (*Harness, error) {
	store, err := storage.NewInMemoryStore()
	if err != nil {
		return nil, err
	}
	clock := NewClock(start)
	return &Harness{
		Engine: New(cfg, store, WithClock(clock.Now)),
		Store:  store,
		Clock:  clock,
	}, nil
}

// Close освобождает хранилище
func (h *Harness) Close() error {
	h.Engine.feed.Close()
	return h.Store.Close()
}

// AddInstance сохраняет и инициализирует экземпляр без запуска актора
func (h *Harness) AddInstance(ctx context.Context, inst *models.Instance) error {
	if err := h.Engine.AddInstance(ctx, inst); err != nil {
		return err
	}
	return h.Engine.prepare(ctx, inst, func(ev feed.Event) {
		h.Engine.handleEvent(ctx, ev)
	})
}

// SetSnapshot подменяет индикаторы экземпляра
func (h *Harness) SetSnapshot(instanceID string, snap *models.IndicatorSnapshot) {
	h.Engine.indicators.Set(instanceID, snap)
}

// Tick подает незакрытую минутную свечу с ценой price в текущий момент часов
func (h *Harness) Tick(ctx context.Context, instanceID string, price float64) error {
	inst, err := storage.GetInstance(ctx, h.Store, instanceID)
	if err != nil {
		return err
	}
	open := h.Clock.Now().Truncate(time.Minute)
	return h.Engine.feed.Ingest(instanceID, &models.Candle{
		Symbol:    inst.Symbol,
		Interval:  models.Interval1m,
		OpenTime:  open,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		CloseTime: open.Add(time.Minute - time.Millisecond),
	})
}

// Candle подает свечу произвольного интервала
func (h *Harness) Candle(instanceID string, c *models.Candle) error {
	return h.Engine.feed.Ingest(instanceID, c)
}

// Instance текущее состояние экземпляра в хранилище
func (h *Harness) Instance(ctx context.Context, instanceID string) (*models.Instance, error) {
	return storage.GetInstance(ctx, h.Store, instanceID)
}
