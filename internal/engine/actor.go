package engine

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/hurstbot/internal/feed"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/logger"
	"go.uber.org/zap"
)

const (
	inboxSize       = 256
	teardownTimeout = 10 * time.Second
)

// actor обрабатывает события одного экземпляра последовательно
type actor struct {
	e      *Engine
	id     string
	inbox  chan feed.Event
	cancel context.CancelFunc
	done   chan struct{}
}

func newActor(e *Engine, instanceID string, cancel context.CancelFunc) *actor {
	return &actor{
		e:      e,
		id:     instanceID,
		inbox:  make(chan feed.Event, inboxSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// stop отменяет актор и ждет завершения очистки
func (a *actor) stop() {
	a.cancel()
	<-a.done
}

func (a *actor) run(ctx context.Context) error {
	defer close(a.done)
	defer a.e.actors.Delete(a.id)
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		a.e.teardown(tctx, a.id)
		logger.Info("Экземпляр остановлен", zap.String("instance_id", a.id))
	}()

	if !a.start(ctx) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.inbox:
			a.e.handleEvent(ctx, ev)
		}
	}
}

// start инициализирует экземпляр, повторяя попытки при ошибках биржи
func (a *actor) start(ctx context.Context) bool {
	b := &backoff.Backoff{
		Min:    a.e.cfg.Engine.Feed.ReconnectDelay,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}
	sink := func(ev feed.Event) {
		select {
		case a.inbox <- ev:
		case <-ctx.Done():
		}
	}

	for {
		inst, err := storage.GetInstance(ctx, a.e.store, a.id)
		if err == nil {
			if err = a.e.prepare(ctx, inst, sink); err == nil {
				logger.Info("Экземпляр запущен", logger.Instance(inst.ID, inst.Symbol)...)
				return true
			}
		}
		if ctx.Err() != nil {
			return false
		}

		wait := b.Duration()
		logger.Error("Ошибка инициализации экземпляра",
			zap.String("instance_id", a.id),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}
