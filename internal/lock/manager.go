// Package lock реализует именованные блокировки экземпляров с очередью FIFO.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skalibog/hurstbot/internal/metrics"
	"github.com/skalibog/hurstbot/internal/registry"
	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout блокировка не получена за отведенное время
var ErrLockTimeout = errors.New("таймаут ожидания блокировки")

// Имена семейства блокировок экземпляра
func UpdateKey(instanceID string) string   { return "update-" + instanceID }
func InitKey(instanceID string) string     { return "init-" + instanceID }
func CleanupKey(instanceID string) string  { return "cleanup-" + instanceID }
func EntryKey(instanceID string) string    { return "update-entry-" + instanceID }
func CooldownKey(instanceID string) string { return "cooldown-" + instanceID }
func LedgerKey(instanceID string) string   { return "ledger-" + instanceID }

// Manager выдает блокировки по имени. Блокировки не реентерабельны,
// ожидающие обслуживаются в порядке очереди.
type Manager struct {
	sems    *registry.Registry[*semaphore.Weighted]
	timeout time.Duration
}

// NewManager создает менеджер; timeout == 0 означает ожидание без ограничения
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		sems:    registry.New[*semaphore.Weighted](),
		timeout: timeout,
	}
}

// WithLock выполняет fn, удерживая блокировку key. Блокировка освобождается
// при любом выходе из fn, включая панику.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	sem := m.sems.GetOrCreate(key, func() *semaphore.Weighted {
		return semaphore.NewWeighted(1)
	})

	start := time.Now()
	err := m.acquire(ctx, sem)
	if errors.Is(err, ErrLockTimeout) {
		// таймаут считается временной ошибкой, повторяем один раз
		err = m.acquire(ctx, sem)
	}
	if err != nil {
		return fmt.Errorf("блокировка %s: %w", key, err)
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())
	defer sem.Release(1)

	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context, sem *semaphore.Weighted) error {
	if m.timeout <= 0 {
		return sem.Acquire(ctx, 1)
	}
	acquireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
	return nil
}
