package upperband

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skalibog/hurstbot/internal/indicators"
	"github.com/skalibog/hurstbot/internal/ledger"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/skalibog/hurstbot/internal/metrics"
	"github.com/skalibog/hurstbot/internal/registry"
	"github.com/skalibog/hurstbot/internal/signals"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// Machine автоматы верхней границы всех экземпляров
type Machine struct {
	locks     *lock.Manager
	snaps     signals.Snapshots
	positions signals.Positions
	exits     signals.Exiter
	th        Thresholds
	now       func() time.Time
	states    *registry.Registry[*State]
}

// New создает автомат верхней границы
func New(locks *lock.Manager, snaps signals.Snapshots, positions signals.Positions, exits signals.Exiter, th Thresholds, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		locks:     locks,
		snaps:     snaps,
		positions: positions,
		exits:     exits,
		th:        th,
		now:       now,
		states:    registry.New[*State](),
	}
}

// Initialize сбрасывает состояние экземпляра
func (m *Machine) Initialize(ctx context.Context, instanceID string) error {
	return m.locks.WithLock(ctx, lock.UpdateKey(instanceID), func(context.Context) error {
		s := Initial()
		m.states.Set(instanceID, &s)
		return nil
	})
}

// State текущее состояние экземпляра
func (m *Machine) State(ctx context.Context, instanceID string) (State, error) {
	var out State
	err := m.locks.WithLock(ctx, lock.UpdateKey(instanceID), func(context.Context) error {
		out = m.current(instanceID)
		return nil
	})
	return out, err
}

// Peek состояние без блокировки, для отображения
func (m *Machine) Peek(instanceID string) State {
	return m.current(instanceID)
}

// Cleanup удаляет состояние экземпляра
func (m *Machine) Cleanup(ctx context.Context, instanceID string) error {
	return m.locks.WithLock(ctx, lock.UpdateKey(instanceID), func(context.Context) error {
		m.states.Delete(instanceID)
		return nil
	})
}

func (m *Machine) current(instanceID string) State {
	if s, ok := m.states.Get(instanceID); ok {
		return *s
	}
	return Initial()
}

// Update применяет свежую минутную цену. Без активной позиции состояние очищается.
func (m *Machine) Update(ctx context.Context, inst *models.Instance, tick signals.Tick) error {
	return m.locks.WithLock(ctx, lock.UpdateKey(inst.ID), func(ctx context.Context) error {
		if !m.positions.HasActivePosition(inst.ID) {
			if _, ok := m.states.Get(inst.ID); ok {
				m.states.Delete(inst.ID)
				logger.Debug("Состояние верхней границы очищено: нет позиции", logger.Instance(inst.ID, inst.Symbol)...)
			}
			return nil
		}

		snap := m.snaps.Snapshot(inst.ID)
		if snap == nil || snap.Hurst == nil {
			return nil
		}
		u := snap.Hurst.UpperBand
		p := tick.Close()
		now := m.now()

		prev := m.current(inst.ID)
		d := Step(prev, p, u, now, m.th)

		var exitErr error
		if d.Emit {
			label, _ := indicators.SnapshotTrend(snap, p)
			_, exitErr = m.exits.HandleExit(ctx, ledger.ExitIntent{
				InstanceID:  inst.ID,
				Kind:        models.KindUpperBandReturn,
				Price:       p,
				PriceSource: tick.Source,
				BandLevel:   u,
				Trend:       label,
				Snapshot:    snap,
				Time:        now,
			})
			if exitErr != nil && !errors.Is(exitErr, ledger.ErrNoActivePosition) {
				// выход не проведен: остаемся в return_counting, следующий тик повторит попытку
				m.states.Set(inst.ID, &prev)
				return fmt.Errorf("выход по верхней границе: %w", exitErr)
			}
		}
		m.states.Set(inst.ID, &d.State)

		for _, t := range d.Transitions {
			metrics.UpperBandTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
			logger.Info("Переход автомата верхней границы", append(logger.Instance(inst.ID, inst.Symbol),
				zap.String("from", string(t.From)),
				zap.String("to", string(t.To)),
				zap.Float64("price", p),
				zap.Float64("upper_band", u))...)
		}
		if exitErr != nil {
			return fmt.Errorf("выход по верхней границе: %w", exitErr)
		}
		return nil
	})
}
