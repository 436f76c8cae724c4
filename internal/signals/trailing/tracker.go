// Package trailing реализует трейлинг-стоп от максимума после пробоя верхней границы.
package trailing

import (
	"context"
	"fmt"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/gate"
	"github.com/skalibog/hurstbot/internal/indicators"
	"github.com/skalibog/hurstbot/internal/ledger"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/skalibog/hurstbot/internal/registry"
	"github.com/skalibog/hurstbot/internal/signals"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// State взведенное состояние трейлинг-стопа
type State struct {
	Armed   bool
	Highest float64
	ArmTime time.Time
}

// Tracker трейлинг-стопы всех экземпляров
type Tracker struct {
	locks     *lock.Manager
	snaps     signals.Snapshots
	positions signals.Positions
	exits     signals.Exiter
	gate      *gate.RateGate
	cfg       config.TrailingConfig
	now       func() time.Time
	states    *registry.Registry[*State]
}

// New создает трекер трейлинг-стопа
func New(locks *lock.Manager, snaps signals.Snapshots, positions signals.Positions, exits signals.Exiter, g *gate.RateGate, cfg config.TrailingConfig, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = 30 * time.Second
	}
	if cfg.StrongUpMultiplier <= 0 {
		cfg.StrongUpMultiplier = 1.5
	}
	if cfg.DownMultiplier <= 0 {
		cfg.DownMultiplier = 0.7
	}
	return &Tracker{
		locks:     locks,
		snaps:     snaps,
		positions: positions,
		exits:     exits,
		gate:      g,
		cfg:       cfg,
		now:       now,
		states:    registry.New[*State](),
	}
}

// EffectivePercent порог отката с поправкой на тренд
func (t *Tracker) EffectivePercent(base float64, label models.TrendLabel) float64 {
	switch label {
	case models.TrendStrongUp:
		return base * t.cfg.StrongUpMultiplier
	case models.TrendLabelDown, models.TrendStrongDown:
		return base * t.cfg.DownMultiplier
	default:
		return base
	}
}

// State текущее состояние экземпляра
func (t *Tracker) State(instanceID string) State {
	if s, ok := t.states.Get(instanceID); ok {
		return *s
	}
	return State{}
}

// Reset снимает взведение
func (t *Tracker) Reset(instanceID string) {
	t.states.Delete(instanceID)
}

// Update обрабатывает минутную свечу
func (t *Tracker) Update(ctx context.Context, inst *models.Instance, tick signals.Tick) error {
	if !inst.Params.Signals.EnableTrailingStop {
		return nil
	}
	return t.locks.WithLock(ctx, lock.UpdateKey(inst.ID), func(ctx context.Context) error {
		if !t.positions.HasActivePosition(inst.ID) {
			t.Reset(inst.ID)
			return nil
		}
		snap := t.snaps.Snapshot(inst.ID)
		if snap == nil || snap.Hurst == nil {
			return nil
		}

		now := t.now()
		high, price := tick.High(), tick.Close()
		st := t.State(inst.ID)
		fields := logger.Instance(inst.ID, inst.Symbol)

		if !st.Armed {
			if high > snap.Hurst.UpperBand {
				t.states.Set(inst.ID, &State{Armed: true, Highest: high, ArmTime: now})
				logger.Info("Трейлинг-стоп взведен", append(fields,
					zap.Float64("high", high),
					zap.Float64("upper_band", snap.Hurst.UpperBand))...)
			}
			return nil
		}

		if high > st.Highest {
			st.Highest = high
		}
		t.states.Set(inst.ID, &st)

		if now.Sub(st.ArmTime) < inst.Params.TrailingDelay() || st.Highest <= 0 {
			return nil
		}

		label, _ := indicators.SnapshotTrend(snap, price)
		drop := (st.Highest - price) / st.Highest
		threshold := t.EffectivePercent(inst.Params.Signals.TrailingStop, label)
		if drop < threshold {
			return nil
		}
		if !t.gate.Allow(inst.ID, models.KindTrailingStop, t.cfg.Throttle, now) {
			return nil
		}

		logger.Info("Сработал трейлинг-стоп", append(fields,
			zap.Float64("highest", st.Highest),
			zap.Float64("price", price),
			zap.Float64("drop", drop),
			zap.Float64("threshold", threshold))...)

		t.Reset(inst.ID)
		_, err := t.exits.HandleExit(ctx, ledger.ExitIntent{
			InstanceID:   inst.ID,
			Kind:         models.KindTrailingStop,
			Price:        price,
			PriceSource:  tick.Source,
			BandLevel:    snap.Hurst.UpperBand,
			HighestPrice: models.Float(st.Highest),
			Trend:        label,
			Snapshot:     snap,
			Time:         now,
		})
		if err != nil {
			return fmt.Errorf("выход по трейлинг-стопу: %w", err)
		}
		return nil
	})
}
