// Package lowerband реализует автомат входов по касанию нижней границы канала.
package lowerband

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skalibog/hurstbot/internal/gate"
	"github.com/skalibog/hurstbot/internal/indicators"
	"github.com/skalibog/hurstbot/internal/ledger"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/skalibog/hurstbot/internal/signals"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

const ladderLogEvery = 5 * time.Minute

// Cooldowns проверка паузы после выхода
type Cooldowns interface {
	Active(instanceID string) (*models.Cooldown, bool)
}

// Outcome итог обработки тика
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCooldown  Outcome = "cooldown"
	OutcomeLadder    Outcome = "ladder-full"
	OutcomeGap       Outcome = "min-gap"
	OutcomeThrottled Outcome = "throttled"
	OutcomeRejected  Outcome = "trend-rejected"
	OutcomeEntered   Outcome = "entered"
	OutcomeRefused   Outcome = "refused"
)

// Machine автомат нижней границы
type Machine struct {
	locks     *lock.Manager
	snaps     signals.Snapshots
	positions signals.Positions
	cooldowns Cooldowns
	entries   signals.Entrier
	gate      *gate.RateGate
	throttle  time.Duration
	now       func() time.Time
}

// New создает автомат нижней границы
func New(locks *lock.Manager, snaps signals.Snapshots, positions signals.Positions, cd Cooldowns, entries signals.Entrier, g *gate.RateGate, throttle time.Duration, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	if throttle <= 0 {
		throttle = 30 * time.Second
	}
	return &Machine{
		locks:     locks,
		snaps:     snaps,
		positions: positions,
		cooldowns: cd,
		entries:   entries,
		gate:      g,
		throttle:  throttle,
		now:       now,
	}
}

// Update проверяет касание нижней границы минутной ценой
func (m *Machine) Update(ctx context.Context, inst *models.Instance, tick signals.Tick) (Outcome, error) {
	var out Outcome
	err := m.locks.WithLock(ctx, lock.EntryKey(inst.ID), func(ctx context.Context) error {
		var err error
		out, err = m.decide(ctx, inst, tick)
		return err
	})
	return out, err
}

func (m *Machine) decide(ctx context.Context, inst *models.Instance, tick signals.Tick) (Outcome, error) {
	snap := m.snaps.Snapshot(inst.ID)
	if snap == nil || snap.Hurst == nil {
		return OutcomeNone, nil
	}
	p := tick.Close()
	lower := snap.Hurst.LowerBand
	if p > lower {
		return OutcomeNone, nil
	}

	fields := append(logger.Instance(inst.ID, inst.Symbol), zap.Float64("price", p), zap.Float64("lower_band", lower))
	now := m.now()

	if _, ok := m.cooldowns.Active(inst.ID); ok {
		return OutcomeCooldown, nil
	}

	pos := m.positions.ActivePosition(inst.ID)
	count := 0
	if pos != nil {
		count = len(pos.Entries)
	}
	if _, ok := models.NextEntrySubType(count); !ok {
		if m.gate.Allow(inst.ID, gate.KindLadderLog, ladderLogEvery, now) {
			logger.Debug("Касание нижней границы: лесенка заполнена", fields...)
		}
		return OutcomeLadder, nil
	}

	if !m.gapElapsed(inst, pos, now) {
		return OutcomeGap, nil
	}

	if !m.gate.Allow(inst.ID, models.KindLowerBandTouch, m.throttle, now) {
		return OutcomeThrottled, nil
	}

	if inst.Params.Signals.CheckEMATrend {
		if label, ok := indicators.SnapshotTrend(snap, p); ok && !label.AllowsEntry() {
			_, err := m.entries.RecordRejection(ctx, ledger.RejectionIntent{
				InstanceID:  inst.ID,
				Price:       p,
				PriceSource: tick.Source,
				Snapshot:    snap,
				Trend:       label,
				Time:        now,
			})
			if err != nil {
				return OutcomeRejected, fmt.Errorf("фиксация отклоненного входа: %w", err)
			}
			return OutcomeRejected, nil
		}
	}

	sig, err := m.entries.HandleEntry(ctx, ledger.EntryIntent{
		InstanceID:  inst.ID,
		Price:       p,
		PriceSource: tick.Source,
		Snapshot:    snap,
		Time:        now,
	})
	switch {
	case err == nil:
		logger.Info("Вход по касанию нижней границы", append(fields,
			zap.String("signal_id", sig.ID),
			zap.String("sub_type", sig.SubType),
			zap.Float64("amount", sig.Amount))...)
		return OutcomeEntered, nil
	case errors.Is(err, ledger.ErrTrendRejected):
		return OutcomeRejected, nil
	case errors.Is(err, ledger.ErrCooldownActive),
		errors.Is(err, ledger.ErrLadderFull),
		errors.Is(err, ledger.ErrFundsInsufficient):
		logger.Info("Вход не проведен", append(fields, zap.Error(err))...)
		return OutcomeRefused, nil
	default:
		return OutcomeRefused, fmt.Errorf("вход по нижней границе: %w", err)
	}
}

// gapElapsed прошел ли минимальный интервал с последнего входа
func (m *Machine) gapElapsed(inst *models.Instance, pos *models.Position, now time.Time) bool {
	gap := inst.Params.MinEntryGap()
	if gap <= 0 {
		return true
	}
	last, ok := m.gate.Last(inst.ID, gate.KindEntry)
	if pos != nil {
		if t := pos.LastEntryTime(); !ok || t.After(last) {
			last, ok = t, true
		}
	}
	return !ok || now.Sub(last) >= gap
}
