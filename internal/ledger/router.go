package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/hurstbot/internal/gate"
	"github.com/skalibog/hurstbot/internal/indicators"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/skalibog/hurstbot/internal/metrics"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// Cooldowns пауза после выхода
type Cooldowns interface {
	Active(instanceID string) (*models.Cooldown, bool)
	Start(ctx context.Context, instanceID string, d time.Duration) (*models.Cooldown, error)
}

// Router сохраняет сигналы и проводит расчеты по ним
type Router struct {
	store     storage.Store
	archive   storage.Archive
	ledger    *Ledger
	locks     *lock.Manager
	gate      *gate.RateGate
	cooldowns Cooldowns
	exec      *Executor
	observers *observers
	now       func() time.Time
}

// RouterOption настройка маршрутизатора
type RouterOption func(*Router)

// WithArchive сохраняет исполненные сигналы в архив
func WithArchive(a storage.Archive) RouterOption {
	return func(r *Router) { r.archive = a }
}

// WithExecutor отправляет ордера на биржу после расчета
func WithExecutor(e *Executor) RouterOption {
	return func(r *Router) { r.exec = e }
}

// WithClock подменяет часы
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter создает маршрутизатор сигналов
func NewRouter(store storage.Store, l *Ledger, locks *lock.Manager, g *gate.RateGate, cd Cooldowns, opts ...RouterOption) *Router {
	r := &Router{
		store:     store,
		archive:   storage.NopArchive{},
		ledger:    l,
		locks:     locks,
		gate:      g,
		cooldowns: cd,
		observers: newObservers(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ledger книга позиций маршрутизатора
func (r *Router) Ledger() *Ledger {
	return r.ledger
}

// Subscribe подписка на сохраненные сигналы. Вторая функция отменяет подписку.
func (r *Router) Subscribe() (<-chan *models.Signal, func()) {
	return r.observers.subscribe()
}

func (r *Router) loadInstance(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := storage.GetInstance(ctx, r.store, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, err
}

func (r *Router) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return r.now()
	}
	return t
}

// HandleEntry проводит вход в позицию
func (r *Router) HandleEntry(ctx context.Context, in EntryIntent) (*models.Signal, error) {
	var sig *models.Signal
	err := r.locks.WithLock(ctx, lock.LedgerKey(in.InstanceID), func(ctx context.Context) error {
		var err error
		sig, err = r.settleEntry(ctx, in)
		return err
	})
	return sig, err
}

func (r *Router) settleEntry(ctx context.Context, in EntryIntent) (*models.Signal, error) {
	inst, err := r.loadInstance(ctx, in.InstanceID)
	if err != nil {
		return nil, err
	}
	fields := logger.Instance(inst.ID, inst.Symbol)

	if cd, ok := r.cooldowns.Active(inst.ID); ok {
		return nil, fmt.Errorf("%w до %s", ErrCooldownActive, cd.EndTime.Format(time.RFC3339))
	}
	if inst.Financials.AvailableBalance <= 0 {
		logger.Warn("Нет свободных средств для входа", fields...)
		return nil, ErrFundsInsufficient
	}

	if inst.Params.Signals.CheckEMATrend {
		if label, ok := indicators.SnapshotTrend(in.Snapshot, in.Price); ok && !label.AllowsEntry() {
			sig, err := r.reject(ctx, inst, RejectionIntent{
				InstanceID:  inst.ID,
				Price:       in.Price,
				PriceSource: in.PriceSource,
				Snapshot:    in.Snapshot,
				Trend:       label,
				Time:        in.Time,
			})
			if err != nil {
				return nil, err
			}
			return sig, ErrTrendRejected
		}
	}

	pos := r.ledger.ActivePosition(inst.ID)
	count := 0
	if pos != nil {
		count = len(pos.Entries)
	}
	sub, ok := models.NextEntrySubType(count)
	if !ok {
		return nil, ErrLadderFull
	}

	now := r.stamp(in.Time)
	fraction := inst.Params.CapitalAllocation.Fraction(sub)
	amount := decimal.NewFromFloat(inst.Financials.AvailableBalance).
		Mul(decimal.NewFromFloat(fraction)).
		Round(8).
		InexactFloat64()

	positionID := models.PositionID(inst.ID, now)
	if pos != nil {
		positionID = pos.ID
	}

	md := metadata(models.KindLowerBandTouch, in.PriceSource, in.Snapshot)
	if label, ok := indicators.SnapshotTrend(in.Snapshot, in.Price); ok {
		md.Trend = label
	}
	sig := &models.Signal{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		Symbol:     inst.Symbol,
		Type:       models.SignalEntry,
		SubType:    string(sub),
		Price:      in.Price,
		Allocation: fraction,
		Amount:     amount,
		Timestamp:  now,
		Status:     models.SignalPending,
		PositionID: positionID,
		Metadata:   md,
	}
	if err := storage.SaveSignal(ctx, r.store, sig); err != nil {
		return nil, fmt.Errorf("ошибка сохранения сигнала входа: %w", err)
	}

	var next *models.Position
	err = r.store.Update(ctx, func(tx storage.Tx) error {
		inst, err := tx.GetInstance(sig.InstanceID)
		if err != nil {
			return err
		}
		fin := &inst.Financials
		if fin.AvailableBalance < amount {
			return ErrFundsInsufficient
		}

		next = nil
		for _, p := range fin.OpenPositions {
			if p.ID == positionID {
				next = p.Clone()
			}
		}
		if next == nil && pos != nil {
			next = pos.Clone()
		}
		if next == nil {
			next = &models.Position{
				ID:         positionID,
				InstanceID: inst.ID,
				Symbol:     inst.Symbol,
				Status:     models.PositionActive,
			}
		}
		next.AddEntry(models.Entry{
			SignalID:  sig.ID,
			Price:     sig.Price,
			Amount:    amount,
			Timestamp: now,
			SubType:   sub,
		})

		fin.AvailableBalance = money(fin.AvailableBalance - amount)
		fin.LockedBalance = money(fin.LockedBalance + amount)
		fin.CurrentBalance = money(fin.AvailableBalance + fin.LockedBalance)
		fin.OpenPositions = replacePosition(fin.OpenPositions, next)
		inst.ActivePosition = next.Meta()
		inst.UpdatedAt = now
		if err := tx.SaveInstance(inst); err != nil {
			return err
		}

		sig.Status = models.SignalExecuted
		return tx.SaveSignal(sig)
	})
	if err != nil {
		r.cancel(ctx, sig, err)
		metrics.SettlementsTotal.WithLabelValues("entry", "failed").Inc()
		return sig, fmt.Errorf("ошибка проведения входа: %w", err)
	}

	r.ledger.setActive(inst.ID, next)
	if r.gate != nil {
		r.gate.Mark(inst.ID, gate.KindEntry, now)
	}
	metrics.SettlementsTotal.WithLabelValues("entry", "ok").Inc()

	logger.Info("Проведен вход в позицию", append(fields,
		zap.String("signal_id", sig.ID),
		zap.String("position_id", positionID),
		zap.String("sub_type", sig.SubType),
		zap.Float64("price", sig.Price),
		zap.Float64("amount", amount))...)

	if _, err := r.ledger.Audit(ctx, inst.ID); err != nil {
		logger.Error("Ошибка сверки после входа", append(fields, zap.Error(err))...)
	}
	r.published(ctx, sig)
	if r.exec != nil {
		r.exec.Open(ctx, inst.Symbol, amount, sig.Price)
	}
	return sig, nil
}

// RecordRejection сохраняет вход, отклоненный фильтром тренда
func (r *Router) RecordRejection(ctx context.Context, in RejectionIntent) (*models.Signal, error) {
	var sig *models.Signal
	err := r.locks.WithLock(ctx, lock.LedgerKey(in.InstanceID), func(ctx context.Context) error {
		inst, err := r.loadInstance(ctx, in.InstanceID)
		if err != nil {
			return err
		}
		sig, err = r.reject(ctx, inst, in)
		return err
	})
	return sig, err
}

func (r *Router) reject(ctx context.Context, inst *models.Instance, in RejectionIntent) (*models.Signal, error) {
	subType := "trend-filter"
	if pos := r.ledger.ActivePosition(inst.ID); pos != nil && len(pos.Entries) > 0 {
		subType = fmt.Sprintf("trend-filter-%d", len(pos.Entries)+1)
	}

	md := metadata(models.KindLowerBandTouch, in.PriceSource, in.Snapshot)
	md.Trend = in.Trend
	sig := &models.Signal{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		Symbol:     inst.Symbol,
		Type:       models.SignalEntryRejected,
		SubType:    subType,
		Price:      in.Price,
		Timestamp:  r.stamp(in.Time),
		Status:     models.SignalCanceled,
		Reason:     fmt.Sprintf("тренд %s не допускает вход", in.Trend),
		Metadata:   md,
	}
	if err := storage.SaveSignal(ctx, r.store, sig); err != nil {
		return nil, fmt.Errorf("ошибка сохранения отклоненного входа: %w", err)
	}

	logger.Info("Вход отклонен фильтром тренда", append(logger.Instance(inst.ID, inst.Symbol),
		zap.String("sub_type", subType),
		zap.String("trend", string(in.Trend)),
		zap.Float64("price", in.Price))...)
	r.published(ctx, sig)
	return sig, nil
}

// HandleExit закрывает активную позицию
func (r *Router) HandleExit(ctx context.Context, in ExitIntent) (*models.Signal, error) {
	var sig *models.Signal
	err := r.locks.WithLock(ctx, lock.LedgerKey(in.InstanceID), func(ctx context.Context) error {
		var err error
		sig, err = r.settleExit(ctx, in)
		return err
	})
	return sig, err
}

func (r *Router) settleExit(ctx context.Context, in ExitIntent) (*models.Signal, error) {
	inst, err := r.loadInstance(ctx, in.InstanceID)
	if err != nil {
		return nil, err
	}
	fields := logger.Instance(inst.ID, inst.Symbol)
	now := r.stamp(in.Time)

	md := metadata(in.Kind, in.PriceSource, in.Snapshot)
	if in.BandLevel > 0 {
		md.BandLevel = models.Float(in.BandLevel)
	}
	md.HighestPrice = in.HighestPrice
	md.Trend = in.Trend
	sig := &models.Signal{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		Symbol:     inst.Symbol,
		Type:       models.SignalExit,
		SubType:    in.Kind,
		Price:      in.Price,
		Timestamp:  now,
		Status:     models.SignalPending,
		Metadata:   md,
	}

	pos, how, err := r.reconcile(ctx, inst, now)
	if err != nil {
		r.cancel(ctx, sig, err)
		metrics.SettlementsTotal.WithLabelValues("exit", "refused").Inc()
		logger.Warn("Выход отклонен", append(fields, zap.Error(err))...)
		return sig, err
	}

	total := pos.TotalAmount
	avg := pos.AverageEntryPrice()
	exitAmount := decimal.NewFromFloat(total).
		Mul(decimal.NewFromFloat(in.Price)).
		Div(decimal.NewFromFloat(avg)).
		Round(8)
	profit := exitAmount.Sub(decimal.NewFromFloat(total))
	profitPct := profit.Div(decimal.NewFromFloat(total)).Mul(decimal.NewFromInt(100)).Round(8)

	sig.Amount = total
	sig.ExitAmount = models.Float(exitAmount.InexactFloat64())
	sig.Profit = models.Float(profit.InexactFloat64())
	sig.ProfitPercent = models.Float(profitPct.InexactFloat64())
	sig.PositionID = pos.ID
	sig.EntrySignalIDs = pos.EntrySignalIDs()
	sig.Metadata.Reconciliation = how

	if err := storage.SaveSignal(ctx, r.store, sig); err != nil {
		return nil, fmt.Errorf("ошибка сохранения сигнала выхода: %w", err)
	}

	err = r.store.Update(ctx, func(tx storage.Tx) error {
		inst, err := tx.GetInstance(sig.InstanceID)
		if err != nil {
			return err
		}
		fin := &inst.Financials
		fin.LockedBalance = money(fin.LockedBalance - total)
		fin.AvailableBalance = money(fin.AvailableBalance + *sig.ExitAmount)
		fin.CurrentBalance = money(fin.AvailableBalance + fin.LockedBalance)
		fin.TotalProfit = money(fin.TotalProfit + *sig.Profit)

		closed := pos.Clone()
		closed.Status = models.PositionClosed
		closed.Exit = &models.PositionExit{
			Price:         sig.Price,
			Type:          in.Kind,
			SignalID:      sig.ID,
			Amount:        *sig.ExitAmount,
			Profit:        *sig.Profit,
			ProfitPercent: *sig.ProfitPercent,
			Time:          now,
		}
		fin.OpenPositions = removePosition(fin.OpenPositions, pos.ID)
		fin.ClosedPositions = append(fin.ClosedPositions, closed)
		inst.ActivePosition = nil
		inst.UpdatedAt = now
		if err := tx.SaveInstance(inst); err != nil {
			return err
		}

		sig.Status = models.SignalExecuted
		if err := tx.SaveSignal(sig); err != nil {
			return err
		}
		return updateUserStats(tx, inst.UserID, *sig.Profit, now)
	})
	if err != nil {
		r.cancel(ctx, sig, err)
		metrics.SettlementsTotal.WithLabelValues("exit", "failed").Inc()
		return sig, fmt.Errorf("ошибка проведения выхода: %w", err)
	}

	r.ledger.Forget(inst.ID)
	metrics.SettlementsTotal.WithLabelValues("exit", "ok").Inc()
	logger.Info("Позиция закрыта", append(fields,
		zap.String("signal_id", sig.ID),
		zap.String("position_id", pos.ID),
		zap.String("kind", in.Kind),
		zap.String("reconciliation", how),
		zap.Float64("price", sig.Price),
		zap.Float64("profit", *sig.Profit),
		zap.Float64("profit_percent", *sig.ProfitPercent))...)

	if _, err := r.cooldowns.Start(ctx, inst.ID, inst.Params.Cooldown()); err != nil {
		logger.Error("Не удалось запустить паузу", append(fields, zap.Error(err))...)
	}
	if _, err := r.ledger.Audit(ctx, inst.ID); err != nil {
		logger.Error("Ошибка сверки после выхода", append(fields, zap.Error(err))...)
	}
	r.published(ctx, sig)
	if r.exec != nil {
		r.exec.Close(ctx, inst.Symbol, pos)
	}
	return sig, nil
}

// cancel переводит сигнал в canceled с причиной
func (r *Router) cancel(ctx context.Context, sig *models.Signal, cause error) {
	sig.Status = models.SignalCanceled
	sig.Reason = cause.Error()
	if err := storage.SaveSignal(ctx, r.store, sig); err != nil {
		logger.Error("Не удалось отменить сигнал",
			zap.String("instance_id", sig.InstanceID),
			zap.String("signal_id", sig.ID),
			zap.Error(err))
	}
	r.published(ctx, sig)
}

// published учитывает сигнал в метриках, архиве и у наблюдателей
func (r *Router) published(ctx context.Context, sig *models.Signal) {
	metrics.SignalsTotal.WithLabelValues(string(sig.Type), string(sig.Status)).Inc()
	if sig.Status == models.SignalExecuted {
		if err := r.archive.SaveSignal(ctx, sig); err != nil {
			logger.Warn("Не удалось сохранить сигнал в архив", zap.String("signal_id", sig.ID), zap.Error(err))
		}
	}
	cp := *sig
	r.observers.notify(&cp)
}

func updateUserStats(tx storage.Tx, userID string, profit float64, now time.Time) error {
	if userID == "" {
		return nil
	}
	user, err := tx.GetUser(userID)
	if errors.Is(err, storage.ErrNotFound) {
		user = &models.User{ID: userID, CreatedAt: now}
	} else if err != nil {
		return err
	}
	user.Stats.TotalProfit = money(user.Stats.TotalProfit + profit)
	user.Stats.ClosedTrades++
	if profit >= 0 {
		user.Stats.WinningTrades++
	} else {
		user.Stats.LosingTrades++
	}
	user.UpdatedAt = now
	return tx.SaveUser(user)
}

func replacePosition(list []*models.Position, p *models.Position) []*models.Position {
	out := removePosition(list, p.ID)
	return append(out, p)
}

func removePosition(list []*models.Position, id string) []*models.Position {
	out := make([]*models.Position, 0, len(list))
	for _, p := range list {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
