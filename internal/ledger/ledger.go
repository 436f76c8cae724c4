// Package ledger превращает сигналы стратегии в движение средств и ведет учет позиций.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/metrics"
	"github.com/skalibog/hurstbot/internal/registry"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// Ledger держит активные позиции экземпляров в памяти
type Ledger struct {
	store  storage.Store
	cfg    config.LedgerConfig
	active *registry.Registry[*models.Position]
	now    func() time.Time
}

// New создает книгу позиций
func New(store storage.Store, cfg config.LedgerConfig, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = 0.01
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = 24 * time.Hour
	}
	return &Ledger{
		store:  store,
		cfg:    cfg,
		active: registry.New[*models.Position](),
		now:    now,
	}
}

// ActivePosition копия активной позиции или nil
func (l *Ledger) ActivePosition(instanceID string) *models.Position {
	p, ok := l.active.Get(instanceID)
	if !ok {
		return nil
	}
	return p.Clone()
}

// HasActivePosition есть ли у экземпляра открытая позиция
func (l *Ledger) HasActivePosition(instanceID string) bool {
	_, ok := l.active.Get(instanceID)
	return ok
}

func (l *Ledger) setActive(instanceID string, p *models.Position) {
	l.active.Set(instanceID, p.Clone())
}

// Forget убирает экземпляр из памяти
func (l *Ledger) Forget(instanceID string) {
	l.active.Delete(instanceID)
}

// Restore восстанавливает активные позиции из сохраненных экземпляров
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	instances, err := storage.ListInstances(ctx, l.store)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения экземпляров: %w", err)
	}
	restored := 0
	for _, inst := range instances {
		if l.RestoreInstance(inst) {
			restored++
		}
	}
	logger.Info("Восстановлены активные позиции", zap.Int("count", restored))
	return restored, nil
}

// RestoreInstance восстанавливает позицию одного экземпляра
func (l *Ledger) RestoreInstance(inst *models.Instance) bool {
	for _, p := range inst.Financials.OpenPositions {
		if p.Status == models.PositionActive {
			l.setActive(inst.ID, p)
			return true
		}
	}
	l.active.Delete(inst.ID)
	return false
}

// Audit сверяет locked_balance с суммой открытых позиций и исправляет расхождение.
// Возвращает исправленную разницу.
func (l *Ledger) Audit(ctx context.Context, instanceID string) (float64, error) {
	var drift float64
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		drift = 0
		inst, err := tx.GetInstance(instanceID)
		if err != nil {
			return err
		}
		fin := &inst.Financials
		open := fin.OpenTotal()
		diff := fin.LockedBalance - open
		if math.Abs(diff) <= l.cfg.DriftTolerance {
			return nil
		}
		drift = diff
		fin.LockedBalance = open
		fin.AvailableBalance = money(fin.AvailableBalance + diff)
		fin.CurrentBalance = money(fin.AvailableBalance + fin.LockedBalance)
		inst.UpdatedAt = l.now()
		return tx.SaveInstance(inst)
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка сверки баланса: %w", err)
	}
	if drift != 0 {
		metrics.LedgerDrift.Inc()
		logger.Warn("Исправлено расхождение locked_balance",
			zap.String("instance_id", instanceID),
			zap.Float64("drift", drift))
	}
	return drift, nil
}

// money убирает шум плавающей точки в суммах
func money(v float64) float64 {
	return decimal.NewFromFloat(v).Round(8).InexactFloat64()
}
