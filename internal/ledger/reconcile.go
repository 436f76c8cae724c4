package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// Способы восстановления позиции при выходе
const (
	ReconcileActive    = "active"
	ReconcilePersisted = "persisted"
	ReconcileSignals   = "signals"
	ReconcileSynthetic = "synthetic"
)

// reconcile находит позицию, которую закрывает выход
func (r *Router) reconcile(ctx context.Context, inst *models.Instance, now time.Time) (*models.Position, string, error) {
	if pos := r.ledger.ActivePosition(inst.ID); pos != nil {
		return pos, ReconcileActive, nil
	}
	for _, p := range inst.Financials.OpenPositions {
		if p.Status == models.PositionActive && len(p.Entries) > 0 {
			return p.Clone(), ReconcilePersisted, nil
		}
	}

	fields := logger.Instance(inst.ID, inst.Symbol)

	pos, err := r.fromSignals(ctx, inst, now)
	if err != nil {
		return nil, "", fmt.Errorf("ошибка поиска сигналов входа: %w", err)
	}
	if pos != nil {
		logger.Warn("Позиция восстановлена по сигналам входа", append(fields,
			zap.String("position_id", pos.ID),
			zap.Int("entries", len(pos.Entries)))...)
		return pos, ReconcileSignals, nil
	}

	if r.ledger.cfg.SyntheticFallback && inst.ActivePosition != nil {
		if pos := synthesize(inst); pos != nil {
			logger.Warn("Позиция синтезирована из сведений экземпляра", append(fields,
				zap.String("position_id", pos.ID),
				zap.Float64("total_amount", pos.TotalAmount))...)
			return pos, ReconcileSynthetic, nil
		}
	}

	if inst.ActivePosition == nil && inst.Financials.LockedBalance <= r.ledger.cfg.DriftTolerance {
		return nil, "", ErrNoActivePosition
	}
	return nil, "", ErrPositionNotReconcilable
}

// fromSignals собирает позицию из исполненных сигналов входа за окно сверки.
// Берется самая большая группа по position_id без последующего выхода.
func (r *Router) fromSignals(ctx context.Context, inst *models.Instance, now time.Time) (*models.Position, error) {
	since := now.Add(-r.ledger.cfg.ReconcileWindow)
	entries, err := storage.FindSignals(ctx, r.store, storage.SignalQuery{
		InstanceID: inst.ID,
		Type:       models.SignalEntry,
		Status:     models.SignalExecuted,
		Since:      since,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	exits, err := storage.FindSignals(ctx, r.store, storage.SignalQuery{
		InstanceID: inst.ID,
		Type:       models.SignalExit,
		Status:     models.SignalExecuted,
		Since:      since,
	})
	if err != nil {
		return nil, err
	}

	closedIDs := make(map[string]bool)
	for _, x := range exits {
		for _, id := range x.EntrySignalIDs {
			closedIDs[id] = true
		}
	}

	groups := make(map[string][]*models.Signal)
	var keys []string
	for _, s := range entries {
		if s.PositionID == "" || closedIDs[s.ID] {
			continue
		}
		if _, ok := groups[s.PositionID]; !ok {
			keys = append(keys, s.PositionID)
		}
		groups[s.PositionID] = append(groups[s.PositionID], s)
	}

	var best []*models.Signal
	var bestKey string
	for _, key := range keys {
		group := groups[key]
		if interleaved(group, exits) {
			continue
		}
		if len(group) > len(best) {
			best, bestKey = group, key
		}
	}
	if len(best) == 0 {
		return nil, nil
	}

	sort.Slice(best, func(i, j int) bool { return best[i].Timestamp.Before(best[j].Timestamp) })
	if len(best) > models.MaxEntries {
		best = best[len(best)-models.MaxEntries:]
	}
	pos := &models.Position{
		ID:         bestKey,
		InstanceID: inst.ID,
		Symbol:     inst.Symbol,
		Status:     models.PositionActive,
	}
	for _, s := range best {
		pos.AddEntry(models.Entry{
			SignalID:  s.ID,
			Price:     s.Price,
			Amount:    s.Amount,
			Timestamp: s.Timestamp,
			SubType:   models.EntrySubType(s.SubType),
		})
	}
	return pos, nil
}

// interleaved есть ли выход по этой позиции или после ее первого входа
func interleaved(group []*models.Signal, exits []*models.Signal) bool {
	first := group[0].Timestamp
	for _, s := range group[1:] {
		if s.Timestamp.Before(first) {
			first = s.Timestamp
		}
	}
	for _, x := range exits {
		if x.PositionID == group[0].PositionID || x.Timestamp.After(first) {
			return true
		}
	}
	return false
}

// synthesize строит позицию по краткой сводке в документе экземпляра
func synthesize(inst *models.Instance) *models.Position {
	meta := inst.ActivePosition
	if meta.TotalAmount <= 0 || meta.AverageEntryPrice <= 0 || meta.PositionID == "" {
		return nil
	}
	count := meta.EntryCount
	if count < 1 {
		count = 1
	}
	if count > models.MaxEntries {
		count = models.MaxEntries
	}

	pos := &models.Position{
		ID:         meta.PositionID,
		InstanceID: inst.ID,
		Symbol:     inst.Symbol,
		Status:     models.PositionActive,
	}
	for i := 0; i < count; i++ {
		var signalID string
		if i < len(meta.EntrySignalIDs) {
			signalID = meta.EntrySignalIDs[i]
		}
		sub, _ := models.NextEntrySubType(i)
		ts := meta.FirstEntryTime
		if i == count-1 && !meta.LastEntryTime.IsZero() {
			ts = meta.LastEntryTime
		}
		pos.AddEntry(models.Entry{
			SignalID:  signalID,
			Price:     meta.AverageEntryPrice,
			Amount:    meta.TotalAmount / float64(count),
			Timestamp: ts,
			SubType:   sub,
		})
	}
	return pos
}
