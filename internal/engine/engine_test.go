package engine

import (
	"context"
	"testing"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/signals/upperband"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *Harness {
	t.Helper()
	h, err := NewHarness(config.Default(), t0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func addInstance(t *testing.T, h *Harness) *models.Instance {
	t.Helper()
	inst, err := NewInstance("user-1", "BTCUSDT", 1000, config.DefaultParams(), t0)
	require.NoError(t, err)
	require.NoError(t, h.AddInstance(context.Background(), inst))
	h.SetSnapshot(inst.ID, &models.IndicatorSnapshot{
		Hurst: &models.HurstResult{
			UpperBand:  110,
			MiddleBand: 102.5,
			LowerBand:  95,
			Trend:      models.TrendSideways,
			Timestamp:  t0,
		},
		UpdatedAt: t0,
	})
	return inst
}

func tickAt(t *testing.T, h *Harness, id string, minute int, price float64) {
	t.Helper()
	h.Clock.Set(t0.Add(time.Duration(minute) * time.Minute))
	require.NoError(t, h.Tick(context.Background(), id, price))
}

func TestNewInstanceValidates(t *testing.T) {
	_, err := NewInstance("u", "", 100, config.DefaultParams(), t0)
	assert.ErrorIs(t, err, config.ErrConfig)

	_, err = NewInstance("u", "BTCUSDT", 0, config.DefaultParams(), t0)
	assert.ErrorIs(t, err, config.ErrConfig)

	inst, err := NewInstance("u", "BTCUSDT", 500, config.DefaultParams(), t0)
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, models.InstanceRunning, inst.Status)
	assert.Equal(t, 500.0, inst.Financials.AvailableBalance)
}

func TestScenarioEntryExitCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inst := addInstance(t, h)

	// касание нижней границы открывает первую ступень
	tickAt(t, h, inst.ID, 1, 94.5)
	got, err := h.Instance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActivePosition)
	assert.Equal(t, 1, got.ActivePosition.EntryCount)
	assert.InDelta(t, 100.0, got.Financials.LockedBalance, 1e-6)
	assert.InDelta(t, 900.0, got.Financials.AvailableBalance, 1e-6)

	// выход над верхней границей и возврат под нее
	tickAt(t, h, inst.ID, 10, 110.11)
	tickAt(t, h, inst.ID, 18, 110.15)
	tickAt(t, h, inst.ID, 18, 109.88)

	statuses, err := h.Engine.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, upperband.ReturnCounting, statuses[0].Phase)

	for m := 19; m < 26; m++ {
		tickAt(t, h, inst.ID, m, 109.90)
		got, err = h.Instance(ctx, inst.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ActivePosition, "минута %d", m)
	}
	tickAt(t, h, inst.ID, 26, 109.90)

	got, err = h.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ActivePosition)
	require.Len(t, got.Financials.ClosedPositions, 1)
	assert.InDelta(t, 0.0, got.Financials.LockedBalance, 1e-6)
	assert.Greater(t, got.Financials.AvailableBalance, 1000.0)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, got.CooldownUntil.After(t0.Add(26*time.Minute)))

	// во время паузы касание нижней границы игнорируется
	tickAt(t, h, inst.ID, 30, 94.0)
	entries, err := storage.FindSignals(ctx, h.Store, storage.SignalQuery{
		InstanceID: inst.ID,
		Type:       models.SignalEntry,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	exits, err := storage.FindSignals(ctx, h.Store, storage.SignalQuery{
		InstanceID: inst.ID,
		Type:       models.SignalExit,
		Status:     models.SignalExecuted,
	})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.KindUpperBandReturn, exits[0].Metadata.Kind)
}

func TestScenarioNoSnapshotNoSignals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inst, err := NewInstance("user-1", "ETHUSDT", 1000, config.DefaultParams(), t0)
	require.NoError(t, err)
	require.NoError(t, h.AddInstance(ctx, inst))

	tickAt(t, h, inst.ID, 1, 1.0)

	sigs, err := storage.FindSignals(ctx, h.Store, storage.SignalQuery{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Empty(t, sigs)

	statuses, err := h.Engine.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].Snapshot)
	require.NotNil(t, statuses[0].Snapshot.LastPrice)
	assert.Equal(t, 1.0, *statuses[0].Snapshot.LastPrice)
}

func TestRunStartsAndStopsActors(t *testing.T) {
	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	inst, err := NewInstance("user-1", "BTCUSDT", 1000, config.DefaultParams(), t0)
	require.NoError(t, err)
	require.NoError(t, storage.SaveInstance(context.Background(), store, inst))

	e := New(config.Default(), store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	running := func() bool {
		statuses, err := e.Status(context.Background())
		return err == nil && len(statuses) == 1 && statuses[0].Running
	}
	require.Eventually(t, running, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.StopInstance(context.Background(), inst.ID))
	got, err := storage.GetInstance(context.Background(), store, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStopped, got.Status)
	assert.False(t, running())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("движок не остановился")
	}
}
