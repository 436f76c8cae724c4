package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	s.retryDelay = time.Millisecond
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInstanceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := &models.Instance{
		ID:     "inst-1",
		Symbol: "BTCUSDT",
		Status: models.InstanceRunning,
		Financials: models.Financials{
			AllocatedCapital: 1000,
			CurrentBalance:   1000,
			AvailableBalance: 1000,
		},
	}
	require.NoError(t, SaveInstance(ctx, s, inst))

	got, err := GetInstance(ctx, s, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, 1000.0, got.Financials.AvailableBalance)

	_, err = GetInstance(ctx, s, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := ListInstances(ctx, s)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSignalsKeepKeyOnResave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	sig := &models.Signal{
		ID:         "sig-1",
		InstanceID: "inst-1",
		Type:       models.SignalEntry,
		Status:     models.SignalPending,
		Timestamp:  t0,
	}
	require.NoError(t, SaveSignal(ctx, s, sig))

	sig.Status = models.SignalExecuted
	sig.Timestamp = t0.Add(time.Hour)
	require.NoError(t, SaveSignal(ctx, s, sig))

	all, err := FindSignals(ctx, s, SignalQuery{InstanceID: "inst-1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.SignalExecuted, all[0].Status)

	var got *models.Signal
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		var err error
		got, err = tx.GetSignal("sig-1")
		return err
	}))
	assert.Equal(t, models.SignalExecuted, got.Status)
}

func TestFindSignalsFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, typ := range []models.SignalType{models.SignalEntry, models.SignalExit, models.SignalEntry} {
		require.NoError(t, SaveSignal(ctx, s, &models.Signal{
			ID:         string(rune('a' + i)),
			InstanceID: "inst-1",
			Type:       typ,
			Status:     models.SignalExecuted,
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, SaveSignal(ctx, s, &models.Signal{
		ID: "other", InstanceID: "inst-2", Type: models.SignalEntry, Timestamp: t0,
	}))

	entries, err := FindSignals(ctx, s, SignalQuery{InstanceID: "inst-1", Type: models.SignalEntry})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "c", entries[1].ID)

	recent, err := FindSignals(ctx, s, SignalQuery{InstanceID: "inst-1", Since: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	var n int
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		var err error
		n, err = tx.CountSignals(SignalQuery{Type: models.SignalEntry})
		return err
	}))
	assert.Equal(t, 3, n)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.SaveUser(&models.User{ID: "u1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx Tx) error {
		_, err := tx.GetUser("u1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRetriesConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		return tx.SaveUser(&models.User{ID: "u1"})
	}))

	// параллельные инкременты одного документа конфликтуют и повторяются
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, func(tx Tx) error {
				u, err := tx.GetUser("u1")
				if err != nil {
					return err
				}
				u.Stats.ClosedTrades++
				time.Sleep(5 * time.Millisecond)
				return tx.SaveUser(u)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var u *models.User
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		var err error
		u, err = tx.GetUser("u1")
		return err
	}))
	assert.Equal(t, 2, u.Stats.ClosedTrades)
}

func TestCooldownPersister(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, SaveInstance(ctx, s, &models.Instance{ID: "inst-1"}))

	until := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := CooldownPersister{Store: s}
	require.NoError(t, p.SetCooldown(ctx, "inst-1", &until))

	inst, err := GetInstance(ctx, s, "inst-1")
	require.NoError(t, err)
	require.NotNil(t, inst.CooldownUntil)
	assert.True(t, until.Equal(*inst.CooldownUntil))

	require.NoError(t, p.SetCooldown(ctx, "inst-1", nil))
	inst, err = GetInstance(ctx, s, "inst-1")
	require.NoError(t, err)
	assert.Nil(t, inst.CooldownUntil)
}
