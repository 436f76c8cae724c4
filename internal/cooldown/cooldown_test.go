package cooldown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memPersister struct {
	mu    sync.Mutex
	until map[string]*time.Time
}

func (p *memPersister) SetCooldown(_ context.Context, id string, until *time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.until == nil {
		p.until = map[string]*time.Time{}
	}
	p.until[id] = until
	return nil
}

func TestStartAndExpire(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := &memPersister{}
	s := NewService(lock.NewManager(0), p, clock.Now)

	cd, err := s.Start(context.Background(), "inst", 12*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, cd)
	assert.Equal(t, 12.0, cd.DurationHours)
	require.NotNil(t, p.until["inst"])
	assert.Equal(t, clock.Now().Add(12*time.Hour), *p.until["inst"])

	_, active := s.Active("inst")
	assert.True(t, active)

	clock.Advance(12 * time.Hour)
	_, active = s.Active("inst")
	assert.False(t, active)
}

func TestStartRejectsTooLong(t *testing.T) {
	s := NewService(lock.NewManager(0), nil, nil)
	_, err := s.Start(context.Background(), "inst", 49*time.Hour)
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestStartZeroIsNoop(t *testing.T) {
	s := NewService(lock.NewManager(0), nil, nil)
	cd, err := s.Start(context.Background(), "inst", 0)
	require.NoError(t, err)
	assert.Nil(t, cd)
	_, active := s.Active("inst")
	assert.False(t, active)
}

func TestClear(t *testing.T) {
	p := &memPersister{}
	s := NewService(lock.NewManager(0), p, nil)
	_, err := s.Start(context.Background(), "inst", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Clear(context.Background(), "inst"))
	_, active := s.Active("inst")
	assert.False(t, active)
	assert.Nil(t, p.until["inst"])
}

func TestRestore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewService(lock.NewManager(0), nil, clock.Now)

	s.Restore("old", clock.Now().Add(-time.Minute))
	_, active := s.Active("old")
	assert.False(t, active)

	s.Restore("inst", clock.Now().Add(3*time.Hour))
	cd, active := s.Active("inst")
	require.True(t, active)
	assert.InDelta(t, 3.0, cd.DurationHours, 1e-9)
}
