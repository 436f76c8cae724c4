package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/gate"
	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func candle(interval string, open time.Time, closePrice float64, final bool) *models.Candle {
	return &models.Candle{
		Symbol:   "BTCUSDT",
		Interval: interval,
		OpenTime: open,
		Open:     closePrice,
		High:     closePrice,
		Low:      closePrice,
		Close:    closePrice,
		IsFinal:  final,
	}
}

type stream struct {
	onKline func(*models.Candle)
	stop    chan struct{}
	done    chan struct{}
	drop    chan struct{}
}

type fakeSource struct {
	mu        sync.Mutex
	klines    []*models.Candle
	klinesErr error
	streams   []*stream
}

func (s *fakeSource) GetKlines(_ context.Context, _, _ string, limit int) ([]*models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.klinesErr != nil {
		return nil, s.klinesErr
	}
	return lastN(s.klines, limit), nil
}

func (s *fakeSource) ServeKlines(_, _ string, onKline func(*models.Candle), _ func(error)) (chan struct{}, chan struct{}, error) {
	st := &stream{
		onKline: onKline,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		drop:    make(chan struct{}),
	}
	go func() {
		select {
		case <-st.stop:
		case <-st.drop:
		}
		close(st.done)
	}()
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st.done, st.stop, nil
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *fakeSource) last() *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

func testConfig() config.FeedConfig {
	cfg := config.Default().Engine.Feed
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) sink(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestRingReplacesAndTrims(t *testing.T) {
	r := NewRing(3)
	r.Put(candle("15m", base.Add(30*time.Minute), 3, true))
	r.Put(candle("15m", base, 1, true))
	r.Put(candle("15m", base.Add(15*time.Minute), 2, false))
	r.Put(candle("15m", base.Add(15*time.Minute), 2.5, true))

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, 1.0, all[0].Close)
	assert.Equal(t, 2.5, all[1].Close)
	assert.Equal(t, 3.0, all[2].Close)

	r.Put(candle("15m", base.Add(45*time.Minute), 4, false))
	all = r.All()
	require.Len(t, all, 3)
	assert.Equal(t, 2.5, all[0].Close)
	assert.Equal(t, 4.0, r.Latest().Close)
	assert.Len(t, r.Closed(), 2)
}

func TestRingGrowKeepsMoreCandles(t *testing.T) {
	r := NewRing(2)
	r.Grow(4)
	r.Grow(1)
	for i := 0; i < 5; i++ {
		r.Put(candle("15m", base.Add(time.Duration(i)*15*time.Minute), float64(i), true))
	}
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, 1.0, r.All()[0].Close)
}

func TestIngestEmitsTickAndClosed(t *testing.T) {
	f := New(nil, testConfig(), nil, func() time.Time { return base.Add(time.Hour) })
	var c collector
	require.NoError(t, f.Subscribe(context.Background(), "BTCUSDT", "15m", "inst", c.sink))

	require.NoError(t, f.Ingest("inst", candle("15m", base, 100, false)))
	require.NoError(t, f.Ingest("inst", candle("15m", base, 101, true)))

	events := c.all()
	require.Len(t, events, 3)
	assert.Equal(t, CandleTick, events[0].Kind)
	assert.Equal(t, CandleTick, events[1].Kind)
	assert.Equal(t, CandleClosed, events[2].Kind)
	assert.Equal(t, "inst", events[2].InstanceID)
	require.Len(t, events[2].All, 1)
	assert.Equal(t, 101.0, events[2].All[0].Close)

	err := f.Ingest("other", candle("15m", base, 1, true))
	assert.True(t, errors.Is(err, ErrNotSubscribed))
}

func TestIngestDropsStaleFinalMinute(t *testing.T) {
	now := base.Add(10 * time.Minute)
	f := New(nil, testConfig(), nil, func() time.Time { return now })
	var c collector
	require.NoError(t, f.Subscribe(context.Background(), "BTCUSDT", "1m", "inst", c.sink))

	require.NoError(t, f.Ingest("inst", candle("1m", now.Add(-5*time.Minute), 100, true)))
	assert.Empty(t, c.all())
	assert.Nil(t, f.Latest("BTCUSDT", "1m"))

	require.NoError(t, f.Ingest("inst", candle("1m", now.Add(-30*time.Second), 100, false)))
	assert.Len(t, c.all(), 1)
}

func TestBootstrapReturnsClosedCandles(t *testing.T) {
	src := &fakeSource{klines: []*models.Candle{
		candle("15m", base, 1, true),
		candle("15m", base.Add(15*time.Minute), 2, true),
		candle("15m", base.Add(30*time.Minute), 3, false),
	}}
	f := New(src, testConfig(), nil, nil)

	closed, err := f.Bootstrap(context.Background(), "BTCUSDT", "15m", 25)
	require.NoError(t, err)
	assert.Len(t, closed, 2)
	assert.Equal(t, 3.0, f.Latest("BTCUSDT", "15m").Close)

	src.klinesErr = errors.New("boom")
	_, err = f.Bootstrap(context.Background(), "BTCUSDT", "15m", 25)
	assert.Error(t, err)
}

func TestSubscribeReconnectsAfterDrop(t *testing.T) {
	src := &fakeSource{}
	f := New(src, testConfig(), nil, func() time.Time { return base })
	defer f.Close()

	var c collector
	require.NoError(t, f.Subscribe(context.Background(), "BTCUSDT", "1m", "inst", c.sink))
	require.Eventually(t, func() bool { return src.count() == 1 }, time.Second, 5*time.Millisecond)

	src.last().onKline(candle("1m", base, 100, false))
	assert.Len(t, c.all(), 1)

	close(src.last().drop)
	require.Eventually(t, func() bool { return src.count() == 2 }, time.Second, 5*time.Millisecond)

	f.Reconnect("BTCUSDT", "1m", "inst")
	require.Eventually(t, func() bool { return src.count() == 3 }, time.Second, 5*time.Millisecond)

	f.Unsubscribe("BTCUSDT", "1m", "inst")
	assert.Equal(t, 3, src.count())
	select {
	case <-src.last().done:
	default:
		t.Fatal("поток не остановлен")
	}
}

func TestPriceFetcherFreshFromCache(t *testing.T) {
	now := base.Add(time.Hour)
	f := New(nil, testConfig(), nil, func() time.Time { return now })
	f.Prime("BTCUSDT", "1m", []*models.Candle{candle("1m", now.Add(-40*time.Second), 99.5, false)})

	p := NewPriceFetcher(f, gate.New(), config.Default().Engine.Price, func() time.Time { return now })
	price, err := p.Latest(context.Background(), "BTCUSDT", "inst")
	require.NoError(t, err)
	assert.Equal(t, 99.5, price.Close())
	assert.Equal(t, models.PriceSourceStream, price.Source)
}

func TestPriceFetcherFallsBackToREST(t *testing.T) {
	now := base.Add(time.Hour)
	src := &fakeSource{klines: []*models.Candle{candle("1m", now.Add(-10*time.Second), 101, false)}}
	f := New(src, testConfig(), nil, func() time.Time { return now })
	f.Prime("BTCUSDT", "1m", []*models.Candle{candle("1m", now.Add(-5*time.Minute), 99, true)})

	cfg := config.PriceConfig{Freshness: 90 * time.Second, PollInterval: 5 * time.Millisecond, Ceiling: 60 * time.Millisecond}
	p := NewPriceFetcher(f, gate.New(), cfg, func() time.Time { return now })

	price, err := p.Latest(context.Background(), "BTCUSDT", "inst")
	require.NoError(t, err)
	assert.Equal(t, models.PriceSourceREST, price.Source)
	assert.Equal(t, 101.0, price.Close())
	assert.Equal(t, 101.0, f.Latest("BTCUSDT", "1m").Close)
}

func TestPriceFetcherStale(t *testing.T) {
	now := base.Add(time.Hour)
	f := New(nil, testConfig(), nil, func() time.Time { return now })
	f.Prime("BTCUSDT", "1m", []*models.Candle{candle("1m", now.Add(-5*time.Minute), 99, true)})

	cfg := config.PriceConfig{Freshness: 90 * time.Second, PollInterval: 5 * time.Millisecond, Ceiling: 60 * time.Millisecond}
	p := NewPriceFetcher(f, gate.New(), cfg, func() time.Time { return now })

	start := time.Now()
	_, err := p.Latest(context.Background(), "BTCUSDT", "inst")
	assert.True(t, errors.Is(err, ErrFeedStale))
	assert.Less(t, time.Since(start), time.Second)
}
