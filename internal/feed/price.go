package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/gate"
	"github.com/skalibog/hurstbot/internal/metrics"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// ErrFeedStale свежая минутная цена не получена за отведенное время
var ErrFeedStale = errors.New("нет свежей минутной цены")

const staleLogEvery = time.Minute

// Price цена решения и ее источник
type Price struct {
	Candle *models.Candle
	Source string
}

// Close цена закрытия минутной свечи
func (p *Price) Close() float64 {
	return p.Candle.Close
}

// PriceFetcher достает свежую минутную цену из кэша, при необходимости через REST
type PriceFetcher struct {
	feed *Feed
	gate *gate.RateGate
	cfg  config.PriceConfig
	now  func() time.Time
}

// NewPriceFetcher создает получатель минутной цены
func NewPriceFetcher(f *Feed, g *gate.RateGate, cfg config.PriceConfig, now func() time.Time) *PriceFetcher {
	if now == nil {
		now = time.Now
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 30 * time.Second
	}
	return &PriceFetcher{feed: f, gate: g, cfg: cfg, now: now}
}

func (p *PriceFetcher) fresh(c *models.Candle) bool {
	return c != nil && p.now().Sub(c.OpenTime) <= p.cfg.Freshness
}

// Latest возвращает свежую минутную цену символа.
// Ждет не дольше Ceiling, один раз переподключает поток, последней попыткой идет в REST.
func (p *PriceFetcher) Latest(ctx context.Context, symbol, instanceID string) (*Price, error) {
	if c := p.feed.Latest(symbol, models.Interval1m); p.fresh(c) {
		metrics.PriceFetch.WithLabelValues(models.PriceSourceStream).Inc()
		return &Price{Candle: c, Source: models.PriceSourceStream}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Ceiling)
	defer cancel()
	deadline, _ := ctx.Deadline()
	reserve := p.cfg.Ceiling / 6

	p.feed.Reconnect(symbol, models.Interval1m, instanceID)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

poll:
	for time.Until(deadline) > reserve {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
			if c := p.feed.Latest(symbol, models.Interval1m); p.fresh(c) {
				metrics.PriceFetch.WithLabelValues(models.PriceSourceStream).Inc()
				return &Price{Candle: c, Source: models.PriceSourceStream}, nil
			}
		}
	}

	if ctx.Err() == nil {
		c, err := p.fetchREST(ctx, symbol)
		if err == nil && p.fresh(c) {
			metrics.PriceFetch.WithLabelValues(models.PriceSourceREST).Inc()
			return &Price{Candle: c, Source: models.PriceSourceREST}, nil
		}
		if err != nil && !errors.Is(err, ErrNoSource) {
			logger.Warn("Не удалось получить минутную свечу через REST",
				zap.String("instance_id", instanceID), zap.String("symbol", symbol), zap.Error(err))
		}
	}

	metrics.PriceFetch.WithLabelValues("stale").Inc()
	if p.gate == nil || p.gate.Allow(instanceID, gate.KindStaleLog, staleLogEvery, p.now()) {
		logger.Error("Нет свежей минутной цены, тик пропущен",
			zap.String("instance_id", instanceID),
			zap.String("symbol", symbol),
			zap.Duration("ceiling", p.cfg.Ceiling))
	}
	return nil, fmt.Errorf("%w: %s", ErrFeedStale, symbol)
}

func (p *PriceFetcher) fetchREST(ctx context.Context, symbol string) (*models.Candle, error) {
	if p.feed.src == nil {
		return nil, ErrNoSource
	}
	candles, err := p.feed.src.GetKlines(ctx, symbol, models.Interval1m, 1)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("пустой ответ для %s", symbol)
	}
	c := candles[len(candles)-1]
	p.feed.ring(symbol, models.Interval1m).Put(c)
	return c, nil
}
