// Package feed держит кэш последних свечей и живые подписки на поток Binance.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/metrics"
	"github.com/skalibog/hurstbot/internal/registry"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrNotSubscribed нет подписки экземпляра на символ и интервал
	ErrNotSubscribed = errors.New("нет подписки на поток")
	// ErrNoSource поток работает без биржи
	ErrNoSource = errors.New("источник свечей не настроен")
)

// Source REST и WebSocket источник свечей
type Source interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)
	ServeKlines(symbol, interval string, onKline func(*models.Candle), onErr func(error)) (chan struct{}, chan struct{}, error)
}

type subscription struct {
	symbol     string
	interval   string
	instanceID string
	sink       Sink
	cancel     context.CancelFunc
	reconnect  chan struct{}
	done       chan struct{}
	lastMsg    atomic.Int64
}

// Feed кэш свечей и менеджер подписок
type Feed struct {
	src     Source
	cfg     config.FeedConfig
	archive storage.Archive
	now     func() time.Time

	rings *registry.Registry[*Ring]
	subs  *registry.Registry[*subscription]

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New создает поток свечей. src может быть nil, тогда свечи подаются через Ingest.
func New(src Source, cfg config.FeedConfig, archive storage.Archive, now func() time.Time) *Feed {
	if archive == nil {
		archive = storage.NopArchive{}
	}
	if now == nil {
		now = time.Now
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	return &Feed{
		src:     src,
		cfg:     cfg,
		archive: archive,
		now:     now,
		rings:   registry.New[*Ring](),
		subs:    registry.New[*subscription](),
	}
}

func ringKey(symbol, interval string) string {
	return symbol + "|" + interval
}

func subKey(symbol, interval, instanceID string) string {
	return symbol + "|" + interval + "|" + instanceID
}

func (f *Feed) ring(symbol, interval string) *Ring {
	return f.rings.GetOrCreate(ringKey(symbol, interval), func() *Ring {
		size := f.cfg.RingSizes[interval]
		if size <= 0 {
			size = 2
		}
		return NewRing(size)
	})
}

// Bootstrap загружает последние limit закрытых свечей и прогревает кэш.
// Ошибки REST возвращаются вызывающему без повторов.
func (f *Feed) Bootstrap(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	ring := f.ring(symbol, interval)
	// место под limit закрытых и одну текущую свечу
	ring.Grow(limit + 1)
	if f.src == nil {
		return lastN(ring.Closed(), limit), nil
	}

	candles, err := f.src.GetKlines(ctx, symbol, interval, limit+1)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки свечей %s %s: %w", symbol, interval, err)
	}
	ring.Replace(candles)

	closed := make([]*models.Candle, 0, len(candles))
	for _, c := range candles {
		if c.IsFinal {
			closed = append(closed, c)
		}
	}
	logger.Debug("Загружены свечи",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Int("count", len(closed)))
	return lastN(closed, limit), nil
}

// Prime заполняет кэш готовыми свечами без обращения к бирже
func (f *Feed) Prime(symbol, interval string, candles []*models.Candle) {
	f.ring(symbol, interval).Replace(candles)
}

// Subscribe открывает поток символа и интервала для экземпляра.
// Повторная подписка заменяет предыдущую.
func (f *Feed) Subscribe(ctx context.Context, symbol, interval, instanceID string, sink Sink) error {
	if f.closed.Load() {
		return fmt.Errorf("подписка %s %s: поток закрыт", symbol, interval)
	}
	f.Unsubscribe(symbol, interval, instanceID)

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		symbol:     symbol,
		interval:   interval,
		instanceID: instanceID,
		sink:       sink,
		cancel:     cancel,
		reconnect:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	sub.lastMsg.Store(f.now().UnixNano())
	f.subs.Set(subKey(symbol, interval, instanceID), sub)

	if f.src == nil {
		close(sub.done)
		return nil
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(subCtx, sub)
	}()

	logger.Info("Подписка на поток свечей",
		zap.String("instance_id", instanceID),
		zap.String("symbol", symbol),
		zap.String("interval", interval))
	return nil
}

// Unsubscribe закрывает поток и отменяет keep-alive
func (f *Feed) Unsubscribe(symbol, interval, instanceID string) {
	key := subKey(symbol, interval, instanceID)
	sub, ok := f.subs.Get(key)
	if !ok {
		return
	}
	f.subs.Delete(key)
	sub.cancel()
	<-sub.done
}

// UnsubscribeInstance закрывает все потоки экземпляра
func (f *Feed) UnsubscribeInstance(instanceID string) {
	var keys []*subscription
	f.subs.Range(func(_ string, sub *subscription) bool {
		if sub.instanceID == instanceID {
			keys = append(keys, sub)
		}
		return true
	})
	for _, sub := range keys {
		f.Unsubscribe(sub.symbol, sub.interval, sub.instanceID)
	}
}

// Reconnect принудительно переподключает поток
func (f *Feed) Reconnect(symbol, interval, instanceID string) {
	sub, ok := f.subs.Get(subKey(symbol, interval, instanceID))
	if !ok {
		return
	}
	select {
	case sub.reconnect <- struct{}{}:
	default:
	}
}

// Latest последняя свеча в кэше
func (f *Feed) Latest(symbol, interval string) *models.Candle {
	return f.ring(symbol, interval).Latest()
}

// Closed закрытые свечи в кэше
func (f *Feed) Closed(symbol, interval string) []*models.Candle {
	return f.ring(symbol, interval).Closed()
}

// Ingest принимает свечу для подписки экземпляра и рассылает события
func (f *Feed) Ingest(instanceID string, c *models.Candle) error {
	sub, ok := f.subs.Get(subKey(c.Symbol, c.Interval, instanceID))
	if !ok {
		return fmt.Errorf("%w: %s %s %s", ErrNotSubscribed, instanceID, c.Symbol, c.Interval)
	}
	f.deliver(sub, c)
	return nil
}

func (f *Feed) deliver(sub *subscription, c *models.Candle) {
	now := f.now()
	sub.lastMsg.Store(now.UnixNano())

	// запоздавшая закрытая минутная свеча не годится как цена решения
	if c.Interval == models.Interval1m && c.IsFinal && now.Sub(c.OpenTime) > f.cfg.StaleAfter {
		logger.Debug("Пропущена устаревшая минутная свеча",
			zap.String("instance_id", sub.instanceID),
			zap.String("symbol", c.Symbol),
			zap.Time("open_time", c.OpenTime))
		return
	}

	ring := f.ring(c.Symbol, c.Interval)
	ring.Put(c)
	sub.sink(Event{Kind: CandleTick, InstanceID: sub.instanceID, Candle: c})

	if !c.IsFinal {
		return
	}
	if c.Interval != models.Interval1m {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.archive.SaveCandles(ctx, []*models.Candle{c}); err != nil {
			logger.Warn("Не удалось сохранить свечу в архив", zap.String("symbol", c.Symbol), zap.Error(err))
		}
		cancel()
	}
	sub.sink(Event{Kind: CandleClosed, InstanceID: sub.instanceID, Candle: c, All: ring.Closed()})
}

func (f *Feed) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	b := &backoff.Backoff{
		Min:    f.cfg.ReconnectDelay,
		Max:    f.cfg.ReconnectDelay,
		Factor: 1,
	}
	keepAlive := time.NewTicker(f.cfg.KeepAlive)
	defer keepAlive.Stop()

	fields := []zap.Field{
		zap.String("instance_id", sub.instanceID),
		zap.String("symbol", sub.symbol),
		zap.String("interval", sub.interval),
	}

	for {
		onKline := func(c *models.Candle) {
			if c.Interval == "" {
				c.Interval = sub.interval
			}
			f.deliver(sub, c)
		}
		onErr := func(err error) {
			logger.Warn("Ошибка потока свечей", append(fields, zap.Error(err))...)
		}

		doneC, stopC, err := f.src.ServeKlines(sub.symbol, sub.interval, onKline, onErr)
		if err != nil {
			d := b.Duration()
			logger.Error("Не удалось открыть поток свечей", append(fields, zap.Error(err), zap.Duration("retry_in", d))...)
			if !sleep(ctx, d) {
				return
			}
			metrics.FeedReconnects.WithLabelValues(sub.interval).Inc()
			continue
		}
		b.Reset()

		wait := f.serve(ctx, sub, doneC, stopC, keepAlive.C, fields)
		if ctx.Err() != nil {
			return
		}
		if wait && !sleep(ctx, b.Duration()) {
			return
		}
		metrics.FeedReconnects.WithLabelValues(sub.interval).Inc()
		logger.Info("Переподключение потока свечей", fields...)
	}
}

// serve ждет окончания потока. Возвращает true, если перед переподключением нужна пауза.
func (f *Feed) serve(ctx context.Context, sub *subscription, doneC, stopC chan struct{}, keepAlive <-chan time.Time, fields []zap.Field) bool {
	lastKeepAlive := f.now()
	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return false
		case <-doneC:
			logger.Warn("Поток свечей разорван", fields...)
			return true
		case <-sub.reconnect:
			close(stopC)
			<-doneC
			return false
		case <-keepAlive:
			now := f.now()
			last := time.Unix(0, sub.lastMsg.Load())
			if last.Before(lastKeepAlive) {
				logger.Warn("Поток свечей молчит, переподключение", append(fields, zap.Time("last_message", last))...)
				close(stopC)
				<-doneC
				return false
			}
			lastKeepAlive = now
			logger.Debug("Keep-alive потока свечей", fields...)
		}
	}
}

// Close закрывает все подписки и ждет их завершения
func (f *Feed) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.subs.Range(func(_ string, sub *subscription) bool {
		sub.cancel()
		return true
	})
	f.wg.Wait()
	f.subs.DeleteFunc(func(string, *subscription) bool { return true })
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func lastN(candles []*models.Candle, n int) []*models.Candle {
	if n > 0 && len(candles) > n {
		return candles[len(candles)-n:]
	}
	return candles
}
