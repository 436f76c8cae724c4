// Package engine запускает экземпляры стратегии как независимых акторов.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/cooldown"
	"github.com/skalibog/hurstbot/internal/feed"
	"github.com/skalibog/hurstbot/internal/gate"
	"github.com/skalibog/hurstbot/internal/indicators"
	"github.com/skalibog/hurstbot/internal/ledger"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/skalibog/hurstbot/internal/registry"
	"github.com/skalibog/hurstbot/internal/signals"
	"github.com/skalibog/hurstbot/internal/signals/lowerband"
	"github.com/skalibog/hurstbot/internal/signals/trailing"
	"github.com/skalibog/hurstbot/internal/signals/upperband"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning движок еще не запущен
var ErrNotRunning = errors.New("движок не запущен")

// Option настройка движка
type Option func(*Engine)

// WithSource источник свечей биржи
func WithSource(src feed.Source) Option {
	return func(e *Engine) { e.source = src }
}

// WithArchive архив свечей и сигналов
func WithArchive(a storage.Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithExecutor исполнитель живых ордеров
func WithExecutor(x *ledger.Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithClock подменяет часы всех компонентов
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine связывает поток свечей, индикаторы, автоматы и книгу позиций
type Engine struct {
	cfg      *config.Config
	store    storage.Store
	archive  storage.Archive
	source   feed.Source
	executor *ledger.Executor
	now      func() time.Time

	feed       *feed.Feed
	prices     *feed.PriceFetcher
	indicators *indicators.Engine
	locks      *lock.Manager
	gate       *gate.RateGate
	cooldowns  *cooldown.Service
	ledger     *ledger.Ledger
	router     *ledger.Router
	upper      *upperband.Machine
	lower      *lowerband.Machine
	trailing   *trailing.Tracker

	actors *registry.Registry[*actor]

	mu    sync.Mutex
	group *errgroup.Group
	ctx   context.Context
}

// New собирает движок
func New(cfg *config.Config, store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		archive: storage.NopArchive{},
		now:     time.Now,
		actors:  registry.New[*actor](),
	}
	for _, opt := range opts {
		opt(e)
	}

	ec := cfg.Engine
	e.locks = lock.NewManager(ec.Locks.Timeout)
	e.gate = gate.New()
	e.feed = feed.New(e.source, ec.Feed, e.archive, e.now)
	e.prices = feed.NewPriceFetcher(e.feed, e.gate, ec.Price, e.now)
	e.indicators = indicators.NewEngine(e.now)
	e.cooldowns = cooldown.NewService(e.locks, storage.CooldownPersister{Store: store}, e.now)
	e.ledger = ledger.New(store, ec.Ledger, e.now)

	routerOpts := []ledger.RouterOption{ledger.WithArchive(e.archive), ledger.WithClock(e.now)}
	if e.executor != nil {
		routerOpts = append(routerOpts, ledger.WithExecutor(e.executor))
	}
	e.router = ledger.NewRouter(store, e.ledger, e.locks, e.gate, e.cooldowns, routerOpts...)

	e.upper = upperband.New(e.locks, e.indicators, e.ledger, e.router, upperband.ThresholdsFrom(ec.UpperBand), e.now)
	e.lower = lowerband.New(e.locks, e.indicators, e.ledger, e.cooldowns, e.router, e.gate, ec.LowerBand.Throttle, e.now)
	e.trailing = trailing.New(e.locks, e.indicators, e.ledger, e.router, e.gate, ec.Trailing, e.now)
	return e
}

// Router маршрутизатор сигналов
func (e *Engine) Router() *ledger.Router {
	return e.router
}

// Cooldowns сервис пауз
func (e *Engine) Cooldowns() *cooldown.Service {
	return e.cooldowns
}

// Run восстанавливает состояние и запускает акторы до отмены контекста
func (e *Engine) Run(ctx context.Context) error {
	instances, err := e.restore(ctx)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	e.mu.Lock()
	e.group, e.ctx = group, gctx
	e.mu.Unlock()

	for _, inst := range instances {
		if inst.Status == models.InstanceRunning {
			e.spawn(inst.ID)
		}
	}
	logger.Info("Движок запущен", zap.Int("instances", len(instances)), zap.Int("running", e.actors.Len()))

	<-gctx.Done()
	err = group.Wait()
	e.feed.Close()
	logger.Info("Движок остановлен")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// restore поднимает активные позиции и паузы из хранилища
func (e *Engine) restore(ctx context.Context) ([]*models.Instance, error) {
	if _, err := e.ledger.Restore(ctx); err != nil {
		return nil, err
	}
	instances, err := storage.ListInstances(ctx, e.store)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения экземпляров: %w", err)
	}
	for _, inst := range instances {
		if inst.CooldownUntil != nil {
			e.cooldowns.Restore(inst.ID, *inst.CooldownUntil)
		}
	}
	return instances, nil
}

func (e *Engine) spawn(instanceID string) {
	e.mu.Lock()
	group, ctx := e.group, e.ctx
	e.mu.Unlock()
	if group == nil {
		return
	}

	actorCtx, cancel := context.WithCancel(ctx)
	a := newActor(e, instanceID, cancel)
	e.actors.Set(instanceID, a)
	group.Go(func() error {
		return a.run(actorCtx)
	})
}

// NewInstance формирует экземпляр с начальным балансом и проверенными параметрами
func NewInstance(userID, symbol string, capital float64, params models.StrategyParams, now time.Time) (*models.Instance, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: не указан symbol", config.ErrConfig)
	}
	if capital <= 0 {
		return nil, fmt.Errorf("%w: капитал должен быть положительным", config.ErrConfig)
	}
	if err := config.ValidateParams(params); err != nil {
		return nil, err
	}
	return &models.Instance{
		ID:     uuid.NewString(),
		UserID: userID,
		Symbol: symbol,
		Status: models.InstanceRunning,
		Params: params,
		Financials: models.Financials{
			AllocatedCapital: capital,
			CurrentBalance:   capital,
			AvailableBalance: capital,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AddInstance сохраняет экземпляр и запускает его актор, если движок работает
func (e *Engine) AddInstance(ctx context.Context, inst *models.Instance) error {
	if err := config.ValidateParams(inst.Params); err != nil {
		return err
	}
	if err := storage.SaveInstance(ctx, e.store, inst); err != nil {
		return fmt.Errorf("ошибка сохранения экземпляра: %w", err)
	}
	e.ledger.RestoreInstance(inst)
	if inst.Status == models.InstanceRunning {
		if _, running := e.actors.Get(inst.ID); !running {
			e.spawn(inst.ID)
		}
	}
	logger.Info("Добавлен экземпляр", logger.Instance(inst.ID, inst.Symbol)...)
	return nil
}

// StopInstance останавливает актор и помечает экземпляр остановленным
func (e *Engine) StopInstance(ctx context.Context, instanceID string) error {
	if a, ok := e.actors.Get(instanceID); ok {
		a.stop()
	}
	return e.store.Update(ctx, func(tx storage.Tx) error {
		inst, err := tx.GetInstance(instanceID)
		if err != nil {
			return err
		}
		inst.Status = models.InstanceStopped
		inst.UpdatedAt = e.now()
		return tx.SaveInstance(inst)
	})
}

// Instances все сохраненные экземпляры
func (e *Engine) Instances(ctx context.Context) ([]*models.Instance, error) {
	return storage.ListInstances(ctx, e.store)
}

// Status сводка по экземпляру для отображения
type Status struct {
	Instance *models.Instance
	Running  bool
	Phase    upperband.Phase
	Trailing trailing.State
	Snapshot *models.IndicatorSnapshot
	Cooldown *models.Cooldown
}

// Status собирает сводку по всем экземплярам
func (e *Engine) Status(ctx context.Context) ([]Status, error) {
	instances, err := e.Instances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(instances))
	for _, inst := range instances {
		_, running := e.actors.Get(inst.ID)
		cd, _ := e.cooldowns.Active(inst.ID)
		out = append(out, Status{
			Instance: inst,
			Running:  running,
			Phase:    e.upper.Peek(inst.ID).Phase,
			Trailing: e.trailing.State(inst.ID),
			Snapshot: e.indicators.Snapshot(inst.ID),
			Cooldown: cd,
		})
	}
	return out, nil
}

// prepare инициализирует экземпляр: прогревает кэш, считает индикаторы, подписывается на поток
func (e *Engine) prepare(ctx context.Context, inst *models.Instance, sink feed.Sink) error {
	return e.locks.WithLock(ctx, lock.InitKey(inst.ID), func(ctx context.Context) error {
		if err := e.upper.Initialize(ctx, inst.ID); err != nil {
			return err
		}
		e.trailing.Reset(inst.ID)

		p := inst.Params
		hurstCandles, err := e.feed.Bootstrap(ctx, inst.Symbol, p.Hurst.Interval, e.limit(p.Hurst.Interval, p.Hurst.Periods))
		if err != nil {
			return err
		}
		emaCandles, err := e.feed.Bootstrap(ctx, inst.Symbol, p.EMA.Interval, e.limit(p.EMA.Interval, p.EMA.Periods))
		if err != nil {
			return err
		}
		if _, err := e.feed.Bootstrap(ctx, inst.Symbol, models.Interval1m, e.limit(models.Interval1m, 2)); err != nil {
			return err
		}

		snap := e.indicators.Recompute(inst.ID, p, hurstCandles, emaCandles, true)
		if snap != nil && snap.Hurst != nil {
			logger.Info("Индикаторы рассчитаны", append(logger.Instance(inst.ID, inst.Symbol),
				zap.Float64("hurst", snap.Hurst.HurstExponent),
				zap.Float64("upper", snap.Hurst.UpperBand),
				zap.Float64("lower", snap.Hurst.LowerBand))...)
		}

		for _, interval := range intervals(p) {
			if err := e.feed.Subscribe(ctx, inst.Symbol, interval, inst.ID, sink); err != nil {
				return err
			}
		}
		return nil
	})
}

// teardown снимает подписки и очищает состояние экземпляра
func (e *Engine) teardown(ctx context.Context, instanceID string) {
	err := e.locks.WithLock(ctx, lock.CleanupKey(instanceID), func(ctx context.Context) error {
		e.feed.UnsubscribeInstance(instanceID)
		e.trailing.Reset(instanceID)
		e.indicators.Forget(instanceID)
		return e.upper.Cleanup(ctx, instanceID)
	})
	if err != nil {
		logger.Warn("Ошибка очистки экземпляра", zap.String("instance_id", instanceID), zap.Error(err))
	}
}

func (e *Engine) limit(interval string, min int) int {
	n := e.cfg.Engine.Feed.RingSizes[interval]
	if n < min {
		n = min
	}
	return n
}

func intervals(p models.StrategyParams) []string {
	out := []string{models.Interval1m}
	for _, iv := range []string{p.Hurst.Interval, p.EMA.Interval} {
		dup := false
		for _, have := range out {
			if have == iv {
				dup = true
			}
		}
		if !dup {
			out = append(out, iv)
		}
	}
	return out
}

// handleEvent обрабатывает событие потока. Ошибки автоматов логируются и не прерывают актор.
func (e *Engine) handleEvent(ctx context.Context, ev feed.Event) {
	inst, err := storage.GetInstance(ctx, e.store, ev.InstanceID)
	if err != nil {
		logger.Error("Не удалось загрузить экземпляр", zap.String("instance_id", ev.InstanceID), zap.Error(err))
		return
	}

	c := ev.Candle
	if ev.Kind == feed.CandleClosed && c.Interval != models.Interval1m {
		e.indicators.OnCandleClosed(inst.ID, inst.Params, c, ev.All)
		return
	}
	if ev.Kind == feed.CandleTick && c.Interval == models.Interval1m {
		e.onMinute(ctx, inst)
	}
}

func (e *Engine) onMinute(ctx context.Context, inst *models.Instance) {
	fields := logger.Instance(inst.ID, inst.Symbol)

	price, err := e.prices.Latest(ctx, inst.Symbol, inst.ID)
	if err != nil {
		return
	}
	e.indicators.OnPrice(inst.ID, price.Close())
	tick := signals.FromPrice(price)

	if _, err := e.lower.Update(ctx, inst, tick); err != nil {
		logger.Error("Ошибка автомата нижней границы", append(fields, zap.Error(err))...)
	}
	if err := e.upper.Update(ctx, inst, tick); err != nil {
		logger.Error("Ошибка автомата верхней границы", append(fields, zap.Error(err))...)
	}
	if err := e.trailing.Update(ctx, inst, tick); err != nil {
		logger.Error("Ошибка трейлинг-стопа", append(fields, zap.Error(err))...)
	}
}
