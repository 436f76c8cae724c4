package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/engine"
	"github.com/skalibog/hurstbot/internal/exchange"
	"github.com/skalibog/hurstbot/internal/ledger"
	"github.com/skalibog/hurstbot/internal/metrics"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/internal/ui"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "hurstbot",
		Short:         "Торговый бот по адаптивному каналу Херста для Binance Futures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "путь к файлу конфигурации")

	root.AddCommand(runCmd(), instanceCmd(), cooldownCmd(), archiveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
		os.Exit(1)
	}
}

// setup загружает конфигурацию и поднимает логгер
func setup(console bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	opts := cfg.Logging.Options()
	opts.Console = opts.Console && console
	if err := logger.Init(opts); err != nil {
		return nil, fmt.Errorf("ошибка инициализации логгера: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var withUI bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Запустить движок до SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(!withUI)
			if err != nil {
				return err
			}
			defer logger.GetLogger().Sync()
			return run(cmd.Context(), cfg, withUI)
		},
	}
	cmd.Flags().BoolVar(&withUI, "ui", false, "показать терминальную панель")
	return cmd
}

func run(parent context.Context, cfg *config.Config, withUI bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBadgerStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("ошибка инициализации хранилища: %w", err)
	}
	defer store.Close()

	archive, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer archive.Close()

	client := exchange.NewBinanceClient(cfg.Binance)
	opts := []engine.Option{engine.WithSource(client), engine.WithArchive(archive)}
	if cfg.Binance.LiveTrading {
		prepareAccount(ctx, client, cfg)
		opts = append(opts, engine.WithExecutor(ledger.NewExecutor(client, cfg.Binance.QuantityPrecision)))
	}
	eng := engine.New(cfg, store, opts...)

	if err := seedInstances(ctx, eng, store, cfg); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("Метрики доступны", zap.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if withUI {
		g.Go(func() error {
			// выход из панели останавливает движок
			defer stop()
			signals, unsubscribe := eng.Router().Subscribe()
			defer unsubscribe()
			return ui.NewTermUI(cfg.UI, eng, signals).Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("Завершение работы")
	return err
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func openArchive(cfg *config.Config) (storage.Archive, error) {
	if !cfg.Archive.Enabled {
		return storage.NopArchive{}, nil
	}
	a, err := storage.NewInfluxArchive(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к архиву: %w", err)
	}
	return a, nil
}

// prepareAccount выставляет плечо и тип маржи для пар экземпляров
func prepareAccount(ctx context.Context, client *exchange.BinanceClient, cfg *config.Config) {
	for _, ic := range cfg.Instances {
		fields := []zap.Field{zap.String("symbol", ic.Symbol)}
		if err := client.SetLeverage(ctx, ic.Symbol, cfg.Binance.Leverage); err != nil {
			logger.Warn("Не удалось установить плечо", append(fields, zap.Error(err))...)
		}
		if err := client.SetMarginMode(ctx, ic.Symbol, cfg.Binance.MarginType); err != nil {
			logger.Warn("Не удалось установить тип маржи", append(fields, zap.Error(err))...)
		}
	}
	balance, err := client.AccountBalance(ctx, "USDT")
	if err != nil {
		logger.Warn("Не удалось получить баланс счета", zap.Error(err))
		return
	}
	logger.Info("Баланс счета", zap.Float64("usdt", balance))
}

// instanceID идентификатор экземпляра из конфигурации. Без явного id он выводится из пары и пользователя.
func instanceID(ic config.InstanceConfig) string {
	if ic.ID != "" {
		return ic.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(ic.UserID+"/"+ic.Symbol)).String()
}

// seedInstances создает экземпляры из конфигурации, которых еще нет в хранилище
func seedInstances(ctx context.Context, eng *engine.Engine, store storage.Store, cfg *config.Config) error {
	for _, ic := range cfg.Instances {
		id := instanceID(ic)
		if _, err := storage.GetInstance(ctx, store, id); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		inst, err := engine.NewInstance(ic.UserID, ic.Symbol, ic.AllocatedCapital, ic.Params, time.Now())
		if err != nil {
			return err
		}
		inst.ID = id
		if err := eng.AddInstance(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}
