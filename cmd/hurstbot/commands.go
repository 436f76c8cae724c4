package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/engine"
	"github.com/skalibog/hurstbot/internal/exchange"
	"github.com/skalibog/hurstbot/internal/storage"
	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// withStore открывает хранилище на время административной команды.
// Badger не допускает второго процесса, команды работают при остановленном движке.
func withStore(fn func(ctx context.Context, cfg *config.Config, store *storage.BadgerStore) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup(false)
		if err != nil {
			return err
		}
		store, err := storage.NewBadgerStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("ошибка открытия хранилища: %w", err)
		}
		defer store.Close()
		return fn(cmd.Context(), cfg, store)
	}
}

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Управление экземплярами стратегии",
	}
	cmd.AddCommand(instanceAddCmd(), instanceListCmd(), instanceSignalsCmd())
	return cmd
}

func instanceAddCmd() *cobra.Command {
	var (
		symbol, user, paramsPath string
		capital                  float64
		withPrice                bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Проверить параметры и сохранить новый экземпляр",
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, store *storage.BadgerStore) error {
			params, err := loadParams(paramsPath)
			if err != nil {
				return err
			}
			inst, err := engine.NewInstance(user, symbol, capital, params, time.Now())
			if err != nil {
				return err
			}
			if err := engine.New(cfg, store).AddInstance(ctx, inst); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Экземпляр %s создан: %s, капитал %.2f\n", inst.ID, inst.Symbol, capital)
			if withPrice {
				price, err := exchange.NewBinanceClient(cfg.Binance).CurrentPrice(ctx, symbol)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Текущая цена %s: %.8f\n", symbol, price)
			}
			return nil
		})(cmd, args)
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "торговая пара, например BTCUSDT")
	cmd.Flags().Float64Var(&capital, "capital", 0, "выделенный капитал")
	cmd.Flags().StringVar(&user, "user", "", "идентификатор пользователя")
	cmd.Flags().StringVar(&paramsPath, "params", "", "YAML-файл с параметрами стратегии")
	cmd.Flags().BoolVar(&withPrice, "price", false, "показать текущую цену пары")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("capital")
	return cmd
}

// loadParams читает параметры стратегии поверх значений по умолчанию
func loadParams(path string) (models.StrategyParams, error) {
	params := config.DefaultParams()
	if path == "" {
		return params, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("ошибка чтения параметров: %w", err)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("ошибка разбора параметров: %w", err)
	}
	return params, nil
}

func instanceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Показать экземпляры и их балансы",
	}
	cmd.RunE = withStore(func(ctx context.Context, _ *config.Config, store *storage.BadgerStore) error {
		instances, err := storage.ListInstances(ctx, store)
		if err != nil {
			return err
		}
		printInstances(cmd.OutOrStdout(), instances)
		return nil
	})
	return cmd
}

func printInstances(w io.Writer, instances []*models.Instance) {
	if len(instances) == 0 {
		fmt.Fprintln(w, "Экземпляров нет")
		return
	}
	for _, inst := range instances {
		f := inst.Financials
		fmt.Fprintf(w, "%s  %-10s %-8s баланс %.2f  свободно %.2f  в позиции %.2f  прибыль %.2f",
			inst.ID, inst.Symbol, inst.Status, f.CurrentBalance, f.AvailableBalance, f.LockedBalance, f.TotalProfit)
		if inst.ActivePosition != nil {
			fmt.Fprintf(w, "  входов %d", inst.ActivePosition.EntryCount)
		}
		if inst.CooldownUntil != nil {
			fmt.Fprintf(w, "  пауза до %s", inst.CooldownUntil.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
}

func instanceSignalsCmd() *cobra.Command {
	var (
		fromArchive bool
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "signals <instance-id>",
		Short: "Показать сигналы экземпляра",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if fromArchive {
			cfg, err := setup(false)
			if err != nil {
				return err
			}
			archive, err := storage.NewInfluxArchive(cfg.Archive)
			if err != nil {
				return err
			}
			defer archive.Close()
			sigs, err := archive.GetSignalHistory(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			printSignals(cmd.OutOrStdout(), sigs)
			return nil
		}
		return withStore(func(ctx context.Context, _ *config.Config, store *storage.BadgerStore) error {
			sigs, err := storage.FindSignals(ctx, store, storage.SignalQuery{InstanceID: id})
			if err != nil {
				return err
			}
			if limit > 0 && len(sigs) > limit {
				sigs = sigs[len(sigs)-limit:]
			}
			printSignals(cmd.OutOrStdout(), sigs)
			return nil
		})(cmd, args)
	}
	cmd.Flags().BoolVar(&fromArchive, "archive", false, "читать из архива InfluxDB")
	cmd.Flags().IntVar(&limit, "limit", 50, "количество сигналов")
	return cmd
}

func printSignals(w io.Writer, sigs []*models.Signal) {
	for _, s := range sigs {
		fmt.Fprintf(w, "%s  %-14s %-16s %-9s цена %.8f  сумма %.2f",
			s.Timestamp.Format(time.RFC3339), s.Type, s.SubType, s.Status, s.Price, s.Amount)
		if s.Profit != nil {
			fmt.Fprintf(w, "  прибыль %.2f", *s.Profit)
		}
		if s.Reason != "" {
			fmt.Fprintf(w, "  (%s)", s.Reason)
		}
		fmt.Fprintln(w)
	}
}

func cooldownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cooldown",
		Short: "Управление паузами после выхода",
	}
	clearCmd := &cobra.Command{
		Use:   "clear <instance-id>",
		Short: "Снять паузу экземпляра",
		Args:  cobra.ExactArgs(1),
	}
	clearCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, store *storage.BadgerStore) error {
			if _, err := storage.GetInstance(ctx, store, args[0]); err != nil {
				return err
			}
			if err := engine.New(cfg, store).Cooldowns().Clear(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Пауза экземпляра %s снята\n", args[0])
			return nil
		})(cmd, args)
	}
	cmd.AddCommand(clearCmd)
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Операции с архивом свечей",
	}
	var (
		symbol, interval string
		days             int
	)
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Загрузить исторические свечи в архив",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(false)
			if err != nil {
				return err
			}
			if !cfg.Archive.Enabled {
				return fmt.Errorf("%w: архив отключен", config.ErrConfig)
			}
			archive, err := storage.NewInfluxArchive(cfg.Archive)
			if err != nil {
				return err
			}
			defer archive.Close()

			client := exchange.NewBinanceClient(cfg.Binance)
			end := time.Now()
			start := end.Add(-time.Duration(days) * 24 * time.Hour)
			total := 0
			for start.Before(end) {
				candles, err := client.GetKlinesRange(cmd.Context(), symbol, interval, 1000, start, end)
				if err != nil {
					return err
				}
				if len(candles) == 0 {
					break
				}
				if err := archive.SaveCandles(cmd.Context(), candles); err != nil {
					return err
				}
				total += len(candles)
				start = candles[len(candles)-1].CloseTime.Add(time.Millisecond)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Сохранено свечей %s %s: %d\n", symbol, interval, total)
			return nil
		},
	}
	backfill.Flags().StringVar(&symbol, "symbol", "", "торговая пара")
	backfill.Flags().StringVar(&interval, "interval", models.Interval1h, "интервал свечей")
	backfill.Flags().IntVar(&days, "days", 30, "глубина в днях")
	_ = backfill.MarkFlagRequired("symbol")
	cmd.AddCommand(backfill)
	return cmd
}
