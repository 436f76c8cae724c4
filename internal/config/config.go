package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// ErrConfig параметры вне допустимых диапазонов
var ErrConfig = errors.New("некорректная конфигурация")

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance   BinanceConfig    `yaml:"binance"`
	Engine    EngineConfig     `yaml:"engine"`
	Storage   StorageConfig    `yaml:"storage"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	UI        UIConfig         `yaml:"ui"`
	Instances []InstanceConfig `yaml:"instances"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey            string `yaml:"api_key"`
	APISecret         string `yaml:"api_secret"`
	Testnet           bool   `yaml:"testnet"`
	LiveTrading       bool   `yaml:"live_trading"`
	Leverage          int    `yaml:"leverage"`
	MarginType        string `yaml:"margin_type"`
	QuantityPrecision int32  `yaml:"quantity_precision"`
}

// EngineConfig настройки ядра
type EngineConfig struct {
	Feed      FeedConfig      `yaml:"feed"`
	Price     PriceConfig     `yaml:"price"`
	UpperBand UpperBandConfig `yaml:"upper_band"`
	LowerBand LowerBandConfig `yaml:"lower_band"`
	Trailing  TrailingConfig  `yaml:"trailing"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Locks     LockConfig      `yaml:"locks"`
}

// FeedConfig настройки потока свечей
type FeedConfig struct {
	ReconnectDelay time.Duration  `yaml:"reconnect_delay"`
	KeepAlive      time.Duration  `yaml:"keep_alive"`
	StaleAfter     time.Duration  `yaml:"stale_after"`
	RingSizes      map[string]int `yaml:"ring_sizes"`
}

// PriceConfig политика свежести минутной цены
type PriceConfig struct {
	Freshness    time.Duration `yaml:"freshness"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Ceiling      time.Duration `yaml:"ceiling"`
}

// UpperBandConfig пороги и длительности автомата верхней границы
type UpperBandConfig struct {
	ExitTriggerPct   float64       `yaml:"exit_trigger_pct"`
	ReturnTriggerPct float64       `yaml:"return_trigger_pct"`
	ExitResetPct     float64       `yaml:"exit_reset_pct"`
	ReturnResetPct   float64       `yaml:"return_reset_pct"`
	PhaseDuration    time.Duration `yaml:"phase_duration"`
	ResetDuration    time.Duration `yaml:"reset_duration"`
}

// LowerBandConfig настройки автомата нижней границы
type LowerBandConfig struct {
	Throttle time.Duration `yaml:"throttle"`
}

// TrailingConfig настройки трейлинг-стопа
type TrailingConfig struct {
	Throttle           time.Duration `yaml:"throttle"`
	StrongUpMultiplier float64       `yaml:"strong_up_multiplier"`
	DownMultiplier     float64       `yaml:"down_multiplier"`
}

// LedgerConfig настройки учета позиций
type LedgerConfig struct {
	DriftTolerance    float64       `yaml:"drift_tolerance"`
	ReconcileWindow   time.Duration `yaml:"reconcile_window"`
	SyntheticFallback bool          `yaml:"synthetic_fallback"`
}

// LockConfig настройки именованных блокировок
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig настройки документного хранилища
type StorageConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig настройки архива InfluxDB
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// LoggingConfig настройки логирования
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	JSONFile   string `yaml:"json_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

// Options переводит настройки в параметры логгера
func (c LoggingConfig) Options() logger.Options {
	return logger.Options{
		Level:      c.Level,
		File:       c.File,
		JSONFile:   c.JSONFile,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Console:    c.Console,
	}
}

// MetricsConfig настройки Prometheus
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	RefreshRate int `yaml:"refresh_rate_ms"`
}

// InstanceConfig экземпляр, создаваемый при старте
type InstanceConfig struct {
	ID               string                `yaml:"id"`
	UserID           string                `yaml:"user_id"`
	Symbol           string                `yaml:"symbol"`
	AllocatedCapital float64               `yaml:"allocated_capital"`
	Params           models.StrategyParams `yaml:"params"`
}

// UnmarshalYAML заполняет параметры по умолчанию до разбора
func (c *InstanceConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain InstanceConfig
	p := plain{Params: DefaultParams()}
	if err := unmarshal(&p); err != nil {
		return err
	}
	*c = InstanceConfig(p)
	return nil
}

// DefaultParams параметры стратегии по умолчанию
func DefaultParams() models.StrategyParams {
	return models.StrategyParams{
		Hurst: models.HurstParams{
			Periods:              25,
			UpperDeviationFactor: 2.0,
			LowerDeviationFactor: 2.0,
			Interval:             models.Interval15m,
		},
		EMA: models.EMAParams{
			Periods:      30,
			ShortPeriods: 5,
			Interval:     models.Interval1h,
		},
		Signals: models.SignalParams{
			CheckEMATrend:     true,
			MinEntryTimeGap:   7_200_000,
			TrailingStop:      0.02,
			TrailingStopDelay: 300_000,
		},
		CapitalAllocation: models.CapitalAllocation{
			FirstEntry:  0.10,
			SecondEntry: 0.25,
			ThirdEntry:  0.50,
		},
		CooldownHours: 12,
	}
}

// Default конфигурация со значениями по умолчанию
func Default() *Config {
	return &Config{
		Binance: BinanceConfig{
			Leverage:          1,
			MarginType:        "ISOLATED",
			QuantityPrecision: 3,
		},
		Engine: EngineConfig{
			Feed: FeedConfig{
				ReconnectDelay: 5 * time.Second,
				KeepAlive:      30 * time.Minute,
				StaleAfter:     90 * time.Second,
				RingSizes: map[string]int{
					models.Interval1h:  100,
					models.Interval15m: 25,
					models.Interval1m:  2,
				},
			},
			Price: PriceConfig{
				Freshness:    90 * time.Second,
				PollInterval: 2 * time.Second,
				Ceiling:      30 * time.Second,
			},
			UpperBand: UpperBandConfig{
				ExitTriggerPct:   0.0009,
				ReturnTriggerPct: 0.001,
				ExitResetPct:     0.001,
				ReturnResetPct:   0.0009,
				PhaseDuration:    8 * time.Minute,
				ResetDuration:    8 * time.Minute,
			},
			LowerBand: LowerBandConfig{Throttle: 30 * time.Second},
			Trailing: TrailingConfig{
				Throttle:           30 * time.Second,
				StrongUpMultiplier: 1.5,
				DownMultiplier:     0.7,
			},
			Ledger: LedgerConfig{
				DriftTolerance:    0.01,
				ReconcileWindow:   24 * time.Hour,
				SyntheticFallback: true,
			},
			Locks: LockConfig{Timeout: 0},
		},
		Storage: StorageConfig{
			Path:       "data/hurstbot",
			SyncWrites: true,
			RetryDelay: time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "app.log",
			JSONFile:   "app.json.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{Listen: ":9108"},
		UI:      UIConfig{RefreshRate: 1000},
	}
}

// Load загружает конфигурацию из файла поверх значений по умолчанию
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("ошибка чтения .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.Binance.APIKey = key
	}
	if secret := os.Getenv("BINANCE_API_SECRET"); secret != "" {
		cfg.Binance.APISecret = secret
	}

	logger.Debug("Загружена конфигурация", zap.String("path", path), zap.Int("instances", len(cfg.Instances)))
	return cfg, nil
}

// Parse разбирает YAML и проверяет параметры экземпляров
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	for i, inst := range c.Instances {
		if inst.Symbol == "" {
			return fmt.Errorf("%w: instances[%d]: не указан symbol", ErrConfig, i)
		}
		if inst.AllocatedCapital <= 0 {
			return fmt.Errorf("%w: instances[%d]: allocated_capital должен быть положительным", ErrConfig, i)
		}
		if err := ValidateParams(inst.Params); err != nil {
			return fmt.Errorf("instances[%d]: %w", i, err)
		}
	}
	return nil
}

var validate = validator.New()

// ValidateParams проверяет диапазоны параметров стратегии
func ValidateParams(p models.StrategyParams) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}
