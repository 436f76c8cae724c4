package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValid(t *testing.T) {
	require.NoError(t, ValidateParams(DefaultParams()))
}

func TestValidateParamsRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.StrategyParams)
	}{
		{"hurst periods low", func(p *models.StrategyParams) { p.Hurst.Periods = 5 }},
		{"hurst periods high", func(p *models.StrategyParams) { p.Hurst.Periods = 101 }},
		{"deviation factor", func(p *models.StrategyParams) { p.Hurst.UpperDeviationFactor = 6 }},
		{"ema periods", func(p *models.StrategyParams) { p.EMA.Periods = 300 }},
		{"allocation zero", func(p *models.StrategyParams) { p.CapitalAllocation.FirstEntry = 0 }},
		{"allocation above one", func(p *models.StrategyParams) { p.CapitalAllocation.ThirdEntry = 1.5 }},
		{"trailing stop", func(p *models.StrategyParams) { p.Signals.TrailingStop = 1 }},
		{"cooldown", func(p *models.StrategyParams) { p.CooldownHours = 49 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			assert.ErrorIs(t, ValidateParams(p), ErrConfig)
		})
	}
}

func TestParseMergesOverDefaults(t *testing.T) {
	data := []byte(`
engine:
  upper_band:
    phase_duration: 5m
  price:
    ceiling: 20s
instances:
  - symbol: BTCUSDT
    user_id: u1
    allocated_capital: 1000
    params:
      hurst:
        periods: 30
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Engine.UpperBand.PhaseDuration)
	assert.Equal(t, 8*time.Minute, cfg.Engine.UpperBand.ResetDuration)
	assert.Equal(t, 20*time.Second, cfg.Engine.Price.Ceiling)
	assert.Equal(t, 90*time.Second, cfg.Engine.Price.Freshness)

	require.Len(t, cfg.Instances, 1)
	p := cfg.Instances[0].Params
	assert.Equal(t, 30, p.Hurst.Periods)
	assert.Equal(t, DefaultParams().EMA, p.EMA)
	assert.Equal(t, DefaultParams().CapitalAllocation, p.CapitalAllocation)
}

func TestParseRejectsInvalidInstance(t *testing.T) {
	_, err := Parse([]byte("instances:\n  - symbol: BTCUSDT\n    allocated_capital: 0\n"))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Parse([]byte("instances:\n  - allocated_capital: 10\n"))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Parse([]byte("instances:\n  - symbol: BTCUSDT\n    allocated_capital: 10\n    params:\n      cooldown_hours: 100\n"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("binance:\n  api_key: from-file\n  api_secret: from-file\n"), 0o600))

	t.Setenv("BINANCE_API_KEY", "from-env")
	t.Setenv("BINANCE_API_SECRET", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Binance.APIKey)
	assert.Equal(t, "from-file", cfg.Binance.APISecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
