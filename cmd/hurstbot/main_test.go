package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDStable(t *testing.T) {
	ic := config.InstanceConfig{UserID: "u1", Symbol: "BTCUSDT"}
	assert.Equal(t, instanceID(ic), instanceID(ic))
	assert.NotEqual(t, instanceID(ic), instanceID(config.InstanceConfig{UserID: "u1", Symbol: "ETHUSDT"}))

	ic.ID = "explicit"
	assert.Equal(t, "explicit", instanceID(ic))
}

func TestLoadParamsOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hurst:\n  periods: 40\ncooldown_hours: 6\n"), 0o600))

	p, err := loadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 40, p.Hurst.Periods)
	assert.Equal(t, 6.0, p.CooldownHours)
	assert.Equal(t, config.DefaultParams().EMA, p.EMA)

	p, err = loadParams("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultParams(), p)
}

func TestPrintInstances(t *testing.T) {
	var buf bytes.Buffer
	printInstances(&buf, nil)
	assert.Contains(t, buf.String(), "Экземпляров нет")

	until := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	buf.Reset()
	printInstances(&buf, []*models.Instance{{
		ID:             "id-1",
		Symbol:         "BTCUSDT",
		Status:         models.InstanceRunning,
		Financials:     models.Financials{CurrentBalance: 1000, AvailableBalance: 900, LockedBalance: 100},
		ActivePosition: &models.PositionMeta{EntryCount: 2},
		CooldownUntil:  &until,
	}})
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "входов 2")
	assert.Contains(t, out, "2024-06-01T12:00:00Z")
}
