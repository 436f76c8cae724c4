package ui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/skalibog/hurstbot/internal/engine"
	"github.com/skalibog/hurstbot/internal/signals/upperband"
	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	statuses []engine.Status
	err      error
}

func (f fakeSource) Status(context.Context) ([]engine.Status, error) {
	return f.statuses, f.err
}

func status(symbol string, phase upperband.Phase) engine.Status {
	return engine.Status{
		Instance: &models.Instance{
			ID:     symbol + "-id",
			Symbol: symbol,
			Status: models.InstanceRunning,
			Financials: models.Financials{
				CurrentBalance:   1000,
				AvailableBalance: 900,
				LockedBalance:    100,
			},
		},
		Running: true,
		Phase:   phase,
		Snapshot: &models.IndicatorSnapshot{
			Hurst: &models.HurstResult{UpperBand: 110, LowerBand: 95, HurstExponent: 0.61},
		},
	}
}

func TestFetchLoadsStatuses(t *testing.T) {
	src := fakeSource{statuses: []engine.Status{status("BTCUSDT", upperband.ExitCounting)}}
	m := newModel(src, time.Second)

	msg := m.fetch()()
	next, cmd := m.Update(msg)
	assert.Nil(t, cmd)

	view := next.(model).View()
	assert.Contains(t, view, "BTCUSDT")
	assert.Contains(t, view, string(upperband.ExitCounting))
	assert.Contains(t, view, "H=0.61")
}

func TestStatusErrorKeepsLastStatuses(t *testing.T) {
	m := newModel(fakeSource{}, time.Second)
	next, _ := m.Update(statusMsg{statuses: []engine.Status{status("ETHUSDT", upperband.WaitingForExit)}})
	next, _ = next.Update(statusMsg{err: errors.New("нет связи")})

	mm := next.(model)
	require.Len(t, mm.statuses, 1)
	assert.Contains(t, mm.View(), "нет связи")
}

func TestSelectionBounded(t *testing.T) {
	m := newModel(fakeSource{}, time.Second)
	next, _ := m.Update(statusMsg{statuses: []engine.Status{
		status("BTCUSDT", upperband.WaitingForExit),
		status("ETHUSDT", upperband.WaitingForExit),
	}})

	down := tea.KeyMsg{Type: tea.KeyDown}
	next, _ = next.Update(down)
	next, _ = next.Update(down)
	assert.Equal(t, 1, next.(model).selected)

	up := tea.KeyMsg{Type: tea.KeyUp}
	next, _ = next.Update(up)
	next, _ = next.Update(up)
	assert.Equal(t, 0, next.(model).selected)
}

func TestSignalsNewestFirstAndCapped(t *testing.T) {
	var next tea.Model = newModel(fakeSource{}, time.Second)
	for i := 0; i < maxSignals+5; i++ {
		next, _ = next.Update(signalMsg{signal: &models.Signal{
			Symbol:  "BTCUSDT",
			Type:    models.SignalEntry,
			SubType: "first",
			Price:   float64(i),
		}})
	}
	mm := next.(model)
	require.Len(t, mm.signals, maxSignals)
	assert.Equal(t, float64(maxSignals+4), mm.signals[0].Price)
	assert.Contains(t, mm.View(), "ВХОД")
}

func TestQuit(t *testing.T) {
	m := newModel(fakeSource{}, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
