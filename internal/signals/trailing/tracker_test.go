package trailing

import (
	"context"
	"testing"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/gate"
	"github.com/skalibog/hurstbot/internal/ledger"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/skalibog/hurstbot/internal/signals"
	"github.com/skalibog/hurstbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type positions struct{ active bool }

func (p *positions) HasActivePosition(string) bool          { return p.active }
func (p *positions) ActivePosition(string) *models.Position { return nil }

type snaps struct{ snap *models.IndicatorSnapshot }

func (s snaps) Snapshot(string) *models.IndicatorSnapshot { return s.snap }

type exiter struct{ intents []ledger.ExitIntent }

func (e *exiter) HandleExit(_ context.Context, in ledger.ExitIntent) (*models.Signal, error) {
	e.intents = append(e.intents, in)
	return &models.Signal{}, nil
}

func candle(high, closePrice float64) signals.Tick {
	return signals.Tick{Candle: &models.Candle{High: high, Close: closePrice}, Source: models.PriceSourceStream}
}

func setup(snap *models.IndicatorSnapshot) (*Tracker, *exiter, *time.Time, *models.Instance) {
	now := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	ex := &exiter{}
	tr := New(lock.NewManager(0), snaps{snap}, &positions{active: true}, ex, gate.New(), config.Default().Engine.Trailing, func() time.Time { return now })

	params := config.DefaultParams()
	params.Signals.EnableTrailingStop = true
	params.Signals.TrailingStop = 0.02
	params.Signals.TrailingStopDelay = 300_000
	return tr, ex, &now, &models.Instance{ID: "inst", Symbol: "BTCUSDT", Params: params}
}

func TestTrailingStopFires(t *testing.T) {
	tr, ex, now, inst := setup(&models.IndicatorSnapshot{Hurst: &models.HurstResult{UpperBand: 100}})
	ctx := context.Background()

	require.NoError(t, tr.Update(ctx, inst, candle(105, 104)))
	st := tr.State("inst")
	require.True(t, st.Armed)
	assert.Equal(t, 105.0, st.Highest)

	*now = now.Add(3 * time.Minute)
	require.NoError(t, tr.Update(ctx, inst, candle(103, 102.8)))
	assert.Empty(t, ex.intents, "до истечения задержки выхода нет")

	*now = now.Add(3 * time.Minute)
	require.NoError(t, tr.Update(ctx, inst, candle(103, 102.8)))
	require.Len(t, ex.intents, 1)
	assert.Equal(t, models.KindTrailingStop, ex.intents[0].Kind)
	assert.Equal(t, 102.8, ex.intents[0].Price)
	require.NotNil(t, ex.intents[0].HighestPrice)
	assert.Equal(t, 105.0, *ex.intents[0].HighestPrice)
	assert.False(t, tr.State("inst").Armed)
}

func TestTrailingStopStrongUpWidens(t *testing.T) {
	snap := &models.IndicatorSnapshot{
		Hurst:    &models.HurstResult{UpperBand: 100},
		EMALong:  models.Float(95),
		EMAShort: models.Float(98),
	}
	tr, ex, now, inst := setup(snap)
	ctx := context.Background()

	require.NoError(t, tr.Update(ctx, inst, candle(105, 104)))
	*now = now.Add(6 * time.Minute)
	require.NoError(t, tr.Update(ctx, inst, candle(103, 102.8)))
	assert.Empty(t, ex.intents)
	assert.True(t, tr.State("inst").Armed)

	assert.InDelta(t, 0.03, tr.EffectivePercent(0.02, models.TrendStrongUp), 1e-12)
	assert.InDelta(t, 0.014, tr.EffectivePercent(0.02, models.TrendLabelDown), 1e-12)
	assert.InDelta(t, 0.02, tr.EffectivePercent(0.02, models.TrendNeutral), 1e-12)
}

func TestTrailingDisabledOrFlat(t *testing.T) {
	tr, ex, _, inst := setup(&models.IndicatorSnapshot{Hurst: &models.HurstResult{UpperBand: 100}})
	inst.Params.Signals.EnableTrailingStop = false
	require.NoError(t, tr.Update(context.Background(), inst, candle(105, 104)))
	assert.False(t, tr.State("inst").Armed)

	inst.Params.Signals.EnableTrailingStop = true
	tr.positions = &positions{active: false}
	require.NoError(t, tr.Update(context.Background(), inst, candle(105, 104)))
	assert.False(t, tr.State("inst").Armed)
	assert.Empty(t, ex.intents)
}
