package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowThrottlesPerKey(t *testing.T) {
	g := New()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, g.Allow("a", "lowerBandTouch", 30*time.Second, t0))
	assert.False(t, g.Allow("a", "lowerBandTouch", 30*time.Second, t0.Add(10*time.Second)))
	assert.False(t, g.Allow("a", "lowerBandTouch", 30*time.Second, t0.Add(29*time.Second)))
	assert.True(t, g.Allow("a", "lowerBandTouch", 30*time.Second, t0.Add(30*time.Second)))

	// другой экземпляр и другой вид независимы
	assert.True(t, g.Allow("b", "lowerBandTouch", 30*time.Second, t0.Add(10*time.Second)))
	assert.True(t, g.Allow("a", "trailingStop", 30*time.Second, t0.Add(10*time.Second)))
}

func TestMarkAndElapsed(t *testing.T) {
	g := New()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, g.Elapsed("a", KindEntry, 2*time.Hour, t0))

	g.Mark("a", KindEntry, t0)
	last, ok := g.Last("a", KindEntry)
	require.True(t, ok)
	assert.Equal(t, t0, last)

	assert.False(t, g.Elapsed("a", KindEntry, 2*time.Hour, t0.Add(time.Hour)))
	assert.True(t, g.Elapsed("a", KindEntry, 2*time.Hour, t0.Add(2*time.Hour)))
}

func TestResetForgetsInstance(t *testing.T) {
	g := New()
	t0 := time.Now()
	g.Mark("a", KindEntry, t0)
	g.Mark("b", KindEntry, t0)
	require.True(t, g.Allow("a", "x", time.Minute, t0))

	g.Reset("a")

	_, ok := g.Last("a", KindEntry)
	assert.False(t, ok)
	assert.True(t, g.Allow("a", "x", time.Minute, t0))
	_, ok = g.Last("b", KindEntry)
	assert.True(t, ok)
}
