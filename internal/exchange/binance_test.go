package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[int64]ErrorKind{
		-1003: KindRateLimited,
		-2015: KindAuth,
		-1121: KindValidation,
		-1000: KindServer,
	}
	for code, want := range cases {
		err := wrap("op", &common.APIError{Code: code, Message: "x"})
		assert.True(t, IsKind(err, want), "code %d", code)
	}

	err := wrap("op", errors.New("connection reset"))
	assert.True(t, IsKind(err, KindNetwork))

	var exErr *Error
	require.ErrorAs(t, err, &exErr)
	assert.True(t, exErr.Retryable())
	assert.Nil(t, wrap("op", nil))
}

func TestFormatQuantity(t *testing.T) {
	assert.Equal(t, "0.001", FormatQuantity(100, 65000, 3))
	assert.Equal(t, "1.005", FormatQuantity(100.5, 100, 3))
	assert.Equal(t, "0", FormatQuantity(100, 0, 3))
}

func TestCandleFromKline(t *testing.T) {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	k := &futures.Kline{
		OpenTime:  open.UnixMilli(),
		Open:      "100.5",
		High:      "101",
		Low:       "99",
		Close:     "100",
		Volume:    "12.5",
		CloseTime: open.Add(15*time.Minute - time.Millisecond).UnixMilli(),
	}

	c, err := candleFromKline("BTCUSDT", "15m", k, open.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 100.5, c.Open)
	assert.Equal(t, 100.0, c.Close)
	assert.True(t, c.IsFinal)
	assert.True(t, c.OpenTime.Equal(open))

	c, err = candleFromKline("BTCUSDT", "15m", k, open.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, c.IsFinal)

	k.Close = "bad"
	_, err = candleFromKline("BTCUSDT", "15m", k, open)
	assert.Error(t, err)
}

func TestCandleFromWsKline(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := &futures.WsKlineEvent{
		Symbol: "BTCUSDT",
		Kline: futures.WsKline{
			StartTime: start.UnixMilli(),
			EndTime:   start.Add(time.Minute).UnixMilli(),
			Interval:  "1m",
			Open:      "1", High: "2", Low: "0.5", Close: "1.5", Volume: "10",
			IsFinal: true,
		},
	}
	c, err := candleFromWsKline(ev)
	require.NoError(t, err)
	assert.Equal(t, "1m", c.Interval)
	assert.Equal(t, 1.5, c.Close)
	assert.True(t, c.IsFinal)
}
