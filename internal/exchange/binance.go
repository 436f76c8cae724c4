package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/pkg/models"
)

// Side направление ордера
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// BinanceClient клиент для взаимодействия с Binance Futures
type BinanceClient struct {
	futures *futures.Client
	cfg     config.BinanceConfig
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) *BinanceClient {
	futures.UseTestnet = cfg.Testnet
	return &BinanceClient{
		futures: futures.NewClient(cfg.APIKey, cfg.APISecret),
		cfg:     cfg,
	}
}

// GetKlines получает последние limit свечей
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	return c.GetKlinesRange(ctx, symbol, interval, limit, time.Time{}, time.Time{})
}

// GetKlinesRange получает свечи в диапазоне времени. Нулевые границы не передаются.
func (c *BinanceClient) GetKlinesRange(ctx context.Context, symbol, interval string, limit int, start, end time.Time) ([]*models.Candle, error) {
	svc := c.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit)
	if !start.IsZero() {
		svc = svc.StartTime(start.UnixMilli())
	}
	if !end.IsZero() {
		svc = svc.EndTime(end.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, wrap("получение свечей", err)
	}

	now := time.Now()
	candles := make([]*models.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := candleFromKline(symbol, interval, k, now)
		if err != nil {
			return nil, wrap("разбор свечей", err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// ServeKlines открывает поток свечей. Возвращает каналы завершения и остановки потока.
func (c *BinanceClient) ServeKlines(symbol, interval string, onKline func(*models.Candle), onErr func(error)) (chan struct{}, chan struct{}, error) {
	handler := func(event *futures.WsKlineEvent) {
		candle, err := candleFromWsKline(event)
		if err != nil {
			onErr(err)
			return
		}
		onKline(candle)
	}
	doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, onErr)
	if err != nil {
		return nil, nil, wrap("подписка на свечи", err)
	}
	return doneC, stopC, nil
}

// CurrentPrice получает текущую цену
func (c *BinanceClient) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.futures.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, wrap("получение цены", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price)
		}
	}
	return 0, &Error{Kind: KindValidation, Op: "получение цены", Err: fmt.Errorf("нет цены для %s", symbol)}
}

// OpenPosition открывает или увеличивает позицию рыночным ордером
func (c *BinanceClient) OpenPosition(ctx context.Context, symbol string, side Side, quantity string) error {
	_, err := c.futures.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		Do(ctx)
	return wrap("открытие позиции", err)
}

// ClosePosition закрывает позицию рыночным ордером только на уменьшение
func (c *BinanceClient) ClosePosition(ctx context.Context, symbol string, side Side, quantity string) error {
	_, err := c.futures.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(true).
		Do(ctx)
	return wrap("закрытие позиции", err)
}

// SetLeverage устанавливает плечо
func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.futures.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return wrap("установка плеча", err)
}

// SetMarginMode устанавливает тип маржи
func (c *BinanceClient) SetMarginMode(ctx context.Context, symbol, mode string) error {
	marginType := futures.MarginTypeIsolated
	if strings.EqualFold(mode, string(futures.MarginTypeCrossed)) {
		marginType = futures.MarginTypeCrossed
	}
	err := c.futures.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
	if err != nil && strings.Contains(err.Error(), "No need to change margin type") {
		return nil
	}
	return wrap("установка типа маржи", err)
}

// AccountBalance получает доступный баланс в валюте
func (c *BinanceClient) AccountBalance(ctx context.Context, currency string) (float64, error) {
	balances, err := c.futures.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, wrap("получение баланса", err)
	}
	for _, b := range balances {
		if b.Asset == currency {
			return parseFloat(b.AvailableBalance)
		}
	}
	return 0, nil
}

// FormatQuantity переводит сумму в количество базового актива с округлением вниз
func FormatQuantity(amount, price float64, precision int32) string {
	if price <= 0 {
		return "0"
	}
	qty := decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(price))
	return qty.RoundDown(precision).StringFixed(precision)
}

// RoundQuantity округляет количество вниз до шага лота
func RoundQuantity(qty float64, precision int32) string {
	return decimal.NewFromFloat(qty).RoundDown(precision).StringFixed(precision)
}

func sideType(side Side) futures.SideType {
	if side == SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func candleFromKline(symbol, interval string, k *futures.Kline, now time.Time) (*models.Candle, error) {
	values, err := parseFloats(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return nil, err
	}
	closeTime := time.UnixMilli(k.CloseTime)
	return &models.Candle{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		CloseTime: closeTime,
		IsFinal:   !closeTime.After(now),
	}, nil
}

func candleFromWsKline(event *futures.WsKlineEvent) (*models.Candle, error) {
	k := event.Kline
	values, err := parseFloats(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return nil, err
	}
	return &models.Candle{
		Symbol:    event.Symbol,
		Interval:  k.Interval,
		OpenTime:  time.UnixMilli(k.StartTime),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		CloseTime: time.UnixMilli(k.EndTime),
		IsFinal:   k.IsFinal,
	}, nil
}

func parseFloats(raw ...string) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := parseFloat(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("ошибка разбора числа %q: %w", s, err)
	}
	return v, nil
}
