package ledger

import (
	"context"

	"github.com/skalibog/hurstbot/internal/exchange"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// OrderPlacer биржевые операции, нужные для живой торговли
type OrderPlacer interface {
	OpenPosition(ctx context.Context, symbol string, side exchange.Side, quantity string) error
	ClosePosition(ctx context.Context, symbol string, side exchange.Side, quantity string) error
}

// Executor дублирует проведенные расчеты рыночными ордерами.
// Ошибки биржи только логируются, книга позиций не откатывается.
type Executor struct {
	placer    OrderPlacer
	precision int32
}

// NewExecutor создает исполнителя ордеров
func NewExecutor(placer OrderPlacer, precision int32) *Executor {
	return &Executor{placer: placer, precision: precision}
}

// Open покупает на сумму amount по цене price
func (e *Executor) Open(ctx context.Context, symbol string, amount, price float64) {
	qty := exchange.FormatQuantity(amount, price, e.precision)
	if err := e.placer.OpenPosition(ctx, symbol, exchange.SideBuy, qty); err != nil {
		logger.Error("Ошибка открытия позиции на бирже",
			zap.String("symbol", symbol),
			zap.String("quantity", qty),
			zap.Error(err))
		return
	}
	logger.Info("Ордер на вход отправлен", zap.String("symbol", symbol), zap.String("quantity", qty))
}

// Close продает весь объем позиции
func (e *Executor) Close(ctx context.Context, symbol string, pos *models.Position) {
	var base float64
	for _, en := range pos.Entries {
		if en.Price > 0 {
			base += en.Amount / en.Price
		}
	}
	qty := exchange.RoundQuantity(base, e.precision)
	if err := e.placer.ClosePosition(ctx, symbol, exchange.SideSell, qty); err != nil {
		logger.Error("Ошибка закрытия позиции на бирже",
			zap.String("symbol", symbol),
			zap.String("quantity", qty),
			zap.Error(err))
		return
	}
	logger.Info("Ордер на выход отправлен", zap.String("symbol", symbol), zap.String("quantity", qty))
}
