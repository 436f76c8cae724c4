// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// InfluxArchive архив закрытых свечей и исполненных сигналов в InfluxDB
type InfluxArchive struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	bucket   string
}

// NewInfluxArchive создает архив и проверяет соединение
func NewInfluxArchive(cfg config.ArchiveConfig) (*InfluxArchive, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("Ошибка записи в InfluxDB", zap.Error(err))
		}
	}()

	return &InfluxArchive{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: writeAPI,
		bucket:   cfg.Bucket,
	}, nil
}

// Close сбрасывает буфер и закрывает соединение
func (s *InfluxArchive) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// SaveCandles сохраняет закрытые свечи
func (s *InfluxArchive) SaveCandles(ctx context.Context, candles []*models.Candle) error {
	for _, candle := range candles {
		s.writeAPI.WritePoint(candlePoint(candle))
	}
	s.writeAPI.Flush()
	return nil
}

// SaveSignal сохраняет сигнал
func (s *InfluxArchive) SaveSignal(ctx context.Context, signal *models.Signal) error {
	s.writeAPI.WritePoint(signalPoint(signal))
	s.writeAPI.Flush()
	return nil
}

// GetSignalHistory получает историю сигналов экземпляра
func (s *InfluxArchive) GetSignalHistory(ctx context.Context, instanceID string, limit int) ([]*models.Signal, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "signals")
			|> filter(fn: (r) => r.instance_id == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, instanceID, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории сигналов: %w", err)
	}

	var signals []*models.Signal
	for result.Next() {
		record := result.Record()

		signalType, _ := record.ValueByKey("type").(string)
		subType, _ := record.ValueByKey("sub_type").(string)
		symbol, _ := record.ValueByKey("symbol").(string)
		id, _ := record.ValueByKey("signal_id").(string)
		status, _ := record.ValueByKey("status").(string)
		price, _ := record.ValueByKey("price").(float64)
		amount, _ := record.ValueByKey("amount").(float64)

		signals = append(signals, &models.Signal{
			ID:         id,
			InstanceID: instanceID,
			Symbol:     symbol,
			Type:       models.SignalType(signalType),
			SubType:    subType,
			Price:      price,
			Amount:     amount,
			Status:     models.SignalStatus(status),
			Timestamp:  record.Time(),
		})
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return signals, nil
}

func candlePoint(candle *models.Candle) *write.Point {
	return influxdb2.NewPoint(
		"candles",
		map[string]string{
			"symbol":   candle.Symbol,
			"interval": candle.Interval,
		},
		map[string]interface{}{
			"open":   candle.Open,
			"high":   candle.High,
			"low":    candle.Low,
			"close":  candle.Close,
			"volume": candle.Volume,
		},
		candle.OpenTime,
	)
}

func signalPoint(signal *models.Signal) *write.Point {
	fields := map[string]interface{}{
		"signal_id":   signal.ID,
		"symbol":      signal.Symbol,
		"type":        string(signal.Type),
		"sub_type":    signal.SubType,
		"status":      string(signal.Status),
		"price":       signal.Price,
		"amount":      signal.Amount,
		"allocation":  signal.Allocation,
		"position_id": signal.PositionID,
	}
	if signal.Profit != nil {
		fields["profit"] = *signal.Profit
	}
	if signal.ProfitPercent != nil {
		fields["profit_percent"] = *signal.ProfitPercent
	}
	ts := signal.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(
		"signals",
		map[string]string{
			"instance_id": signal.InstanceID,
			"kind":        signal.Metadata.Kind,
		},
		fields,
		ts,
	)
}
