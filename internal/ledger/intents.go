package ledger

import (
	"time"

	"github.com/skalibog/hurstbot/pkg/models"
)

// EntryIntent решение автомата нижней границы о входе
type EntryIntent struct {
	InstanceID  string
	Price       float64
	PriceSource string
	Snapshot    *models.IndicatorSnapshot
	Time        time.Time
}

// RejectionIntent вход, отклоненный фильтром тренда
type RejectionIntent struct {
	InstanceID  string
	Price       float64
	PriceSource string
	Snapshot    *models.IndicatorSnapshot
	Trend       models.TrendLabel
	Time        time.Time
}

// ExitIntent решение о выходе из позиции
type ExitIntent struct {
	InstanceID   string
	Kind         string
	Price        float64
	PriceSource  string
	BandLevel    float64
	HighestPrice *float64
	Trend        models.TrendLabel
	Snapshot     *models.IndicatorSnapshot
	Time         time.Time
}

func metadata(kind, source string, snap *models.IndicatorSnapshot) models.SignalMetadata {
	md := models.SignalMetadata{Kind: kind, PriceSource: source}
	if snap != nil {
		s := snap.Clone()
		md.HurstChannel = s.Hurst
		md.EMALong = s.EMALong
		md.EMAShort = s.EMAShort
	}
	return md
}
