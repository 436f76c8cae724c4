package models

import (
	"fmt"
	"time"
)

// PositionStatus состояние позиции
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// EntrySubType номер входа в лесенке
type EntrySubType string

const (
	EntryFirst  EntrySubType = "first"
	EntrySecond EntrySubType = "second"
	EntryThird  EntrySubType = "third"
)

// MaxEntries максимальное число входов в одну позицию
const MaxEntries = 3

// NextEntrySubType подтип следующего входа для позиции с count входами.
// ok == false, если лесенка заполнена.
func NextEntrySubType(count int) (EntrySubType, bool) {
	switch count {
	case 0:
		return EntryFirst, true
	case 1:
		return EntrySecond, true
	case 2:
		return EntryThird, true
	default:
		return "", false
	}
}

// Entry вход в позицию
type Entry struct {
	SignalID  string       `json:"signal_id"`
	Price     float64      `json:"price"`
	Amount    float64      `json:"amount"`
	Timestamp time.Time    `json:"timestamp"`
	SubType   EntrySubType `json:"sub_type"`
}

// PositionExit поля закрытия позиции
type PositionExit struct {
	Price         float64   `json:"exit_price"`
	Type          string    `json:"exit_type"`
	SignalID      string    `json:"exit_signal_id"`
	Amount        float64   `json:"exit_amount"`
	Profit        float64   `json:"profit"`
	ProfitPercent float64   `json:"profit_percent"`
	Time          time.Time `json:"exit_time"`
}

// Position позиция экземпляра, собранная из одного-трех входов
type Position struct {
	ID             string         `json:"position_id"`
	InstanceID     string         `json:"instance_id"`
	Symbol         string         `json:"symbol"`
	Status         PositionStatus `json:"status"`
	Entries        []Entry        `json:"entries"`
	TotalAmount    float64        `json:"total_amount"`
	FirstEntryTime time.Time      `json:"first_entry_time"`
	Exit           *PositionExit  `json:"exit,omitempty"`
}

// PositionID формирует стабильный идентификатор позиции
func PositionID(instanceID string, t time.Time) string {
	return fmt.Sprintf("position-%s-%d", instanceID, t.UnixMilli())
}

// Clone возвращает глубокую копию позиции
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.Entries = append([]Entry(nil), p.Entries...)
	if p.Exit != nil {
		exit := *p.Exit
		out.Exit = &exit
	}
	return &out
}

// AddEntry добавляет вход и пересчитывает сумму
func (p *Position) AddEntry(e Entry) {
	if len(p.Entries) == 0 {
		p.FirstEntryTime = e.Timestamp
	}
	p.Entries = append(p.Entries, e)
	p.TotalAmount += e.Amount
}

// EntrySignalIDs идентификаторы сигналов входа
func (p *Position) EntrySignalIDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		ids = append(ids, e.SignalID)
	}
	return ids
}

// LastEntryTime время последнего входа
func (p *Position) LastEntryTime() time.Time {
	if len(p.Entries) == 0 {
		return time.Time{}
	}
	return p.Entries[len(p.Entries)-1].Timestamp
}

// AverageEntryPrice средняя цена входа, взвешенная по вложенной сумме
func (p *Position) AverageEntryPrice() float64 {
	var weighted, total float64
	for _, e := range p.Entries {
		weighted += e.Price * e.Amount
		total += e.Amount
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// Meta краткие сведения о позиции для документа экземпляра
func (p *Position) Meta() *PositionMeta {
	return &PositionMeta{
		PositionID:        p.ID,
		EntryCount:        len(p.Entries),
		TotalAmount:       p.TotalAmount,
		AverageEntryPrice: p.AverageEntryPrice(),
		EntrySignalIDs:    p.EntrySignalIDs(),
		FirstEntryTime:    p.FirstEntryTime,
		LastEntryTime:     p.LastEntryTime(),
	}
}
