package storage

import (
	"context"
	"errors"
	"time"

	"github.com/skalibog/hurstbot/pkg/models"
)

var (
	// ErrNotFound документ не найден
	ErrNotFound = errors.New("документ не найден")
	// ErrTransient временная ошибка (конфликт транзакций), операцию можно повторить
	ErrTransient = errors.New("временная ошибка хранилища")
	// ErrFatal невосстановимая ошибка хранилища
	ErrFatal = errors.New("ошибка хранилища")
)

// SignalQuery фильтр выборки сигналов. Пустые поля не участвуют в фильтре.
type SignalQuery struct {
	InstanceID string
	Type       models.SignalType
	Status     models.SignalStatus
	PositionID string
	Since      time.Time
}

// Match проверяет сигнал на соответствие фильтру
func (q SignalQuery) Match(s *models.Signal) bool {
	if q.InstanceID != "" && s.InstanceID != q.InstanceID {
		return false
	}
	if q.Type != "" && s.Type != q.Type {
		return false
	}
	if q.Status != "" && s.Status != q.Status {
		return false
	}
	if q.PositionID != "" && s.PositionID != q.PositionID {
		return false
	}
	if !q.Since.IsZero() && s.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Tx операции с коллекциями внутри транзакции
type Tx interface {
	GetInstance(id string) (*models.Instance, error)
	SaveInstance(inst *models.Instance) error
	ListInstances() ([]*models.Instance, error)

	GetSignal(id string) (*models.Signal, error)
	SaveSignal(sig *models.Signal) error
	FindSignals(q SignalQuery) ([]*models.Signal, error)
	CountSignals(q SignalQuery) (int, error)

	GetUser(id string) (*models.User, error)
	SaveUser(u *models.User) error
}

// Store документное хранилище с транзакциями уровня snapshot isolation
type Store interface {
	// Update выполняет fn в транзакции чтения-записи. Конфликты повторяются.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View выполняет fn в транзакции только для чтения
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Archive хранилище временных рядов для свечей и исполненных сигналов
type Archive interface {
	SaveCandles(ctx context.Context, candles []*models.Candle) error
	SaveSignal(ctx context.Context, signal *models.Signal) error
	Close()
}

// GetInstance читает экземпляр вне явной транзакции
func GetInstance(ctx context.Context, s Store, id string) (*models.Instance, error) {
	var inst *models.Instance
	err := s.View(ctx, func(tx Tx) error {
		var err error
		inst, err = tx.GetInstance(id)
		return err
	})
	return inst, err
}

// ListInstances читает все экземпляры
func ListInstances(ctx context.Context, s Store) ([]*models.Instance, error) {
	var out []*models.Instance
	err := s.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListInstances()
		return err
	})
	return out, err
}

// SaveInstance сохраняет экземпляр
func SaveInstance(ctx context.Context, s Store, inst *models.Instance) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.SaveInstance(inst)
	})
}

// SaveSignal сохраняет сигнал
func SaveSignal(ctx context.Context, s Store, sig *models.Signal) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.SaveSignal(sig)
	})
}

// FindSignals выбирает сигналы по фильтру
func FindSignals(ctx context.Context, s Store, q SignalQuery) ([]*models.Signal, error) {
	var out []*models.Signal
	err := s.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.FindSignals(q)
		return err
	})
	return out, err
}

// CooldownPersister сохраняет паузы в документе экземпляра
type CooldownPersister struct {
	Store Store
}

// SetCooldown записывает или снимает окончание паузы
func (p CooldownPersister) SetCooldown(ctx context.Context, instanceID string, until *time.Time) error {
	return p.Store.Update(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance(instanceID)
		if err != nil {
			return err
		}
		inst.CooldownUntil = until
		inst.UpdatedAt = time.Now()
		return tx.SaveInstance(inst)
	})
}

// NopArchive архив, который ничего не сохраняет
type NopArchive struct{}

func (NopArchive) SaveCandles(context.Context, []*models.Candle) error { return nil }
func (NopArchive) SaveSignal(context.Context, *models.Signal) error    { return nil }
func (NopArchive) Close()                                              {}
