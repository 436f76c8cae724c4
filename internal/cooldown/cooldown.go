// Package cooldown ведет паузы после закрытия позиций.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/lock"
	"github.com/skalibog/hurstbot/internal/registry"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// MaxDuration верхняя граница паузы
const MaxDuration = 48 * time.Hour

// Persister сохраняет окончание паузы в документе экземпляра
type Persister interface {
	SetCooldown(ctx context.Context, instanceID string, until *time.Time) error
}

type item struct {
	mu       sync.Mutex
	cooldown *models.Cooldown
	timer    *time.Timer
}

// Service паузы экземпляров с автоматическим истечением
type Service struct {
	locks   *lock.Manager
	persist Persister
	items   *registry.Registry[*item]
	now     func() time.Time
}

// NewService создает сервис пауз. persist может быть nil.
func NewService(locks *lock.Manager, persist Persister, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		locks:   locks,
		persist: persist,
		items:   registry.New[*item](),
		now:     now,
	}
}

func (s *Service) item(instanceID string) *item {
	return s.items.GetOrCreate(instanceID, func() *item { return &item{} })
}

// Start запускает паузу длительностью d
func (s *Service) Start(ctx context.Context, instanceID string, d time.Duration) (*models.Cooldown, error) {
	if d <= 0 {
		return nil, nil
	}
	if d > MaxDuration {
		return nil, fmt.Errorf("%w: пауза %s больше %s", config.ErrConfig, d, MaxDuration)
	}

	var started *models.Cooldown
	err := s.locks.WithLock(ctx, lock.CooldownKey(instanceID), func(ctx context.Context) error {
		now := s.now()
		cd := &models.Cooldown{
			InstanceID:    instanceID,
			StartTime:     now,
			EndTime:       now.Add(d),
			DurationHours: d.Hours(),
		}
		if s.persist != nil {
			end := cd.EndTime
			if err := s.persist.SetCooldown(ctx, instanceID, &end); err != nil {
				return fmt.Errorf("ошибка сохранения паузы: %w", err)
			}
		}
		s.install(instanceID, cd)
		started = cd
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Запущена пауза после выхода",
		zap.String("instance_id", instanceID),
		zap.Time("until", started.EndTime),
		zap.Float64("hours", started.DurationHours))
	return started, nil
}

// Restore восстанавливает сохраненную паузу при старте
func (s *Service) Restore(instanceID string, until time.Time) {
	now := s.now()
	if !now.Before(until) {
		return
	}
	s.install(instanceID, &models.Cooldown{
		InstanceID:    instanceID,
		StartTime:     now,
		EndTime:       until,
		DurationHours: until.Sub(now).Hours(),
	})
}

func (s *Service) install(instanceID string, cd *models.Cooldown) {
	it := s.item(instanceID)
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
	}
	it.cooldown = cd
	it.timer = time.AfterFunc(cd.EndTime.Sub(s.now()), func() {
		s.expire(instanceID, cd.EndTime)
	})
}

func (s *Service) expire(instanceID string, end time.Time) {
	it := s.item(instanceID)
	it.mu.Lock()
	if it.cooldown == nil || !it.cooldown.EndTime.Equal(end) {
		it.mu.Unlock()
		return
	}
	it.cooldown = nil
	it.timer = nil
	it.mu.Unlock()

	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.persist.SetCooldown(ctx, instanceID, nil); err != nil {
			logger.Warn("Не удалось снять паузу в хранилище", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
	logger.Info("Пауза истекла", zap.String("instance_id", instanceID))
}

// Active возвращает действующую паузу экземпляра
func (s *Service) Active(instanceID string) (*models.Cooldown, bool) {
	it, ok := s.items.Get(instanceID)
	if !ok {
		return nil, false
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.cooldown == nil {
		return nil, false
	}
	if !it.cooldown.Active(s.now()) {
		return nil, false
	}
	cd := *it.cooldown
	return &cd, true
}

// Clear снимает паузу досрочно
func (s *Service) Clear(ctx context.Context, instanceID string) error {
	return s.locks.WithLock(ctx, lock.CooldownKey(instanceID), func(ctx context.Context) error {
		if s.persist != nil {
			if err := s.persist.SetCooldown(ctx, instanceID, nil); err != nil {
				return fmt.Errorf("ошибка снятия паузы: %w", err)
			}
		}
		if it, ok := s.items.Get(instanceID); ok {
			it.mu.Lock()
			if it.timer != nil {
				it.timer.Stop()
			}
			it.cooldown = nil
			it.timer = nil
			it.mu.Unlock()
		}
		logger.Info("Пауза снята", zap.String("instance_id", instanceID))
		return nil
	})
}

// Forget удаляет состояние экземпляра без изменения хранилища
func (s *Service) Forget(instanceID string) {
	if it, ok := s.items.Get(instanceID); ok {
		it.mu.Lock()
		if it.timer != nil {
			it.timer.Stop()
		}
		it.mu.Unlock()
	}
	s.items.Delete(instanceID)
}
