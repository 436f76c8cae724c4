package feed

import (
	"sort"
	"sync"

	"github.com/skalibog/hurstbot/pkg/models"
)

// Ring ограниченный буфер последних свечей, упорядоченный по времени открытия
type Ring struct {
	mu       sync.RWMutex
	capacity int
	candles  []*models.Candle
}

// NewRing создает буфер на capacity свечей
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity, candles: make([]*models.Candle, 0, capacity)}
}

// Put добавляет свечу или заменяет свечу с тем же временем открытия
func (r *Ring) Put(c *models.Candle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(c)
}

func (r *Ring) put(c *models.Candle) {
	idx := sort.Search(len(r.candles), func(i int) bool {
		return !r.candles[i].OpenTime.Before(c.OpenTime)
	})
	if idx < len(r.candles) && r.candles[idx].OpenTime.Equal(c.OpenTime) {
		r.candles[idx] = c
		return
	}
	r.candles = append(r.candles, nil)
	copy(r.candles[idx+1:], r.candles[idx:])
	r.candles[idx] = c
	if over := len(r.candles) - r.capacity; over > 0 {
		r.candles = append(r.candles[:0], r.candles[over:]...)
	}
}

// Grow увеличивает емкость до n свечей. Емкость не уменьшается.
func (r *Ring) Grow(n int) {
	r.mu.Lock()
	if n > r.capacity {
		r.capacity = n
	}
	r.mu.Unlock()
}

// Replace заменяет содержимое буфера
func (r *Ring) Replace(candles []*models.Candle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candles = r.candles[:0]
	for _, c := range candles {
		r.put(c)
	}
}

// Latest последняя свеча, закрытая или нет
func (r *Ring) Latest() *models.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.candles) == 0 {
		return nil
	}
	return r.candles[len(r.candles)-1]
}

// All копия содержимого буфера
func (r *Ring) All() []*models.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.Candle(nil), r.candles...)
}

// Closed только закрытые свечи
func (r *Ring) Closed() []*models.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Candle, 0, len(r.candles))
	for _, c := range r.candles {
		if c.IsFinal {
			out = append(out, c)
		}
	}
	return out
}

// Len число свечей в буфере
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.candles)
}
