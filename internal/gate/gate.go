// Package gate объединяет все карты троттлинга за одним RateGate,
// ключом которого служит пара (instance_id, вид сигнала).
package gate

import (
	"strings"
	"sync"
	"time"

	"github.com/skalibog/hurstbot/internal/registry"
	"golang.org/x/time/rate"
)

// Виды событий, которые учитывает гейт помимо видов сигналов
const (
	KindEntry     = "entry"
	KindStaleLog  = "log-stale-price"
	KindLadderLog = "log-ladder-full"
)

type entry struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	last    time.Time
	marked  bool
}

// RateGate троттлинг и учет последних событий по ключу.
// Время передается вызывающей стороной.
type RateGate struct {
	entries *registry.Registry[*entry]
}

// New создает гейт
func New() *RateGate {
	return &RateGate{entries: registry.New[*entry]()}
}

func key(instanceID, kind string) string {
	return instanceID + "|" + kind
}

func (g *RateGate) get(instanceID, kind string) *entry {
	return g.entries.GetOrCreate(key(instanceID, kind), func() *entry { return &entry{} })
}

// Allow пропускает не более одного события за every. При успехе событие отмечается.
func (g *RateGate) Allow(instanceID, kind string, every time.Duration, now time.Time) bool {
	e := g.get(instanceID, kind)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.limiter == nil {
		e.limiter = rate.NewLimiter(rate.Every(every), 1)
	} else if e.limiter.Limit() != rate.Every(every) {
		e.limiter.SetLimitAt(now, rate.Every(every))
	}
	if !e.limiter.AllowN(now, 1) {
		return false
	}
	e.last = now
	e.marked = true
	return true
}

// Mark отмечает событие без проверки лимита
func (g *RateGate) Mark(instanceID, kind string, now time.Time) {
	e := g.get(instanceID, kind)
	e.mu.Lock()
	e.last = now
	e.marked = true
	e.mu.Unlock()
}

// Last время последнего отмеченного события
func (g *RateGate) Last(instanceID, kind string) (time.Time, bool) {
	e, ok := g.entries.Get(key(instanceID, kind))
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.marked
}

// Elapsed сообщает, прошло ли не меньше min с последнего события
func (g *RateGate) Elapsed(instanceID, kind string, min time.Duration, now time.Time) bool {
	last, ok := g.Last(instanceID, kind)
	if !ok {
		return true
	}
	return now.Sub(last) >= min
}

// Reset забывает все ключи экземпляра
func (g *RateGate) Reset(instanceID string) {
	prefix := instanceID + "|"
	g.entries.DeleteFunc(func(k string, _ *entry) bool {
		return strings.HasPrefix(k, prefix)
	})
}
