package ledger

import (
	"sync"

	"github.com/skalibog/hurstbot/pkg/models"
)

const observerBuffer = 64

// observers рассылка сохраненных сигналов без блокировки отправителя
type observers struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan *models.Signal
}

func newObservers() *observers {
	return &observers{subs: make(map[int]chan *models.Signal)}
}

func (o *observers) subscribe() (<-chan *models.Signal, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	ch := make(chan *models.Signal, observerBuffer)
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// notify отправляет сигнал всем подписчикам, медленные пропускают сообщение
func (o *observers) notify(sig *models.Signal) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}
