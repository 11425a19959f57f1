package alerts

import (
	"sort"
	"sync"

	"github.com/voteguard/backend/internal/models"
)

// Notifier fans newly created alerts out to in-process subscribers. Delivery
// runs on a single dispatch goroutine, so every subscriber sees alerts in
// creation order; a late subscriber does not receive alerts created before
// it subscribed.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]func(models.FraudAlert)
	nextID int

	queue chan models.FraudAlert
	once  sync.Once
	done  chan struct{}
}

// NewNotifier creates a notifier and starts its dispatch goroutine.
func NewNotifier() *Notifier {
	n := &Notifier{
		subs:  make(map[int]func(models.FraudAlert)),
		queue: make(chan models.FraudAlert, 128),
		done:  make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// Subscribe registers a callback for every subsequently created alert and
// returns its unsubscribe function.
func (n *Notifier) Subscribe(fn func(models.FraudAlert)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Publish queues an alert for delivery to all current subscribers. Blocks
// only when the dispatch queue is full, preserving creation order.
func (n *Notifier) Publish(alert models.FraudAlert) {
	select {
	case <-n.done:
	case n.queue <- alert:
	}
}

// Close stops dispatch. Alerts already queued are still delivered.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
}

func (n *Notifier) dispatch() {
	for {
		select {
		case <-n.done:
			// Drain what was queued before close.
			for {
				select {
				case alert := <-n.queue:
					n.deliver(alert)
				default:
					return
				}
			}
		case alert := <-n.queue:
			n.deliver(alert)
		}
	}
}

func (n *Notifier) deliver(alert models.FraudAlert) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(models.FraudAlert), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(alert)
	}
}
