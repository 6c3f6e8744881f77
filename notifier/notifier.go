// Package notifier wakes up event stream subscribers when new run events
// have been written.
package notifier

import (
	"sync"
)

// Notifier carries no payload: subscribers re-read from their cursor when
// poked. A subscriber that has not drained its last wakeup is not poked
// twice.
type Notifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.Mutex
	closed      bool
}

func New() *Notifier {
	return &Notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe returns a wakeup channel and the function that releases it.
// On a closed notifier the channel is already closed.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	n.subscribers[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subscribers[ch]; ok {
				delete(n.subscribers, ch)
				close(ch)
			}
		})
	}
}

func (n *Notifier) NotifyAll() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close ends every subscription; streams see their channel close.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for ch := range n.subscribers {
		delete(n.subscribers, ch)
		close(ch)
	}
}

func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}
