package document

import (
	"sync"
	"time"
)

// StatusUpdate is broadcast whenever a document's status changes.
type StatusUpdate struct {
	DocumentID string    `json:"document_id"`
	OldStatus  Status    `json:"old_status"`
	Status     Status    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier fans out status updates to subscribers (the WebSocket hub, tests).
// Delivery is best-effort: a subscriber with a full buffer misses updates
// rather than blocking the pipeline, and catches up from the store.
type Notifier struct {
	mu          sync.RWMutex
	subscribers []chan StatusUpdate
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe returns a channel receiving future status updates.
func (n *Notifier) Subscribe() <-chan StatusUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan StatusUpdate, 64)
	n.subscribers = append(n.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (n *Notifier) Unsubscribe(ch <-chan StatusUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, sub := range n.subscribers {
		if sub == ch {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers an update to all subscribers without blocking.
func (n *Notifier) Publish(update StatusUpdate) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}
