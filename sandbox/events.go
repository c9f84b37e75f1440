package sandbox

import (
	"sync"
	"time"

	"github.com/yaoapp/kun/log"
)

// EventType identifies a provider lifecycle notification.
type EventType string

// Provider event types
const (
	EventCreating EventType = "creating"
	EventCreated  EventType = "created"
	EventStarted  EventType = "started"
	EventIdle     EventType = "idle"
	EventStopping EventType = "stopping"
	EventStopped  EventType = "stopped"
	EventError    EventType = "error"
)

// Event is a provider lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	SandboxID string    `json:"sandbox_id"`
	ProjectID string    `json:"project_id"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// notifier fans events out to subscribers. Listener removal is O(1) and a
// panicking listener never aborts emission to the others.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func newNotifier() *notifier {
	return &notifier{subs: map[int]func(Event){}}
}

// subscribe registers fn and returns its cancel function.
func (n *notifier) subscribe(fn func(Event)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	n.mu.Lock()
	listeners := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		listeners = append(listeners, fn)
	}
	n.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("sandbox: event listener panic on %s: %v", event.Type, r)
				}
			}()
			fn(event)
		}()
	}
}
