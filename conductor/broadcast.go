package conductor

import (
	"sync"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// Broadcaster fans out StatusEvents to whoever is watching one execution
// live (the HTTP status-stream handler). It is purely in-process and
// best-effort: a slow or absent subscriber never blocks the conductor, and
// losing events changes nothing about persisted state - ActionExecutions
// and WorkflowExecutions remain the source of truth.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string][]chan contracts.StatusEvent
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string][]chan contracts.StatusEvent)}
}

// Publish delivers event to every subscriber of event.ExecutionID. Sends
// are non-blocking: a subscriber that isn't reading fast enough misses the
// event rather than stalling the run.
func (b *Broadcaster) Publish(event contracts.StatusEvent) {
	b.mu.Lock()
	subs := append([]chan contracts.StatusEvent(nil), b.subs[event.ExecutionID]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a buffered channel for executionID's events. The
// returned func must be called when the caller stops reading, to release
// the channel.
func (b *Broadcaster) Subscribe(executionID string) (<-chan contracts.StatusEvent, func()) {
	ch := make(chan contracts.StatusEvent, 16)

	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[executionID]
		for i, c := range chans {
			if c == ch {
				b.subs[executionID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.subs[executionID]) == 0 {
			delete(b.subs, executionID)
		}
		close(ch)
	}

	return ch, unsubscribe
}
