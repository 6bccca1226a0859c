package recon

import (
	"context"
	"sync"
	"time"

	"membersync.org/internal/obs"
)

// EventKind identifies a membership change worth reconciling.
type EventKind string

const (
	EventStatusChanged EventKind = "STATUS_CHANGED"
	EventTeamChanged   EventKind = "TEAM_MEMBERSHIP_CHANGED"
)

// Event is a change notification that triggers a targeted pass for one
// member.
type Event struct {
	Kind       EventKind `json:"kind"`
	ProfileID  string    `json:"profile_id"`
	OccurredAt time.Time `json:"occurred_at,omitzero"`
}

// Dispatcher fan-outs membership change events to subscribers. Each
// subscriber drains its own channel; a slow subscriber loses events rather
// than blocking publishers, and the periodic full pass makes up for any
// loss.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewDispatcher initialises an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (d *Dispatcher) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = ch
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.subs, id)
		close(ch)
		d.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (d *Dispatcher) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range d.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
			obs.EventDropped()
		}
	}
}

// Consume runs targeted passes for published events until ctx ends.
// Intended to run as a background goroutine next to the API server.
func Consume(ctx context.Context, d *Dispatcher, driver *Driver) {
	events := d.Subscribe(ctx)
	for evt := range events {
		if _, err := driver.TargetedPass(ctx, evt.ProfileID); err != nil {
			logPassEvent("recon.event_pass_failed", map[string]any{
				"profile_id": evt.ProfileID, "kind": string(evt.Kind), "error": err.Error(),
			})
		}
	}
}
