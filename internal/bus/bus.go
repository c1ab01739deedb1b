// Package bus is the event backbone of a running experiment. Every
// observable step of a conversation is published here; subscribers and
// JSONL sinks see events in publication order.
package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pidgin/internal/observability"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// ringCapacity bounds the in-memory event history kept for monitors.
const ringCapacity = 10000

// Handler consumes one event. Returning an error does not stop other
// handlers; the first error is reported to the publisher.
type Handler func(ctx context.Context, event *models.Event) error

type registration struct {
	id      string
	handler Handler
}

// Bus dispatches events to subscribers and appends them to JSONL sinks.
// Publication assigns each event its per-conversation sequence number
// and timestamp, so an event is fully formed before anyone sees it.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[models.EventType][]*registration
	byID      map[string]models.EventType
	sequences map[string]int64
	sinks     map[string]*jsonlSink
	global    *jsonlSink

	// dir, when set, makes the bus open <conversation_id>_events.jsonl
	// on the first event bearing a new conversation id, and
	// experiment.jsonl for events without one.
	dir string

	ring     []*models.Event
	ringNext int

	log     *observability.Logger
	metrics *observability.Metrics
}

// New creates a bus. Logger and metrics may be nil.
func New(log *observability.Logger, metrics *observability.Metrics) *Bus {
	if log == nil {
		log = observability.FromEnv()
	}
	return &Bus{
		handlers:  make(map[models.EventType][]*registration),
		byID:      make(map[string]models.EventType),
		sequences: make(map[string]int64),
		sinks:     make(map[string]*jsonlSink),
		ring:      make([]*models.Event, 0, ringCapacity),
		log:       log,
		metrics:   metrics,
	}
}

// SetDirectory points the bus at an experiment directory. Conversation
// sinks are then opened lazily as <conversation_id>_events.jsonl on the
// first event for each conversation, and experiment-level events (those
// without a conversation id) land in experiment.jsonl.
func (b *Bus) SetDirectory(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dir = dir
}

// Subscribe registers a handler for one event type, or for every event
// with models.EventWildcard. Handlers for a type run in registration
// order, with wildcard handlers after type-specific ones. Returns an id
// for Unsubscribe.
func (b *Bus) Subscribe(t models.EventType, h Handler) string {
	reg := &registration{id: uuid.New().String(), handler: h}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], reg)
	b.byID[reg.id] = t
	return reg.id
}

// Unsubscribe removes a handler by its registration id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	regs := b.handlers[t]
	for i, reg := range regs {
		if reg.id == id {
			b.handlers[t] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	return true
}

// Publish stamps the event with its sequence and timestamp, persists it
// to the matching sinks, and dispatches it to subscribers. A sink write
// failure is returned (the caller must not continue logging a broken
// conversation); handler errors are logged and only the first one is
// returned.
func (b *Bus) Publish(ctx context.Context, event *models.Event) error {
	if event == nil {
		return fmt.Errorf("bus: nil event")
	}

	b.mu.Lock()
	key := event.ConversationID
	b.sequences[key]++
	event.Sequence = b.sequences[key]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if len(b.ring) < ringCapacity {
		b.ring = append(b.ring, event)
	} else {
		b.ring[b.ringNext] = event
		b.ringNext = (b.ringNext + 1) % ringCapacity
	}

	var sink *jsonlSink
	var sinkErr error
	if event.ConversationID != "" {
		sink = b.sinks[event.ConversationID]
		if sink == nil && b.dir != "" {
			sink, sinkErr = openSink(filepath.Join(b.dir, event.ConversationID+"_events.jsonl"))
			if sinkErr == nil {
				b.sinks[event.ConversationID] = sink
			}
		}
	} else if b.global == nil && b.dir != "" {
		b.global, sinkErr = openSink(filepath.Join(b.dir, "experiment.jsonl"))
	}
	var global *jsonlSink
	if event.ConversationID == "" {
		global = b.global
	}

	typeRegs := b.handlers[event.Type]
	wildRegs := b.handlers[models.EventWildcard]
	regs := make([]*registration, 0, len(typeRegs)+len(wildRegs))
	regs = append(regs, typeRegs...)
	regs = append(regs, wildRegs...)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()
	}

	if sinkErr != nil {
		return fmt.Errorf("bus: open sink: %w", sinkErr)
	}
	if sink != nil {
		if err := sink.write(event); err != nil {
			return fmt.Errorf("bus: conversation sink: %w", err)
		}
	}
	if global != nil {
		if err := global.write(event); err != nil {
			return fmt.Errorf("bus: experiment sink: %w", err)
		}
	}

	var firstErr error
	for _, reg := range regs {
		if err := b.call(ctx, reg, event); err != nil {
			b.log.Warn(ctx, "event handler error",
				"event_type", event.Type,
				"handler_id", reg.id,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bus) call(ctx context.Context, reg *registration, event *models.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return reg.handler(ctx, event)
}

// Emit is the common publish path: builds the event from a payload and
// publishes it.
func (b *Bus) Emit(ctx context.Context, conversationID, experimentID string, p models.Payload) error {
	return b.Publish(ctx, models.NewEvent(conversationID, experimentID, p))
}

// Recent returns up to limit most recent events, oldest first.
func (b *Bus) Recent(limit int) []*models.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*models.Event, 0, limit)
	// ringNext is the oldest slot once the ring has wrapped.
	start := 0
	if n == ringCapacity {
		start = b.ringNext
	}
	for i := n - limit; i < n; i++ {
		out = append(out, b.ring[(start+i)%n])
	}
	return out
}

// ClearHistory drops the in-memory ring. Sinks and sequences are kept.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.ringNext = 0
}

// Sequence reports the last sequence number assigned for a conversation.
func (b *Bus) Sequence(conversationID string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequences[conversationID]
}
