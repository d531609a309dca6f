package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one notable thing the executor did, as seen by subscribers and
// the WebSocket stream.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"`
	Source      string         `json:"source"` // emitting component
	Fingerprint string         `json:"fingerprint,omitempty"`
	Action      string         `json:"action,omitempty"`
	Message     string         `json:"message"`
	Level       string         `json:"level"`
	Data        map[string]any `json:"data,omitempty"`
}

const (
	EventTypeCacheHit         = "cache.hit"
	EventTypeCacheMiss        = "cache.miss"
	EventTypeMaterializeDelta = "materialize.delta"
	EventTypeActionStarted    = "action.started"
	EventTypeActionCompleted  = "action.completed"
	EventTypeActionFailed     = "action.failed"
	EventTypePolicyDenied     = "policy.denied"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	ErrPublisherStopped = errors.New("event publisher stopped")
	ErrEventDropped     = errors.New("event buffer full, event dropped")
)

// EventSubscriber receives events. It runs on the delivery goroutine, or
// on the publisher's goroutine when delivery is synchronous, and must not
// block or subscribe.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers in publication order. A
// nil or disabled publisher accepts and discards everything.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	subs    map[uint64]subscription
	nextID  uint64
	stopped bool

	queue chan Event    // async only
	done  chan struct{} // closed when the delivery goroutine exits
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher starts a publisher. With EnableAsync, events are queued
// up to BufferSize and delivered in batches of MaxBatchSize.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	ep.cfg.MaxBatchSize = max(cfg.MaxBatchSize, 1)
	ep.subs = make(map[uint64]subscription)
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.done = make(chan struct{})
		go ep.run()
	}
	return ep, nil
}

func (ep *EventPublisher) active() bool {
	return ep != nil && ep.cfg.Enabled
}

// Publish stamps e with an ID and time if missing and hands it to the
// subscribers. An async publisher with a full queue drops e and returns
// ErrEventDropped.
func (ep *EventPublisher) Publish(e Event) error {
	if !ep.active() {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.stopped {
		return ErrPublisherStopped
	}
	if ep.queue == nil {
		ep.deliverLocked(e)
		return nil
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return ErrEventDropped
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	batch := make([]Event, 0, ep.cfg.MaxBatchSize)
	for e := range ep.queue {
		batch = append(batch[:0], e)
	fill:
		for len(batch) < cap(batch) {
			select {
			case e, ok := <-ep.queue:
				if !ok {
					break fill
				}
				batch = append(batch, e)
			default:
				break fill
			}
		}

		ep.mu.RLock()
		for _, e := range batch {
			ep.deliverLocked(e)
		}
		ep.mu.RUnlock()
	}
}

func (ep *EventPublisher) deliverLocked(e Event) {
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Subscribe registers fn for events passing filter, or for all events when
// filter is nil. The returned function unsubscribes.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) func() {
	if !ep.active() {
		return func() {}
	}
	ep.mu.Lock()
	id := ep.nextID
	ep.nextID++
	ep.subs[id] = subscription{fn: fn, filter: filter}
	ep.mu.Unlock()

	return func() {
		ep.mu.Lock()
		delete(ep.subs, id)
		ep.mu.Unlock()
	}
}

// Shutdown refuses further events and waits until queued ones have been
// delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.active() {
		return nil
	}
	ep.mu.Lock()
	if !ep.stopped {
		ep.stopped = true
		if ep.queue != nil {
			close(ep.queue)
		}
	}
	ep.mu.Unlock()

	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) PublishCacheHit(fingerprint, action, source string) error {
	return ep.Publish(Event{
		Type:        EventTypeCacheHit,
		Source:      "actioncache",
		Fingerprint: fingerprint,
		Action:      action,
		Level:       EventLevelInfo,
		Message:     fmt.Sprintf("Cache hit for %s (%s)", fingerprint, source),
		Data:        map[string]any{"source": source},
	})
}

func (ep *EventPublisher) PublishCacheMiss(fingerprint, action string) error {
	return ep.Publish(Event{
		Type:        EventTypeCacheMiss,
		Source:      "actioncache",
		Fingerprint: fingerprint,
		Action:      action,
		Level:       EventLevelInfo,
		Message:     "Cache miss for " + fingerprint,
	})
}

// PublishMaterializeDelta reports the changes applied to bring root to an
// action's inputs. full is set when the root was rebuilt from scratch.
func (ep *EventPublisher) PublishMaterializeDelta(fingerprint, root string, full bool, added, removed, changed int, took time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeMaterializeDelta,
		Source:      "materializer",
		Fingerprint: fingerprint,
		Level:       EventLevelInfo,
		Message:     fmt.Sprintf("Materialized %s (+%d -%d ~%d)", root, added, removed, changed),
		Data: map[string]any{
			"root":     root,
			"full":     full,
			"added":    added,
			"removed":  removed,
			"changed":  changed,
			"duration": took.Seconds(),
		},
	})
}

func (ep *EventPublisher) PublishActionStarted(fingerprint, action, backend string) error {
	return ep.Publish(Event{
		Type:        EventTypeActionStarted,
		Source:      "sandbox",
		Fingerprint: fingerprint,
		Action:      action,
		Level:       EventLevelInfo,
		Message:     fmt.Sprintf("Action %s started on %s", fingerprint, backend),
		Data:        map[string]any{"backend": backend},
	})
}

// PublishActionCompleted reports an action that ran to completion. A
// non-zero exitCode is still a completion.
func (ep *EventPublisher) PublishActionCompleted(fingerprint, action string, exitCode int, took time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeActionCompleted,
		Source:      "sandbox",
		Fingerprint: fingerprint,
		Action:      action,
		Level:       EventLevelInfo,
		Message:     fmt.Sprintf("Action %s exited with %d", fingerprint, exitCode),
		Data:        map[string]any{"exit_code": exitCode, "duration": took.Seconds()},
	})
}

func (ep *EventPublisher) PublishActionFailed(fingerprint, action, kind, reason string, cached bool) error {
	return ep.Publish(Event{
		Type:        EventTypeActionFailed,
		Source:      "engine",
		Fingerprint: fingerprint,
		Action:      action,
		Level:       EventLevelError,
		Message:     fmt.Sprintf("Action %s failed: %s", fingerprint, reason),
		Data:        map[string]any{"kind": kind, "cached": cached},
	})
}

func (ep *EventPublisher) PublishPolicyDenied(fingerprint, action string, reasons []string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyDenied,
		Source:      "policy",
		Fingerprint: fingerprint,
		Action:      action,
		Level:       EventLevelWarning,
		Message:     fmt.Sprintf("Action %s denied by policy", fingerprint),
		Data:        map[string]any{"reasons": reasons},
	})
}

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := want[e.Type]
		return ok
	}
}

// FilterByFingerprint passes events about one action.
func FilterByFingerprint(fingerprint string) EventFilter {
	return func(e Event) bool { return e.Fingerprint == fingerprint }
}
