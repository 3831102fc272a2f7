// Package consumer implements the registry that fans engine events out to
// subscribers.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"weak"

	"RiskEngine/internal/domain"
)

// Consumer groups the callbacks of one subscriber. Nil callbacks are skipped.
type Consumer struct {
	OnRisk                 func(domain.CachedRiskResult)
	OnFailure              func(error)
	OnActivityStateChanged func(domain.ActivityState)
}

type eventKind int

const (
	eventRisk eventKind = iota
	eventFailure
	eventActivity
)

// Event is a single notification delivered to every subscriber.
type Event struct {
	kind   eventKind
	result domain.CachedRiskResult
	err    error
	state  domain.ActivityState
}

// RiskEvent announces a risk result.
func RiskEvent(result domain.CachedRiskResult) Event {
	return Event{kind: eventRisk, result: result}
}

// FailureEvent announces a failed run.
func FailureEvent(err error) Event {
	return Event{kind: eventFailure, err: err}
}

// ActivityEvent announces an activity state transition.
func ActivityEvent(state domain.ActivityState) Event {
	return Event{kind: eventActivity, state: state}
}

type subscription struct {
	id       uint64
	consumer weak.Pointer[Consumer]
	active   atomic.Bool
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	registry *Registry
	sub      *subscription
}

// Cancel removes this registration. It is idempotent.
func (s *Subscription) Cancel() {
	if s == nil || s.sub == nil {
		return
	}
	s.registry.remove(func(sub *subscription) bool { return sub == s.sub })
}

// Registry is a goroutine-safe multiset of consumers. It holds consumers
// through weak pointers: a consumer nobody else references is dropped.
type Registry struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Subscribe appends c. Subscribing the same consumer twice delivers every
// event twice.
func (r *Registry) Subscribe(c *Consumer) *Subscription {
	sub := &subscription{consumer: weak.Make(c)}
	sub.active.Store(true)

	r.mu.Lock()
	r.nextID++
	sub.id = r.nextID
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return &Subscription{registry: r, sub: sub}
}

// SubscribeContext subscribes c until ctx is done.
func (r *Registry) SubscribeContext(ctx context.Context, c *Consumer) *Subscription {
	s := r.Subscribe(c)
	context.AfterFunc(ctx, s.Cancel)
	return s
}

// Unsubscribe removes every registration of c and reports how many were
// removed.
func (r *Registry) Unsubscribe(c *Consumer) int {
	target := weak.Make(c)
	return r.remove(func(sub *subscription) bool { return sub.consumer == target })
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.subs)
}

// Notify delivers event to the registrations present when Notify starts, in
// subscription order. Registrations cancelled while the event is being
// delivered are skipped.
func (r *Registry) Notify(event Event) {
	r.mu.Lock()
	r.pruneLocked()
	snapshot := make([]*subscription, len(r.subs))
	copy(snapshot, r.subs)
	r.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		c := sub.consumer.Value()
		if c == nil {
			continue
		}
		r.dispatch(sub.id, c, event)
	}
}

func (r *Registry) dispatch(id uint64, c *Consumer, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("risk consumer panicked", "subscription", id, "panic", rec)
		}
	}()

	switch event.kind {
	case eventRisk:
		if c.OnRisk != nil {
			c.OnRisk(event.result)
		}
	case eventFailure:
		if c.OnFailure != nil {
			c.OnFailure(event.err)
		}
	case eventActivity:
		if c.OnActivityStateChanged != nil {
			c.OnActivityStateChanged(event.state)
		}
	}
}

func (r *Registry) remove(match func(*subscription) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.subs[:0]
	for _, sub := range r.subs {
		if match(sub) {
			sub.active.Store(false)
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	clearTail(r.subs, len(kept))
	r.subs = kept
	return removed
}

func (r *Registry) pruneLocked() {
	kept := r.subs[:0]
	for _, sub := range r.subs {
		if sub.consumer.Value() == nil {
			sub.active.Store(false)
			continue
		}
		kept = append(kept, sub)
	}
	clearTail(r.subs, len(kept))
	r.subs = kept
}

func clearTail(subs []*subscription, from int) {
	for i := from; i < len(subs); i++ {
		subs[i] = nil
	}
}
