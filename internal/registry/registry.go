// Package registry tracks live observer connections, their per-subject
// subscriptions, and the current + previous snapshot of every monitored
// subject.
//
// The registry is constructed once at service start and injected into the
// dispatch, broadcast, and monitor components. It is not synchronized: all
// access is confined to the gateway event-loop goroutine, which processes
// transport events and timer ticks one at a time.
package registry

import (
	"container/list"
	"errors"
	"time"

	"github.com/healthfolio/pulse/internal/config"
	"github.com/healthfolio/pulse/internal/vitals"
)

// ErrUnknownObserver signals a subscribe against an unregistered observer.
// Recoverable: callers log and ignore it.
var ErrUnknownObserver = errors.New("unknown observer")

// Sink is the outbound half of a transport connection as the registry and
// broadcaster see it. Push must never block; it reports false when the
// message was dropped (closed connection or full buffer).
type Sink interface {
	ID() string
	Open() bool
	Push(payload []byte) bool
	Close()
}

// Observer is a registered coach connection with its subscription set.
type Observer struct {
	ID   string
	sink Sink
	subs map[string]struct{}
}

// Sink returns the observer's transport handle.
func (o *Observer) Sink() Sink { return o.sink }

// Subscribed reports whether the observer receives alerts for the subject,
// either by exact subscription or the wildcard.
func (o *Observer) Subscribed(subjectID string) bool {
	if _, ok := o.subs[config.WildcardSubject]; ok {
		return true
	}
	_, ok := o.subs[subjectID]
	return ok
}

// SubscribedExactly reports an exact (non-wildcard) subscription. Routine
// metric updates are only delivered on exact subscriptions.
func (o *Observer) SubscribedExactly(subjectID string) bool {
	_, ok := o.subs[subjectID]
	return ok
}

// Subject is a monitored client with its last two snapshots.
type Subject struct {
	ID       string
	Current  vitals.Snapshot
	Previous vitals.Snapshot
	LastSeen time.Time

	// staleAlerted marks that a connectivity alert was already fired for
	// the current staleness episode. Reset on every ingestion.
	staleAlerted bool

	elem *list.Element // position in the recency list
}

// StaleSubject describes a subject with no recent data.
type StaleSubject struct {
	ID       string
	LastSeen time.Time
	Elapsed  time.Duration
}

// Registry owns the observer and subject maps.
type Registry struct {
	observers map[string]*Observer
	bySink    map[Sink]*Observer

	subjects map[string]*Subject
	recency  *list.List // front = most recently updated
	capacity int
}

// New creates an empty registry. capacity bounds the subject map; zero or
// negative means unbounded.
func New(capacity int) *Registry {
	return &Registry{
		observers: make(map[string]*Observer),
		bySink:    make(map[Sink]*Observer),
		subjects:  make(map[string]*Subject),
		recency:   list.New(),
		capacity:  capacity,
	}
}

// --------------------------------------------------------------------------
// Observers
// --------------------------------------------------------------------------

// Register adds or replaces an observer. Re-registering the same id with a
// new handle replaces the old handle and clears the subscription set; the
// replaced sink is returned so the caller can close it.
func (r *Registry) Register(observerID string, sink Sink) (replaced Sink) {
	if prev, ok := r.bySink[sink]; ok {
		if prev.ID == observerID {
			// Same handle re-registering: just reset subscriptions.
			prev.subs = make(map[string]struct{})
			return nil
		}
		// Same handle switching ids: drop the old entry so disconnect
		// teardown never leaves it behind.
		delete(r.observers, prev.ID)
		delete(r.bySink, sink)
	}

	if prev, ok := r.observers[observerID]; ok {
		delete(r.bySink, prev.sink)
		replaced = prev.sink
	}

	obs := &Observer{
		ID:   observerID,
		sink: sink,
		subs: make(map[string]struct{}),
	}
	r.observers[observerID] = obs
	r.bySink[sink] = obs
	return replaced
}

// Subscribe adds a subject (or the wildcard token) to an observer's
// subscription set.
func (r *Registry) Subscribe(observerID, subjectID string) error {
	obs, ok := r.observers[observerID]
	if !ok {
		return ErrUnknownObserver
	}
	obs.subs[subjectID] = struct{}{}
	return nil
}

// Unregister removes the observer bound to the handle. No error if the
// handle is unknown: disconnect may race with other teardown.
func (r *Registry) Unregister(sink Sink) (observerID string, ok bool) {
	obs, ok := r.bySink[sink]
	if !ok {
		return "", false
	}
	delete(r.bySink, sink)
	delete(r.observers, obs.ID)
	return obs.ID, true
}

// ObserverBySink resolves the observer registered on a handle, if any.
func (r *Registry) ObserverBySink(sink Sink) (*Observer, bool) {
	obs, ok := r.bySink[sink]
	return obs, ok
}

// ObserversFor returns observers subscribed to the subject (exact or
// wildcard), in unspecified order.
func (r *Registry) ObserversFor(subjectID string) []*Observer {
	var out []*Observer
	for _, obs := range r.observers {
		if obs.Subscribed(subjectID) {
			out = append(out, obs)
		}
	}
	return out
}

// ExactSubscribers returns only observers that explicitly subscribed to the
// subject. Wildcard subscribers are excluded to bound fan-out noise on
// routine metric updates.
func (r *Registry) ExactSubscribers(subjectID string) []*Observer {
	var out []*Observer
	for _, obs := range r.observers {
		if obs.SubscribedExactly(subjectID) {
			out = append(out, obs)
		}
	}
	return out
}

// AllObservers returns every registered observer, for heartbeat delivery.
func (r *Registry) AllObservers() []*Observer {
	out := make([]*Observer, 0, len(r.observers))
	for _, obs := range r.observers {
		out = append(out, obs)
	}
	return out
}

// ObserverCount reports the number of registered observers.
func (r *Registry) ObserverCount() int { return len(r.observers) }

// --------------------------------------------------------------------------
// Subjects
// --------------------------------------------------------------------------

// Record stores a new current snapshot for the subject, returning the
// displaced one for two-point evaluation. Creates the subject on first
// ingestion; evicts the least recently updated subject beyond capacity.
func (r *Registry) Record(subjectID string, snap vitals.Snapshot) (previous vitals.Snapshot, hadPrevious bool) {
	sub, ok := r.subjects[subjectID]
	if !ok {
		sub = &Subject{ID: subjectID}
		r.subjects[subjectID] = sub
		sub.elem = r.recency.PushFront(sub)
		if r.capacity > 0 && len(r.subjects) > r.capacity {
			r.evictOldest()
		}
	} else {
		previous = sub.Current
		hadPrevious = true
		r.recency.MoveToFront(sub.elem)
	}

	sub.Previous = sub.Current
	sub.Current = snap
	sub.LastSeen = snap.Taken
	sub.staleAlerted = false
	return previous, hadPrevious
}

// Subject returns the tracked entry for a subject id.
func (r *Registry) Subject(subjectID string) (*Subject, bool) {
	sub, ok := r.subjects[subjectID]
	return sub, ok
}

// SubjectCount reports the number of tracked subjects.
func (r *Registry) SubjectCount() int { return len(r.subjects) }

// Stale returns subjects whose last snapshot is older than the threshold.
// When repeat is false, subjects already alerted for the current staleness
// episode are skipped and the returned ones are marked.
func (r *Registry) Stale(now time.Time, threshold time.Duration, repeat bool) []StaleSubject {
	var out []StaleSubject
	for _, sub := range r.subjects {
		elapsed := now.Sub(sub.LastSeen)
		if elapsed <= threshold {
			continue
		}
		if !repeat {
			if sub.staleAlerted {
				continue
			}
			sub.staleAlerted = true
		}
		out = append(out, StaleSubject{ID: sub.ID, LastSeen: sub.LastSeen, Elapsed: elapsed})
	}
	return out
}

// EvictExpired drops subjects idle longer than ttl and returns their ids.
func (r *Registry) EvictExpired(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	var evicted []string
	for e := r.recency.Back(); e != nil; {
		sub := e.Value.(*Subject)
		if now.Sub(sub.LastSeen) <= ttl {
			break // recency order: everything further forward is fresher
		}
		prev := e.Prev()
		r.remove(sub)
		evicted = append(evicted, sub.ID)
		e = prev
	}
	return evicted
}

func (r *Registry) evictOldest() {
	back := r.recency.Back()
	if back == nil {
		return
	}
	r.remove(back.Value.(*Subject))
}

func (r *Registry) remove(sub *Subject) {
	r.recency.Remove(sub.elem)
	delete(r.subjects, sub.ID)
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Close tears down every connection and clears all state. Part of the
// deterministic shutdown path.
func (r *Registry) Close() {
	for sink := range r.bySink {
		sink.Close()
	}
	r.observers = make(map[string]*Observer)
	r.bySink = make(map[Sink]*Observer)
	r.subjects = make(map[string]*Subject)
	r.recency.Init()
}
