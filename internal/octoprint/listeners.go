package octoprint

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives every event dispatched after it was added
type Listener func(Event)

// listenerEntry holds a listener with its unique subscription ID
type listenerEntry struct {
	id       int
	listener Listener
	lane     Lane
}

// Registry fans events out to listeners in registration order.
// Nothing is buffered for late subscribers.
type Registry struct {
	entries   []listenerEntry
	mu        sync.RWMutex
	nextID    int
	scheduler Scheduler
	logger    *zap.Logger
}

// NewRegistry creates a registry that invokes listeners through scheduler
func NewRegistry(scheduler Scheduler, logger *zap.Logger) *Registry {
	if scheduler == nil {
		scheduler = InlineScheduler{}
	}
	return &Registry{
		scheduler: scheduler,
		logger:    logger,
	}
}

// Subscription identifies one registration
type Subscription struct {
	id       int
	registry *Registry
}

// ID returns the registration id
func (s *Subscription) ID() int {
	return s.id
}

// Unsubscribe removes exactly this registration. Calling it twice is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.registry == nil {
		return
	}
	s.registry.Remove(s.id)
}

// Add registers l for every future event
func (r *Registry) Add(l Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	entry := listenerEntry{id: id, listener: l}
	if ls, ok := r.scheduler.(LaneScheduler); ok {
		entry.lane = ls.Lane()
	}
	r.entries = append(r.entries, entry)

	return &Subscription{id: id, registry: r}
}

// Remove drops the registration with id; unknown ids are ignored
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	var removed *listenerEntry
	for i, entry := range r.entries {
		if entry.id == id {
			removed = &entry
			// Copy so in-flight dispatch snapshots keep their view
			entries := make([]listenerEntry, 0, len(r.entries)-1)
			entries = append(entries, r.entries[:i]...)
			r.entries = append(entries, r.entries[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if removed != nil && removed.lane != nil {
		removed.lane.Close()
	}
}

// Len returns the number of registered listeners
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch schedules one invocation per listener registered right now.
// With a LaneScheduler each listener is fed through its own lane.
func (r *Registry) Dispatch(event Event) {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	for _, entry := range entries {
		entry := entry
		scheduler := r.scheduler
		if entry.lane != nil {
			scheduler = entry.lane
		}
		scheduler.Schedule(func() {
			r.invoke(entry, event)
		})
	}
}

func (r *Registry) invoke(entry listenerEntry, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Listener panicked",
				zap.Int("listener_id", entry.id),
				zap.String("event", string(event.Type)),
				zap.Any("panic", rec))
		}
	}()
	entry.listener(event)
}
