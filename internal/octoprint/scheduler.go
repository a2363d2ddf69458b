package octoprint

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultLaneSize     = 256
	defaultDrainTimeout = time.Second
)

// Scheduler runs callbacks on behalf of the dispatcher
type Scheduler interface {
	Schedule(fn func())
}

// Lane is a scheduler dedicated to one listener
type Lane interface {
	Scheduler
	Close()
}

// LaneScheduler hands every listener its own lane so that one listener
// never holds up another. The registry asks for a lane per registration.
type LaneScheduler interface {
	Scheduler
	Lane() Lane
}

// InlineScheduler runs every callback immediately on the calling goroutine
type InlineScheduler struct{}

func (InlineScheduler) Schedule(fn func()) {
	fn()
}

// QueueScheduler runs each lane's callbacks in submission order on that
// lane's own worker goroutine. Schedule never blocks: a callback that does
// not fit in a full lane is dropped with a warning.
type QueueScheduler struct {
	logger       *zap.Logger
	size         int
	drainTimeout time.Duration

	lanes    map[*queueLane]struct{}
	fallback *queueLane
	stopped  bool
	mu       sync.Mutex
}

// NewQueueScheduler creates a scheduler whose lanes hold up to size
// pending callbacks each
func NewQueueScheduler(size int, logger *zap.Logger) *QueueScheduler {
	if size <= 0 {
		size = defaultLaneSize
	}
	return &QueueScheduler{
		logger:       logger,
		size:         size,
		drainTimeout: defaultDrainTimeout,
		lanes:        make(map[*queueLane]struct{}),
	}
}

// Lane starts a new lane. Lanes created after Stop drop every callback.
func (s *QueueScheduler) Lane() Lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newLaneLocked()
}

func (s *QueueScheduler) newLaneLocked() *queueLane {
	l := &queueLane{
		owner:  s,
		logger: s.logger,
		queue:  make(chan func(), s.size),
		done:   make(chan struct{}),
	}
	if s.stopped {
		l.stopped = true
		close(l.queue)
		close(l.done)
		return l
	}
	s.lanes[l] = struct{}{}
	go l.run()
	return l
}

// Schedule queues fn on a lane shared by every caller that does not hold
// a lane of its own
func (s *QueueScheduler) Schedule(fn func()) {
	s.mu.Lock()
	if s.fallback == nil {
		s.fallback = s.newLaneLocked()
	}
	fallback := s.fallback
	s.mu.Unlock()

	fallback.Schedule(fn)
}

// Stop closes every lane and waits for them to drain. A lane stuck in a
// listener is abandoned once the drain timeout passes.
func (s *QueueScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	lanes := make([]*queueLane, 0, len(s.lanes))
	for l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	for _, l := range lanes {
		l.closeQueue()
	}

	deadline := time.NewTimer(s.drainTimeout)
	defer deadline.Stop()
	for _, l := range lanes {
		select {
		case <-l.done:
		case <-deadline.C:
			s.logger.Warn("Listener still running at shutdown, not waiting for it")
			return
		}
	}
}

func (s *QueueScheduler) forget(l *queueLane) {
	s.mu.Lock()
	delete(s.lanes, l)
	s.mu.Unlock()
}

type queueLane struct {
	owner   *QueueScheduler
	logger  *zap.Logger
	queue   chan func()
	done    chan struct{}
	stopped bool
	mu      sync.RWMutex
}

func (l *queueLane) run() {
	defer close(l.done)
	for fn := range l.queue {
		fn()
	}
}

// Schedule queues fn without waiting for room
func (l *queueLane) Schedule(fn func()) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		l.logger.Debug("Lane stopped, dropping callback")
		return
	}
	select {
	case l.queue <- fn:
	default:
		l.logger.Warn("Listener lane full, dropping callback", zap.Int("size", cap(l.queue)))
	}
}

// Close stops the lane once its queued callbacks have run
func (l *queueLane) Close() {
	l.closeQueue()
	l.owner.forget(l)
}

func (l *queueLane) closeQueue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.queue)
}
