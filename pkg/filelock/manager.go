// Copyright (c) OpenMMLab. All rights reserved.

package filelock

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"safewrite/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns one active-lock slot per normalized path plus a
// priority-ordered wait queue per path. It grants, queues, times out
// and force-expires locks, and reports lifecycle events on a bounded
// stream. Construct with NewManager and tear down with Destroy.
type Manager struct {
	mu     sync.Mutex
	opts   Options
	active map[string]*fileLock
	queues map[string][]*queueItem

	avgWait float64 // EMA of grant wait times, in nanoseconds

	acquired        uint64
	released        uint64
	timeouts        uint64
	forcedReleases  uint64
	queueRejections uint64
	droppedEvents   uint64

	events    chan Event
	stopCh    chan struct{}
	wg        sync.WaitGroup
	destroyed bool
}

// NewManager creates a Manager and starts its background sweeps.
func NewManager(opts Options) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaultMaxQueueSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.StalenessInterval <= 0 {
		opts.StalenessInterval = defaultStalenessInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	m := &Manager{
		opts:   opts,
		active: make(map[string]*fileLock),
		queues: make(map[string][]*queueItem),
		events: make(chan Event, opts.EventBuffer),
		stopCh: make(chan struct{}),
	}

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.stalenessLoop()

	return m
}

// Events returns the bounded lifecycle event stream. The channel is
// closed by Destroy. Slow consumers lose events rather than blocking
// lock traffic; see Stats.DroppedEvents.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Acquire takes the exclusive write lock for path. If the path is free
// the lock is granted immediately; otherwise the request joins the
// path's wait queue ordered by descending priority, FIFO among equal
// priorities, and Acquire blocks until grant, timeout or Destroy.
// When the queue already holds MaxQueueSize requests, Acquire fails
// at once with ErrQueueFull as a back-pressure signal.
func (m *Manager) Acquire(path string, opts AcquireOptions) (*Handle, error) {
	path = normalizePath(path)
	if opts.Timeout <= 0 {
		opts.Timeout = m.opts.DefaultTimeout
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrManagerDestroyed
	}

	if _, held := m.active[path]; !held {
		handle := m.grantLocked(path, uuid.New().String(), opts.Priority, opts.Timeout, opts.Metadata, 0)
		m.mu.Unlock()
		return handle, nil
	}

	queue := m.queues[path]
	if len(queue) >= m.opts.MaxQueueSize {
		m.queueRejections++
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s holds %d pending requests", ErrQueueFull, path, len(queue))
	}

	item := &queueItem{
		id:          uuid.New().String(),
		path:        path,
		priority:    opts.Priority,
		timeout:     opts.Timeout,
		metadata:    opts.Metadata,
		requestTime: time.Now(),
		ready:       make(chan grant, 1),
	}
	m.enqueueLocked(path, item)
	m.publishLocked(Event{
		Type:     EventQueued,
		Path:     path,
		LockID:   item.id,
		Priority: item.priority,
		Time:     item.requestTime,
	})
	m.mu.Unlock()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case g := <-item.ready:
		return g.handle, g.err
	case <-timer.C:
		m.mu.Lock()
		if item.done {
			// Grant won the race; honor it.
			m.mu.Unlock()
			g := <-item.ready
			return g.handle, g.err
		}
		item.done = true
		m.removeItemLocked(path, item)
		m.timeouts++
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, opts.Timeout)
	}
}

// Release gives back the lock on path. It succeeds only when lockID
// matches the current holder; on success the head of the wait queue,
// if any, is granted the lock.
func (m *Manager) Release(path, lockID string) bool {
	path = normalizePath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.active[path]
	if !ok || lock.id != lockID || lock.released {
		return false
	}

	lock.released = true
	delete(m.active, path)
	m.released++
	m.publishLocked(Event{
		Type:   EventReleased,
		Path:   path,
		LockID: lock.id,
		Time:   time.Now(),
	})

	m.grantNextLocked(path)
	return true
}

// Status reports the lock state of path without blocking: whether it
// is held, the holder's age and expiry state, and the wait queue.
func (m *Manager) Status(path string) LockStatus {
	path = normalizePath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	status := LockStatus{Path: path}
	if lock, ok := m.active[path]; ok {
		age := time.Since(lock.acquiredAt)
		status.IsLocked = true
		status.Lock = &LockInfo{
			LockID:     lock.id,
			AcquiredAt: lock.acquiredAt,
			Age:        age,
			Timeout:    lock.timeout,
			Priority:   lock.priority,
			Expired:    age > lock.timeout,
			Metadata:   lock.metadata,
		}
	}
	for _, item := range m.queues[path] {
		status.Queue = append(status.Queue, QueueEntry{
			LockID:   item.id,
			WaitTime: time.Since(item.requestTime),
			Priority: item.priority,
		})
	}
	status.QueueSize = len(status.Queue)
	return status
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := 0
	for _, q := range m.queues {
		queued += len(q)
	}
	return Stats{
		ActiveLocks:     len(m.active),
		QueuedRequests:  queued,
		Acquired:        m.acquired,
		Released:        m.released,
		Timeouts:        m.timeouts,
		ForcedReleases:  m.forcedReleases,
		QueueRejections: m.queueRejections,
		DroppedEvents:   m.droppedEvents,
		AvgWaitTime:     time.Duration(m.avgWait),
	}
}

// AvgWaitTime returns the moving average of queued-grant wait times.
func (m *Manager) AvgWaitTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.avgWait)
}

// Destroy rejects every queued request with ErrManagerDestroyed,
// force-releases every active lock, stops the sweeps and closes the
// event stream. The manager is unusable afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true

	for path, queue := range m.queues {
		for _, item := range queue {
			if item.done {
				continue
			}
			item.done = true
			item.ready <- grant{err: fmt.Errorf("%w: pending lock on %s cancelled", ErrManagerDestroyed, path)}
		}
	}
	m.queues = make(map[string][]*queueItem)

	for path, lock := range m.active {
		lock.released = true
		lock.forced = true
		m.forcedReleases++
		m.publishLocked(Event{
			Type:   EventReleased,
			Path:   path,
			LockID: lock.id,
			Forced: true,
			Time:   time.Now(),
		})
	}
	m.active = make(map[string]*fileLock)
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	close(m.events)
}

// grantLocked installs a new active lock for path and returns its
// handle. waited is non-zero for grants served from the queue.
func (m *Manager) grantLocked(path, id string, priority int, timeout time.Duration, metadata Metadata, waited time.Duration) *Handle {
	now := time.Now()
	m.active[path] = &fileLock{
		path:       path,
		id:         id,
		acquiredAt: now,
		timeout:    timeout,
		priority:   priority,
		metadata:   metadata,
	}
	m.acquired++
	m.publishLocked(Event{
		Type:     EventAcquired,
		Path:     path,
		LockID:   id,
		Priority: priority,
		WaitTime: waited,
		Time:     now,
	})
	return &Handle{m: m, path: path, id: id, acquiredAt: now}
}

// grantNextLocked pops the head of path's queue and hands it the lock.
func (m *Manager) grantNextLocked(path string) {
	queue := m.queues[path]
	if len(queue) == 0 {
		delete(m.queues, path)
		return
	}

	item := queue[0]
	if len(queue) == 1 {
		delete(m.queues, path)
	} else {
		m.queues[path] = queue[1:]
	}

	item.done = true
	waited := time.Since(item.requestTime)
	m.avgWait = waitEMAAlpha*float64(waited) + (1-waitEMAAlpha)*m.avgWait

	handle := m.grantLocked(path, item.id, item.priority, item.timeout, item.metadata, waited)
	item.ready <- grant{handle: handle}
}

// enqueueLocked inserts item keeping descending priority order with a
// stable FIFO tie-break.
func (m *Manager) enqueueLocked(path string, item *queueItem) {
	queue := m.queues[path]
	idx := sort.Search(len(queue), func(i int) bool {
		return queue[i].priority < item.priority
	})
	queue = append(queue, nil)
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = item
	m.queues[path] = queue
}

func (m *Manager) removeItemLocked(path string, item *queueItem) {
	queue := m.queues[path]
	for i, it := range queue {
		if it == item {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(m.queues, path)
	} else {
		m.queues[path] = queue
	}
}

// publishLocked emits an event without ever blocking lock traffic.
func (m *Manager) publishLocked(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.droppedEvents++
	}
}

// cleanupLoop force-releases active locks held past their own timeout.
// An expired holder is treated as an anomaly: it presumably crashed or
// leaked the handle, so the lock is reclaimed and the next waiter runs.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, lock := range m.active {
		age := time.Since(lock.acquiredAt)
		if age <= lock.timeout {
			continue
		}
		logger.Logger.Warn("Force releasing expired lock",
			zap.String("path", path),
			zap.String("lockId", lock.id),
			zap.Duration("age", age),
			zap.Duration("timeout", lock.timeout))

		lock.released = true
		lock.forced = true
		delete(m.active, path)
		m.forcedReleases++
		m.timeouts++
		m.publishLocked(Event{
			Type:   EventReleased,
			Path:   path,
			LockID: lock.id,
			Forced: true,
			Time:   time.Now(),
		})
		m.grantNextLocked(path)
	}
}

// stalenessLoop flags queued requests that have waited suspiciously
// long. Advisory only: with one resource per path the system can
// starve under sustained higher-priority load, but it cannot form a
// lock cycle, so no claim is revoked here.
func (m *Manager) stalenessLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.StalenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := stalenessFactor * m.opts.StalenessInterval
	for path, queue := range m.queues {
		for _, item := range queue {
			waited := time.Since(item.requestTime)
			if waited <= threshold || item.stale {
				continue
			}
			item.stale = true
			logger.Logger.Warn("Possible starvation on lock queue",
				zap.String("path", path),
				zap.String("lockId", item.id),
				zap.Duration("waited", waited))
			m.publishLocked(Event{
				Type:     EventDeadlock,
				Path:     path,
				LockID:   item.id,
				Priority: item.priority,
				WaitTime: waited,
				Time:     time.Now(),
			})
		}
	}
}

// normalizePath makes path the absolute, cleaned mutual-exclusion key
// so that lexically different spellings of one file share a lock.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
