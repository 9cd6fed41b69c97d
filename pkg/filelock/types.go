// Copyright (c) OpenMMLab. All rights reserved.

package filelock

import "time"

const (
	defaultTimeout           = 30 * time.Second
	defaultMaxQueueSize      = 100
	defaultCleanupInterval   = 30 * time.Second
	defaultStalenessInterval = 15 * time.Second
	defaultEventBuffer       = 256

	// Smoothing factor for the wait-time moving average.
	waitEMAAlpha = 0.1

	// A queued request waiting longer than this many staleness
	// intervals is reported as potentially starved.
	stalenessFactor = 3
)

// Metadata stores caller-supplied properties attached to a lock
type Metadata map[string]interface{}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	DefaultTimeout    time.Duration // max hold/wait time when the caller gives none
	MaxQueueSize      int           // per-path wait queue capacity
	CleanupInterval   time.Duration // expired-holder sweep period
	StalenessInterval time.Duration // starvation sweep period
	EventBuffer       int           // event stream capacity
}

// AcquireOptions configures a single Acquire call.
type AcquireOptions struct {
	Timeout  time.Duration
	Priority int // higher is served first
	Metadata Metadata
}

// fileLock is the manager-internal record of one granted lock.
// Callers only ever see a Handle.
type fileLock struct {
	path       string
	id         string
	acquiredAt time.Time
	timeout    time.Duration
	priority   int
	metadata   Metadata
	released   bool
	forced     bool
}

// queueItem is one pending request in a path's wait queue.
// done is guarded by the manager mutex and ensures every item is
// resolved exactly once: grant, timeout, or manager destruction.
type queueItem struct {
	id          string
	path        string
	priority    int
	timeout     time.Duration
	metadata    Metadata
	requestTime time.Time
	ready       chan grant // buffered, written exactly once
	done        bool
	stale       bool
}

type grant struct {
	handle *Handle
	err    error
}

// Handle is the caller-side capability for one granted lock.
type Handle struct {
	m          *Manager
	path       string
	id         string
	acquiredAt time.Time
}

// Path returns the normalized path the lock guards.
func (h *Handle) Path() string { return h.path }

// LockID returns the opaque unique token for this grant.
func (h *Handle) LockID() string { return h.id }

// AcquiredAt returns the grant timestamp.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Release gives the lock back. Safe to call more than once; only the
// first call succeeds.
func (h *Handle) Release() bool { return h.m.Release(h.path, h.id) }

// LockInfo describes the active holder of a path.
type LockInfo struct {
	LockID     string
	AcquiredAt time.Time
	Age        time.Duration
	Timeout    time.Duration
	Priority   int
	Expired    bool
	Metadata   Metadata
}

// QueueEntry describes one pending request in Status output.
type QueueEntry struct {
	LockID   string
	WaitTime time.Duration
	Priority int
}

// LockStatus is a point-in-time snapshot of a path's lock state.
type LockStatus struct {
	Path      string
	IsLocked  bool
	Lock      *LockInfo
	QueueSize int
	Queue     []QueueEntry
}

// Stats aggregates manager counters since construction.
type Stats struct {
	ActiveLocks     int
	QueuedRequests  int
	Acquired        uint64
	Released        uint64
	Timeouts        uint64
	ForcedReleases  uint64
	QueueRejections uint64
	DroppedEvents   uint64
	AvgWaitTime     time.Duration
}
