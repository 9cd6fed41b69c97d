// Copyright (c) OpenMMLab. All rights reserved.

package filelock

import "time"

// EventType identifies a lock lifecycle event.
type EventType string

const (
	EventAcquired EventType = "lock:acquired"
	EventQueued   EventType = "lock:queued"
	EventReleased EventType = "lock:released"
	EventDeadlock EventType = "deadlock:detected"
)

// Event is one entry in the manager's bounded notification stream.
// EventReleased with Forced set marks an anomalous expiry; the holder
// never released within its own timeout.
// EventDeadlock is advisory: a single-resource-per-path design can
// starve but not truly deadlock, so it flags long-waiting requests
// rather than lock cycles.
type Event struct {
	Type     EventType
	Path     string
	LockID   string
	Priority int
	Forced   bool
	WaitTime time.Duration
	Time     time.Time
}
