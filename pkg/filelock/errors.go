// Copyright (c) OpenMMLab. All rights reserved.

package filelock

import "errors"

var (
	// ErrLockTimeout is returned when a queued request waits longer
	// than its timeout.
	ErrLockTimeout = errors.New("timed out waiting for file lock")

	// ErrQueueFull is returned immediately, without queueing, when a
	// path's wait queue is at capacity.
	ErrQueueFull = errors.New("lock wait queue is full")

	// ErrManagerDestroyed is returned to every pending request when
	// Destroy is invoked, and by Acquire afterwards.
	ErrManagerDestroyed = errors.New("lock manager destroyed")
)
