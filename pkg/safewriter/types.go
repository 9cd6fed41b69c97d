// Copyright (c) OpenMMLab. All rights reserved.

package safewriter

import (
	"errors"
	"os"
	"time"

	"safewrite/pkg/filelock"
)

const (
	defaultWriteTimeout      = 30 * time.Second
	defaultMaxRetries        = 3
	defaultRetryDelay        = 100 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	defaultBatchConcurrency  = 4
	defaultFileMode          = os.FileMode(0644)

	// Smoothing factor for the running write/wait-time averages.
	statsEMAAlpha = 0.1
)

var (
	// ErrRetriesExhausted wraps the last underlying error after all
	// retry attempts of WriteWithRetry fail.
	ErrRetriesExhausted = errors.New("all write attempts failed")

	// ErrBatchAborted marks operations never started because an
	// earlier operation in the batch failed with ContinueOnError off.
	ErrBatchAborted = errors.New("batch aborted after earlier failure")
)

// Options configures a Writer. Zero values fall back to defaults.
type Options struct {
	DefaultTimeout    time.Duration
	DefaultPriority   int
	FileMode          os.FileMode
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	NoSync            bool // skip fsync on writes

	// Lock configures the internally owned lock manager. Ignored when
	// a manager is injected via NewWriterWithManager.
	Lock filelock.Options
}

// WriteOptions overrides Writer defaults for one write.
type WriteOptions struct {
	Timeout  time.Duration
	Priority int
	Metadata filelock.Metadata
	Mode     os.FileMode
}

// Result describes one completed safe write, with the timing split
// between waiting for the lock and performing the atomic write.
type Result struct {
	Path       string
	Bytes      int
	Checksum   string
	LockID     string
	AcquiredAt time.Time
	LockWait   time.Duration
	WriteTime  time.Duration
	Total      time.Duration
}

// Operation is one entry of a batch write.
type Operation struct {
	ID      string // assigned when empty
	Path    string
	Data    []byte
	Options *WriteOptions
}

// BatchOptions configures BatchWrite.
type BatchOptions struct {
	Concurrency     int
	ContinueOnError bool
}

// OperationResult pairs a batch operation with its outcome.
type OperationResult struct {
	ID     string
	Path   string
	Result *Result
	Err    error
}

// BatchResult aggregates per-operation outcomes of one batch.
type BatchResult struct {
	Successful   []OperationResult
	Failed       []OperationResult
	TotalCount   int
	SuccessCount int
	FailureCount int
}

// FileStatus extends the lock status with scheduling hints for
// callers deciding whether to write now or later.
type FileStatus struct {
	filelock.LockStatus
	CanWrite      bool
	EstimatedWait time.Duration
}

// Stats aggregates writer counters since construction.
type Stats struct {
	Writes       uint64
	Failures     uint64
	Timeouts     uint64
	Retries      uint64
	AvgWriteTime time.Duration
	AvgLockWait  time.Duration
}
