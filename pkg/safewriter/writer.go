// Copyright (c) OpenMMLab. All rights reserved.

// Package safewriter combines the per-path lock manager with the
// atomic file writer so that many concurrent producers can persist
// output files without racing each other or leaving partial content.
package safewriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"safewrite/logger"
	"safewrite/pkg/atomicfile"
	"safewrite/pkg/filelock"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fileWriter is the pluggable atomic write step; tests substitute a
// failing implementation to exercise the retry and batch paths.
type fileWriter interface {
	WriteFile(path string, data []byte, opts atomicfile.Options) (*atomicfile.Result, error)
}

type atomicWriter struct{}

func (atomicWriter) WriteFile(path string, data []byte, opts atomicfile.Options) (*atomicfile.Result, error) {
	return atomicfile.WriteFile(path, data, opts)
}

// Writer orchestrates lock acquisition, atomic writing, retry with
// backoff and bounded-concurrency batches, and aggregates running
// statistics over all writes.
type Writer struct {
	locks    *filelock.Manager
	ownLocks bool
	opts     Options
	files    fileWriter

	mu          sync.Mutex
	writes      uint64
	failures    uint64
	timeouts    uint64
	retries     uint64
	avgWrite    float64 // EMA, nanoseconds
	avgLockWait float64
}

// NewWriter creates a Writer owning its lock manager. Close releases it.
func NewWriter(opts Options) *Writer {
	w := NewWriterWithManager(filelock.NewManager(opts.Lock), opts)
	w.ownLocks = true
	return w
}

// NewWriterWithManager creates a Writer over an injected lock manager,
// whose lifecycle stays with the caller.
func NewWriterWithManager(locks *filelock.Manager, opts Options) *Writer {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultWriteTimeout
	}
	if opts.FileMode == 0 {
		opts.FileMode = defaultFileMode
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = defaultBackoffMultiplier
	}
	return &Writer{
		locks: locks,
		opts:  opts,
		files: atomicWriter{},
	}
}

// LockManager exposes the underlying manager, e.g. for event stream
// consumers.
func (w *Writer) LockManager() *filelock.Manager { return w.locks }

// Close destroys the lock manager when the writer owns it.
func (w *Writer) Close() {
	if w.ownLocks {
		w.locks.Destroy()
	}
}

// Write persists data to path under the path's exclusive lock. The
// lock is released on every exit path. The returned Result carries
// the lock-wait and write timing plus the lock provenance.
func (w *Writer) Write(ctx context.Context, path string, data []byte, opts *WriteOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	timeout, priority, metadata, mode := w.effective(opts)

	handle, err := w.locks.Acquire(path, filelock.AcquireOptions{
		Timeout:  timeout,
		Priority: priority,
		Metadata: metadata,
	})
	lockWait := time.Since(start)
	if err != nil {
		w.recordFailure(err)
		return nil, fmt.Errorf("acquire lock for %s (waited %s): %w", path, lockWait, err)
	}
	defer handle.Release()

	res, err := w.files.WriteFile(path, data, atomicfile.Options{
		Mode:      mode,
		EnsureDir: true,
		NoSync:    w.opts.NoSync,
	})
	if err != nil {
		w.recordFailure(err)
		return nil, fmt.Errorf("write under lock %s: %w", handle.LockID(), err)
	}

	w.recordSuccess(res.WriteTime, lockWait)
	return &Result{
		Path:       res.Path,
		Bytes:      res.Bytes,
		Checksum:   res.Checksum,
		LockID:     handle.LockID(),
		AcquiredAt: handle.AcquiredAt(),
		LockWait:   lockWait,
		WriteTime:  res.WriteTime,
		Total:      time.Since(start),
	}, nil
}

// retryState carries the explicit schedule of a retry loop: which
// attempt comes next and how long to back off before it.
type retryState struct {
	attempt   int
	nextDelay time.Duration
}

func (s *retryState) advance(multiplier float64) {
	s.attempt++
	s.nextDelay = time.Duration(float64(s.nextDelay) * multiplier)
}

// WriteWithRetry repeats Write up to MaxRetries times, backing off
// RetryDelay × BackoffMultiplier^(attempt−1) between attempts. The
// last underlying error is wrapped in ErrRetriesExhausted.
func (w *Writer) WriteWithRetry(ctx context.Context, path string, data []byte, opts *WriteOptions) (*Result, error) {
	state := retryState{attempt: 1, nextDelay: w.opts.RetryDelay}

	var lastErr error
	for state.attempt <= w.opts.MaxRetries {
		res, err := w.Write(ctx, path, data, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if state.attempt == w.opts.MaxRetries {
			break
		}
		logger.Logger.Debug("Write attempt failed, backing off",
			zap.String("path", path),
			zap.Int("attempt", state.attempt),
			zap.Duration("backoff", state.nextDelay),
			zap.Error(err))
		w.recordRetry()

		timer := time.NewTimer(state.nextDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		state.advance(w.opts.BackoffMultiplier)
	}

	return nil, fmt.Errorf("%w: %d attempts on %s: %w", ErrRetriesExhausted, w.opts.MaxRetries, path, lastErr)
}

// BatchWrite runs each operation through Write with at most
// Concurrency writes in flight, bounded by a Semaphore. Failures are
// isolated per operation; with ContinueOnError off no new operation
// starts after the first failure, but in-flight writes finish.
func (w *Writer) BatchWrite(ctx context.Context, ops []Operation, opts BatchOptions) *BatchResult {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultBatchConcurrency
	}

	sem := NewSemaphore(opts.Concurrency)
	result := &BatchResult{TotalCount: len(ops)}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed bool
	)
	batchFailed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed
	}
	record := func(r OperationResult) {
		mu.Lock()
		defer mu.Unlock()
		if r.Err != nil {
			failed = true
			result.Failed = append(result.Failed, r)
		} else {
			result.Successful = append(result.Successful, r)
		}
	}

	for i := range ops {
		op := ops[i]
		if op.ID == "" {
			op.ID = uuid.New().String()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := sem.Acquire(ctx); err != nil {
				record(OperationResult{ID: op.ID, Path: op.Path, Err: err})
				return
			}
			defer sem.Release()

			if !opts.ContinueOnError && batchFailed() {
				record(OperationResult{ID: op.ID, Path: op.Path, Err: ErrBatchAborted})
				return
			}

			res, err := w.Write(ctx, op.Path, op.Data, op.Options)
			record(OperationResult{ID: op.ID, Path: op.Path, Result: res, Err: err})
		}()
	}
	wg.Wait()

	result.SuccessCount = len(result.Successful)
	result.FailureCount = len(result.Failed)
	return result
}

// Status reports the lock state of path plus an estimated wait time of
// queue depth × average lock wait, for caller-side scheduling.
func (w *Writer) Status(path string) FileStatus {
	st := w.locks.Status(path)
	avgWait := w.locks.AvgWaitTime()
	if avgWait == 0 {
		w.mu.Lock()
		avgWait = time.Duration(w.avgLockWait)
		w.mu.Unlock()
	}
	return FileStatus{
		LockStatus:    st,
		CanWrite:      !st.IsLocked && st.QueueSize == 0,
		EstimatedWait: time.Duration(st.QueueSize) * avgWait,
	}
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Writes:       w.writes,
		Failures:     w.failures,
		Timeouts:     w.timeouts,
		Retries:      w.retries,
		AvgWriteTime: time.Duration(w.avgWrite),
		AvgLockWait:  time.Duration(w.avgLockWait),
	}
}

func (w *Writer) effective(opts *WriteOptions) (time.Duration, int, filelock.Metadata, os.FileMode) {
	timeout := w.opts.DefaultTimeout
	priority := w.opts.DefaultPriority
	mode := w.opts.FileMode
	var metadata filelock.Metadata
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Priority != 0 {
			priority = opts.Priority
		}
		if opts.Mode != 0 {
			mode = opts.Mode
		}
		metadata = opts.Metadata
	}
	return timeout, priority, metadata, mode
}

func (w *Writer) recordSuccess(writeTime, lockWait time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	w.avgWrite = statsEMAAlpha*float64(writeTime) + (1-statsEMAAlpha)*w.avgWrite
	w.avgLockWait = statsEMAAlpha*float64(lockWait) + (1-statsEMAAlpha)*w.avgLockWait
}

func (w *Writer) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	if errors.Is(err, filelock.ErrLockTimeout) {
		w.timeouts++
	}
}

func (w *Writer) recordRetry() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retries++
}
