// Copyright (c) OpenMMLab. All rights reserved.

package safewriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"safewrite/pkg/atomicfile"
	"safewrite/pkg/filelock"

	"github.com/stretchr/testify/assert"
)

// flakyWriter fails the first failures attempts, then delegates to the
// real atomic writer. It also tracks in-flight and peak concurrency.
type flakyWriter struct {
	failures int32
	attempts int32
	inflight int32
	peak     int32
	delay    time.Duration
}

func (f *flakyWriter) WriteFile(path string, data []byte, opts atomicfile.Options) (*atomicfile.Result, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.inflight, -1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	attempt := atomic.AddInt32(&f.attempts, 1)
	if attempt <= atomic.LoadInt32(&f.failures) {
		return nil, fmt.Errorf("injected failure on attempt %d", attempt)
	}
	return atomicfile.WriteFile(path, data, opts)
}

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w := NewWriter(Options{
		RetryDelay: time.Millisecond,
		Lock: filelock.Options{
			CleanupInterval:   time.Hour,
			StalenessInterval: time.Hour,
		},
	})
	t.Cleanup(w.Close)
	return w
}

func TestWriteRoundTrip(t *testing.T) {
	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "out.txt")

	res, err := w.Write(context.Background(), path, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if res.LockID == "" {
		t.Error("result should carry the lock id")
	}
	if res.Total < res.WriteTime {
		t.Error("total time should cover the write time")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("read back %q, want %q", got, "payload")
	}

	stats := w.Stats()
	if stats.Writes != 1 || stats.Failures != 0 {
		t.Errorf("stats = %+v, want one success", stats)
	}
	if stats.AvgWriteTime <= 0 {
		t.Error("average write time should be positive after a write")
	}
}

func TestWriteReleasesLockOnFailure(t *testing.T) {
	w := newTestWriter(t)
	w.files = &flakyWriter{failures: 1}
	path := filepath.Join(t.TempDir(), "out.txt")

	if _, err := w.Write(context.Background(), path, []byte("x"), nil); err == nil {
		t.Fatal("injected failure should surface")
	}

	// The lock must not leak: an immediate follow-up write succeeds.
	if _, err := w.Write(context.Background(), path, []byte("x"), nil); err != nil {
		t.Fatalf("lock leaked after failed write: %v", err)
	}
}

func TestWriteWithRetryConverges(t *testing.T) {
	w := newTestWriter(t)
	flaky := &flakyWriter{failures: 2}
	w.files = flaky
	path := filepath.Join(t.TempDir(), "out.txt")

	res, err := w.WriteWithRetry(context.Background(), path, []byte("eventually"), nil)
	if err != nil {
		t.Fatalf("retry should converge after 2 failures: %v", err)
	}
	if got := atomic.LoadInt32(&flaky.attempts); got != 3 {
		t.Errorf("made %d attempts, want exactly 3", got)
	}

	got, _ := os.ReadFile(res.Path)
	if string(got) != "eventually" {
		t.Errorf("read back %q", got)
	}
	if w.Stats().Retries != 2 {
		t.Errorf("Retries = %d, want 2", w.Stats().Retries)
	}
}

func TestWriteWithRetryExhausted(t *testing.T) {
	w := newTestWriter(t)
	w.files = &flakyWriter{failures: 100}
	path := filepath.Join(t.TempDir(), "out.txt")

	_, err := w.WriteWithRetry(context.Background(), path, []byte("never"), nil)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("want ErrRetriesExhausted, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("destination should not exist after exhausted retries")
	}
}

func TestBatchWriteBoundedConcurrency(t *testing.T) {
	w := newTestWriter(t)
	flaky := &flakyWriter{delay: 5 * time.Millisecond}
	w.files = flaky

	dir := t.TempDir()
	ops := make([]Operation, 5)
	for i := range ops {
		ops[i] = Operation{
			Path: filepath.Join(dir, fmt.Sprintf("out-%d.txt", i)),
			Data: []byte(fmt.Sprintf("content %d", i)),
		}
	}

	result := w.BatchWrite(context.Background(), ops, BatchOptions{Concurrency: 2})

	assert.Equal(t, 5, result.TotalCount)
	assert.Equal(t, 5, result.SuccessCount)
	assert.Empty(t, result.Failed)
	assert.LessOrEqual(t, flaky.peak, int32(2), "more than 2 writes in flight")

	for _, op := range ops {
		got, err := os.ReadFile(op.Path)
		assert.NoError(t, err)
		assert.NotEmpty(t, got)
	}
}

func TestBatchWriteAssignsOperationIDs(t *testing.T) {
	w := newTestWriter(t)
	dir := t.TempDir()

	result := w.BatchWrite(context.Background(), []Operation{
		{Path: filepath.Join(dir, "a.txt"), Data: []byte("a")},
		{ID: "explicit", Path: filepath.Join(dir, "b.txt"), Data: []byte("b")},
	}, BatchOptions{})

	ids := map[string]bool{}
	for _, op := range result.Successful {
		if op.ID == "" {
			t.Error("operation without an explicit ID should get one assigned")
		}
		ids[op.ID] = true
	}
	if !ids["explicit"] {
		t.Error("explicit operation ID should be preserved")
	}
}

func TestBatchWriteStopsAfterFailure(t *testing.T) {
	w := newTestWriter(t)
	// Every write fails; with ContinueOnError off and concurrency 1,
	// later operations must be aborted rather than attempted.
	w.files = &flakyWriter{failures: 1000, delay: 2 * time.Millisecond}

	dir := t.TempDir()
	ops := make([]Operation, 4)
	for i := range ops {
		ops[i] = Operation{
			Path: filepath.Join(dir, fmt.Sprintf("out-%d.txt", i)),
			Data: []byte("x"),
		}
	}

	result := w.BatchWrite(context.Background(), ops, BatchOptions{Concurrency: 1})

	if result.SuccessCount != 0 {
		t.Errorf("SuccessCount = %d, want 0", result.SuccessCount)
	}
	if result.FailureCount != 4 {
		t.Errorf("FailureCount = %d, want 4", result.FailureCount)
	}
	aborted := 0
	for _, op := range result.Failed {
		if errors.Is(op.Err, ErrBatchAborted) {
			aborted++
		}
	}
	if aborted == 0 {
		t.Error("operations after the first failure should be aborted, not attempted")
	}
}

func TestBatchWriteContinueOnError(t *testing.T) {
	w := newTestWriter(t)
	// First attempt fails, everything afterwards succeeds.
	w.files = &flakyWriter{failures: 1}

	dir := t.TempDir()
	ops := make([]Operation, 3)
	for i := range ops {
		ops[i] = Operation{
			Path: filepath.Join(dir, fmt.Sprintf("out-%d.txt", i)),
			Data: []byte("x"),
		}
	}

	result := w.BatchWrite(context.Background(), ops, BatchOptions{Concurrency: 1, ContinueOnError: true})

	if result.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", result.FailureCount)
	}
	if result.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", result.SuccessCount)
	}
}

func TestStatusEstimatesWait(t *testing.T) {
	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "out.txt")

	st := w.Status(path)
	if !st.CanWrite {
		t.Error("free path should be writable")
	}
	if st.EstimatedWait != 0 {
		t.Errorf("EstimatedWait = %s for an empty queue, want 0", st.EstimatedWait)
	}

	handle, err := w.LockManager().Acquire(path, filelock.AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Release()

	st = w.Status(path)
	if st.CanWrite {
		t.Error("held path should not be writable")
	}
	if !st.IsLocked {
		t.Error("status should reflect the lock")
	}
}

func TestWriteTimeoutCountsAsTimeout(t *testing.T) {
	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "out.txt")

	handle, err := w.LockManager().Acquire(path, filelock.AcquireOptions{Timeout: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Release()

	_, err = w.Write(context.Background(), path, []byte("x"), &WriteOptions{Timeout: 30 * time.Millisecond})
	if !errors.Is(err, filelock.ErrLockTimeout) {
		t.Fatalf("want ErrLockTimeout, got %v", err)
	}

	stats := w.Stats()
	if stats.Timeouts != 1 || stats.Failures != 1 {
		t.Errorf("stats = %+v, want one timeout and one failure", stats)
	}
}
