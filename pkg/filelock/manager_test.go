// Copyright (c) OpenMMLab. All rights reserved.

package filelock

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(opts Options) *Manager {
	// Long sweep intervals by default so they do not interfere with
	// timing-sensitive tests.
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.StalenessInterval == 0 {
		opts.StalenessInterval = time.Hour
	}
	return NewManager(opts)
}

func waitForQueueSize(t *testing.T, m *Manager, path string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status(path).QueueSize == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue for %s never reached size %d", path, n)
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	handle, err := m.Acquire("/test/file.txt", AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire should succeed on a free path: %v", err)
	}
	if handle.LockID() == "" {
		t.Error("granted handle should carry a lock id")
	}

	st := m.Status("/test/file.txt")
	if !st.IsLocked {
		t.Error("Status should report the path as locked")
	}

	if !handle.Release() {
		t.Error("Release of the current holder should succeed")
	}
	if handle.Release() {
		t.Error("second Release of the same handle should fail")
	}
	if m.Status("/test/file.txt").IsLocked {
		t.Error("Status should report the path as free after release")
	}
}

func TestReleaseWrongID(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	handle, err := m.Acquire("/test/file.txt", AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if m.Release("/test/file.txt", "not-the-holder") {
		t.Error("Release with a mismatched lock id should fail")
	}
	if !m.Status("/test/file.txt").IsLocked {
		t.Error("failed release must leave the holder in place")
	}
	handle.Release()
}

func TestPathNormalization(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	abs, err := filepath.Abs("out/result.yaml")
	if err != nil {
		t.Fatal(err)
	}

	handle, err := m.Acquire("out/result.yaml", AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// A lexically different spelling of the same file shares the lock.
	if !m.Status("./out/../out/result.yaml").IsLocked {
		t.Error("normalized spellings of one path should share a lock")
	}
	if handle.Path() != abs {
		t.Errorf("handle path = %q, want %q", handle.Path(), abs)
	}
	handle.Release()
}

func TestMutualExclusion(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	const writers = 10
	var inside, peak, total int32
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := m.Acquire("/test/shared.txt", AcquireOptions{Timeout: 5 * time.Second})
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&peak) {
				atomic.StoreInt32(&peak, n)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&total, 1)
			handle.Release()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("observed %d concurrent holders, want exactly 1", peak)
	}
	if total != writers {
		t.Errorf("%d writers finished, want %d", total, writers)
	}
}

func TestPriorityOrdering(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	path := "/test/priority.txt"
	holder, err := m.Acquire(path, AcquireOptions{Priority: 0})
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 2)
	grants := make(chan *Handle, 2)

	acquire := func(name string, priority int) {
		go func() {
			h, err := m.Acquire(path, AcquireOptions{Priority: priority, Timeout: 5 * time.Second})
			if err != nil {
				t.Errorf("%s failed to acquire: %v", name, err)
				return
			}
			order <- name
			grants <- h
		}()
	}

	// B (priority 5) requests before C (priority 2); both outrank FIFO.
	acquire("B", 5)
	waitForQueueSize(t, m, path, 1)
	acquire("C", 2)
	waitForQueueSize(t, m, path, 2)

	holder.Release()
	if got := <-order; got != "B" {
		t.Errorf("first grant went to %s, want B", got)
	}
	(<-grants).Release()
	if got := <-order; got != "C" {
		t.Errorf("second grant went to %s, want C", got)
	}
	(<-grants).Release()
}

func TestEqualPriorityFIFO(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	path := "/test/fifo.txt"
	holder, err := m.Acquire(path, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			h, err := m.Acquire(path, AcquireOptions{Timeout: 5 * time.Second})
			if err != nil {
				t.Errorf("waiter %d failed: %v", i, err)
				return
			}
			order <- i
			h.Release()
		}()
		waitForQueueSize(t, m, path, i)
	}

	holder.Release()
	for want := 1; want <= 3; want++ {
		if got := <-order; got != want {
			t.Errorf("grant %d went to waiter %d", want, got)
		}
	}
}

func TestAcquireTimeout(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	path := "/test/timeout.txt"
	holder, err := m.Acquire(path, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	start := time.Now()
	_, err = m.Acquire(path, AcquireOptions{Timeout: 50 * time.Millisecond})
	waited := time.Since(start)

	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("want ErrLockTimeout, got %v", err)
	}
	if waited < 40*time.Millisecond || waited > time.Second {
		t.Errorf("timed out after %s, want ≈50ms", waited)
	}
	if got := m.Status(path).QueueSize; got != 0 {
		t.Errorf("timed-out request still queued, queue size %d", got)
	}
}

func TestQueueBackpressure(t *testing.T) {
	m := newTestManager(Options{MaxQueueSize: 2})
	defer m.Destroy()

	path := "/test/full.txt"
	holder, err := m.Acquire(path, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	for i := 0; i < 2; i++ {
		go func() {
			h, err := m.Acquire(path, AcquireOptions{Timeout: 5 * time.Second})
			if err == nil {
				h.Release()
			}
		}()
		waitForQueueSize(t, m, path, i+1)
	}

	start := time.Now()
	_, err = m.Acquire(path, AcquireOptions{Timeout: 5 * time.Second})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("back-pressure rejection took %s, should be immediate", elapsed)
	}
}

func TestStatusReporting(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	path := "/test/status.txt"
	holder, err := m.Acquire(path, AcquireOptions{Metadata: Metadata{"caller": "test"}})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		h, err := m.Acquire(path, AcquireOptions{Priority: 3, Timeout: 5 * time.Second})
		if err == nil {
			h.Release()
		}
	}()
	waitForQueueSize(t, m, path, 1)

	st := m.Status(path)
	if !st.IsLocked {
		t.Error("IsLocked should be true")
	}
	if st.QueueSize != 1 {
		t.Errorf("QueueSize = %d, want 1", st.QueueSize)
	}
	if st.Lock == nil || st.Lock.LockID != holder.LockID() {
		t.Error("Lock info should describe the current holder")
	}
	if st.Lock.Expired {
		t.Error("fresh lock should not be expired")
	}
	if len(st.Queue) != 1 || st.Queue[0].Priority != 3 {
		t.Errorf("queue entries = %+v, want one entry with priority 3", st.Queue)
	}

	holder.Release()
}

func TestCleanupForceReleasesExpired(t *testing.T) {
	m := NewManager(Options{
		CleanupInterval:   20 * time.Millisecond,
		StalenessInterval: time.Hour,
	})
	defer m.Destroy()

	path := "/test/expired.txt"
	// Holder that never releases within its own timeout.
	_, err := m.Acquire(path, AcquireOptions{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	granted := make(chan *Handle, 1)
	go func() {
		h, err := m.Acquire(path, AcquireOptions{Timeout: 5 * time.Second})
		if err != nil {
			t.Errorf("waiter should be granted after forced expiry: %v", err)
			return
		}
		granted <- h
	}()

	select {
	case h := <-granted:
		h.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup sweep never force-released the expired lock")
	}

	if got := m.Stats().ForcedReleases; got != 1 {
		t.Errorf("ForcedReleases = %d, want 1", got)
	}
}

func TestStalenessAdvisory(t *testing.T) {
	m := NewManager(Options{
		CleanupInterval:   time.Hour,
		StalenessInterval: 10 * time.Millisecond,
	})
	defer m.Destroy()

	path := "/test/starved.txt"
	holder, err := m.Acquire(path, AcquireOptions{Timeout: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	go func() {
		h, err := m.Acquire(path, AcquireOptions{Timeout: 5 * time.Second})
		if err == nil {
			h.Release()
		}
	}()
	waitForQueueSize(t, m, path, 1)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventDeadlock {
				if ev.Path != normalizePath(path) {
					t.Errorf("deadlock event path = %s", ev.Path)
				}
				return
			}
		case <-deadline:
			t.Fatal("no deadlock:detected event for a stale waiter")
		}
	}
}

func TestDestroyRejectsQueued(t *testing.T) {
	m := newTestManager(Options{})

	path := "/test/destroy.txt"
	_, err := m.Acquire(path, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := m.Acquire(path, AcquireOptions{Timeout: 5 * time.Second})
		result <- err
	}()
	waitForQueueSize(t, m, path, 1)

	m.Destroy()

	select {
	case err := <-result:
		if !errors.Is(err, ErrManagerDestroyed) {
			t.Errorf("queued request got %v, want ErrManagerDestroyed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never rejected by Destroy")
	}

	if _, err := m.Acquire(path, AcquireOptions{}); !errors.Is(err, ErrManagerDestroyed) {
		t.Errorf("Acquire after Destroy got %v, want ErrManagerDestroyed", err)
	}

	// Event stream is closed so consumers drain and stop.
	for range m.Events() {
	}
}

func TestLifecycleEvents(t *testing.T) {
	m := newTestManager(Options{})

	handle, err := m.Acquire("/test/events.txt", AcquireOptions{Priority: 2})
	if err != nil {
		t.Fatal(err)
	}
	handle.Release()
	m.Destroy()

	var types []EventType
	for ev := range m.Events() {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != EventAcquired || types[1] != EventReleased {
		t.Errorf("event sequence = %v, want [acquired released]", types)
	}
}

func TestWaitTimeEMA(t *testing.T) {
	m := newTestManager(Options{})
	defer m.Destroy()

	path := "/test/ema.txt"
	holder, err := m.Acquire(path, AcquireOptions{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		h, err := m.Acquire(path, AcquireOptions{Timeout: 5 * time.Second})
		if err == nil {
			h.Release()
		}
		close(done)
	}()
	waitForQueueSize(t, m, path, 1)

	time.Sleep(20 * time.Millisecond)
	holder.Release()
	<-done

	// One grant of a ~20ms wait folded into a zero EMA at α=0.1
	// lands around 2ms.
	avg := m.AvgWaitTime()
	if avg <= 0 || avg > 50*time.Millisecond {
		t.Errorf("AvgWaitTime = %s, want a small positive duration", avg)
	}
}
