package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueOverflowDropsOldest(t *testing.T) {
	q := New[int](10, zaptest.NewLogger(t))
	for i := 0; i < 12; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if q.Len() != 10 {
		t.Fatalf("len: got %d", q.Len())
	}
	got := q.Snapshot()
	for i, v := range got {
		if v != i+2 {
			t.Fatalf("item %d: got %d want %d", i, v, i+2)
		}
	}
	if s := q.Stats(); s.Dropped != 2 || s.Sent != 0 || s.Failed != 0 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestEnqueueZeroCapacity(t *testing.T) {
	q := New[[]byte](0, nil)
	if q.Enqueue([]byte{1}) {
		t.Fatal("zero-capacity enqueue should fail")
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("dropped: %d", q.Stats().Dropped)
	}
}

func TestDrainInOrderAndCounts(t *testing.T) {
	q := New[int](100, nil)
	var mu sync.Mutex
	var written []int
	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}
	q.Start(func(v int) bool {
		mu.Lock()
		written = append(written, v)
		mu.Unlock()
		return v != 3
	}, 0, 0)
	defer q.Stop()
	waitFor(t, func() bool { return q.Stats().Sent+q.Stats().Failed == 5 })
	mu.Lock()
	defer mu.Unlock()
	for i, v := range written {
		if v != i {
			t.Fatalf("order: %v", written)
		}
	}
	if s := q.Stats(); s.Sent != 4 || s.Failed != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestDrainPacesWrites(t *testing.T) {
	q := New[int](10, nil)
	var times []time.Time
	var mu sync.Mutex
	q.Start(func(int) bool {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return true
	}, 30*time.Millisecond, 0)
	defer q.Stop()
	for i := 0; i < 3; i++ {
		q.Enqueue(i)
	}
	waitFor(t, func() bool { return q.Stats().Sent == 3 })
	mu.Lock()
	defer mu.Unlock()
	if gap := times[2].Sub(times[0]); gap < 50*time.Millisecond {
		t.Fatalf("writes not paced: %v", gap)
	}
}

func TestRestartNoDuplicateDrainers(t *testing.T) {
	q := New[int](100, nil)
	var active, maxActive int32
	write := func(int) bool {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return true
	}
	for i := 0; i < 3; i++ {
		q.Start(write, 0, 0)
	}
	for i := 0; i < 30; i++ {
		q.Enqueue(i)
	}
	waitFor(t, func() bool { return q.Stats().Sent == 30 })
	q.Stop()
	if m := atomic.LoadInt32(&maxActive); m != 1 {
		t.Fatalf("concurrent drainers: %d", m)
	}
	if q.Running() {
		t.Fatal("should be stopped")
	}
}

func TestStopKeepsItemsAndInitialDelay(t *testing.T) {
	q := New[int](10, nil)
	q.Enqueue(1)
	q.Start(func(int) bool { return true }, 0, time.Hour)
	q.Stop()
	if q.Len() != 1 || q.Stats().Sent != 0 {
		t.Fatalf("len=%d stats=%+v", q.Len(), q.Stats())
	}
}

func TestClearAndResetMetricsIndependent(t *testing.T) {
	q := New[int](2, nil)
	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(3)
	q.MarkDropped()
	q.Clear()
	if q.Len() != 0 {
		t.Fatal("clear should empty queue")
	}
	if q.Stats().Dropped != 2 {
		t.Fatalf("clear must not touch counters: %+v", q.Stats())
	}
	q.Enqueue(4)
	q.ResetMetrics()
	if q.Stats() != (Stats{}) {
		t.Fatalf("reset: %+v", q.Stats())
	}
	if q.Len() != 1 {
		t.Fatal("reset must not touch contents")
	}
}

func TestDirectBypassesFIFO(t *testing.T) {
	q := New[int](4, zaptest.NewLogger(t))
	q.Enqueue(1)
	var wrote []int
	if !q.Direct(9, func(v int) bool { wrote = append(wrote, v); return true }) {
		t.Fatal("direct write failed")
	}
	q.Direct(8, func(int) bool { return false })
	if len(wrote) != 1 || wrote[0] != 9 {
		t.Fatalf("wrote %v", wrote)
	}
	if q.Len() != 1 {
		t.Fatalf("queued item touched: len %d", q.Len())
	}
	if s := q.Stats(); s.Sent != 1 || s.Failed != 1 {
		t.Fatalf("stats %+v", s)
	}
}
