package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gateClock drives a RateGate deterministically: sleeps advance the clock
// instead of blocking.
type gateClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *gateClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *gateClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func newTestGate(perMinute, perHour int) (*RateGate, *gateClock) {
	g := NewRateGate(perMinute, perHour, 0, true)
	clock := &gateClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g.now = clock.now
	g.sleep = clock.sleep
	return g, clock
}

func TestAcquireWithinCeilingDoesNotWait(t *testing.T) {
	g, clock := newTestGate(8, 50)
	start := clock.now()
	for i := 0; i < 8; i++ {
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if !clock.now().Equal(start) {
		t.Fatalf("acquires under the ceiling must not sleep, clock moved %v", clock.now().Sub(start))
	}
}

func TestAcquireBlocksUntilMinuteWindowFrees(t *testing.T) {
	g, clock := newTestGate(2, 50)
	start := clock.now()
	_ = g.Acquire(context.Background())
	_ = g.Acquire(context.Background())
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	elapsed := clock.now().Sub(start)
	if elapsed < time.Minute {
		t.Fatalf("third acquire should wait out the minute window, waited %v", elapsed)
	}
	st := g.Status()
	if st.MinuteUsed > 2 {
		t.Fatalf("minute window holds %d entries, ceiling is 2", st.MinuteUsed)
	}
}

func TestAcquireHourWindowDominates(t *testing.T) {
	g, clock := newTestGate(100, 3)
	start := clock.now()
	for i := 0; i < 3; i++ {
		_ = g.Acquire(context.Background())
	}
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("fourth acquire: %v", err)
	}
	if elapsed := clock.now().Sub(start); elapsed < time.Hour {
		t.Fatalf("hour window should dominate, waited only %v", elapsed)
	}
}

func TestAcquireAppliesFixedDelay(t *testing.T) {
	g := NewRateGate(10, 100, time.Second, true)
	clock := &gateClock{t: time.Now()}
	g.now = clock.now
	g.sleep = clock.sleep
	start := clock.now()
	_ = g.Acquire(context.Background())
	if got := clock.now().Sub(start); got != time.Second {
		t.Fatalf("fixed delay not applied, slept %v", got)
	}
}

func TestZeroCeilingsClampToOne(t *testing.T) {
	g, _ := newTestGate(0, 0)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire on clamped gate: %v", err)
	}
	st := g.Status()
	if st.MinuteCeiling != 1 || st.HourCeiling != 1 {
		t.Fatalf("zero ceilings must clamp to 1, got %d/%d", st.MinuteCeiling, st.HourCeiling)
	}
}

func TestAcquireDisabledGatePassesThrough(t *testing.T) {
	g := NewRateGate(1, 1, 0, false)
	clock := &gateClock{t: time.Now()}
	g.now = clock.now
	g.sleep = clock.sleep
	start := clock.now()
	for i := 0; i < 20; i++ {
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if !clock.now().Equal(start) {
		t.Fatal("disabled gate must never wait")
	}
}

func TestAcquireConcurrentHoldsMinuteCeiling(t *testing.T) {
	// Real clock and sleep: winners grab a slot immediately, the rest wait
	// out the minute window and hit the deadline instead.
	g := NewRateGate(5, 1000, 0, true)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var acquired int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(ctx); err == nil {
				atomic.AddInt64(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	if acquired != 5 {
		t.Fatalf("concurrent acquires = %d, ceiling is 5", acquired)
	}
	st := g.Status()
	if st.MinuteUsed > st.MinuteCeiling {
		t.Fatalf("minute window holds %d entries over ceiling %d", st.MinuteUsed, st.MinuteCeiling)
	}
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	g, _ := newTestGate(1, 50)
	_ = g.Acquire(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Acquire(ctx); err == nil {
		t.Fatal("acquire on canceled context must fail")
	}
}

func TestReportQuotaShrinksAndRestores(t *testing.T) {
	g, _ := newTestGate(8, 50)

	g.ReportQuota(4, 100)
	if st := g.Status(); st.MinuteCeiling != 2 {
		t.Fatalf("minute remaining <5 should cap at 2, got %d", st.MinuteCeiling)
	}
	g.ReportQuota(6, 100)
	if st := g.Status(); st.MinuteCeiling != 5 {
		t.Fatalf("minute remaining <8 should cap at 5, got %d", st.MinuteCeiling)
	}
	g.ReportQuota(100, 8)
	if st := g.Status(); st.HourCeiling != 6 {
		t.Fatalf("hour remaining 8 should cap at 8*8/10=6, got %d", st.HourCeiling)
	}
	g.ReportQuota(100, 2)
	if st := g.Status(); st.HourCeiling != 5 {
		t.Fatalf("hour ceiling floors at 5, got %d", st.HourCeiling)
	}

	// Healthy report restores configured ceilings.
	g.ReportQuota(100, 100)
	st := g.Status()
	if st.MinuteCeiling != 8 || st.HourCeiling != 50 {
		t.Fatalf("healthy quota must restore base ceilings, got %d/%d", st.MinuteCeiling, st.HourCeiling)
	}
	if st.Adaptive {
		t.Fatal("gate should not report adaptive after restore")
	}

	// Negative fields are ignored.
	g.ReportQuota(-1, -1)
	if st := g.Status(); st.MinuteCeiling != 8 || st.HourCeiling != 50 {
		t.Fatalf("negative quota fields must be ignored, got %d/%d", st.MinuteCeiling, st.HourCeiling)
	}
}

func TestPenalizeHalvesMinuteCeiling(t *testing.T) {
	g, _ := newTestGate(8, 50)
	g.Penalize()
	if st := g.Status(); st.MinuteCeiling != 4 {
		t.Fatalf("penalize should halve the minute ceiling, got %d", st.MinuteCeiling)
	}
	g.Penalize()
	g.Penalize()
	g.Penalize()
	if st := g.Status(); st.MinuteCeiling < 1 {
		t.Fatalf("minute ceiling must never drop below 1, got %d", st.MinuteCeiling)
	}
	// Next quota report restores.
	g.ReportQuota(100, 100)
	if st := g.Status(); st.MinuteCeiling != 8 {
		t.Fatalf("quota report should restore after penalty, got %d", st.MinuteCeiling)
	}
}

func TestNilGatePassesThrough(t *testing.T) {
	var g *RateGate
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("nil gate acquire: %v", err)
	}
	g.ReportQuota(1, 1)
	g.Penalize()
	if st := g.Status(); st.MinuteCeiling != 0 {
		t.Fatalf("nil gate status should be zero, got %+v", st)
	}
}
