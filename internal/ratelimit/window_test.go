package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared with the limiter under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWindow(opts ...Option) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	all := append([]Option{WithClock(clk.Now)}, opts...)
	return New(all...), clk
}

func mustCheck(t *testing.T, l *Limiter, key string, max, window int) Result {
	t.Helper()
	res, err := l.Check(key, max, window)
	if err != nil {
		t.Fatalf("Check(%q, %d, %d): %v", key, max, window, err)
	}
	return res
}

// quota enforcement and remaining accounting

func TestCheck_QuotaThenReject(t *testing.T) {
	l, _ := newTestWindow()

	for i := 1; i <= 10; i++ {
		res := mustCheck(t, l, "reg:a@x.com", 10, 60)
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if res.Remaining != 10-i {
			t.Fatalf("call %d: remaining = %d, want %d", i, res.Remaining, 10-i)
		}
		if res.Limit != 10 {
			t.Fatalf("call %d: limit = %d, want 10", i, res.Limit)
		}
	}

	res := mustCheck(t, l, "reg:a@x.com", 10, 60)
	if res.Allowed {
		t.Fatal("call 11 should be rejected")
	}
	if res.Remaining != 0 {
		t.Fatalf("rejected remaining = %d, want 0", res.Remaining)
	}
	if res.ResetInSeconds != 60 {
		t.Fatalf("rejected resetInSeconds = %d, want 60 (no time elapsed)", res.ResetInSeconds)
	}
}

func TestCheck_FirstCallReportsFullWindow(t *testing.T) {
	l, _ := newTestWindow()

	res := mustCheck(t, l, "cert:b@x.com", 5, 60)
	if !res.Allowed || res.Remaining != 4 || res.ResetInSeconds != 60 {
		t.Fatalf("first call = %+v, want allowed remaining=4 reset=60", res)
	}
}

func TestCheck_RejectedAttemptsStillCount(t *testing.T) {
	l, _ := newTestWindow()

	for i := 0; i < 5; i++ {
		mustCheck(t, l, "k", 2, 60)
	}

	s := l.shardFor("k")
	s.mu.Lock()
	got := s.entries["k"].count
	s.mu.Unlock()
	if got != 5 {
		t.Fatalf("count = %d, want 5 (rejected attempts are counted)", got)
	}
}

func TestCheck_NotIdempotent(t *testing.T) {
	l, _ := newTestWindow()

	a := mustCheck(t, l, "k", 5, 60)
	b := mustCheck(t, l, "k", 5, 60)
	if a.Remaining != 4 || b.Remaining != 3 {
		t.Fatalf("remaining = %d then %d, want 4 then 3", a.Remaining, b.Remaining)
	}
}

// window reset

func TestCheck_NewWindowAfterExpiry(t *testing.T) {
	l, clk := newTestWindow()

	res := mustCheck(t, l, "cert:b@x.com", 5, 60)
	if res.Remaining != 4 {
		t.Fatalf("first remaining = %d, want 4", res.Remaining)
	}

	clk.Advance(61 * time.Second)

	res = mustCheck(t, l, "cert:b@x.com", 5, 60)
	if !res.Allowed || res.Remaining != 4 {
		t.Fatalf("after expiry = %+v, want allowed remaining=4", res)
	}
	if res.ResetInSeconds != 60 {
		t.Fatalf("after expiry resetInSeconds = %d, want 60", res.ResetInSeconds)
	}
}

func TestCheck_ExhaustedKeyRecoversAfterExpiry(t *testing.T) {
	l, clk := newTestWindow()

	for i := 0; i < 8; i++ {
		mustCheck(t, l, "k", 3, 10)
	}
	if res := mustCheck(t, l, "k", 3, 10); res.Allowed {
		t.Fatal("should be rejected while window is active")
	}

	clk.Advance(10*time.Second + time.Millisecond)

	res := mustCheck(t, l, "k", 3, 10)
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("after expiry = %+v, want allowed remaining=2", res)
	}
}

func TestCheck_ExactResetInstantIsSameWindow(t *testing.T) {
	l, clk := newTestWindow()

	mustCheck(t, l, "k", 1, 10)
	clk.Advance(10 * time.Second)

	// now == resetAt is not strictly after it
	res := mustCheck(t, l, "k", 1, 10)
	if res.Allowed {
		t.Fatal("attempt at exactly resetAt should still count against the old window")
	}
	if res.ResetInSeconds != 0 {
		t.Fatalf("resetInSeconds = %d, want 0", res.ResetInSeconds)
	}
}

// key isolation

func TestCheck_KeysIsolated(t *testing.T) {
	l, _ := newTestWindow()

	for i := 0; i < 5; i++ {
		if !mustCheck(t, l, "cert:a@x.com", 5, 60).Allowed {
			t.Fatalf("a call %d should be allowed", i+1)
		}
		if !mustCheck(t, l, "cert:b@x.com", 5, 60).Allowed {
			t.Fatalf("b call %d should be allowed", i+1)
		}
	}

	if mustCheck(t, l, "cert:a@x.com", 5, 60).Allowed {
		t.Fatal("6th call on a should be rejected")
	}
	if mustCheck(t, l, "cert:b@x.com", 5, 60).Allowed {
		t.Fatal("6th call on b should be rejected")
	}
	if !mustCheck(t, l, "reg:a@x.com", 5, 60).Allowed {
		t.Fatal("different action for same subject should have its own bucket")
	}
}

// resetInSeconds

func TestCheck_ResetInSecondsDecreases(t *testing.T) {
	l, clk := newTestWindow()

	prev := mustCheck(t, l, "k", 100, 60).ResetInSeconds
	for i := 0; i < 12; i++ {
		clk.Advance(4500 * time.Millisecond)
		cur := mustCheck(t, l, "k", 100, 60).ResetInSeconds
		if cur > prev {
			t.Fatalf("step %d: resetInSeconds went up %d -> %d", i, prev, cur)
		}
		prev = cur
	}
	// 54s elapsed of 60
	if prev != 6 {
		t.Fatalf("final resetInSeconds = %d, want 6", prev)
	}
}

func TestCheck_ResetInSecondsRoundsUp(t *testing.T) {
	l, clk := newTestWindow()

	mustCheck(t, l, "k", 10, 60)
	clk.Advance(59*time.Second + 100*time.Millisecond)

	res := mustCheck(t, l, "k", 10, 60)
	if res.ResetInSeconds != 1 {
		t.Fatalf("resetInSeconds = %d, want 1 (0.9s rounds up)", res.ResetInSeconds)
	}
}

// preconditions

func TestCheck_InvalidArguments(t *testing.T) {
	l, _ := newTestWindow()

	tests := []struct {
		name   string
		key    string
		max    int
		window int
	}{
		{"empty key", "", 5, 60},
		{"zero max", "k", 0, 60},
		{"negative max", "k", -1, 60},
		{"zero window", "k", 5, 0},
		{"negative window", "k", 5, -10},
		{"window overflows duration", "k", 1, int(MaxWindowSeconds + 1)},
		{"max int window", "k", 1, math.MaxInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Check(tt.key, tt.max, tt.window)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}

	if n := l.Len(); n != 0 {
		t.Fatalf("invalid calls stored %d entries, want 0", n)
	}
}

func TestCheck_LargestWindowStillLimits(t *testing.T) {
	l, _ := newTestWindow()
	window := int(MaxWindowSeconds)

	if res := mustCheck(t, l, "k", 1, window); !res.Allowed || res.ResetInSeconds != window {
		t.Fatalf("first = %+v", res)
	}
	for i := 2; i <= 3; i++ {
		res := mustCheck(t, l, "k", 1, window)
		if res.Allowed {
			t.Fatalf("call %d allowed with maxRequests=1: %+v", i, res)
		}
		if res.ResetInSeconds != window {
			t.Fatalf("call %d ResetInSeconds = %d, want %d", i, res.ResetInSeconds, window)
		}
	}
}

// hooks

func TestOnFirstDenied_OncePerWindow(t *testing.T) {
	var first atomic.Int32
	var lastRes Result
	l, clk := newTestWindow(WithOnFirstDenied(func(key string, res Result) {
		first.Add(1)
		lastRes = res
	}))

	for i := 0; i < 10; i++ {
		mustCheck(t, l, "k", 2, 30)
	}
	if got := first.Load(); got != 1 {
		t.Fatalf("OnFirstDenied = %d, want 1", got)
	}
	if lastRes.Allowed || lastRes.ResetInSeconds != 30 {
		t.Fatalf("hook result = %+v, want denied with reset 30", lastRes)
	}

	// next window re-arms the hook
	clk.Advance(31 * time.Second)
	for i := 0; i < 4; i++ {
		mustCheck(t, l, "k", 2, 30)
	}
	if got := first.Load(); got != 2 {
		t.Fatalf("OnFirstDenied after new window = %d, want 2", got)
	}
}

func TestOnDenied_EveryRejection(t *testing.T) {
	var denied atomic.Int32
	l, _ := newTestWindow(WithOnDenied(func(string) { denied.Add(1) }))

	for i := 0; i < 7; i++ {
		mustCheck(t, l, "k", 3, 60)
	}
	if got := denied.Load(); got != 4 {
		t.Fatalf("OnDenied = %d, want 4", got)
	}
}

func TestNilHooks_NoPanic(t *testing.T) {
	l, clk := newTestWindow(WithSweepInterval(time.Second))
	mustCheck(t, l, "k", 1, 1)
	mustCheck(t, l, "k", 1, 1)
	clk.Advance(2 * time.Second)
	mustCheck(t, l, "other", 1, 1)
}

// sweep

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	l, clk := newTestWindow()

	mustCheck(t, l, "short", 5, 1)
	mustCheck(t, l, "long", 5, 600)
	clk.Advance(2 * time.Second)

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if n := l.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	if res := mustCheck(t, l, "long", 5, 600); res.Remaining != 3 {
		t.Fatalf("long key lost its count: remaining = %d, want 3", res.Remaining)
	}
}

func TestSweep_OpportunisticAfterInterval(t *testing.T) {
	var sweeps atomic.Int32
	l, clk := newTestWindow(
		WithSweepInterval(60*time.Second),
		WithOnSweep(func(removed, remaining int) { sweeps.Add(1) }),
	)

	for i := 0; i < 50; i++ {
		mustCheck(t, l, fmt.Sprintf("spam:%d", i), 5, 1)
	}

	// expired but the sweep interval has not passed yet
	clk.Advance(30 * time.Second)
	mustCheck(t, l, "trigger", 5, 60)
	if sweeps.Load() != 0 {
		t.Fatal("sweep ran before the interval elapsed")
	}
	if n := l.Len(); n != 51 {
		t.Fatalf("Len = %d, want 51 (expired entries kept until sweep)", n)
	}

	clk.Advance(31 * time.Second)
	mustCheck(t, l, "trigger", 5, 60)
	if sweeps.Load() != 1 {
		t.Fatalf("sweeps = %d, want 1", sweeps.Load())
	}
	// only "trigger" (window 60s, started 31s ago) survives
	if n := l.Len(); n != 1 {
		t.Fatalf("Len after sweep = %d, want 1", n)
	}
}

func TestSweep_ExpiredEntryTreatedAsAbsentBeforeSweep(t *testing.T) {
	l, clk := newTestWindow(WithSweepInterval(time.Hour))

	for i := 0; i < 4; i++ {
		mustCheck(t, l, "k", 2, 5)
	}
	clk.Advance(6 * time.Second)

	res := mustCheck(t, l, "k", 2, 5)
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("expired unswept entry = %+v, want fresh window", res)
	}
}

func TestSweep_OnSweepCounts(t *testing.T) {
	var gotRemoved, gotRemaining int
	l, clk := newTestWindow(WithOnSweep(func(removed, remaining int) {
		gotRemoved, gotRemaining = removed, remaining
	}))

	mustCheck(t, l, "a", 1, 1)
	mustCheck(t, l, "b", 1, 1)
	mustCheck(t, l, "c", 1, 100)
	clk.Advance(5 * time.Second)
	l.Sweep()

	if gotRemoved != 2 || gotRemaining != 1 {
		t.Fatalf("OnSweep(removed=%d, remaining=%d), want (2, 1)", gotRemoved, gotRemaining)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	l := New(WithSweepInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_SweepsInBackground(t *testing.T) {
	l := New(WithSweepInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// 1s window is the smallest expressible, wait it out
	mustCheck(t, l, "k", 1, 1)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if l.Len() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("background sweep did not remove the expired entry")
}

// concurrency

func TestCheck_ConcurrentNeverExceedsQuota(t *testing.T) {
	l := New(WithShards(4))

	const (
		workers = 64
		perW    = 25
		max     = 100
	)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				res, err := l.Check("reg:hot@x.com", max, 60)
				if err != nil {
					t.Errorf("Check: %v", err)
					return
				}
				if res.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != max {
		t.Fatalf("allowed = %d across %d attempts, want exactly %d", got, workers*perW, max)
	}
}

func TestCheck_ConcurrentWithSweep(t *testing.T) {
	clk := newFakeClock()
	l := New(WithClock(clk.Now), WithSweepInterval(time.Millisecond))

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := l.Check(fmt.Sprintf("k:%d:%d", w, i%7), 3, 1); err != nil {
					t.Errorf("Check: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			clk.Advance(10 * time.Millisecond)
			l.Sweep()
		}
	}()
	wg.Wait()
}

func TestDefaults(t *testing.T) {
	l := New()
	if len(l.shards) != defaultShards {
		t.Errorf("shards = %d, want %d", len(l.shards), defaultShards)
	}
	if l.sweepInterval != 60*time.Second {
		t.Errorf("sweepInterval = %v, want 60s", l.sweepInterval)
	}
}

func TestAllow_MatchesCheck(t *testing.T) {
	l, _ := newTestWindow()
	var b Backend = l

	res, err := b.Allow(context.Background(), "k", 2, 60)
	if err != nil || !res.Allowed || res.Remaining != 1 {
		t.Fatalf("Allow = %+v, %v", res, err)
	}
	res, _ = l.Check("k", 2, 60)
	if res.Remaining != 0 {
		t.Fatalf("Check after Allow remaining = %d, want 0 (shared counter)", res.Remaining)
	}
}

func TestCeilSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Nanosecond, 1},
		{time.Second, 1},
		{time.Second + time.Nanosecond, 2},
		{59500 * time.Millisecond, 60},
		{time.Duration(math.MaxInt64), int(MaxWindowSeconds) + 1},
	}
	for _, tt := range tests {
		if got := ceilSeconds(tt.in); got != tt.want {
			t.Errorf("ceilSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
