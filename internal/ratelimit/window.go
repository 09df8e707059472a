package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShards        = 32
	defaultSweepInterval = 60 * time.Second
)

// MaxWindowSeconds is the longest window a time.Duration can hold.
const MaxWindowSeconds int64 = math.MaxInt64 / int64(time.Second)

// ErrInvalidArgument is returned when Check is called with an empty key, a
// non-positive quota, or a window outside 1..MaxWindowSeconds. No state is
// touched in that case.
var ErrInvalidArgument = errors.New("ratelimit: invalid argument")

func validArgs(key string, maxRequests, windowSeconds int) bool {
	return key != "" && maxRequests > 0 && windowSeconds > 0 && int64(windowSeconds) <= MaxWindowSeconds
}

// Result is the outcome of a single attempt.
type Result struct {
	Allowed bool
	// Limit is the quota the attempt was checked against
	Limit int
	// Remaining quota in the current window after counting this attempt, 0 when rejected
	Remaining int
	// ResetInSeconds is the ceiling of seconds until the window ends and quota replenishes
	ResetInSeconds int
}

// entry is the counter for one key in its current window
type entry struct {
	count   int
	resetAt time.Time
	// notified is set once the first-denial hook fired for this window
	notified bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter is an in-memory fixed-window counter keyed by arbitrary strings.
// Create one per process with New and share it between handlers.
type Limiter struct {
	shards []*shard
	now    func() time.Time

	sweepInterval time.Duration
	// lastSweep holds unix nanos of the last sweep, swapped with CAS so only one caller sweeps
	lastSweep atomic.Int64

	onDenied      func(key string)
	onFirstDenied func(key string, res Result)
	onSweep       func(removed, remaining int)
}

type Option func(*Limiter)

// WithClock replaces time.Now, used by tests to simulate elapsed time.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweepInterval sets how often expired entries are physically removed.
// The interval is independent of any key's window.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithShards sets the number of independently locked partitions of the key space.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.shards = newShards(n)
		}
	}
}

// WithOnDenied is called for every rejected attempt.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.onDenied = fn
	}
}

// WithOnFirstDenied is called once per key per window on the first rejection, used for logging
// so a caller hammering the endpoint produces one log line per window instead of one per request.
func WithOnFirstDenied(fn func(key string, res Result)) Option {
	return func(l *Limiter) {
		l.onFirstDenied = fn
	}
}

// WithOnSweep is called after every sweep with the number of entries removed and left.
func WithOnSweep(fn func(removed, remaining int)) Option {
	return func(l *Limiter) {
		l.onSweep = fn
	}
}

func newShards(n int) []*shard {
	s := make([]*shard, n)
	for i := range s {
		s[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

// New creates a Limiter. No goroutine is started; call Run for background sweeping.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		shards:        newShards(defaultShards),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
	}
	for _, o := range opts {
		o(l)
	}
	l.lastSweep.Store(l.now().UnixNano())
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Check records an attempt for key and reports whether it is within
// maxRequests per windowSeconds. Every call counts, including rejected ones.
func (l *Limiter) Check(key string, maxRequests, windowSeconds int) (Result, error) {
	if !validArgs(key, maxRequests, windowSeconds) {
		return Result{}, ErrInvalidArgument
	}

	now := l.now()
	l.maybeSweep(now)

	s := l.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || now.After(e.resetAt) {
		s.entries[key] = &entry{
			count:   1,
			resetAt: now.Add(time.Duration(windowSeconds) * time.Second),
		}
		s.mu.Unlock()
		return Result{
			Allowed:        true,
			Limit:          maxRequests,
			Remaining:      maxRequests - 1,
			ResetInSeconds: windowSeconds,
		}, nil
	}

	e.count++
	res := Result{
		Allowed:        e.count <= maxRequests,
		Limit:          maxRequests,
		ResetInSeconds: ceilSeconds(e.resetAt.Sub(now)),
	}
	if res.Allowed {
		res.Remaining = maxRequests - e.count
		s.mu.Unlock()
		return res, nil
	}

	first := !e.notified
	e.notified = true
	// hooks may log or touch metrics, keep them out of the critical section
	s.mu.Unlock()

	if first && l.onFirstDenied != nil {
		l.onFirstDenied(key, res)
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return res, nil
}

// Allow adapts Check to Backend. ctx is unused, the check never blocks.
func (l *Limiter) Allow(_ context.Context, key string, maxRequests, windowSeconds int) (Result, error) {
	return l.Check(key, maxRequests, windowSeconds)
}

// maybeSweep runs a sweep if the interval has passed since the last one.
func (l *Limiter) maybeSweep(now time.Time) {
	last := l.lastSweep.Load()
	if now.UnixNano()-last < int64(l.sweepInterval) {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		// another caller is already sweeping
		return
	}
	l.sweep(now)
}

// Sweep removes every entry whose window ended before now and returns the
// number removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.lastSweep.Store(now.UnixNano())
	return l.sweep(now)
}

// sweep locks one shard at a time so checks on other shards are not held up
func (l *Limiter) sweep(now time.Time) int {
	removed, remaining := 0, 0
	for _, s := range l.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.resetAt) {
				delete(s.entries, k)
				removed++
			}
		}
		remaining += len(s.entries)
		s.mu.Unlock()
	}
	if l.onSweep != nil {
		l.onSweep(removed, remaining)
	}
	return removed
}

// Run sweeps on every interval until ctx is cancelled. Optional, Check sweeps
// opportunistically on its own.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.maybeSweep(l.now())
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := d / time.Second
	if d%time.Second != 0 {
		n++
	}
	return int(n)
}
