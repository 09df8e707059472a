package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gengirish/training-feedback/internal/httpmw"
)

// visitor is one client IP's token bucket
type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// logged resets when the visitor is evicted and re-created
	logged bool
}

// FloodGuard holds per-IP token buckets with background eviction of idle IPs.
type FloodGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	// maxVisitors caps the map, 0 disables the cap
	maxVisitors int
	atCapacity  bool

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

// FloodOption configures a FloodGuard.
type FloodOption func(*FloodGuard)

// WithFloodRate sets the refill rate per second and the bucket size.
func WithFloodRate(perSecond float64, burst int) FloodOption {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithFloodTTL controls how long an idle IP stays tracked.
func WithFloodTTL(d time.Duration) FloodOption {
	return func(g *FloodGuard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithMaxVisitors caps the number of tracked IPs. New IPs are rejected at the cap
// until eviction frees room; IPs already tracked keep being served.
func WithMaxVisitors(n int) FloodOption {
	return func(g *FloodGuard) {
		g.maxVisitors = n
	}
}

// WithFloodOnFirstDenied fires the first time a tracked IP is rejected.
func WithFloodOnFirstDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.onFirstDenied = fn }
}

// WithFloodOnDenied fires on every rejected request.
func WithFloodOnDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.onDenied = fn }
}

// WithFloodOnCapacity fires once each time the visitor cap is reached.
func WithFloodOnCapacity(fn func()) FloodOption {
	return func(g *FloodGuard) { g.onCapacity = fn }
}

// NewFloodGuard creates a FloodGuard and starts eviction, which stops with ctx.
func NewFloodGuard(ctx context.Context, opts ...FloodOption) *FloodGuard {
	g := &FloodGuard{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100_000,
	}
	for _, o := range opts {
		o(g)
	}
	go g.evict(ctx)
	return g
}

// allow returns whether ip may proceed and, when not, how long until a token frees up.
func (g *FloodGuard) allow(ip string) (bool, time.Duration) {
	now := time.Now()

	g.mu.Lock()
	v, ok := g.visitors[ip]
	if !ok {
		if g.maxVisitors > 0 && len(g.visitors) >= g.maxVisitors {
			fire := !g.atCapacity
			g.atCapacity = true
			g.mu.Unlock()
			if fire && g.onCapacity != nil {
				g.onCapacity()
			}
			if g.onDenied != nil {
				g.onDenied(ip)
			}
			return false, g.ttl / 2
		}
		v = &visitor{bucket: rate.NewLimiter(g.perSecond, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = now

	// reserve so we can report the delay, then give the token back on rejection
	r := v.bucket.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if r.OK() && delay == 0 {
		g.mu.Unlock()
		return true, 0
	}
	r.CancelAt(now)
	if !r.OK() {
		delay = time.Second
	}

	first := !v.logged
	v.logged = true
	g.mu.Unlock()

	if first && g.onFirstDenied != nil {
		g.onFirstDenied(ip)
	}
	if g.onDenied != nil {
		g.onDenied(ip)
	}
	return false, delay
}

// evict drops visitors idle longer than ttl, running every ttl/2.
func (g *FloodGuard) evict(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			if g.maxVisitors <= 0 || len(g.visitors) < g.maxVisitors {
				g.atCapacity = false
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-IP budget with 429.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// resolved by httpmw.ClientIPWithOptions which must run first
		ip := httpmw.ClientIPFromContext(r.Context())

		if ok, wait := g.allow(ip); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
