package ratelimit

import (
	"context"
	"strings"
)

// Backend is anything that can count an attempt against a fixed-window quota.
// Implemented by *Limiter (process memory) and *RedisWindow (shared).
type Backend interface {
	Allow(ctx context.Context, key string, maxRequests, windowSeconds int) (Result, error)
}

// Policy is a named quota for one kind of action.
type Policy struct {
	Action        string
	MaxRequests   int
	WindowSeconds int
}

// Key namespaces subject under the policy action, e.g. "cert:alice@example.com".
// Subjects are trimmed and lowercased so e-mail case does not split buckets.
func (p Policy) Key(subject string) string {
	return p.Action + ":" + strings.ToLower(strings.TrimSpace(subject))
}

// Allow checks subject against the policy on b.
func (p Policy) Allow(ctx context.Context, b Backend, subject string) (Result, error) {
	return b.Allow(ctx, p.Key(subject), p.MaxRequests, p.WindowSeconds)
}

// Actions used by the training API
const (
	ActionCertificate  = "cert"
	ActionRegistration = "reg"
	ActionFeedback     = "feedback"
)

// DefaultPolicies mirror the limits the endpoints shipped with.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionCertificate:  {Action: ActionCertificate, MaxRequests: 5, WindowSeconds: 60},
		ActionRegistration: {Action: ActionRegistration, MaxRequests: 10, WindowSeconds: 60},
		ActionFeedback:     {Action: ActionFeedback, MaxRequests: 10, WindowSeconds: 60},
	}
}
