// Package ratelimit throttles per-caller actions (registration, feedback,
// certificate generation) and floods from single client IPs.
//
// # Fixed-window limiter
//
// [Limiter] counts attempts per string key inside fixed windows. Keys are
// namespaced by the caller as "<action>:<subject>" (see [Policy.Key]); two
// equal strings always share a bucket. Every call consumes one unit of quota,
// rejected calls included.
//
// State lives in process memory and is lost on restart. Quotas are an
// abuse-prevention measure, not a billing-grade counter, so a restart that
// resets everyone to zero is acceptable. [RedisWindow] provides the same
// contract when several instances need to share counters.
//
// Expired entries are treated as absent immediately and removed from memory
// by a sweep that runs at most once per sweep interval, either piggybacked on
// Check or from [Limiter.Run].
//
// # Flood guard
//
// [FloodGuard] is a per-IP token bucket mounted in front of every route. It
// does not know about actions or identities, it only protects the process
// from a single address hammering it.
package ratelimit
