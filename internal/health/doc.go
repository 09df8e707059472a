// Package health holds the liveness and readiness probes served on the ops
// port.
//
// Readiness for this service is the AND of the shutdown gate, the sqlite
// store ping and, when the Redis window backend is selected, a Redis ping.
// Store and Redis checks are wrapped in [Named] and [Timeout] so a stuck
// dependency reports which one it was instead of hanging the probe.
//
// [ShutdownGate] flips readiness to failing as soon as shutdown starts so the
// load balancer drains traffic before the servers stop.
package health
