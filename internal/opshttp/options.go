package opshttp

import (
	"net/http"

	"github.com/gengirish/training-feedback/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	UseRecoverMW bool
	// OnPanic runs after a recovered panic, e.g. to bump http_panic_total.
	OnPanic func()
}
