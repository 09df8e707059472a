package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gengirish/training-feedback/internal/health"
	"github.com/gengirish/training-feedback/internal/httpmw"
	"github.com/gengirish/training-feedback/internal/log"
)

// defaultMaxBodyBytes covers the largest JSON form (feedback with free text).
const defaultMaxBodyBytes = 64 << 10

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler

	// FloodGuardMW runs after client IP resolution so it keys on the real client.
	FloodGuardMW func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	// APIRoutes mounts the application routes on the root router.
	APIRoutes func(chi.Router)

	Health    health.Probe
	Readiness health.Probe

	// MaxBodyBytes caps request bodies, 0 means defaultMaxBodyBytes.
	MaxBodyBytes int64
}
