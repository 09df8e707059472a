// Package trainingapi serves the JSON API behind the training site:
// registration, feedback, certificate issuance, learner and admin views.
package trainingapi

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gengirish/training-feedback/internal/certsvc"
	"github.com/gengirish/training-feedback/internal/log"
	"github.com/gengirish/training-feedback/internal/ratelimit"
	"github.com/gengirish/training-feedback/internal/store"
	"github.com/gengirish/training-feedback/internal/xerrors"
)

// Store is the persistence the API needs. *store.Store implements it.
type Store interface {
	AddParticipant(ctx context.Context, p store.Participant) (store.Participant, error)
	ListParticipants(ctx context.Context) ([]store.Participant, error)
	ParticipantsByEmail(ctx context.Context, email string) ([]store.Participant, error)
	HasRegistered(ctx context.Context, email, session string) (bool, error)

	AddFeedback(ctx context.Context, f store.Feedback) (store.Feedback, error)
	ListFeedback(ctx context.Context) ([]store.Feedback, error)
	FeedbackByEmail(ctx context.Context, email string) ([]store.Feedback, error)
	LatestFeedback(ctx context.Context, email, session string) (store.Feedback, error)

	FindCertificate(ctx context.Context, email, session string) (store.Certificate, error)
	CertificateByPublicID(ctx context.Context, certificateID string) (store.Certificate, error)
	SaveCertificate(ctx context.Context, c store.Certificate) (store.Certificate, bool, error)
	IncrementDownload(ctx context.Context, id int64) (int, error)
	ListCertificates(ctx context.Context) ([]store.CertificateSummary, error)
	CertificatesByEmail(ctx context.Context, email string) ([]store.CertificateSummary, error)

	TrackEvent(ctx context.Context, email, name string, metadata map[string]any) error
	Stats(ctx context.Context) (store.Stats, error)
	Funnel(ctx context.Context) (store.Funnel, error)
}

// Generator renders certificate PDFs. *certsvc.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req certsvc.Request) (certsvc.Document, error)
}

// Archiver keeps a copy of generated PDFs. *certsvc.S3Archive implements it.
type Archiver interface {
	Store(ctx context.Context, certificateID, pdfBase64 string) error
}

// Metrics receives API counters. *metrics.ServerMetrics implements it.
type Metrics interface {
	IncRateLimitCheck(action, outcome string)
	IncSubmission(kind string)
	IncCertificate(result string)
}

type nopMetrics struct{}

func (nopMetrics) IncRateLimitCheck(string, string) {}
func (nopMetrics) IncSubmission(string)             {}
func (nopMetrics) IncCertificate(string)            {}

type Options struct {
	Logger  log.Logger
	Store   Store
	Limiter ratelimit.Backend
	// Policies by action; missing actions fall back to ratelimit.DefaultPolicies
	Policies map[string]ratelimit.Policy
	Metrics  Metrics

	// Certificates is nil when the certificate service is not configured
	Certificates   Generator
	Archive        Archiver
	InstructorName string

	// now is overridden in tests
	now func() time.Time
}

// API implements the /api endpoints
type API struct {
	logger  log.Logger
	store   Store
	limiter ratelimit.Backend
	metrics Metrics

	certPolicy     ratelimit.Policy
	regPolicy      ratelimit.Policy
	feedbackPolicy ratelimit.Policy

	certs      Generator
	archive    Archiver
	instructor string

	now func() time.Time
}

const defaultInstructor = "IntelliForge AI Team"

func NewAPI(opts Options) (*API, error) {
	if opts.Store == nil {
		return nil, xerrors.New("trainingapi: store is required")
	}
	if opts.Limiter == nil {
		return nil, xerrors.New("trainingapi: limiter is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.InstructorName == "" {
		opts.InstructorName = defaultInstructor
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	policies := ratelimit.DefaultPolicies()
	for action, p := range opts.Policies {
		p.Action = action
		policies[action] = p
	}

	return &API{
		logger:         opts.Logger,
		store:          opts.Store,
		limiter:        opts.Limiter,
		metrics:        opts.Metrics,
		certPolicy:     policies[ratelimit.ActionCertificate],
		regPolicy:      policies[ratelimit.ActionRegistration],
		feedbackPolicy: policies[ratelimit.ActionFeedback],
		certs:          opts.Certificates,
		archive:        opts.Archive,
		instructor:     opts.InstructorName,
		now:            opts.now,
	}, nil
}

// RegisterRoutes attaches the API under /api
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/participants", api.HandleRegister)
		r.Get("/participants", api.adminOnly(api.HandleListParticipants))

		r.Post("/feedback", api.HandleFeedback)
		r.Get("/feedback", api.adminOnly(api.HandleListFeedback))

		r.Post("/learner/certificate", api.HandleCertificate)
		r.Get("/certificates/{certificateId}", api.HandleVerify)

		r.Get("/my", api.HandleMy)
		r.Post("/track", api.HandleTrack)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/stats", api.adminOnly(api.HandleStats))
			r.Get("/funnel", api.adminOnly(api.HandleFunnel))
			r.Get("/certificates", api.adminOnly(api.HandleListCertificates))
		})
	})
}
