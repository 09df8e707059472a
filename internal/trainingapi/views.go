package trainingapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gengirish/training-feedback/internal/identity"
	"github.com/gengirish/training-feedback/internal/store"
	"github.com/gengirish/training-feedback/internal/xerrors"
)

type myResponse struct {
	Registrations []store.Participant        `json:"registrations"`
	Feedbacks     []store.Feedback           `json:"feedbacks"`
	Certificates  []store.CertificateSummary `json:"certificates"`
}

// HandleMy returns the signed-in learner's registrations, feedback and certificates
func (api *API) HandleMy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := identity.FromContext(ctx)
	if !ok {
		api.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var (
		resp myResponse
		err  error
	)
	if resp.Registrations, err = api.store.ParticipantsByEmail(ctx, id.Email); err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "registrations by email"), "Failed to fetch data")
		return
	}
	if resp.Feedbacks, err = api.store.FeedbackByEmail(ctx, id.Email); err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "feedback by email"), "Failed to fetch data")
		return
	}
	if resp.Certificates, err = api.store.CertificatesByEmail(ctx, id.Email); err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "certificates by email"), "Failed to fetch data")
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// trackable lists the client events /api/track accepts.
var trackable = map[string]bool{
	store.EventVideoOpened: true,
	store.EventGuideOpened: true,
}

type trackRequest struct {
	Event    string          `json:"event"`
	Metadata json.RawMessage `json:"metadata"`
}

// HandleTrack records learning-page events for signed-in users. It always
// answers {"ok":true} so the page never surfaces tracking failures.
func (api *API) HandleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ok := map[string]bool{"ok": true}

	id, signedIn := identity.FromContext(ctx)
	if !signedIn {
		api.writeJSON(ctx, w, http.StatusOK, ok)
		return
	}

	var req trackRequest
	if err := decodeJSON(r, &req); err != nil || !trackable[req.Event] {
		api.writeJSON(ctx, w, http.StatusOK, ok)
		return
	}

	// anything but a JSON object is recorded as empty metadata
	var metadata map[string]any
	if len(req.Metadata) > 0 {
		_ = json.Unmarshal(req.Metadata, &metadata)
	}

	api.track(ctx, id.Email, req.Event, metadata)
	api.writeJSON(ctx, w, http.StatusOK, ok)
}

func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := api.store.Stats(ctx)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "stats"), "Failed to fetch stats")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, stats)
}

func (api *API) HandleFunnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	funnel, err := api.store.Funnel(ctx)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "funnel"), "Failed to fetch funnel stats")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, funnel)
}

func (api *API) HandleListCertificates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	certs, err := api.store.ListCertificates(ctx)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "list certificates"), "Failed to fetch certificates")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, certs)
}

// VerifyResponse is the public view of an issued certificate. It carries
// no email address and no PDF.
type VerifyResponse struct {
	CertificateID  string `json:"certificate_id"`
	Recipient      string `json:"recipient"`
	Course         string `json:"course"`
	CompletionDate string `json:"completion_date"`
	Instructor     string `json:"instructor"`
	IssuedAt       string `json:"issued_at"`
	Verified       bool   `json:"verified"`
}

// HandleVerify lets anyone holding a certificate id confirm it is genuine
func (api *API) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	certID := strings.TrimSpace(chi.URLParam(r, "certificateId"))
	if _, err := uuid.Parse(certID); err != nil {
		api.fail(ctx, w, xerrors.NotFound("Certificate not found"), "Failed to verify certificate")
		return
	}

	c, err := api.store.CertificateByPublicID(ctx, certID)
	if errors.Is(err, store.ErrNotFound) {
		api.fail(ctx, w, xerrors.NotFound("Certificate not found"), "Failed to verify certificate")
		return
	}
	if err != nil {
		api.fail(ctx, w, xerrors.Wrapf(err, "verify certificate %s", certID), "Failed to verify certificate")
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, VerifyResponse{
		CertificateID:  c.CertificateID,
		Recipient:      c.UserName,
		Course:         c.TrainingSession,
		CompletionDate: c.CompletionDate,
		Instructor:     c.InstructorName,
		IssuedAt:       c.CreatedAt,
		Verified:       true,
	})
}
