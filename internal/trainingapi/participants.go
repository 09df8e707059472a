package trainingapi

import (
	"net/http"
	"strings"

	"github.com/gengirish/training-feedback/internal/store"
	"github.com/gengirish/training-feedback/internal/xerrors"
)

type registerRequest struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Organization    string `json:"organization"`
	JobTitle        string `json:"job_title"`
	ExperienceLevel string `json:"experience_level"`
	TrainingSession string `json:"training_session"`
	Expectations    string `json:"expectations"`
	ReferralSource  string `json:"referral_source"`
}

func (req registerRequest) participant() (store.Participant, error) {
	p := store.Participant{
		FullName:        strings.TrimSpace(req.FullName),
		Email:           strings.TrimSpace(req.Email),
		TrainingSession: strings.TrimSpace(req.TrainingSession),
		Phone:           optional(req.Phone),
		Organization:    optional(req.Organization),
		JobTitle:        optional(req.JobTitle),
		ExperienceLevel: optional(req.ExperienceLevel),
		Expectations:    optional(req.Expectations),
		ReferralSource:  optional(req.ReferralSource),
	}
	if p.FullName == "" || p.Email == "" || p.TrainingSession == "" {
		return p, xerrors.Invalid("Name, email, and training session are required")
	}
	return p, nil
}

// optional maps blank form fields to NULL.
func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// HandleRegister records a registration for a training session
func (api *API) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		api.fail(ctx, w, err, "Failed to register")
		return
	}
	if !api.limit(w, r, api.regPolicy, subject(r, req.Email)) {
		return
	}

	p, err := req.participant()
	if err != nil {
		api.fail(ctx, w, err, "Failed to register")
		return
	}

	saved, err := api.store.AddParticipant(ctx, p)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "add participant"), "Failed to register")
		return
	}

	api.metrics.IncSubmission("registration")
	api.track(ctx, saved.Email, store.EventRegistered, map[string]any{
		"training_session": saved.TrainingSession,
	})

	api.writeJSON(ctx, w, http.StatusOK, successBody{Success: true, Message: "Registration successful!"})
}

// HandleListParticipants lists every registration, newest first
func (api *API) HandleListParticipants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	participants, err := api.store.ListParticipants(ctx)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "list participants"), "Failed to fetch participants")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, participants)
}
