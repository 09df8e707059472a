package trainingapi

import (
	"bytes"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gengirish/training-feedback/internal/store"
	"github.com/gengirish/training-feedback/internal/xerrors"
)

// rating accepts 4 or "4"; the form posts either.
type rating int

func (r *rating) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = 0
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(u)
		if s == "" {
			*r = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1e6 {
		return xerrors.Newf("rating %s is not a whole number", s)
	}
	*r = rating(f)
	return nil
}

type feedbackRequest struct {
	ParticipantName        string `json:"participant_name"`
	ParticipantEmail       string `json:"participant_email"`
	TrainingSession        string `json:"training_session"`
	OverallRating          rating `json:"overall_rating"`
	ContentRating          rating `json:"content_rating"`
	InstructorRating       rating `json:"instructor_rating"`
	PaceRating             string `json:"pace_rating"`
	MostValuable           string `json:"most_valuable"`
	LeastValuable          string `json:"least_valuable"`
	ImprovementSuggestions string `json:"improvement_suggestions"`
	WouldRecommend         string `json:"would_recommend"`
	AdditionalComments     string `json:"additional_comments"`
}

func (req feedbackRequest) feedback() (store.Feedback, error) {
	f := store.Feedback{
		ParticipantName:        strings.TrimSpace(req.ParticipantName),
		ParticipantEmail:       strings.TrimSpace(req.ParticipantEmail),
		TrainingSession:        strings.TrimSpace(req.TrainingSession),
		OverallRating:          int(req.OverallRating),
		ContentRating:          int(req.ContentRating),
		InstructorRating:       int(req.InstructorRating),
		PaceRating:             strings.TrimSpace(req.PaceRating),
		MostValuable:           optional(req.MostValuable),
		LeastValuable:          optional(req.LeastValuable),
		ImprovementSuggestions: optional(req.ImprovementSuggestions),
		WouldRecommend:         strings.TrimSpace(req.WouldRecommend),
		AdditionalComments:     optional(req.AdditionalComments),
	}
	if f.ParticipantName == "" || f.ParticipantEmail == "" || f.TrainingSession == "" ||
		f.OverallRating == 0 || f.ContentRating == 0 || f.InstructorRating == 0 ||
		f.PaceRating == "" || f.WouldRecommend == "" {
		return f, xerrors.Invalid("All required fields must be filled")
	}
	for _, v := range []int{f.OverallRating, f.ContentRating, f.InstructorRating} {
		if v < 1 || v > 5 {
			return f, xerrors.Invalid("Ratings must be between 1 and 5")
		}
	}
	return f, nil
}

// HandleFeedback records post-session feedback
func (api *API) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		api.fail(ctx, w, err, "Failed to submit feedback")
		return
	}
	if !api.limit(w, r, api.feedbackPolicy, subject(r, req.ParticipantEmail)) {
		return
	}

	f, err := req.feedback()
	if err != nil {
		api.fail(ctx, w, err, "Failed to submit feedback")
		return
	}

	saved, err := api.store.AddFeedback(ctx, f)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "add feedback"), "Failed to submit feedback")
		return
	}

	api.metrics.IncSubmission("feedback")
	api.track(ctx, saved.ParticipantEmail, store.EventFeedbackSubmitted, map[string]any{
		"training_session": saved.TrainingSession,
		"overall_rating":   saved.OverallRating,
	})

	api.writeJSON(ctx, w, http.StatusOK, successBody{Success: true, Message: "Feedback submitted successfully!"})
}

// HandleListFeedback lists every feedback entry, newest first
func (api *API) HandleListFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	feedback, err := api.store.ListFeedback(ctx)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrap(err, "list feedback"), "Failed to fetch feedback")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, feedback)
}
