package trainingapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gengirish/training-feedback/internal/httpmw"
	"github.com/gengirish/training-feedback/internal/identity"
	"github.com/gengirish/training-feedback/internal/log"
	"github.com/gengirish/training-feedback/internal/metrics"
	"github.com/gengirish/training-feedback/internal/ratelimit"
	"github.com/gengirish/training-feedback/internal/xerrors"
)

type errorBody struct {
	Error string `json:"error"`
}

type successBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorBody{Error: msg})
}

// statusFor maps an error Kind onto a response status.
func statusFor(k xerrors.Kind) int {
	switch k {
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindUnauthenticated:
		return http.StatusUnauthorized
	case xerrors.KindForbidden:
		return http.StatusForbidden
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Tagged errors return their own public
// message, everything else is logged and answered with fallback.
func (api *API) fail(ctx context.Context, w http.ResponseWriter, err error, fallback string) {
	kind := xerrors.KindOf(err)
	status := statusFor(kind)

	msg := xerrors.PublicMessage(err)
	if msg == "" || status >= http.StatusInternalServerError {
		msg = fallback
	}

	if status >= http.StatusInternalServerError {
		// store and provider errors often arrive without a stack
		err = xerrors.EnsureTrace(err)
		log.FromContext(ctx).Error(ctx, err, fallback, "error_kind", kind.String(), "status", status)
	} else {
		log.FromContext(ctx).Debug(ctx, "request rejected", "status", status, "reason", msg)
	}
	api.writeError(ctx, w, status, msg)
}

// decodeJSON reads one JSON object. Unknown fields are ignored.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return xerrors.Invalid("Request body too large")
	case errors.Is(err, io.EOF):
		return xerrors.Invalid("Request body is required")
	default:
		log.FromContext(r.Context()).Debug(r.Context(), "invalid JSON body", "error", err)
		return xerrors.Invalid("Invalid JSON body")
	}
}

// adminOnly answers 403 unless the caller is a signed-in admin.
func (api *API) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok || !id.Admin {
			api.writeError(r.Context(), w, http.StatusForbidden, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// subject picks the rate limit subject: the signed-in email, else the
// submitted email, else the client address.
func subject(r *http.Request, submitted string) string {
	if id, ok := identity.FromContext(r.Context()); ok {
		return id.Email
	}
	if submitted != "" {
		return submitted
	}
	return "ip:" + httpmw.ClientIPFromContext(r.Context())
}

// limit counts one attempt against p. It writes the 429 itself and returns
// false when the caller is over quota. Backend errors fail open.
func (api *API) limit(w http.ResponseWriter, r *http.Request, p ratelimit.Policy, subj string) bool {
	ctx := r.Context()

	res, err := p.Allow(ctx, api.limiter, subj)
	if err != nil {
		api.metrics.IncRateLimitCheck(p.Action, metrics.OutcomeError)
		log.FromContext(ctx).Error(ctx, err, "rate limit check failed, allowing request", "action", p.Action)
		return true
	}
	if !res.Allowed {
		api.metrics.IncRateLimitCheck(p.Action, metrics.OutcomeDenied)
		log.FromContext(ctx).Info(ctx, "rate limited", "action", p.Action, "retry_after", res.ResetInSeconds)
		ratelimit.Reject(w, res)
		return false
	}

	api.metrics.IncRateLimitCheck(p.Action, metrics.OutcomeAllowed)
	ratelimit.SetHeaders(w, res)
	return true
}

// track records an event without failing the request.
func (api *API) track(ctx context.Context, email, name string, metadata map[string]any) {
	if err := api.store.TrackEvent(ctx, email, name, metadata); err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to record event", "event", name, "error", err)
	}
}
