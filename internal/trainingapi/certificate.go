package trainingapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gengirish/training-feedback/internal/certsvc"
	"github.com/gengirish/training-feedback/internal/identity"
	"github.com/gengirish/training-feedback/internal/log"
	"github.com/gengirish/training-feedback/internal/store"
	"github.com/gengirish/training-feedback/internal/xerrors"
)

const (
	msgCertFailed          = "Failed to generate certificate"
	msgProviderFailed      = "Certificate provider failed"
	msgProviderInvalid     = "Certificate provider returned invalid payload"
	maxSafeFilenamePartLen = 80
)

type certificateRequest struct {
	TrainingSession string `json:"training_session"`
}

// HandleCertificate returns the caller's certificate PDF for a session,
// generating it on first request.
func (api *API) HandleCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := identity.FromContext(ctx)
	if !ok {
		api.writeError(ctx, w, http.StatusUnauthorized, "Sign in required")
		return
	}
	if !api.limit(w, r, api.certPolicy, id.Email) {
		return
	}
	if api.certs == nil {
		log.FromContext(ctx).Error(ctx, certsvc.ErrNotConfigured, "certificate requested without a provider")
		api.writeError(ctx, w, http.StatusInternalServerError, "Certificate service is not configured")
		return
	}

	var req certificateRequest
	if err := decodeJSON(r, &req); err != nil {
		api.fail(ctx, w, err, msgCertFailed)
		return
	}
	session := strings.TrimSpace(req.TrainingSession)
	if session == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "training_session is required")
		return
	}

	cert, created, err := api.issue(ctx, id, session)
	if err != nil {
		api.failCertificate(ctx, w, err)
		return
	}

	if created {
		api.metrics.IncCertificate("generated")
	} else {
		api.metrics.IncCertificate("downloaded")
	}
	api.writePDF(ctx, w, cert)
}

// issue checks eligibility and returns the stored certificate, generating
// and saving it when none exists yet.
func (api *API) issue(ctx context.Context, id identity.Identity, session string) (store.Certificate, bool, error) {
	registered, err := api.store.HasRegistered(ctx, id.Email, session)
	if err != nil {
		return store.Certificate{}, false, xerrors.Wrap(err, "check registration")
	}
	if !registered {
		return store.Certificate{}, false, xerrors.Forbidden("You are not registered for this session")
	}

	fb, err := api.store.LatestFeedback(ctx, id.Email, session)
	if errors.Is(err, store.ErrNotFound) {
		return store.Certificate{}, false, xerrors.Forbidden("Certificate is available after session completion and feedback submission")
	}
	if err != nil {
		return store.Certificate{}, false, xerrors.Wrap(err, "load feedback")
	}

	existing, err := api.store.FindCertificate(ctx, id.Email, session)
	switch {
	case err == nil:
		return api.redownload(ctx, id, existing)
	case !errors.Is(err, store.ErrNotFound):
		return store.Certificate{}, false, xerrors.Wrap(err, "find certificate")
	}

	name := participantName(fb.ParticipantName, id)
	completion := completionDate(fb.CreatedAt, api.now())

	doc, err := api.certs.Generate(ctx, certsvc.Request{
		ParticipantName: name,
		CourseName:      session,
		CompletionDate:  completion,
		InstructorName:  api.instructor,
	})
	if err != nil {
		return store.Certificate{}, false, xerrors.Wrapf(err, "generate certificate for %s", session)
	}
	if _, err := base64.StdEncoding.DecodeString(doc.PDFBase64); err != nil {
		return store.Certificate{}, false, xerrors.WithKind(errors.Join(certsvc.ErrInvalidPayload, xerrors.Wrap(err, "decode pdf")), xerrors.KindUpstream)
	}

	filename := doc.Filename
	if filename == "" {
		filename = fallbackFilename(session)
	}

	saved, created, err := api.store.SaveCertificate(ctx, store.Certificate{
		CertificateSummary: store.CertificateSummary{
			UserEmail:       id.Email,
			UserName:        name,
			TrainingSession: session,
			CompletionDate:  completion,
			InstructorName:  api.instructor,
			Filename:        filename,
		},
		PDFBase64: doc.PDFBase64,
	})
	if err != nil {
		return store.Certificate{}, false, xerrors.Wrap(err, "save certificate")
	}
	if !created {
		// a concurrent request stored one first; serve that copy
		return api.redownload(ctx, id, saved)
	}

	api.track(ctx, id.Email, store.EventCertificateGenerated, map[string]any{
		"training_session": session,
		"certificate_id":   saved.CertificateID,
	})
	api.archivePDF(ctx, saved)

	log.FromContext(ctx).Info(ctx, "certificate generated",
		"certificate_id", saved.CertificateID,
		"training_session", session,
	)
	return saved, true, nil
}

func (api *API) redownload(ctx context.Context, id identity.Identity, c store.Certificate) (store.Certificate, bool, error) {
	count, err := api.store.IncrementDownload(ctx, c.ID)
	if err != nil {
		return store.Certificate{}, false, xerrors.Wrap(err, "increment download count")
	}
	c.DownloadCount = count

	api.track(ctx, id.Email, store.EventCertificateDownloaded, map[string]any{
		"training_session": c.TrainingSession,
		"certificate_id":   c.CertificateID,
		"download_count":   count,
	})
	return c, false, nil
}

// archivePDF copies the PDF to the archive. Failures are logged only; the
// database copy is authoritative.
func (api *API) archivePDF(ctx context.Context, c store.Certificate) {
	if api.archive == nil {
		return
	}
	if err := api.archive.Store(ctx, c.CertificateID, c.PDFBase64); err != nil {
		log.FromContext(ctx).Error(ctx, err, "failed to archive certificate", "certificate_id", c.CertificateID)
	}
}

func (api *API) failCertificate(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, certsvc.ErrInvalidPayload):
		log.FromContext(ctx).Error(ctx, err, "certificate provider returned invalid payload")
		api.writeError(ctx, w, http.StatusBadGateway, msgProviderInvalid)
	case xerrors.KindOf(err) == xerrors.KindUpstream:
		log.FromContext(ctx).Error(ctx, err, "certificate provider failed")
		api.writeError(ctx, w, http.StatusBadGateway, msgProviderFailed)
	default:
		api.fail(ctx, w, err, msgCertFailed)
	}
}

func (api *API) writePDF(ctx context.Context, w http.ResponseWriter, c store.Certificate) {
	pdf, err := base64.StdEncoding.DecodeString(c.PDFBase64)
	if err != nil {
		api.fail(ctx, w, xerrors.Wrapf(err, "decode stored certificate %s", c.CertificateID), msgCertFailed)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/pdf")
	h.Set("Content-Disposition", `attachment; filename="`+headerSafe(c.Filename)+`"`)
	h.Set("Content-Length", strconv.Itoa(len(pdf)))
	h.Set("X-Certificate-Id", c.CertificateID)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to write certificate", "error", err)
	}
}

// participantName prefers the name given on the feedback form, then the
// identity provider's name, then the local part of the email.
func participantName(feedbackName string, id identity.Identity) string {
	if n := strings.TrimSpace(feedbackName); n != "" {
		return n
	}
	if n := strings.TrimSpace(id.Name); n != "" {
		return n
	}
	local, _, _ := strings.Cut(id.Email, "@")
	return local
}

// completionDate formats a stored timestamp as YYYY-MM-DD, using now when
// the timestamp does not parse.
func completionDate(createdAt string, now time.Time) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, createdAt); err == nil {
			return t.UTC().Format(time.DateOnly)
		}
	}
	return now.UTC().Format(time.DateOnly)
}

func fallbackFilename(session string) string {
	part := safeFilePart(session)
	if part == "" {
		part = "training"
	}
	return "certificate-" + part + ".pdf"
}

// safeFilePart lowercases s, collapses runs of anything but [a-z0-9] into a
// dash and trims dashes at either end.
func safeFilePart(s string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxSafeFilenamePartLen {
		out = out[:maxSafeFilenamePartLen]
	}
	return out
}

// headerSafe drops characters that would break a quoted header value.
func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
