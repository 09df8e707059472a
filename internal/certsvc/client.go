// Package certsvc talks to the external certificate PDF service and, when
// configured, archives generated PDFs to S3.
package certsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

const (
	defaultTimeout = 30 * time.Second
	// maxResponseBytes caps the provider response; base64 PDFs are a few hundred KB
	maxResponseBytes = 16 << 20
)

// Request is the payload the provider renders into a certificate.
type Request struct {
	ParticipantName string `json:"participant_name"`
	CourseName      string `json:"course_name"`
	CompletionDate  string `json:"completion_date"`
	InstructorName  string `json:"instructor_name"`
}

// Document is a rendered certificate.
type Document struct {
	Filename  string
	PDFBase64 string
}

type response struct {
	Success   bool   `json:"success"`
	Filename  string `json:"filename"`
	PDFBase64 string `json:"pdf_base64"`
}

var (
	// ErrProviderFailed covers transport errors and non-2xx responses.
	ErrProviderFailed = errors.New("certificate provider failed")
	// ErrInvalidPayload means the provider answered 2xx without a usable PDF.
	ErrInvalidPayload = errors.New("certificate provider returned invalid payload")
	ErrNotConfigured  = errors.New("certificate service is not configured")
)

// Client calls the provider over an otelhttp-instrumented transport.
type Client struct {
	url    string
	apiKey string
	http   *http.Client

	onDuration func(time.Duration)
}

type Option func(*Client)

// WithHTTPClient replaces the default client. The caller owns its transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithOnDuration is called with the latency of every provider round trip.
func WithOnDuration(fn func(time.Duration)) Option {
	return func(c *Client) { c.onDuration = fn }
}

func New(url, apiKey string, opts ...Option) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	c := &Client{
		url:    url,
		apiKey: apiKey,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Generate asks the provider for a certificate PDF. Provider faults are
// tagged KindUpstream and match ErrProviderFailed or ErrInvalidPayload.
func (c *Client) Generate(ctx context.Context, req Request) (Document, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Document{}, xerrors.Wrap(err, "encode certificate request")
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Document{}, xerrors.Wrap(err, "build certificate request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-API-Key", c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if c.onDuration != nil {
		c.onDuration(time.Since(start))
	}
	if err != nil {
		return Document{}, xerrors.WithKind(errors.Join(ErrProviderFailed, xerrors.Wrap(err, "call certificate provider")), xerrors.KindUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Document{}, xerrors.WithKind(xerrors.Wrapf(ErrProviderFailed, "provider status %d", resp.StatusCode), xerrors.KindUpstream)
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Document{}, xerrors.WithKind(errors.Join(ErrInvalidPayload, xerrors.Wrap(err, "decode provider response")), xerrors.KindUpstream)
	}
	if !out.Success || out.PDFBase64 == "" {
		return Document{}, xerrors.WithKind(xerrors.Wrap(ErrInvalidPayload, "provider response missing pdf"), xerrors.KindUpstream)
	}

	return Document{Filename: strings.TrimSpace(out.Filename), PDFBase64: out.PDFBase64}, nil
}
