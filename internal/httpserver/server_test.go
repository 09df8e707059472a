package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gengirish/training-feedback/internal/health"
	"github.com/gengirish/training-feedback/internal/httpmw"
	"github.com/gengirish/training-feedback/internal/log"
)

// test helpers

func defaultOpts() *Options {
	return &Options{Logger: log.Nop()}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func marker(flag *bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*flag = true
			next.ServeHTTP(w, r)
		})
	}
}

// NewHandler - middleware stack

func TestNewHandler_SecurityHeadersOnEveryResponse(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/feedback", func(w http.ResponseWriter, r *http.Request) {})
	}
	h := NewHandler(opts)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/feedback"},
		{http.MethodGet, "/nonexistent"},
		{http.MethodDelete, "/api/feedback"},
	} {
		rec := doRequest(t, h, tc.method, tc.path)
		for _, hdr := range []string{"Strict-Transport-Security", "Content-Security-Policy", "X-Content-Type-Options"} {
			if rec.Header().Get(hdr) == "" {
				t.Errorf("%s %s: missing %s", tc.method, tc.path, hdr)
			}
		}
	}
}

func TestNewHandler_JSONNotFoundAndMethodNotAllowed(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/my", func(w http.ResponseWriter, r *http.Request) {})
	}
	h := NewHandler(opts)

	rec := doRequest(t, h, http.MethodGet, "/api/nope")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), `"error":"Not found"`) {
		t.Fatalf("404 = %d %q", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}

	rec = doRequest(t, h, http.MethodPut, "/api/my")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("405 = %d", rec.Code)
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	h := NewHandler(defaultOpts())

	rec := doRequest(t, h, http.MethodGet, "/")
	if _, err := uuid.Parse(rec.Header().Get("X-Request-Id")); err != nil {
		t.Fatalf("generated X-Request-Id = %q", rec.Header().Get("X-Request-Id"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "edge-abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != "edge-abc" {
		t.Fatalf("propagated X-Request-Id = %q", rec.Header().Get("X-Request-Id"))
	}
}

func TestNewHandler_APIRoutes(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Route("/api", func(r chi.Router) {
			r.Get("/certificates/{certificateId}", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(chi.URLParam(r, "certificateId")))
			})
		})
	}
	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/api/certificates/c-42")
	if rec.Code != http.StatusOK || rec.Body.String() != "c-42" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_HealthEndpoints(t *testing.T) {
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.Readiness = health.Fixed(false, "store: database is locked")
	h := NewHandler(opts)

	if rec := doRequest(t, h, http.MethodGet, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	rec := doRequest(t, h, http.MethodGet, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "database is locked") {
		t.Fatalf("ready = %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_HealthEndpoints_NilProbesNotMounted(t *testing.T) {
	h := NewHandler(defaultOpts())
	if rec := doRequest(t, h, http.MethodGet, "/-/ready"); rec.Code != http.StatusNotFound {
		t.Fatalf("ready without probe = %d, want 404", rec.Code)
	}
}

func TestNewHandler_OptionalMiddleware(t *testing.T) {
	var flood, metrics bool
	opts := defaultOpts()
	opts.FloodGuardMW = marker(&flood)
	opts.MetricsMW = marker(&metrics)

	doRequest(t, NewHandler(opts), http.MethodGet, "/")
	if !flood || !metrics {
		t.Fatalf("flood=%v metrics=%v, want both applied", flood, metrics)
	}

	// nil middleware is skipped
	if rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/"); rec.Code == 0 {
		t.Fatal("no response")
	}
}

func TestNewHandler_FloodGuardSeesResolvedClientIP(t *testing.T) {
	var seen string
	opts := defaultOpts()
	opts.ClientIPOpts = httpmw.ClientIPOptions{TrustedHops: 1}
	opts.FloodGuardMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = httpmw.ClientIPFromContext(r.Context())
			next.ServeHTTP(w, r)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/participants", nil)
	req.RemoteAddr = "10.0.0.2:4000"
	req.Header.Set("X-Forwarded-For", "198.51.100.8")
	NewHandler(opts).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "198.51.100.8" {
		t.Fatalf("flood guard saw %q", seen)
	}
}

func TestNewHandler_FloodGuardRejectionKeepsHeaders(t *testing.T) {
	opts := defaultOpts()
	opts.FloodGuardMW = func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}

	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/api/my")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" || rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("request id and security headers should wrap the flood guard")
	}
}

func TestNewHandler_MaxBody(t *testing.T) {
	opts := defaultOpts()
	opts.MaxBodyBytes = 16
	var readErr error
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/feedback", func(w http.ResponseWriter, r *http.Request) {
			_, readErr = io.ReadAll(r.Body)
		})
	}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(strings.Repeat("x", 64)))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Fatalf("read err = %v, want MaxBytesError", readErr)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	var panics int
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics++ }
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("test panic") })
	}

	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d", panics)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("HSTS missing after panic recovery")
	}
}

func TestNewHandler_RecoverDisabled(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("test panic") })
	}
	h := NewHandler(opts)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate when recover is disabled")
		}
	}()
	doRequest(t, h, http.MethodGet, "/boom")
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/admin/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":"` + strings.Repeat("abcdefghij", 200) + `"}`))
		})
	}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", rec.Header().Get("Content-Encoding"))
	}

	rec = doRequest(t, h, http.MethodGet, "/api/admin/stats")
	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatal("should not compress without Accept-Encoding")
	}
}

func TestNewHandler_DoesNotCompressPDF(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/learner/certificate", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 " + strings.Repeat("0", 4096)))
		})
	}
	req := httptest.NewRequest(http.MethodPost, "/api/learner/certificate", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatalf("pdf compressed: %q", rec.Header().Get("Content-Encoding"))
	}
}

func TestShouldTrace(t *testing.T) {
	for p, want := range map[string]bool{
		"/-/healthy":              false,
		"/-/ready":                false,
		"/api/learner/certificate": true,
		"/api/track":              true,
	} {
		if got := shouldTrace(p); got != want {
			t.Errorf("shouldTrace(%q) = %v", p, got)
		}
	}
}

// NewServer

func TestNewServer_Configuration(t *testing.T) {
	srv := NewServer(":8080", http.NotFoundHandler())

	if srv.Addr != ":8080" || srv.Handler == nil {
		t.Fatalf("server = %+v", srv)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.ReadTimeout != DefaultReadTimeout {
		t.Fatal("read timeouts not applied")
	}
	if srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout {
		t.Fatal("write/idle timeouts not applied")
	}
	if srv.MaxHeaderBytes != 1<<20 {
		t.Fatalf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

// Start - lifecycle

func TestStart_ServeAndShutdown(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("alive"))
		})
	}

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/api/ping", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "alive" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id missing from live response")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	opts := defaultOpts()
	opts.Port = getFreePort(t)

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
