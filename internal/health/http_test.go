package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"healthz failing", HealthzHandler(Fixed(false, "store: database is locked")), http.StatusServiceUnavailable, "store: database is locked"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"readyz nil probe", ReadyzHandler(nil), http.StatusOK, "ready"},
		{"readyz draining", ReadyzHandler(Fixed(false, "shutting down")), http.StatusServiceUnavailable, "shutting down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestHandler_PassesRequestContext(t *testing.T) {
	type ctxKey struct{}
	var got any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(ctxKey{})
		return nil
	}))

	ctx := context.WithValue(context.Background(), ctxKey{}, "value")
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/ready", nil).WithContext(ctx))

	if got != "value" {
		t.Fatal("request context not passed to probe")
	}
}

func TestHandler_DynamicProbe(t *testing.T) {
	var g ShutdownGate
	h := ReadyzHandler(g.Probe())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("before drain: %d", rec.Code)
	}

	g.Set("shutting down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("after drain: %d", rec.Code)
	}
}
