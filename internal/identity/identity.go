// Package identity verifies the session tokens issued by the sign-in
// provider and exposes the caller's email, name and admin flag to handlers.
//
// Tokens are HS256 JWTs carrying "email" and "name" claims. They are read
// from "Authorization: Bearer" first and the session cookie second.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gengirish/training-feedback/internal/log"
	"github.com/gengirish/training-feedback/internal/xerrors"
)

const minSecretLen = 32

var ErrInvalidToken = errors.New("invalid session token")

// Identity is the verified caller.
type Identity struct {
	Email string
	Name  string
	Admin bool
}

type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret     []byte
	issuer     string
	cookie     string
	admins     map[string]struct{}
	now        func() time.Time
	onVerified func(context.Context, Identity) error
}

type Option func(*Verifier)

// WithIssuer requires the "iss" claim to match.
func WithIssuer(iss string) Option { return func(v *Verifier) { v.issuer = iss } }

// WithCookie sets the session cookie name; empty disables cookie lookup.
func WithCookie(name string) Option { return func(v *Verifier) { v.cookie = name } }

// WithAdmins sets the admin emails, compared case-insensitively.
func WithAdmins(emails []string) Option {
	return func(v *Verifier) {
		for _, e := range emails {
			if e = normalizeEmail(e); e != "" {
				v.admins[e] = struct{}{}
			}
		}
	}
}

func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

// WithOnVerified runs fn for every request carrying a valid token. Errors are
// logged and do not fail the request.
func WithOnVerified(fn func(context.Context, Identity) error) Option {
	return func(v *Verifier) { v.onVerified = fn }
}

func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) < minSecretLen {
		return nil, xerrors.Newf("session secret must be at least %d bytes", minSecretLen)
	}
	v := &Verifier{
		secret: secret,
		cookie: "session",
		admins: map[string]struct{}{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Verify checks signature, expiry and issuer and returns the identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !tok.Valid {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}

	email := normalizeEmail(claims.Email)
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, xerrors.Wrap(ErrInvalidToken, "email claim missing")
	}
	return Identity{Email: email, Name: strings.TrimSpace(claims.Name), Admin: v.IsAdmin(email)}, nil
}

func (v *Verifier) IsAdmin(email string) bool {
	_, ok := v.admins[normalizeEmail(email)]
	return ok
}

// tokenFromRequest prefers the Authorization header over the cookie.
func (v *Verifier) tokenFromRequest(r *http.Request) string {
	if tok := bearer(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if v.cookie == "" {
		return ""
	}
	if c, err := r.Cookie(v.cookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func bearer(header string) string {
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// Middleware attaches the caller's identity when a valid token is present.
// It never rejects: handlers decide whether identity is required.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := v.tokenFromRequest(r)
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		L := log.FromContext(ctx)
		id, err := v.Verify(tok)
		if err != nil {
			L.Debug(ctx, "ignoring invalid session token", "reason", err.Error())
			next.ServeHTTP(w, r)
			return
		}

		if v.onVerified != nil {
			if err := v.onVerified(ctx, id); err != nil {
				L.Warn(ctx, "sign-in hook failed", "err", err.Error())
			}
		}

		ctx = WithIdentity(ctx, id)
		ctx = log.WithContext(ctx, L.With("user.admin", id.Admin))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the verified identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.Email != ""
}

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }
