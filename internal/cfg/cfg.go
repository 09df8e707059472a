package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gengirish/training-feedback/internal/log"
	"github.com/gengirish/training-feedback/internal/ratelimit"
)

// EnvPrefix is prepended to the upper-cased flag name to find its env var.
const EnvPrefix = "TRAINING_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int

	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	DBPath string

	SessionSecret string
	SessionIssuer string
	SessionCookie string
	AdminEmails   string

	CertServiceURL      string
	CertAPIKey          string
	CertAPIKeySSMParam  string
	CertInstructorName  string
	CertArchiveS3Bucket string
	CertArchiveS3Prefix string

	RateLimitBackend       string
	RedisAddr              string
	RateLimitSweepInterval time.Duration
	CertMaxRequests        int
	CertWindowSeconds      int
	RegMaxRequests         int
	RegWindowSeconds       int
	FeedbackMaxRequests    int
	FeedbackWindowSeconds  int

	FloodPerSecond   float64
	FloodBurst       int
	FloodMaxVisitors int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of reverse proxies in front of the server whose X-Forwarded-For entries are trusted")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.DBPath, "db-path", "training.db", "sqlite database file")

	fs.StringVar(&c.SessionSecret, "session-secret", "", "HMAC secret shared with the identity provider for session tokens")
	fs.StringVar(&c.SessionIssuer, "session-issuer", "", "expected iss claim of session tokens, empty to skip the check")
	fs.StringVar(&c.SessionCookie, "session-cookie", "session", "cookie carrying the session token when no Authorization header is sent")
	fs.StringVar(&c.AdminEmails, "admin-emails", "", "comma separated e-mails with admin access")

	fs.StringVar(&c.CertServiceURL, "cert-service-url", "", "certificate PDF service endpoint, empty disables issuance")
	fs.StringVar(&c.CertAPIKey, "cert-api-key", "", "API key for the certificate service")
	fs.StringVar(&c.CertAPIKeySSMParam, "cert-api-key-ssm-param", "", "SSM SecureString holding the certificate service API key, used when cert-api-key is empty")
	fs.StringVar(&c.CertInstructorName, "cert-instructor-name", "IntelliForge AI Team", "instructor name printed on certificates")
	fs.StringVar(&c.CertArchiveS3Bucket, "cert-archive-s3-bucket", "", "s3 bucket to archive issued certificate PDFs to, empty disables archiving")
	fs.StringVar(&c.CertArchiveS3Prefix, "cert-archive-s3-prefix", "certificates", "s3 key prefix for archived certificates")

	fs.StringVar(&c.RateLimitBackend, "ratelimit-backend", "memory", "memory|redis")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for -ratelimit-backend=redis")
	fs.DurationVar(&c.RateLimitSweepInterval, "ratelimit-sweep-interval", 60*time.Second, "how often expired in-memory rate limit entries are removed")
	fs.IntVar(&c.CertMaxRequests, "cert-max-requests", 5, "certificate requests allowed per window per user")
	fs.IntVar(&c.CertWindowSeconds, "cert-window-seconds", 60, "certificate rate limit window")
	fs.IntVar(&c.RegMaxRequests, "reg-max-requests", 10, "registrations allowed per window per e-mail")
	fs.IntVar(&c.RegWindowSeconds, "reg-window-seconds", 60, "registration rate limit window")
	fs.IntVar(&c.FeedbackMaxRequests, "feedback-max-requests", 10, "feedback submissions allowed per window per e-mail")
	fs.IntVar(&c.FeedbackWindowSeconds, "feedback-window-seconds", 60, "feedback rate limit window")

	fs.Float64Var(&c.FloodPerSecond, "flood-per-second", 10, "per-IP request refill rate across all routes")
	fs.IntVar(&c.FloodBurst, "flood-burst", 30, "per-IP burst across all routes")
	fs.IntVar(&c.FloodMaxVisitors, "flood-max-visitors", 100_000, "max tracked client IPs, 0 for no cap")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvName(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvName maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvName(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// AdminEmailList splits AdminEmails into trimmed, lower-cased, non-empty entries.
func (c App) AdminEmailList() []string {
	var out []string
	for _, e := range strings.Split(c.AdminEmails, ",") {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// CertificatesEnabled reports whether issuance has a service to call.
func (c App) CertificatesEnabled() bool {
	return c.CertServiceURL != "" && (c.CertAPIKey != "" || c.CertAPIKeySSMParam != "")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing and profiling
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		// grpc exporter wants host:port, no scheme
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// Storage and identity
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, fmt.Errorf("DB_PATH is required"))
	}
	if len(c.SessionSecret) < 32 {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least 32 bytes (got %d)", len(c.SessionSecret)))
	}
	if c.SessionCookie == "" {
		errs = append(errs, fmt.Errorf("SESSION_COOKIE must not be empty"))
	}

	// Certificate service
	if c.CertServiceURL != "" && !isURL(c.CertServiceURL) {
		errs = append(errs, fmt.Errorf("CERT_SERVICE_URL must be a URL (got %q)", c.CertServiceURL))
	}
	if c.CertAPIKey != "" && c.CertAPIKeySSMParam != "" {
		errs = append(errs, fmt.Errorf("set only one of CERT_API_KEY and CERT_API_KEY_SSM_PARAM"))
	}

	// Rate limiting
	switch c.RateLimitBackend {
	case "memory":
		if c.RateLimitSweepInterval <= 0 {
			errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_INTERVAL must be positive (got %s)", c.RateLimitSweepInterval))
		}
	case "redis":
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port when RATELIMIT_BACKEND=redis (got %q)", c.RedisAddr))
		}
	default:
		errs = append(errs, fmt.Errorf("RATELIMIT_BACKEND must be memory or redis (got %q)", c.RateLimitBackend))
	}
	for _, q := range []struct {
		name        string
		max, window int
	}{
		{"CERT", c.CertMaxRequests, c.CertWindowSeconds},
		{"REG", c.RegMaxRequests, c.RegWindowSeconds},
		{"FEEDBACK", c.FeedbackMaxRequests, c.FeedbackWindowSeconds},
	} {
		if q.max < 1 {
			errs = append(errs, fmt.Errorf("%s_MAX_REQUESTS must be >= 1 (got %d)", q.name, q.max))
		}
		if q.window < 1 || int64(q.window) > ratelimit.MaxWindowSeconds {
			errs = append(errs, fmt.Errorf("%s_WINDOW_SECONDS must be between 1 and %d (got %d)", q.name, ratelimit.MaxWindowSeconds, q.window))
		}
	}
	if c.FloodPerSecond <= 0 || c.FloodBurst < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_PER_SECOND must be > 0 and FLOOD_BURST >= 1 (got %g, %d)", c.FloodPerSecond, c.FloodBurst))
	}
	if c.FloodMaxVisitors < 0 {
		errs = append(errs, fmt.Errorf("FLOOD_MAX_VISITORS must be >= 0 (got %d)", c.FloodMaxVisitors))
	}

	return errors.Join(errs...)
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
