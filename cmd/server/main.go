package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gengirish/training-feedback/internal/cfg"
	"github.com/gengirish/training-feedback/internal/certsvc"
	"github.com/gengirish/training-feedback/internal/health"
	"github.com/gengirish/training-feedback/internal/httpmw"
	"github.com/gengirish/training-feedback/internal/httpserver"
	"github.com/gengirish/training-feedback/internal/identity"
	"github.com/gengirish/training-feedback/internal/log"
	"github.com/gengirish/training-feedback/internal/metrics"
	"github.com/gengirish/training-feedback/internal/opshttp"
	"github.com/gengirish/training-feedback/internal/otelx"
	"github.com/gengirish/training-feedback/internal/prof"
	"github.com/gengirish/training-feedback/internal/ratelimit"
	"github.com/gengirish/training-feedback/internal/store"
	"github.com/gengirish/training-feedback/internal/trainingapi"
	v "github.com/gengirish/training-feedback/internal/version"
)

const (
	// drainPeriod gives the load balancer time to see /-/ready fail before listeners close
	drainPeriod     = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 2 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"db_path", conf.DBPath,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"ratelimit_backend", conf.RateLimitBackend,
		"certificates_enabled", conf.CertificatesEnabled(),
		"cert_archive_s3_bucket", conf.CertArchiveS3Bucket,
		"admin_count", len(conf.AdminEmailList()),
	)

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Component:  "server",
		Version:    vi.Version,
		Attributes: []attribute.KeyValue{attribute.String("ratelimit.backend", conf.RateLimitBackend)},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Open the database, schema is created on open
	db, err := store.Open(ctx, conf.DBPath)
	if err != nil {
		L.Error(ctx, err, "failed to open database", "db_path", conf.DBPath)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Setup the per-user fixed window limiter
	backend, redisPing, closeBackend := newLimiterBackend(ctx, conf, m, L)
	defer closeBackend()

	// Setup per-IP flood guard in front of every route
	flood := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithFloodRate(conf.FloodPerSecond, conf.FloodBurst),
		ratelimit.WithMaxVisitors(conf.FloodMaxVisitors),
		// increment prometheus counter on each denied request
		ratelimit.WithFloodOnDenied(func(string) { m.IncFloodDenied() }),
		// only log the first denial until the ip is evicted
		ratelimit.WithFloodOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood guard triggered", "ip", ip)
		}),
		ratelimit.WithFloodOnCapacity(func() {
			m.IncFloodCapacity()
			L.Warn(ctx, "flood guard capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// Session verification, every verified request refreshes the sign-in funnel
	verifier, err := identity.NewVerifier([]byte(conf.SessionSecret),
		identity.WithIssuer(conf.SessionIssuer),
		identity.WithCookie(conf.SessionCookie),
		identity.WithAdmins(conf.AdminEmailList()),
		identity.WithOnVerified(func(ctx context.Context, id identity.Identity) error {
			return db.TouchSignIn(ctx, id.Email)
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to setup session verifier")
		os.Exit(1)
	}

	// Certificate provider, optional
	var (
		generator trainingapi.Generator
		archive   trainingapi.Archiver
	)
	if conf.CertificatesEnabled() || conf.CertArchiveS3Bucket != "" {
		generator, archive, err = newCertificates(ctx, conf, m)
		if err != nil {
			L.Error(ctx, err, "failed to setup certificate service, issuance disabled")
			generator, archive = nil, nil
		}
	} else {
		L.Warn(ctx, "certificate service not configured, issuance requests will fail")
	}

	api, err := trainingapi.NewAPI(trainingapi.Options{
		Logger:  L,
		Store:   db,
		Limiter: backend,
		Policies: map[string]ratelimit.Policy{
			ratelimit.ActionCertificate:  {MaxRequests: conf.CertMaxRequests, WindowSeconds: conf.CertWindowSeconds},
			ratelimit.ActionRegistration: {MaxRequests: conf.RegMaxRequests, WindowSeconds: conf.RegWindowSeconds},
			ratelimit.ActionFeedback:     {MaxRequests: conf.FeedbackMaxRequests, WindowSeconds: conf.FeedbackWindowSeconds},
		},
		Metrics:        m,
		Certificates:   generator,
		Archive:        archive,
		InstructorName: conf.CertInstructorName,
	})
	if err != nil {
		L.Error(ctx, err, "failed to setup training api")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness: shutdown gate, database and, when used, redis must pass
	checks := []health.Probe{
		gate.Probe(),
		health.Named("store", health.Timeout(probeTimeout, health.CheckFunc(db.Ping))),
	}
	if redisPing != nil {
		checks = append(checks, health.Named("redis", health.Timeout(probeTimeout, redisPing)))
	}
	readiness := health.All(checks...)

	// start public http server
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes: func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(verifier.Middleware)
				api.RegisterRoutes(r)
			})
		},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		FloodGuardMW: flood.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// not exposed publicly, security groups restrict it to monitoring
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Debug(ctx, "systemd readiness not sent", "reason", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_period", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
}

// newLimiterBackend builds the configured fixed window backend. For redis it
// also returns a readiness check; the close func is always safe to call.
func newLimiterBackend(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics, L log.Logger) (ratelimit.Backend, health.CheckFunc, func()) {
	switch conf.RateLimitBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
		ping := health.CheckFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		if err := ping(ctx); err != nil {
			// the API fails open on backend errors, so keep starting
			L.Warn(ctx, "redis not reachable at startup", "redis_addr", conf.RedisAddr, "error", err)
		}
		return ratelimit.NewRedisWindow(client, ""), ping, func() { _ = client.Close() }

	default:
		limiter := ratelimit.New(
			ratelimit.WithSweepInterval(conf.RateLimitSweepInterval),
			// one log line per key per window
			ratelimit.WithOnFirstDenied(func(key string, res ratelimit.Result) {
				L.Warn(ctx, "rate limit triggered", "key", key, "limit", res.Limit, "reset_in_seconds", res.ResetInSeconds)
			}),
			ratelimit.WithOnDenied(func(key string) {
				L.Debug(ctx, "rate limit denied", "key", key)
			}),
			ratelimit.WithOnSweep(func(removed, remaining int) {
				m.ObserveSweep(removed, remaining)
				if removed > 0 {
					L.Debug(ctx, "rate limit sweep", "removed", removed, "remaining", remaining)
				}
			}),
		)
		go limiter.Run(ctx)
		return limiter, nil, func() {}
	}
}

// newCertificates wires the provider client and optional S3 archive. The API
// key comes from config or, failing that, from SSM.
func newCertificates(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics) (trainingapi.Generator, trainingapi.Archiver, error) {
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg = &c
		return c, nil
	}

	var generator trainingapi.Generator
	if conf.CertificatesEnabled() {
		var ssmClient certsvc.ParameterGetter
		if conf.CertAPIKey == "" {
			c, err := loadAWS()
			if err != nil {
				return nil, nil, err
			}
			ssmClient = ssm.NewFromConfig(c)
		}
		key, err := certsvc.ResolveAPIKey(ctx, ssmClient, conf.CertAPIKey, conf.CertAPIKeySSMParam)
		if err != nil {
			return nil, nil, err
		}
		client, err := certsvc.New(conf.CertServiceURL, key, certsvc.WithOnDuration(m.ObserveCertificateProvider))
		if err != nil {
			return nil, nil, err
		}
		generator = client
	}

	var archive trainingapi.Archiver
	if conf.CertArchiveS3Bucket != "" {
		c, err := loadAWS()
		if err != nil {
			return nil, nil, err
		}
		a, err := certsvc.NewS3Archive(s3.NewFromConfig(c), conf.CertArchiveS3Bucket, conf.CertArchiveS3Prefix)
		if err != nil {
			return nil, nil, err
		}
		archive = a
	}
	return generator, archive, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
