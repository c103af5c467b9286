// Overwatch simulates a threat-detection feed and a multi-agent tribunal for a tactical dashboard.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/overwatch/internal/broadcast"
	oc "github.com/linnemanlabs/overwatch/internal/cfg"
	"github.com/linnemanlabs/overwatch/internal/feedapi"
	"github.com/linnemanlabs/overwatch/internal/notify/slack"
	"github.com/linnemanlabs/overwatch/internal/sched"
	"github.com/linnemanlabs/overwatch/internal/threatfeed"
	"github.com/linnemanlabs/overwatch/internal/tribunal"
)

const appName = "overwatch"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    oc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix OVERWATCH_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "OVERWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"threat_interval_ms", appCfg.ThreatIntervalMS,
		"tribunal_interval_ms", appCfg.TribunalIntervalMS,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Seed both feeds. A fixed seed replays the same simulation on every start.
	seed, chachaSeed := feedSeeds(appCfg.Seed, time.Now())
	L.Info(ctx, "seeded feeds", "seed", seed, "fixed", appCfg.Seed != 0)

	// Initialize feed metrics on the shared Prometheus registry.
	threatMetrics := threatfeed.NewMetrics(m.Registry())
	tribunalMetrics := tribunal.NewMetrics(m.Registry())
	feedapiMetrics := feedapi.NewMetrics(m.Registry())

	// A faulted feed stops on its own, the other keeps running and readiness reports it.
	var feedGate health.ShutdownGate
	onFault := func(feed string) func(error) {
		return func(err error) {
			feedGate.Set(feed + " faulted")
			L.Error(context.Background(), err, "feed generator faulted", "feed", feed)
		}
	}

	threats := threatfeed.New(threatfeed.Options{
		Scheduler: sched.Ticker{},
		Rand:      rand.New(rand.NewPCG(seed, 1)),
		Interval:  appCfg.ThreatInterval(),
		Logger:    lg.With("component", "threatfeed"),
		Hooks:     threatMetrics.Hooks(),
		OnFault:   onFault("threatfeed"),
	})
	court := tribunal.New(tribunal.Options{
		Scheduler: sched.Ticker{},
		Rand:      rand.New(rand.NewPCG(seed, 2)),
		Interval:  appCfg.TribunalInterval(),
		Entropy:   rand.NewChaCha8(chachaSeed),
		Logger:    lg.With("component", "tribunal"),
		Hooks:     tribunalMetrics.Hooks(),
		OnFault:   onFault("tribunal"),
	})

	// Background delivery runs until shutdown, independent of the signal context
	// so alerts raised during drain still go out.
	workCtx, stopWork := context.WithCancel(log.WithContext(context.Background(), L))
	defer stopWork()
	var workers sync.WaitGroup

	// Initialize Slack notifier for spoofed threat alerts.
	notifier := slack.New(slack.Options{
		WebhookURL:    appCfg.SlackWebhookURL,
		RatePerMinute: appCfg.SlackRatePerMinute,
		Logger:        lg.With("component", "slack"),
	})
	if notifier.Enabled() {
		unsubscribe := threats.Subscribe(notifier.HandleUpdate)
		defer unsubscribe()
		workers.Go(func() { notifier.Run(workCtx) })
		L.Info(ctx, "notifier enabled", "type", "slack", "rate_per_minute", appCfg.SlackRatePerMinute)
	}

	// Initialize Redis fan-out of feed updates.
	var rdb *redis.Client
	if appCfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: appCfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// publishing failures are never fatal, the broadcaster logs each one
			L.Warn(ctx, "redis ping failed", "addr", appCfg.RedisAddr, "error", err)
		}
		bc := broadcast.New(rdb, broadcast.Options{
			Prefix: appCfg.RedisChannelPrefix,
			Logger: lg.With("component", "broadcast"),
		})
		unsubThreats := threats.Subscribe(bc.HandleThreats)
		defer unsubThreats()
		unsubTribunal := court.Subscribe(bc.HandleTribunal)
		defer unsubTribunal()
		workers.Go(func() { bc.Run(workCtx) })
		L.Info(ctx, "broadcast enabled", "type", "redis", "addr", appCfg.RedisAddr,
			"threats_channel", bc.ThreatsChannel(), "tribunal_channel", bc.TribunalChannel())
	}

	if err := threats.Start(ctx); err != nil {
		return fmt.Errorf("threat feed start: %w", err)
	}
	defer threats.Stop(context.Background())
	if err := court.Start(ctx); err != nil {
		return fmt.Errorf("tribunal start: %w", err)
	}
	defer court.Stop(context.Background())

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks: the shutdown gate and feed faults
	readiness := health.All(
		shutdownGate.Probe(),
		feedGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress JSON responses, the event stream is left alone so flushes reach the client
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 16)) // read-only API, requests carry no body

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	feedapiHTTP := feedapi.New(L, threats, court, feedapiMetrics)
	feedapiHTTP.RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// The event stream is routed around the stack above: the metrics and access log
	// writers cannot flush or lift the write timeout for a long-lived response.
	h = feedapiHTTP.Handler(h)

	// Configure http server options from config
	feedapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start feedapi HTTP server with middleware and handlers
	feedapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, feedapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start feedapi http listener")
		return err
	}
	defer func() {
		err := feedapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop feedapi http listener")
		}
	}()
	defer feedapiHTTP.CloseStreams()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"feed generators", func(ctx context.Context) error {
			threats.Stop(ctx)
			court.Stop(ctx)
			return nil
		}},
		{"feedapi streams", func(context.Context) error {
			feedapiHTTP.CloseStreams()
			return nil
		}},
		{"feedapi http server", feedapiHTTPStop},
		{"background workers", func(ctx context.Context) error {
			stopWork()
			done := make(chan struct{})
			go func() {
				workers.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}
	if rdb != nil {
		stopFns = append(stopFns, stopFn{"redis client", func(context.Context) error { return rdb.Close() }})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// feedSeeds resolves the configured seed (0 = clock) and derives the tribunal
// id entropy seed from it.
func feedSeeds(configured uint64, now time.Time) (seed uint64, entropy [32]byte) {
	seed = configured
	if seed == 0 {
		seed = uint64(now.UnixNano()) //nolint:gosec // G115: sign is irrelevant for a seed
	}
	binary.LittleEndian.PutUint64(entropy[:8], seed)
	binary.LittleEndian.PutUint64(entropy[8:16], ^seed)
	return seed, entropy
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
