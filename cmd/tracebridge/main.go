package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/tracebridge/internal/api"
	"github.com/ongoingai/tracebridge/internal/bridge"
	"github.com/ongoingai/tracebridge/internal/config"
	"github.com/ongoingai/tracebridge/internal/observability"
	"github.com/ongoingai/tracebridge/internal/providers"
	"github.com/ongoingai/tracebridge/internal/proxy"
	"github.com/ongoingai/tracebridge/internal/version"
)

const defaultConfigPath = "tracebridge.yaml"

const bridgeShutdownTimeout = 10 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "check":
		return runCheck(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(os.Stdout, cfg.LangSmith.Debug)
	routes := proxy.RoutesFromConfig(cfg.Providers)
	router := proxy.NewRouter(routes)

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, router.Prefixes(), version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)

	spool, err := openSpool(cfg.Spool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s spool: %v\n", cfg.Spool.Driver, err)
		return 1
	}

	var backend bridge.Backend
	client, err := newLangSmithClient(cfg.LangSmith, otelRuntime)
	if err != nil {
		logger.Error("failed to create langsmith client; tracing disabled", "error", err)
	} else {
		backend = client
	}

	var bridgeOptions []bridge.Option
	if spool != nil {
		bridgeOptions = append(bridgeOptions, bridge.WithSpool(spool))
	}
	service := bridge.New(cfg, backend, logger, bridgeOptions...)
	service.SetMetrics(otelRuntime.BridgeMetrics())
	if err := configureBridge(service, cfg.LangSmith); err != nil {
		// The proxy keeps serving; invocations are dropped until restart.
		logger.Error("trace bridge not activated; proxying without tracing", "error", err)
		if spool != nil {
			if closeErr := spool.Close(); closeErr != nil {
				logger.Warn("failed to close spool", "error", closeErr)
			}
		}
	}
	defer shutdownBridge(logger, service, bridgeShutdownTimeout)

	metricsPath := ""
	if cfg.Observability.OTel.PrometheusEnabled {
		metricsPath = strings.TrimSpace(cfg.Observability.OTel.PrometheusPath)
	}
	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:  version.String(),
		Diagnostics: service,
		MetricsPath: metricsPath,
	})
	proxyHandler, err := proxy.NewHandlerWithOptions(routes, logger, apiHandler, proxy.HandlerOptions{
		Transport: otelRuntime.WrapHTTPTransport(http.DefaultTransport),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure proxy routes: %v\n", err)
		return 1
	}

	sink := proxy.NewInvocationSink(router, providers.DefaultRegistry(), service, logger)
	captureHandler := proxy.BodyCaptureMiddleware(proxy.BodyCaptureOptions{
		MaxBodySize: cfg.Capture.BodyMaxSize,
	}, sink, proxyHandler)
	serverHandler := otelRuntime.WrapHTTPHandler(otelRuntime.SpanEnrichmentMiddleware(captureHandler))
	server := newGatewayServer(cfg, logger, serverHandler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"providers", configuredProviderSummaries(routes),
		"langsmith_endpoint", cfg.LangSmith.Endpoint,
		"session_name", cfg.LangSmith.RunSessionName(),
		"spool_driver", cfg.Spool.Driver,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("gateway stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway failed", "error", err)
			return 1
		}
		return 0
	}
}

func newGatewayServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           proxy.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

// newLogger writes JSON logs with trace ids and scrubbed credentials.
func newLogger(out io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
}

func configureBridge(service *bridge.Service, cfg config.LangSmithConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout(cfg))
	defer cancel()
	return service.Configure(ctx)
}

func shutdownBridge(logger *slog.Logger, service *bridge.Service, timeout time.Duration) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := service.Shutdown(ctx)
	if errors.Is(err, bridge.ErrNotConfigured) {
		return
	}
	if err != nil {
		logger.Error("failed to deliver pending runs before shutdown",
			"error", err,
			"delivered", result.Delivered,
			"abandoned", result.Abandoned,
			"spooled", result.Spooled,
			"timeout", timeout.String(),
		)
		return
	}
	logger.Info("flushed pending runs before shutdown",
		"delivered", result.Delivered,
		"spooled", result.Spooled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func configuredProviderSummaries(routes []proxy.Route) []string {
	out := make([]string, 0, len(routes))
	for _, route := range routes {
		upstream := strings.TrimSpace(route.Upstream)
		if upstream == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s:%s->%s", route.Provider, route.Prefix, upstream))
	}
	return out
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tracebridge serve [--config path/to/tracebridge.yaml]")
	fmt.Fprintln(out, "  tracebridge version")
	fmt.Fprintln(out, "  tracebridge config validate [--config path/to/tracebridge.yaml]")
	fmt.Fprintln(out, "  tracebridge check [--config path/to/tracebridge.yaml] [--timeout DURATION] [--format text|json]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tracebridge config validate [--config path/to/tracebridge.yaml]")
}
