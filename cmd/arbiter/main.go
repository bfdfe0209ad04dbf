// Arbiter is a policy-enforcement gateway for agent platforms. It turns
// inbound room events into deterministic response plans, gated by
// concurrency rules and an authorization decision, with every decision
// recorded in a hash-chained audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbiterhq/arbiter/pkg/audit"
	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/httpapi"
	arbOtel "github.com/arbiterhq/arbiter/pkg/otel"
	"github.com/arbiterhq/arbiter/pkg/pipeline"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "audit-verify":
		runAuditVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  arbiter serve --config <path>
  arbiter audit-verify --path <audit.jsonl> [--mirror-path <mirror.jsonl>]`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	_ = fs.Parse(args)

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := arbOtel.Setup(ctx, arbOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "arbiter"),
		OTLPEndpoint:   otelEndpoint,
		MetricsEnabled: true,
		TracingEnabled: otelEndpoint != "",
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	var (
		st     store.Store
		pinger httpapi.Pinger
		sink   audit.RelationalSink
	)
	switch cfg.Store.Type {
	case "sqlite":
		sq, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			log.Error("sqlite open failed", "path", cfg.Store.SQLitePath, "error", err)
			os.Exit(1)
		}
		st = sq
		pinger = sq
		sink = sq
	default:
		st = store.NewMemory()
	}
	defer st.Close()

	auditLog, err := audit.NewWriter(cfg.Audit.JSONLPath, cfg.Audit.ImmutableMirrorPath, sink, log)
	if err != nil {
		log.Error("audit writer open failed", "path", cfg.Audit.JSONLPath, "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	svc := pipeline.NewService(cfg, st, authz.New(cfg.Authz, log), auditLog, log)
	keys := auth.NewKeyStore(os.Getenv("ARBITER_API_KEYS"))
	router := httpapi.NewServer(cfg, svc, pinger, log).Router(keys)

	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info("arbiter starting", "addr", cfg.Server.ListenAddr, "store", cfg.Store.Type, "authz_mode", cfg.Authz.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

func runAuditVerify(args []string) {
	fs := flag.NewFlagSet("audit-verify", flag.ExitOnError)
	path := fs.String("path", "", "path to the audit JSONL file")
	mirrorPath := fs.String("mirror-path", "", "path to the mirror JSONL file (optional)")
	_ = fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "audit-verify: --path is required")
		os.Exit(2)
	}

	n, err := audit.Verify(*path, *mirrorPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("audit chain verified: %d records\n", n)
}
