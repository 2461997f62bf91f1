package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfoundry/foundry/pkg/config"
	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/policy"
	"github.com/openfoundry/foundry/pkg/registry"
	"github.com/openfoundry/foundry/pkg/schematics"
	"github.com/openfoundry/foundry/pkg/store"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the foundry daemon",
		Long: `Run the foundry daemon.

Opens the store, applies migrations, loads compliance profiles, connects
the provisioning-engine client and serves health and metrics endpoints
until interrupted. Lifecycle operations are driven through the registry
and coordinator components.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg, version)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, version string) error {
	tcfg := cfg.TelemetryConfig(version)
	if err := tcfg.Validate(); err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}

	st, err := store.NewSQLiteStore(store.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	if err := st.Init(ctx); err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.WithField("database", cfg.Database.Path).Info("store ready")

	policyEngine, err := policy.NewEngine(logger, metrics)
	if err != nil {
		return err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := policyEngine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
		if cfg.Policy.Watch {
			loader := policy.NewLoader(logger)
			err := loader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
				return policyEngine.SetPolicies(ctx, policies)
			})
			if err != nil {
				logger.WithError(err).Warn("policy watching unavailable")
			}
		}
	}

	schematicsClient := schematics.NewClient(schematics.Options{
		Endpoint:       cfg.Schematics.Endpoint,
		APIKey:         cfg.Schematics.APIKey,
		RequestTimeout: cfg.Schematics.RequestTimeout,
		RetryAttempts:  cfg.Schematics.RetryAttempts,
	}, logger)

	environments := registry.NewEnvironmentRegistry(st, logger)
	projects := registry.NewProjectRegistry(st, logger)
	configs := registry.NewConfigRegistry(st, logger, metrics)

	sm := engine.NewStateMachine(st, logger, metrics)
	coordinator := engine.NewJobCoordinator(st, schematicsClient, sm, logger, metrics).
		WithCompliance(policyEngine).
		WithResolver(environments).
		WithPollInterval(cfg.Coordinator.PollInterval).
		WithTracer(tracer)
	defer coordinator.Close()

	aggregator := engine.NewAttentionAggregator(st, logger, metrics)

	// Admin surface: health plus read-only inspection endpoints. The
	// lifecycle API proper lives outside this daemon.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /v1/projects", func(w http.ResponseWriter, r *http.Request) {
		items, next, err := projects.List(r.Context(), r.URL.Query().Get("token"), queryLimit(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"projects": items, "next_token": next})
	})
	mux.HandleFunc("GET /v1/projects/{id}/configs", func(w http.ResponseWriter, r *http.Request) {
		items, next, err := configs.List(r.Context(), r.PathValue("id"), r.URL.Query().Get("token"), queryLimit(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"configs": items, "next_token": next})
	})
	mux.HandleFunc("GET /v1/projects/{id}/needs_attention", func(w http.ResponseWriter, r *http.Request) {
		view, err := aggregator.Compute(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, view)
	})
	adminServer := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: mux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("address", cfg.Server.ListenAddress).Info("admin server listening")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	metricsServer := metrics.Server()
	if metricsServer != nil {
		go func() {
			logger.WithField("address", metricsServer.Addr).Info("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	logger.WithField("version", version).Info("foundry daemon started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown failed")
	}

	logger.Info("foundry daemon stopped")
	return nil
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case engine.IsConflict(err):
		status = http.StatusConflict
	case engine.IsValidation(err):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
