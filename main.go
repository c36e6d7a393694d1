package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"flowengine/pkg/db"
	"flowengine/pkg/logging"
	"flowengine/pkg/mq"
	"flowengine/services/flow"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowengine",
		Short:         "Flow execution engine host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(newServeCmd(), newPlanCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <flow.json>",
		Short: "Validate a flow file and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return printPlan(cmd.OutOrStdout(), f)
		},
	}
}

// printPlan decodes a flow schema from r and writes its node order to w.
func printPlan(w io.Writer, r io.Reader) error {
	var schema flow.FlowSchema
	if err := json.NewDecoder(r).Decode(&schema); err != nil {
		return fmt.Errorf("decode flow: %w", err)
	}

	order, err := flow.Plan(&schema)
	if err != nil {
		return err
	}
	trigger, err := flow.TriggerNode(&schema)
	if err != nil {
		return err
	}

	registry := flow.DefaultRegistry()
	for i, node := range order {
		note := ""
		switch {
		case node.ID == trigger.ID:
			note = " [trigger]"
		case node.Disabled:
			note = " [disabled]"
		case !registry.Has(node.Type):
			note = " [no built-in executor]"
		}
		fmt.Fprintf(w, "%d. %s (%s)%s\n", i+1, node.ID, node.Type, note)
	}
	return nil
}

func serve(ctx context.Context) error {
	logger := logging.Setup()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engineCfg := cfg.Engine
	engineCfg.Logger = logger
	engineCfg.Metrics = flow.NewMetrics(promRegistry)

	var (
		flows   flow.FlowStore
		history flow.RunHistory
		repo    *flow.Repository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, db.Config{URI: cfg.DatabaseURL})
		if err != nil {
			return err
		}
		defer pool.Close()

		// Initialize database schema and seed data
		if err := flow.InitDB(ctx, pool); err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		repo = flow.NewRepository(pool)
		flows, history = repo, repo
	} else {
		slog.Warn("DATABASE_URL is not set, flow lookup and run history disabled")
	}

	engine := flow.NewEngine(engineCfg)

	var recorder *flow.Recorder
	if repo != nil {
		recorder = flow.NewRecorder(engine.Events(), repo, logger)
	}

	var (
		amqpConn  *mq.Connection
		forwarder *flow.EventForwarder
	)
	if cfg.AMQPURL != "" {
		amqpConn, err = mq.Dial(cfg.AMQPURL, logger)
		if err != nil {
			return err
		}
		if err := amqpConn.DeclareExchange(ctx, mq.EventsExchange); err != nil {
			amqpConn.Close()
			return err
		}
		publisher := mq.NewPublisher(amqpConn, mq.EventsExchange, logger)
		forwarder = flow.NewEventForwarder(engine.Events(), publisher, logger)
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}

	// setup router
	mainRouter := mux.NewRouter()
	mainRouter.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	mainRouter.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	flow.NewService(engine, flows, history).LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.RecoveryHandler()(handlers.CustomLoggingHandler(io.Discard, corsHandler, logRequest)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", cfg.HTTPAddr)
		serverErrors <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
		}
	case <-sigCtx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Could not stop server gracefully", "error", err)
		srv.Close()
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("Could not stop engine cleanly", "error", err)
	}
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			slog.Error("Run recorder did not drain", "error", err)
		}
	}
	if forwarder != nil {
		if err := forwarder.Close(shutdownCtx); err != nil {
			slog.Error("Event forwarder did not drain", "error", err)
		}
		if err := amqpConn.Close(); err != nil {
			slog.Error("Could not close broker connection", "error", err)
		}
	}
	slog.Info("Stopped")
	return serveErr
}

// logRequest writes one structured line per HTTP request.
func logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	slog.Info("HTTP request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration", time.Since(p.TimeStamp),
	)
}
