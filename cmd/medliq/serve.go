package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apihttp "medliq-cloud/internal/api/http"
	"medliq-cloud/internal/audit"
	deductioninterfaces "medliq-cloud/internal/deductions/interfaces"
	"medliq-cloud/internal/seed"
	settlementinterfaces "medliq-cloud/internal/settlement/interfaces"
	"medliq-cloud/migrations"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var (
		inMemory bool
		seedFile string
		migrate  bool
		insecure bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(flags, !inMemory)
			if err != nil {
				return err
			}
			if insecure {
				cfg.Auth.Insecure = true
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, inMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate && a.db != nil {
				applied, err := migrations.Apply(ctx, a.db)
				if err != nil {
					return err
				}
				logger.Info("migrations applied", zap.Strings("names", applied))
			}
			if seedFile != "" {
				ds, err := seed.LoadFile(seedFile)
				if err != nil {
					return err
				}
				if _, err := seed.Apply(ctx, a.settlementStore, a.deductionStore, ds, logger); err != nil {
					return err
				}
			}
			if a.relay != nil {
				go a.relay.Run(ctx, cfg.Events.Outbox.Interval)
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "memory", false, "use in-memory stores instead of PostgreSQL")
	cmd.Flags().StringVar(&seedFile, "seed", "", "YAML fixture to load before serving")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "serve the API without authentication (local use only)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	settlementHandler, err := settlementinterfaces.NewHandler(a.settlements, a.ledger, a.auditLogger, a.logger)
	if err != nil {
		return err
	}
	deductionHandler, err := deductioninterfaces.NewHandler(deductioninterfaces.Deps{
		Charges:     a.charges,
		Allocator:   a.allocator,
		Queries:     a.queries,
		Catalog:     a.catalog,
		AuditLogger: a.auditLogger,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	auditHandler, err := audit.NewHandler(a.auditLogger)
	if err != nil {
		return err
	}

	if a.cfg.Auth.Insecure {
		a.logger.Warn("auth disabled by --insecure; API routes are unauthenticated")
	}
	var ready func(context.Context) error
	if a.db != nil {
		ready = a.db.PingContext
	}
	handler := apihttp.NewRouter(apihttp.Options{
		Logger:      a.logger,
		JWTSecret:   []byte(a.cfg.Auth.JWTSecret),
		Insecure:    a.cfg.Auth.Insecure,
		CORSOrigins: a.cfg.HTTP.CORSOrigins,
		Metrics:     a.cfg.Metrics.Enabled,
		Ready:       ready,
		Handlers:    []apihttp.RouteRegistrar{settlementHandler, deductionHandler, auditHandler},
	})

	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("http listening", zap.String("addr", a.cfg.HTTP.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown failed", zap.Error(err))
			return server.Close()
		}
		a.logger.Info("http server stopped")
		return nil
	}
}
