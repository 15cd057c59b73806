package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cafepos/internal/config"
	"cafepos/internal/httpapi"
	"cafepos/internal/logging"
	"cafepos/internal/service"
	"cafepos/internal/syncq"
)

type rootOptions struct {
	cfg config.Config
	log *zap.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cafepos",
		Short:         "Cafe point-of-sale backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg, opts.log)
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push unsynced rows to the replica once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Surreal.URL == "" {
				return errors.New("SURREAL_URL is required to sync")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, opts.cfg, opts.log, true)
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.driver.PushOnce(ctx)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if report.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "another terminal holds the sync lease; nothing pushed")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d rows %v, conflicts %v\n", report.TotalPushed(), report.Pushed, report.Conflicts)
			return nil
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the primary store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			primary, err := openPrimary(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer primary.Close()
			opts.log.Info("primary store is up to date", zap.String("backend", opts.cfg.Storage.Backend))
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	rt, err := openRuntime(ctx, cfg, log, cfg.Sync.Enabled)
	if err != nil {
		return err
	}
	defer rt.close()

	svc := service.New(rt.primary, service.WithLogger(log), service.WithTaxRate(cfg.POS.TaxBasisPoints))
	auth := httpapi.NewAuthManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, svc, log)
	if err := auth.SeedAdmin(ctx, cfg.Auth.AdminPassword); err != nil {
		return err
	}

	apiOpts := []httpapi.Option{httpapi.WithLogger(log)}
	if rt.driver != nil {
		apiOpts = append(apiOpts, httpapi.WithSync(rt.driver))
	}
	api := httpapi.New(svc, auth, cfg.Server.AllowedOrigin, apiOpts...)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("cafepos listening", zap.String("addr", cfg.Address()), zap.String("backend", cfg.Storage.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if rt.driver != nil {
		g.Go(func() error {
			log.Info("sync driver started", zap.Duration("interval", cfg.Sync.Interval))
			return rt.driver.Run(gctx)
		})
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func syncConfig(cfg config.Config) syncq.Config {
	return syncq.Config{
		Interval:       cfg.Sync.Interval,
		BatchSize:      cfg.Sync.BatchSize,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.Sync.MaxBackoff,
		LeaseTTL:       cfg.Sync.LeaseTTL,
	}
}
