// Command registryd runs the dispatch registry daemon: the HTTP
// endpoint, the job dispatcher and the cleanup janitor for one node.
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
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mediagrid/dispatch/internal/config"
	"github.com/mediagrid/dispatch/pkg/endpoint"
	"github.com/mediagrid/dispatch/pkg/incident"
	"github.com/mediagrid/dispatch/pkg/registry"
	"github.com/mediagrid/dispatch/pkg/storage"
)

func main() {
	root := &cobra.Command{
		Use:   "registryd",
		Short: "Job dispatch and service registry daemon",
	}
	root.AddCommand(serveCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.LogMode)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := gorm.Open(sqlite.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	store, err := storage.NewGormStoreWithPool(db)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	reg := registry.New(store, cfg.Host, registry.WithLogger(logger.Named("registry")))
	incidents := incident.NewLog(store, incident.WithLogger(logger.Named("incidents")))
	directory := registry.NewProducerDirectory()

	if err := reg.RegisterHost(ctx, cfg.Host, cfg.MaxConcurrentJobs); err != nil {
		return fmt.Errorf("registering host: %w", err)
	}
	for _, svc := range cfg.Services {
		if _, err := reg.RegisterService(ctx, svc.ServiceType, cfg.Host, svc.Path, svc.JobProducer); err != nil {
			return fmt.Errorf("registering service %s: %w", svc.ServiceType, err)
		}
	}

	dispatcher := registry.NewDispatcher(reg, directory,
		registry.WithDispatchInterval(cfg.DispatchInterval),
		registry.WithDispatcherLogger(logger.Named("dispatcher")))
	janitor, err := registry.NewJanitor(reg, cfg.JanitorSchedule,
		registry.WithJobLifetime(cfg.JobLifetime),
		registry.WithJanitorLogger(logger.Named("janitor")))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	janitor.Start(ctx)
	defer janitor.Stop()

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: endpoint.NewServer(reg, incidents,
			endpoint.WithLogger(logger.Named("http"))).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("host", cfg.Host))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
