package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/n8n-work/engine-go/internal/config"
	"github.com/n8n-work/engine-go/internal/engine"
	"github.com/n8n-work/engine-go/internal/eventbus"
	"github.com/n8n-work/engine-go/internal/httpapi"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/steprunner"
	"github.com/n8n-work/engine-go/internal/store"
)

// newServeCommand runs the long-lived engine process: a gRPC health
// surface, an HTTP metrics/status surface and (when configured) the
// AMQP lifecycle-event publisher, following a
// Server.Start/startGRPCServer/startHTTPServer shape.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			logger.Info("starting durable workflow engine",
				zap.String("service", serviceName),
				zap.String("version", serviceVersion))

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer shutdownTracing()

			metrics := observability.NewMetrics()

			pgStore, err := store.NewPostgresStore(cfg.Store.URL, logger)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer pgStore.Close()

			var opts []engine.Option
			opts = append(opts, engine.WithMetrics(metrics))
			if cfg.MessageQueue.URL != "" {
				publisher, err := eventbus.NewAMQPPublisher(cfg.MessageQueue.URL, cfg.MessageQueue.Exchange, logger)
				if err != nil {
					logger.Warn("eventbus unavailable, continuing without lifecycle events", zap.Error(err))
				} else {
					defer publisher.Close()
					opts = append(opts, engine.WithEventBus(publisher))
				}
			}
			if cfg.Redis.URL != "" {
				dist, err := steprunner.NewRedisCache(cmd.Context(), cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
				if err != nil {
					logger.Warn("distributed cache unavailable, continuing with in-process cache only", zap.Error(err))
				} else {
					defer dist.Close()
					opts = append(opts, engine.WithDistributedCache(dist))
				}
			}

			// The engine is constructed with the configured options but
			// not kept: this binary registers no workflows and only
			// exposes health/metrics/status.
			_ = engine.New(pgStore, logger, opts...)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 2)
			go func() { errCh <- serveGRPC(ctx, cfg, logger) }()
			go func() { errCh <- serveHTTP(ctx, cfg, pgStore, logger) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logger.Info("shutdown signal received, stopping")
				cancel()
			case err := <-errCh:
				if err != nil {
					logger.Error("server exited with error", zap.Error(err))
				}
				cancel()
			}

			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
}

func serveGRPC(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.StreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)

	if cfg.App.Environment == "development" {
		reflection.Register(grpcServer)
	}

	logger.Info("starting gRPC health server", zap.String("address", cfg.GRPC.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("grpc server error: %w", err)
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, s store.Store, logger *zap.Logger) error {
	handler := httpapi.New(s, logger, serviceName, serviceVersion)
	httpServer := &http.Server{Addr: cfg.HTTP.Address, Handler: handler}

	logger.Info("starting HTTP server", zap.String("address", cfg.HTTP.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}
}

// newMigrateCommand applies the embedded schema migrations to the
// configured store, for operators running this ahead of serve.
func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			pgStore, err := store.NewPostgresStore(cfg.Store.URL, logger)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer pgStore.Close()

			if err := store.ApplyMigrations(cmd.Context(), pgStore); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

// newResumeCommand is an operational diagnostic: it loads the execution
// named by its argument and logs its workflow name and status. It does
// not replay the execution: the CLI binary registers no workflow
// handlers, so replay happens only through Engine.Resume in a program
// that has called Engine.Define for the workflow.
func newResumeCommand() *cobra.Command {
	var workflowName string
	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a stalled execution (operator diagnostics; requires a handler registered out-of-process)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			pgStore, err := store.NewPostgresStore(cfg.Store.URL, logger)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer pgStore.Close()

			execID := args[0]
			exec, err := pgStore.FindExecutionByID(cmd.Context(), execID)
			if err != nil {
				return fmt.Errorf("find execution %s: %w", execID, err)
			}
			logger.Info("execution found; resume requires the embedding process to call engine.Resume with its registered handler",
				zap.String("execution_id", execID),
				zap.String("workflow_name", exec.WorkflowName),
				zap.String("status", string(exec.Status)))
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowName, "workflow", "", "workflow name (diagnostic only)")
	return cmd
}
