package main

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/config"
	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/db"
	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/events"
	grpcserver "github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/grpc"
	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/logger"
)

const serviceName = "transfer-service"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	bootLog := logger.New(serviceName)
	if err := config.LoadDotEnv(".env"); err != nil {
		bootLog.Fatal().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.NewWithConfig(logger.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: serviceName,
		Version: version,
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("transfer-service stopped with error")
	}
	log.Info().Msg("transfer-service stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info().Msg("database connection pool initialized")

	if err := db.Migrate(ctx, pool.Pool); err != nil {
		return err
	}
	log.Info().Msg("database migrations applied")

	accountRepo := db.NewAccountRepository(pool.Pool)
	transactionRepo := db.NewTransactionRepository(pool.Pool)
	idempotencyRepo := db.NewIdempotencyRepository(pool.Pool)
	txManager := db.NewTransactionManager(pool.Pool, cfg.Database.LockTimeout, log)

	// the service treats a nil publisher as "events disabled"
	var publisher domain.EventPublisher
	if cfg.RabbitMQ.Enabled {
		rabbit, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey)
		if err != nil {
			return err
		}
		defer func() {
			if err := rabbit.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close rabbitmq publisher")
			}
		}()
		publisher = rabbit
		log.Info().Str("exchange", cfg.RabbitMQ.Exchange).Msg("rabbitmq publisher initialized")
	} else {
		log.Warn().Msg("rabbitmq disabled, transfer events will not be published")
	}

	transferService := domain.NewTransferService(accountRepo, transactionRepo, idempotencyRepo, txManager, publisher, log)
	accountService := domain.NewAccountService(accountRepo, transactionRepo, log)
	log.Info().Msg("domain services initialized")

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcserver.UnaryRecoveryInterceptor(log),
		grpcserver.UnaryLoggingInterceptor(log),
	))
	grpcserver.RegisterTransferServiceServer(grpcServer, grpcserver.NewTransferServiceServer(transferService, accountService, log))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Register reflection service (useful for tools like grpcurl)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC server starting")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gRPC server...")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// drain post-commit publishes before the deferred publisher Close
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := transferService.WaitForEvents(drainCtx); err != nil {
		log.Warn().Err(err).Msg("transfer events still in flight at shutdown")
	}
	return nil
}
