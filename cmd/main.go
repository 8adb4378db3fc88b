package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/api/graph"
	"github.com/lvdashuaibi/livevote/internal/api/rest"
	"github.com/lvdashuaibi/livevote/internal/identity"
	intkafka "github.com/lvdashuaibi/livevote/internal/kafka"
	"github.com/lvdashuaibi/livevote/internal/lock"
	"github.com/lvdashuaibi/livevote/internal/logging"
	"github.com/lvdashuaibi/livevote/internal/publisher"
	"github.com/lvdashuaibi/livevote/internal/reconcile"
	"github.com/lvdashuaibi/livevote/internal/repository"
	"github.com/lvdashuaibi/livevote/internal/service"
)

var (
	configPath = pflag.String("config", "config/config.yaml", "path to the config file")
	instanceID = pflag.Int("instance", 1, "instance id; the HTTP port is server.port + instance - 1")
)

func main() {
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.Int("instance", *instanceID))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("livevote stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ledger, err := repository.OpenLedger(cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	if cfg.Ledger.AutoMigrate {
		if err := ledger.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	logger.Info("ledger ready", zap.String("driver", cfg.Ledger.Driver))

	redisRepo, err := repository.NewRedisRepository(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisRepo.Close()
	logger.Info("redis ready", zap.String("address", cfg.Redis.DataAddress))

	broadcaster := publisher.NewBroadcaster(redisRepo, cfg.Publisher, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := broadcaster.Close(ctx); err != nil {
			logger.Warn("publisher did not drain", zap.Error(err))
		}
	}()

	var events service.EventSink
	if cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer producer.Close()
		events = producer
	}

	voteService := service.NewVoteService(ledger, redisRepo, broadcaster, events, logger)

	if cfg.Reconcile.Enabled {
		distributedLock, err := lock.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("create %s lock: %w", cfg.Lock.Backend, err)
		}
		defer distributedLock.Close()

		reconciler := reconcile.NewReconciler(ledger, redisRepo, broadcaster, distributedLock,
			cfg.Reconcile, cfg.Lock, logger)
		reconciler.Start()
		defer reconciler.Stop()

		if cfg.Kafka.Enabled {
			consumer, err := intkafka.NewConsumer(cfg.Kafka, logger)
			if err != nil {
				return fmt.Errorf("create kafka consumer: %w", err)
			}
			consumer.StartConsuming(reconciler.ProcessVoteEvent)
			defer consumer.Stop()
		}
	}

	gin.SetMode(cfg.Server.Mode)
	router := rest.NewRouter(logger)
	resolver := identity.NewResolver(cfg.Session)

	rest.NewHandler(voteService, redisRepo, resolver, map[string]rest.HealthCheck{
		"redis":  redisRepo.Ping,
		"ledger": ledger.Ping,
	}, logger).Register(router)

	if cfg.GraphQL.Enabled {
		graph.NewGraphQLServer(voteService, resolver, logger).Register(router, cfg.GraphQL.Path)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port+*instanceID-1),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("livevote listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
