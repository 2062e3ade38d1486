package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circulation-service/config"
	"circulation-service/internal/api"
	"circulation-service/internal/audit"
	"circulation-service/internal/broker"
	"circulation-service/internal/catalog"
	"circulation-service/internal/gateway"
	"circulation-service/internal/redisclient"
	"circulation-service/internal/service"
	"circulation-service/internal/store"
	"circulation-service/internal/store/memstore"
	"circulation-service/internal/util"
	"circulation-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting circulation service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	policy, err := cfg.Business.Policy()
	if err != nil {
		logger.Fatal("Invalid business configuration", zap.Error(err))
	}

	readiness := map[string]api.ReadinessCheck{}

	var db store.Store
	switch cfg.Database.Driver {
	case "memory":
		db = memstore.New(cfg.Database.LockTimeout)
		logger.Warn("Using in-memory store; data is lost on restart")
	default:
		pg, err := store.NewStore(cfg.Database.URL, cfg.Database.LockTimeout)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		if cfg.Database.Migrate {
			if err := pg.Migrate(); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
		db = pg
		logger.Info("Database connected")
	}
	defer db.Close()
	readiness["database"] = db.Ping

	var (
		mirror catalog.Mirror
		cache  service.IdempotencyCache
		locker service.Locker
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		mirror, cache, locker = redisClient, redisClient, redisClient
		readiness["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	var notifier service.Notifier
	var producer *broker.Producer
	if cfg.Kafka.Enabled {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
		defer producer.Close()
		notifier = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized")
	}

	var gw gateway.Gateway
	if cfg.Gateway.Mode == "live" {
		gw = gateway.NewClient(gateway.Config{
			BaseURL:   cfg.Gateway.BaseURL,
			KeyID:     cfg.Gateway.KeyID,
			KeySecret: cfg.Gateway.KeySecret,
			Currency:  cfg.Gateway.Currency,
			Timeout:   cfg.Gateway.Timeout,
		})
	} else {
		gw = &gateway.Sandbox{Secret: cfg.Gateway.KeySecret, Currency: cfg.Gateway.Currency}
		logger.Warn("Payment gateway running in sandbox mode")
	}

	auditSink := audit.NewAsyncSink(db, cfg.Business.AuditBuffer)

	tracker := catalog.NewTracker(db, mirror)
	ledger := service.NewSubscriptionLedger(db, policy)
	loanService := service.NewLoanService(db, tracker, policy, notifier, auditSink)
	paymentService := service.NewPaymentService(db, ledger, gw, cache, notifier, auditSink)
	requestService := service.NewRequestService(db, notifier, auditSink)
	sweep := service.NewPenaltySweep(db, policy, locker, notifier, auditSink)
	adminService := service.NewAdminService(db, tracker, notifier, auditSink)

	if err := tracker.SyncMirror(context.Background()); err != nil {
		logger.Warn("Failed to sync availability to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workers, workerCtx := errgroup.WithContext(workerCtx)

	scheduler := worker.NewSweepScheduler(sweep, cfg.Business.SweepInterval, cfg.Business.SweepOnStart)
	workers.Go(func() error {
		return scheduler.Start(workerCtx)
	})

	var paymentWorker *worker.PaymentWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicGatewayEvents, cfg.Kafka.ConsumerGroup)
		paymentWorker = worker.NewPaymentWorker(consumer, paymentService, db)
		workers.Go(func() error {
			if err := paymentWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("payment worker: %w", err)
			}
			return nil
		})
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Catalog:  tracker,
		Loans:    loanService,
		Ledger:   ledger,
		Payments: paymentService,
		Requests: requestService,
		Sweep:    sweep,
		Admin:    adminService,
	}, api.Options{
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		Readiness:  readiness,
		RequestLog: true,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-workerCtx.Done():
		logger.Error("Background worker stopped unexpectedly")
	}

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	scheduler.Stop()
	if paymentWorker != nil {
		paymentWorker.Stop()
	}
	if err := workers.Wait(); err != nil {
		logger.Error("Worker error", zap.Error(err))
	}
	auditSink.Close()

	logger.Info("Server exited")
}
