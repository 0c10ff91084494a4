package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/database"
	"github.com/kyungseok/payment-reconciliation/common/lock"
	"github.com/kyungseok/payment-reconciliation/common/logger"
	"github.com/kyungseok/payment-reconciliation/common/messaging"
	"github.com/kyungseok/payment-reconciliation/common/retry"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/collaborator"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/config"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/gateway"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/handler"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/repository"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/service"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ./config.yaml if present)")
	flag.Parse()

	// Config 로드
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// Logger 초기화
	log, err := logger.New(logger.Options{
		ServiceName: "payment-service",
		Development: cfg.Service.Development,
		Level:       cfg.Log.Level,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	// PostgreSQL 연결
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// DB 컨테이너가 늦게 뜨는 경우를 위해 재시도
	pingRetry := retry.Config{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		MaxInterval:        5 * time.Second,
		BackoffCoefficient: 2.0,
	}
	if err := retry.Do(context.Background(), pingRetry, log, func() error {
		return db.PingContext(context.Background())
	}); err != nil {
		log.Fatal("failed to ping database", zap.Error(err))
	}
	log.Info("connected to database")

	// Redis 연결 (스윕 임대용, 장애 시에도 스윕은 계속된다)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis unavailable, sweeps will run without lease", zap.Error(err))
	} else {
		log.Info("connected to redis")
	}

	// Kafka Producer 초기화
	publisher, err := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, log)
	if err != nil {
		log.Fatal("failed to create kafka publisher", zap.Error(err))
	}
	defer publisher.Close()
	log.Info("kafka publisher initialized")

	// Metrics 초기화
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "payment"),
	)
	m := metrics.New(registry)

	// Repository / 협력 서비스 초기화
	txManager := database.NewTxManager(db)
	paymentRepo := repository.NewPaymentRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	escalationRepo := repository.NewEscalationRepository(db)
	orderClient := collaborator.NewOrderClient(db)

	pgClient := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.PG.BaseURL,
		UserID:         cfg.PG.UserID,
		CallbackURL:    cfg.PG.CallbackURL,
		ConnectTimeout: cfg.PG.ConnectTimeout,
		RequestTimeout: cfg.PG.RequestTimeout,
	}, m, log)

	deps := service.Dependencies{
		Tx:          txManager,
		Payments:    paymentRepo,
		Outbox:      outboxRepo,
		Escalations: escalationRepo,
		Orders:      orderClient,
		Stock:       collaborator.NewStockClient(db, txManager),
		Points:      collaborator.NewPointClient(db),
		Gateway:     pgClient,
		Metrics:     m,
		Logger:      log,
	}

	// Service 초기화
	settlement := service.NewSettlement(deps)
	paymentService := service.NewPaymentService(deps, settlement)
	checkout := service.NewCheckout(deps, paymentService)
	callbackService := service.NewCallbackService(deps, settlement)
	reconciler := service.NewReconciler(deps, service.NewRecoveryTxService(deps))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Kafka Consumer 초기화 (브로커로 중계된 PG 콜백)
	consumer, err := messaging.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, log)
	if err != nil {
		log.Fatal("failed to create kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	callbackConsumer := handler.NewCallbackConsumer(callbackService, m, log)
	topics := []string{cfg.Kafka.CallbackTopic}
	if err := consumer.Subscribe(ctx, topics, callbackConsumer.HandleMessage); err != nil {
		log.Fatal("failed to subscribe to topics", zap.Error(err))
	}
	log.Info("subscribed to kafka topics", zap.Strings("topics", topics))

	// 백그라운드 워커 시작
	var workers sync.WaitGroup

	outboxWorker := worker.NewOutboxWorker(outboxRepo, publisher, m, log, cfg.Outbox.Interval, cfg.Outbox.BatchSize)
	workers.Add(1)
	go func() {
		defer workers.Done()
		outboxWorker.Start(ctx)
	}()

	scheduler := worker.NewReconciliationScheduler(
		worker.SchedulerConfig{
			Interval:       cfg.Reconciliation.Interval,
			StaleThreshold: cfg.Reconciliation.StaleThreshold,
			ChunkSize:      cfg.Reconciliation.ChunkSize,
			BatchLimit:     cfg.Reconciliation.BatchLimit,
			LeaseTTL:       cfg.Reconciliation.LeaseTTL,
		},
		reconciler,
		[]worker.StaleOrderFinder{paymentRepo.FindStaleOrderIDs, orderClient.FindStalePendingOrderIDs},
		lock.NewRedisLocker(redisClient, "payment"),
		m,
		log,
	)
	workers.Add(1)
	go func() {
		defer workers.Done()
		scheduler.Start(ctx)
	}()

	// HTTP Server 시작
	if !cfg.Service.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler.NewHTTPHandler(checkout, paymentService, callbackService, escalationRepo, m, log).RegisterRoutes(router, registry)

	server := &http.Server{
		Addr:    ":" + cfg.Service.Port,
		Handler: router,
	}

	go func() {
		log.Info("http server starting", zap.String("port", cfg.Service.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// 진행 중인 스윕은 끝까지 마친 뒤 종료
	cancel()
	workers.Wait()
	log.Info("server stopped")
}
