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

	"github.com/SigNoz/nexus-checkout/internal/api"
	"github.com/SigNoz/nexus-checkout/internal/cache"
	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/gateway"
	"github.com/SigNoz/nexus-checkout/internal/logging"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/middleware"
	"github.com/SigNoz/nexus-checkout/internal/services"
	"github.com/SigNoz/nexus-checkout/internal/tasks"
	"github.com/SigNoz/nexus-checkout/pkg/config"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.OTELServiceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry metrics
	appMetrics, meterProvider, err := metrics.InitMetrics(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down meter provider", zap.Error(err))
		}
	}()

	// Initialize database
	database, err := db.NewDB(cfg.GetDSN(), cfg.OTELServiceName, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	schemaSQL, err := os.ReadFile("schema.sql")
	if err != nil {
		logger.Warn("Could not read schema.sql, assuming the schema exists", zap.Error(err))
	} else if err := database.InitSchema(ctx, string(schemaSQL)); err != nil {
		logger.Warn("Could not initialize schema, assuming it exists", zap.Error(err))
	}

	productCache := newProductCache(ctx, cfg, logger)

	// Background tasks
	executor := tasks.NewExecutor(tasks.DefaultRetryPolicy(cfg.TaskMaxAttempts), appMetrics, logger)
	executor.Register(tasks.SendPaymentConfirmationEmail,
		tasks.ConfirmationEmailHandler(newMailer(cfg, logger), cfg.DefaultFromEmail))

	queue, stopTasks, err := startTasks(ctx, cfg, executor, logger)
	if err != nil {
		logger.Fatal("Failed to start task backend", zap.Error(err))
	}
	defer stopTasks()

	// Initialize services
	chapa := gateway.NewChapaClient(gateway.ChapaConfig{
		BaseURL:   cfg.ChapaBaseURL,
		SecretKey: cfg.ChapaSecretKey,
		Timeout:   cfg.GatewayTimeout,
	}, logger)

	stockLedger := services.NewStockLedger(database, appMetrics)
	cartService := services.NewCartService(database, stockLedger, appMetrics, logger)
	orderService := services.NewOrderService(database, cartService, stockLedger, productCache, appMetrics, logger)
	userService := services.NewUserService(database, appMetrics)
	paymentService := services.NewPaymentService(
		database,
		chapa,
		gateway.NewSigner(cfg.ChapaWebhookSecret),
		queue,
		userService,
		services.PaymentConfig{
			Currency:    cfg.PaymentCurrency,
			CallbackURL: cfg.PaymentCallbackURL,
			ReturnURL:   cfg.PaymentReturnURL,
		},
		appMetrics,
		logger,
	)

	go cartService.MonitorActiveCarts(ctx, 30*time.Second)

	app := api.NewApp(cfg, database, appMetrics, logger, cartService, orderService, paymentService,
		middleware.NewAuthenticator(cfg.JWTSecret, logger))

	router := mux.NewRouter()
	app.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GatewayTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting",
			zap.String("port", cfg.AppPort),
			zap.String("otlp_endpoint", cfg.OTELExporterOTLPEndpoint),
			zap.String("task_backend", cfg.TaskBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newProductCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.ProductCache {
	if cfg.RedisAddr == "" {
		return cache.NoopProductCache{}
	}
	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Warn("Product cache disabled", zap.Error(err))
		return cache.NoopProductCache{}
	}
	return cache.NewRedisProductCache(rdb, logger)
}

func newMailer(cfg *config.Config, logger *zap.Logger) tasks.Mailer {
	if cfg.EmailHost == "" {
		return tasks.NewLogMailer(logger)
	}
	return tasks.NewSMTPMailer(tasks.SMTPConfig{
		Host:     cfg.EmailHost,
		Port:     cfg.EmailPort,
		Username: cfg.EmailHostUser,
		Password: cfg.EmailHostPassword,
	})
}

// startTasks wires the queue the payment service enqueues on and whatever
// executes its tasks. The returned func drains and closes them.
func startTasks(ctx context.Context, cfg *config.Config, executor *tasks.Executor, logger *zap.Logger) (tasks.Queue, func(), error) {
	if cfg.TaskBackend != "kafka" {
		dispatcher := tasks.NewDispatcher(executor, cfg.TaskWorkers, 100, logger)
		dispatcher.Start()
		return dispatcher, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := dispatcher.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Task dispatcher did not drain", zap.Error(err))
			}
		}, nil
	}

	producer, err := tasks.DialKafkaProducer(cfg.KafkaBrokers)
	if err != nil {
		return nil, nil, err
	}
	group, err := tasks.DialKafkaConsumerGroup(cfg.KafkaBrokers, cfg.KafkaTaskGroup)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}

	queue := tasks.NewKafkaQueue(producer, cfg.KafkaTaskTopic, logger)
	worker := tasks.NewKafkaConsumer(group, cfg.KafkaTaskTopic, executor, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Run(ctx); err != nil {
			logger.Error("Task consumer stopped", zap.Error(err))
		}
	}()

	return queue, func() {
		<-done
		if err := queue.Close(); err != nil {
			logger.Warn("Failed to close task producer", zap.Error(err))
		}
		if err := group.Close(); err != nil {
			logger.Warn("Failed to close task consumer group", zap.Error(err))
		}
	}, nil
}
