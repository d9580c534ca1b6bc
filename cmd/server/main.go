package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campusride/service-booking/internal/adapters/payclient"
	"github.com/campusride/service-booking/internal/adapters/quotecache"
	"github.com/campusride/service-booking/internal/adapters/quoteclient"
	"github.com/campusride/service-booking/internal/application"
	"github.com/campusride/service-booking/internal/config"
	bookingEvents "github.com/campusride/service-booking/internal/events"
	"github.com/campusride/service-booking/internal/handler"
	"github.com/campusride/service-booking/internal/repository"
	"github.com/campusride/service-booking/internal/worker"
	"github.com/campusride/service-booking/pkg/auth"
	"github.com/campusride/service-booking/pkg/database"
	"github.com/campusride/service-booking/pkg/health"
	"github.com/campusride/service-booking/pkg/kafka"
	"github.com/campusride/service-booking/pkg/logger"
	"github.com/campusride/service-booking/pkg/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewNamed(cfg.AppEnv, "service-booking")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting service-booking",
		zap.String("port", cfg.Port),
	)

	// Connect to database
	dbConfig := database.PostgresConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.DBName,
		SSLMode:  cfg.DBConfig.SSLMode,
	}
	db, err := database.Connect(dbConfig, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	// Run database migrations
	if cfg.AppEnv == "development" {
		if err := db.AutoMigrate(
			&repository.TripModel{},
			&repository.ReservationModel{},
			&repository.BookingModel{},
			&repository.QuoteModel{},
			&repository.PaymentModel{},
		); err != nil {
			log.Fatal("failed to run auto-migration", zap.Error(err))
		}
		log.Info("database migration completed (dev auto-migrate)")
	} else {
		dbURL := dbConfig.DatabaseURL()
		if err := database.RunMigrations(dbURL, "migrations", log); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	// Initialize JWT manager
	jwtManager := auth.NewJWTManager(
		cfg.JWTConfig.Secret,
		cfg.JWTConfig.Issuer,
		15*time.Minute,
	)

	// Initialize Kafka producer
	kafkaProducer := kafka.NewProducer(cfg.KafkaConfig.Brokers, log)
	defer func() { _ = kafkaProducer.Close() }()

	// Initialize Redis for the quote cache
	rdb := quotecache.NewClient(cfg.RedisConfig.Addr, cfg.RedisConfig.Password, cfg.RedisConfig.DB)
	defer func() { _ = rdb.Close() }()

	// Initialize repositories
	bookingRepo := repository.NewGormBookingRepository(db)
	tripRepo := repository.NewGormTripRepository(db)
	seatLedger := repository.NewGormSeatLedger(db)
	quoteRepo := repository.NewGormQuoteRepository(db)
	paymentRepo := repository.NewGormPaymentRepository(db)

	// Initialize external collaborators
	quoteEngine := quotecache.New(
		quoteclient.New(quoteclient.Config{
			BaseURL: cfg.QuoteConfig.BaseURL,
			Timeout: cfg.QuoteConfig.Timeout,
		}, log),
		rdb,
		cfg.QuoteConfig.CacheTTL,
		log,
	)
	authorizer := payclient.New(payclient.Config{
		BaseURL: cfg.PaymentConfig.BaseURL,
		APIKey:  cfg.PaymentConfig.APIKey,
		Timeout: cfg.PaymentConfig.Timeout,
	}, log)

	// Initialize application services
	coordinator := application.NewBookingCoordinator(
		application.CoordinatorDeps{
			Bookings:   bookingRepo,
			Trips:      tripRepo,
			Ledger:     seatLedger,
			Quotes:     quoteRepo,
			Payments:   paymentRepo,
			Engine:     quoteEngine,
			Authorizer: authorizer,
			Publisher:  kafkaProducer,
		},
		application.CoordinatorConfig{
			HoldTTL:        cfg.SagaConfig.HoldTTL,
			QuoteTimeout:   cfg.QuoteConfig.Timeout,
			PaymentTimeout: cfg.PaymentConfig.Timeout,
			SweepBatch:     cfg.SagaConfig.SweepBatch,
			Currency:       cfg.SagaConfig.Currency,
		},
		log,
	)
	tripService := application.NewTripService(tripRepo, log)

	// Initialize and start payment event consumer in a goroutine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	groupID := cfg.KafkaConfig.GroupPrefix + "booking-service"
	paymentConsumer := bookingEvents.NewPaymentEventConsumer(
		cfg.KafkaConfig.Brokers,
		groupID,
		coordinator,
		log,
	)
	defer func() { _ = paymentConsumer.Close() }()

	go func() {
		log.Info("starting payment event consumer")
		if err := paymentConsumer.Start(ctx); err != nil && err != context.Canceled {
			log.Error("payment event consumer error", zap.Error(err))
		}
	}()

	// Start the hold-expiry and compensation sweeper
	sweeper := worker.NewSweeper(coordinator, cfg.SagaConfig.SweepInterval, log)
	go sweeper.Run(ctx)

	// Initialize HTTP handlers
	bookingHandler := handler.NewBookingHandler(coordinator)
	tripHandler := handler.NewTripHandler(tripService, coordinator)
	webhookHandler := handler.NewWebhookHandler(coordinator, cfg.PaymentConfig.WebhookSecret)
	adminBookingHandler := handler.NewAdminBookingHandler(coordinator)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())

	// Register health check routes
	healthHandler := health.NewHandler(db, "service-booking")
	healthHandler.RegisterRoutes(router)

	// Register routes
	bookingHandler.RegisterRoutes(&router.RouterGroup, jwtManager)
	tripHandler.RegisterRoutes(&router.RouterGroup, jwtManager)
	webhookHandler.RegisterRoutes(&router.RouterGroup)
	adminBookingHandler.RegisterRoutes(&router.RouterGroup, jwtManager)

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down service-booking...")

	// Stop the consumer and sweeper
	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced shutdown", zap.Error(err))
	}

	log.Info("service-booking stopped")
}
