//go:build integration

package main_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campusride/service-booking/internal/adapters/payclient"
	"github.com/campusride/service-booking/internal/adapters/quotecache"
	"github.com/campusride/service-booking/internal/adapters/quoteclient"
	"github.com/campusride/service-booking/internal/application"
	bookingEvents "github.com/campusride/service-booking/internal/events"
	"github.com/campusride/service-booking/internal/repository"
	"github.com/campusride/service-booking/pkg/database"
	"github.com/campusride/service-booking/pkg/events"
	"github.com/campusride/service-booking/pkg/kafka"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// testInfra holds shared test infrastructure.
type testInfra struct {
	DB           *gorm.DB
	KafkaBrokers []string
	Redis        *redis.Client
	Cleanup      func()
}

// bookingStack holds wired-up booking service components.
type bookingStack struct {
	Coordinator     *application.BookingCoordinator
	Trips           *application.TripService
	Consumer        *bookingEvents.PaymentEventConsumer
	Authorizer      *authorizerServer
	QuoteCalls      *atomic.Int64
	CleanupProducer func()
}

// setupContainers starts PostgreSQL, Kafka and Redis testcontainers and
// applies the SQL migrations.
func setupContainers(t *testing.T) *testInfra {
	t.Helper()
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test_booking",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pgConfig := database.PostgresConfig{
		Host:     pgHost,
		Port:     pgPort.Port(),
		User:     "test",
		Password: "test",
		DBName:   "test_booking",
		SSLMode:  "disable",
	}

	var db *gorm.DB
	require.Eventually(t, func() bool {
		var err error
		db, err = gorm.Open(postgres.Open(pgConfig.DSN()), &gorm.Config{TranslateError: true})
		if err != nil {
			return false
		}
		sqlDB, err := db.DB()
		if err != nil {
			return false
		}
		return sqlDB.Ping() == nil
	}, 30*time.Second, 1*time.Second, "PostgreSQL not ready for connections")

	require.NoError(t, database.RunMigrations(pgConfig.DatabaseURL(), "migrations", zap.NewNop()))

	kafkaContainer, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err, "failed to start Kafka container")

	kafkaBrokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err, "failed to get Kafka brokers")

	createTopics(t, kafkaBrokers, events.TopicBookingEvents, events.TopicPaymentEvents)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")

	redisHost, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := quotecache.NewClient(net.JoinHostPort(redisHost, redisPort.Port()), "", 0)

	cleanup := func() {
		_ = rdb.Close()
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Kafka container: %v", err)
		}
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	}

	return &testInfra{
		DB:           db,
		KafkaBrokers: kafkaBrokers,
		Redis:        rdb,
		Cleanup:      cleanup,
	}
}

// setupBookingStack wires the coordinator to real storage, Kafka and Redis.
// The Quote Engine and Payment Authorizer are local HTTP servers.
func setupBookingStack(t *testing.T, infra *testInfra, pricePerRider int64) *bookingStack {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	quoteCalls := &atomic.Int64{}
	quoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quoteCalls.Add(1)
		var body struct {
			Riders int `json:"riders"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"max_price_cents": pricePerRider * int64(body.Riders),
			"currency":        "USD",
		})
	}))
	t.Cleanup(quoteSrv.Close)

	authz := newAuthorizerServer()
	authzSrv := httptest.NewServer(authz)
	t.Cleanup(authzSrv.Close)

	engine := quotecache.New(
		quoteclient.New(quoteclient.Config{BaseURL: quoteSrv.URL, Timeout: 2 * time.Second}, logger),
		infra.Redis, time.Minute, logger,
	)
	authorizer := payclient.New(payclient.Config{BaseURL: authzSrv.URL, APIKey: "sk_test", Timeout: 2 * time.Second}, logger)

	producer := kafka.NewProducer(infra.KafkaBrokers, logger)
	tripRepo := repository.NewGormTripRepository(infra.DB)

	coordinator := application.NewBookingCoordinator(application.CoordinatorDeps{
		Bookings:   repository.NewGormBookingRepository(infra.DB),
		Trips:      tripRepo,
		Ledger:     repository.NewGormSeatLedger(infra.DB),
		Quotes:     repository.NewGormQuoteRepository(infra.DB),
		Payments:   repository.NewGormPaymentRepository(infra.DB),
		Engine:     engine,
		Authorizer: authorizer,
		Publisher:  producer,
	}, application.CoordinatorConfig{HoldTTL: 15 * time.Minute, Currency: "USD"}, logger)

	groupID := fmt.Sprintf("test-booking-%s", uuid.New().String()[:8])
	consumer := bookingEvents.NewPaymentEventConsumer(infra.KafkaBrokers, groupID, coordinator, logger)

	return &bookingStack{
		Coordinator:     coordinator,
		Trips:           application.NewTripService(tripRepo, logger),
		Consumer:        consumer,
		Authorizer:      authz,
		QuoteCalls:      quoteCalls,
		CleanupProducer: func() { _ = producer.Close() },
	}
}

// authorizerServer is a minimal HTTP Payment Authorizer with idempotent
// mutations keyed by the Idempotency-Key header.
type authorizerServer struct {
	mu          sync.Mutex
	seq         int
	intents     map[string]map[string]interface{}
	byKey       map[string]string
	failCapture atomic.Bool
}

// intentTransitions maps an action to its required and resulting status.
var intentTransitions = map[string][2]string{
	"capture": {"pending", "captured"},
	"refund":  {"captured", "refunded"},
	"cancel":  {"pending", "cancelled"},
}

func newAuthorizerServer() *authorizerServer {
	return &authorizerServer{
		intents: make(map[string]map[string]interface{}),
		byKey:   make(map[string]string),
	}
}

// capture moves an intent to captured out of band, as a rider finishing a
// card challenge would.
func (a *authorizerServer) capture(intentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intents[intentID]["status"] = "captured"
}

func (a *authorizerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/intents"), "/"), "/")
	key := r.Header.Get(payclient.IdempotencyHeader)

	switch {
	case r.Method == http.MethodPost && parts[0] == "":
		if id, ok := a.byKey[key]; ok {
			writeJSON(w, http.StatusOK, a.intents[id])
			return
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.seq++
		id := fmt.Sprintf("pi_%d", a.seq)
		a.intents[id] = map[string]interface{}{
			"id":           id,
			"status":       "pending",
			"amount_cents": body["amount_cents"],
			"currency":     body["currency"],
		}
		a.byKey[key] = id
		writeJSON(w, http.StatusOK, a.intents[id])
	case r.Method == http.MethodGet && parts[0] == "":
		id, ok := a.byKey[r.URL.Query().Get("idempotency_key")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, a.intents[id])
	case r.Method == http.MethodGet:
		intent, ok := a.intents[parts[0]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, intent)
	case r.Method == http.MethodPost && len(parts) == 2:
		intent, ok := a.intents[parts[0]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
			return
		}
		move, ok := intentTransitions[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if parts[1] == "capture" && a.failCapture.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "unavailable"})
			return
		}
		switch intent["status"] {
		case move[1]:
		case move[0]:
			intent["status"] = move[1]
		default:
			writeJSON(w, http.StatusConflict, map[string]string{"code": "invalid_state"})
			return
		}
		writeJSON(w, http.StatusOK, intent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// publishTestEvent publishes a CloudEvent to Kafka.
func publishTestEvent(t *testing.T, brokers []string, topic, source, eventType string, data interface{}) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	producer := kafka.NewProducer(brokers, logger)
	defer func() { _ = producer.Close() }()

	ce, err := kafka.NewCloudEvent(source, eventType, data)
	require.NoError(t, err, "failed to create cloud event")

	err = producer.PublishEvent(context.Background(), topic, ce)
	require.NoError(t, err, "failed to publish event")
}

// waitForBookingStatus polls the bookings table until the status matches.
func waitForBookingStatus(t *testing.T, db *gorm.DB, bookingID uuid.UUID, expectedStatus string, timeout time.Duration) repository.BookingModel {
	t.Helper()
	var result repository.BookingModel
	require.Eventually(t, func() bool {
		var model repository.BookingModel
		err := db.Where("id = ?", bookingID).First(&model).Error
		if err != nil {
			return false
		}
		if model.Status == expectedStatus {
			result = model
			return true
		}
		return false
	}, timeout, 200*time.Millisecond, "booking did not transition to %s", expectedStatus)
	return result
}

// consumeOneEvent reads from a Kafka topic until it finds an event of the expected type.
func consumeOneEvent(t *testing.T, brokers []string, topic, expectedType string, timeout time.Duration) kafka.CloudEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	groupID := fmt.Sprintf("test-assert-%s", uuid.New().String()[:8])
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafkago.FirstOffset,
	})
	defer func() { _ = reader.Close() }()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("timed out waiting for event type %q on topic %q", expectedType, topic)
			}
			continue
		}
		ce, err := kafka.ParseCloudEvent(msg.Value)
		if err != nil {
			continue
		}
		if ce.Type == expectedType {
			return ce
		}
	}
}

// createTopics pre-creates Kafka topics so producers don't fail with "Unknown Topic".
func createTopics(t *testing.T, brokers []string, topics ...string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers[0])
	require.NoError(t, err, "failed to dial Kafka for topic creation")
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err, "failed to get Kafka controller")

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err, "failed to connect to Kafka controller")
	defer controllerConn.Close()

	topicConfigs := make([]kafkago.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafkago.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}
	err = controllerConn.CreateTopics(topicConfigs...)
	require.NoError(t, err, "failed to create Kafka topics")

	// Give Kafka a moment to propagate topic metadata.
	time.Sleep(1 * time.Second)
}
