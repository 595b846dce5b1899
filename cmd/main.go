//go:debug httpmuxgo121=0

// Command ordersaga starts the HTTP ingress surface, the saga
// orchestrator it hands each accepted order to in a background
// goroutine, and the background outbox
// publisher that delivers notification envelopes: retry-connect to
// Postgres and RabbitMQ, wire every component explicitly, start the
// background workers, wait for a signal, shut down gracefully.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"ordersaga/api"
	"ordersaga/application/admin"
	"ordersaga/application/saga"
	"ordersaga/domain/inventory"
	"ordersaga/domain/payment"
	"ordersaga/domain/reservation"
	"ordersaga/domain/steps"
	"ordersaga/infrastructure/breaker"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/messaging"
	"ordersaga/infrastructure/outbox"
	"ordersaga/infrastructure/provider"
	"ordersaga/infrastructure/repository"
	"ordersaga/infrastructure/store"
	"ordersaga/internal/config"
	"ordersaga/internal/telemetry"
)

// classifyPaymentFailure is the payment breaker's FailureClassifier. A
// *steps.BusinessError (a decline) is the provider working correctly;
// only transport/dependency errors count against the failure threshold.
func classifyPaymentFailure(err error) bool {
	if err == nil {
		return false
	}
	var bizErr *steps.BusinessError
	return !errors.As(err, &bizErr)
}

func main() {
	cfg := config.Load()
	log.Println("🚀 Starting Order Saga Service...")

	// =====================================================
	// 1. Database Connection (with retry)
	// =====================================================
	db := connectPostgres(cfg.DatabaseURL)
	defer db.Close()
	log.Println("✅ Connected to PostgreSQL")

	pgStore := store.NewPostgres(db)
	ctx := context.Background()
	if err := pgStore.Migrate(ctx); err != nil {
		log.Fatalf("❌ Failed to migrate Keyed Store schema: %v", err)
	}
	log.Println("✅ Keyed Store schema migrated")

	// =====================================================
	// 2. RabbitMQ (with retry)
	// =====================================================
	mb := messaging.NewRabbitMQ(cfg.RabbitMQURL)
	connectRabbitMQ(mb)
	defer mb.Close()
	log.Println("✅ Connected to RabbitMQ")

	outboxPub := outbox.New(db, mb, telemetry.New("outbox"))
	if err := outboxPub.Migrate(ctx); err != nil {
		log.Fatalf("❌ Failed to migrate outbox schema: %v", err)
	}
	log.Println("✅ Outbox publisher initialized")

	// =====================================================
	// 3. Core primitives: Keyed Store, Idempotency, Breaker
	// =====================================================
	idem := idempotency.New(pgStore, cfg.IdempotencyTTL)
	log.Println("✅ Idempotency registry initialized")

	paymentBreaker := breaker.New(pgStore, "payment-provider", cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerTimeout, classifyPaymentFailure)
	breakerAdmin := admin.NewBreakerAdmin(paymentBreaker)
	log.Println("✅ Circuit breaker initialized")

	// =====================================================
	// 4. Domain repositories
	// =====================================================
	invRepo := inventory.NewRepository(pgStore)
	resRepo := reservation.NewRepository(pgStore)
	payRepo := payment.NewRepository(pgStore)
	orderRepo := repository.NewOrderRepository(pgStore)
	log.Println("✅ Domain repositories initialized")

	// =====================================================
	// 5. Step executors
	// =====================================================
	paymentProvider := provider.NewSimulatedProvider()

	reserve := steps.NewReserve(invRepo, resRepo, idem, telemetry.New("reserve"))
	release := steps.NewRelease(invRepo, resRepo, idem, telemetry.New("release"))
	charge := steps.NewCharge(paymentProvider, payRepo, paymentBreaker, idem, telemetry.New("charge"))
	refund := steps.NewRefund(paymentProvider, payRepo, paymentBreaker, idem, telemetry.New("refund"))
	notify := steps.NewNotify(outboxPub, idem, telemetry.New("notify"))
	log.Println("✅ Step executors initialized")

	// =====================================================
	// 6. Saga Orchestrator
	// =====================================================
	orchestrator := saga.New(
		saga.Config{
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBaseDelay:   cfg.RetryBaseDelay,
			RetryMaxDelay:    cfg.RetryMaxDelay,
			Deadline:         cfg.SagaDeadline,
			StepTimeout:      cfg.StepTimeout,
		},
		orderRepo, reserve, release, charge, refund, notify,
		telemetry.New("saga"),
	)
	log.Println("✅ Saga orchestrator initialized")

	// =====================================================
	// 7. HTTP ingress
	// =====================================================
	orderHandler := api.NewOrderHandler(orchestrator, orderRepo, telemetry.New("api"))
	adminHandler := api.NewAdminHandler(breakerAdmin, telemetry.New("admin"))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.HealthCheck)
	mux.HandleFunc("/orders", orderHandler.CreateOrder)
	mux.HandleFunc("/orders/", orderHandler.GetOrder)
	mux.HandleFunc("POST /admin/breakers/{name}/open", adminHandler.OpenBreaker)
	mux.HandleFunc("POST /admin/breakers/{name}/close", adminHandler.CloseBreaker)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}
	log.Printf("✅ HTTP server configured on %s", cfg.HTTPAddr)

	// =====================================================
	// 8. Start background workers
	// =====================================================
	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Println("🔄 Starting outbox publisher...")
		if err := outboxPub.Start(bgCtx); err != nil {
			log.Printf("❌ Outbox publisher error: %v", err)
		}
	}()

	go func() {
		log.Printf("🌐 Starting HTTP server on %s...", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server error: %v", err)
		}
	}()

	// =====================================================
	// 9. Graceful shutdown
	// =====================================================
	log.Println("✅ All services started successfully!")
	log.Println("📡 Listening for orders on http://" + cfg.HTTPAddr + "/orders")
	log.Println("Press Ctrl+C to shutdown...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("🛑 Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ HTTP server shutdown error: %v", err)
	}

	cancel()
	log.Println("👋 Goodbye!")
}

func connectPostgres(dbURL string) *sql.DB {
	var db *sql.DB
	var err error

	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.Ping()
			if err == nil {
				return db
			}
			db.Close()
		}
		log.Printf("⏳ Attempt %d/10: Postgres not ready: %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("❌ Failed to connect to Postgres after 10 attempts: %v", err)
	return nil
}

func connectRabbitMQ(mb *messaging.RabbitMQ) {
	var err error
	for i := 0; i < 10; i++ {
		err = mb.Connect()
		if err == nil {
			return
		}
		log.Printf("⏳ Attempt %d/10: RabbitMQ not ready: %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("❌ Failed to connect to RabbitMQ after 10 attempts: %v", err)
}
