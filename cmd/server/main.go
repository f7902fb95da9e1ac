package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payout-ledger/config"
	"payout-ledger/internal/api"
	"payout-ledger/internal/broker"
	"payout-ledger/internal/ledger"
	"payout-ledger/internal/redisclient"
	"payout-ledger/internal/service"
	"payout-ledger/internal/store"
	"payout-ledger/internal/util"
	"payout-ledger/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting payout ledger")

	tp, err := util.InitTracer("payout-ledger", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	ledgerProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicLedger)
	defer ledgerProducer.Close()
	transferProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTransfers)
	defer transferProducer.Close()
	log.Println("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(ledgerProducer, transferProducer)

	processor := service.NewHTTPProcessorClient(
		cfg.Payouts.ProcessorBaseURL, cfg.Payouts.ProcessorAPIKey, cfg.Payouts.TransferTimeout)
	escrowRouter := service.NewEscrowRouter(db, processor)

	feeCalculator := ledger.NewFeeCalculator(
		cfg.Fees.PlatformRateBps,
		cfg.Fees.InstantRateBps,
		cfg.Fees.StandardFlatCents,
		cfg.Fees.InstantFlatCents,
	)

	balances := ledger.NewLedger(db, escrowRouter, cfg.Cycle.OverspendFloorBps)
	allocationEngine := service.NewAllocationEngine(
		db, balances, redisClient, eventPublisher, cfg.Cycle.AllocationThresholdBps)
	finalizer := service.NewFinalizer(
		db, balances, escrowRouter, allocationEngine, redisClient, eventPublisher, cfg.Cycle.LockGraceWindow)
	orchestrator := service.NewPayoutOrchestrator(
		db, balances, escrowRouter, processor, eventPublisher, feeCalculator,
		cfg.Payouts.MinimumCents, cfg.Payouts.MaxAttempts, cfg.Payouts.TransferTimeout,
		cfg.Payouts.BatchConcurrency)
	reconciler := service.NewReconciler(db, eventPublisher)

	ctx := context.Background()
	if _, err := finalizer.EnsureCycle(ctx, time.Now()); err != nil {
		log.Printf("Failed to ensure billing cycle: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	transferConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicTransfers, cfg.Kafka.ConsumerGroup)
	transferWorker := worker.NewTransferWorker(transferConsumer, orchestrator)
	go func() {
		if err := transferWorker.Start(workerCtx); err != nil {
			log.Printf("Transfer worker error: %v", err)
		}
	}()

	schedulerWorker := worker.NewSchedulerWorker(finalizer, orchestrator, reconciler, cfg.Cycle.SchedulerInterval)
	go func() {
		if err := schedulerWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Scheduler worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(balances, allocationEngine, finalizer, orchestrator, eventPublisher, redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	transferWorker.Stop()

	log.Println("Server exited")
}
