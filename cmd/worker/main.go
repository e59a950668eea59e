package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"model-benchmark/cmd"
	"model-benchmark/internal/config"
	"model-benchmark/internal/core"
	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"
	"model-benchmark/internal/notify"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.CreateObjectStore(context.Background(), cfg)
	registry := cmd.CreateRegistry(cfg.RosterPath)

	if cfg.OnnxRuntimeDylib != "" {
		if err := core.InitOnnxRuntime(cfg.OnnxRuntimeDylib); err != nil {
			log.Fatalf("Failed to initialize onnx runtime: %v", err)
		}
	} else {
		log.Println("ONNX_RUNTIME_DYLIB is not set, .onnx user models will fail to load")
	}

	if err := os.MkdirAll(cfg.WorkDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create work dir %s: %v", cfg.WorkDir, err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL, cfg.QueuePrefetch)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	processor := core.NewRequestProcessor(registry, store, cfg.RequestBucket, cfg.WorkDir, cfg.Concurrency, slog.Default())

	worker := core.NewTaskProcessor(db, store, receiver, processor, notify.New(cfg.NotifyWebhookURL), cfg.RequestBucket, cfg.RequestTimeout, cfg.PublicURL)

	scanner := core.NewPendingScanner(db, publisher).WithStaleTimeout(cfg.RequestTimeout + core.StaleMargin)
	if err := scanner.Start(cfg.ScanSchedule); err != nil {
		log.Fatalf("Invalid scan schedule '%s': %v", cfg.ScanSchedule, err)
	}

	done := make(chan struct{})
	go func() {
		worker.Start()
		close(done)
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for the current request to finish...")

	scanner.Stop()
	worker.Stop()
	<-done

	log.Println("Worker process stopped.")
}
