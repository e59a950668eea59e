package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"model-benchmark/cmd"
	"model-benchmark/internal/api"
	"model-benchmark/internal/core"
	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"
	"model-benchmark/internal/notify"
	"model-benchmark/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root             string        `env:"ROOT" envDefault:"./model-benchmark"`
	Port             int           `env:"PORT" envDefault:"3001"`
	Concurrency      int           `env:"CONCURRENCY" envDefault:"2"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30m"`
	RosterPath       string        `env:"ROSTER_PATH"`
	OnnxRuntimeDylib string        `env:"ONNX_RUNTIME_DYLIB"`
}

const requestBucket = "requests"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "model-benchmark.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue requeues requests left pending by a previous run and fails stale ones it left
// in progress.
func createQueue(db *gorm.DB, requestTimeout time.Duration) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	requeued, err := core.NewPendingScanner(db, queue).WithStaleTimeout(requestTimeout + core.StaleMargin).Scan(context.Background())
	if err != nil {
		log.Fatalf("Failed to requeue pending requests: %v", err)
	}
	if requeued > 0 {
		slog.Info("requeued pending requests", "count", requeued)
	}

	return queue
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	apiHandler := api.NewBackendService(db, store, queue, requestBucket)

	r.Route("/api/v1", apiHandler.AddRoutes)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var sub submission
	flag.StringVar(&sub.email, "email", "", "email of the submitter; when set the submission is evaluated once and the process exits")
	flag.StringVar(&sub.taskType, "task-type", "classification", "classification or regression")
	flag.StringVar(&sub.model, "model", "", "path to the .model or .onnx user model")
	flag.StringVar(&sub.train, "train", "", "path to the training csv")
	flag.StringVar(&sub.test, "test", "", "path to the test csv")

	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if cfg.OnnxRuntimeDylib != "" {
		if err := core.InitOnnxRuntime(cfg.OnnxRuntimeDylib); err != nil {
			log.Fatalf("could not init ONNX Runtime: %v", err)
		}
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	if sub.email != "" {
		// Keep the terminal for the progress bar and the results table.
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(f, os.Stderr))
	}

	slog.Info("starting local backend", "root", cfg.Root, "port", cfg.Port)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}
	if err := store.CreateBucket(context.Background(), requestBucket); err != nil {
		log.Fatalf("Failed to create bucket: %v", err)
	}

	queue := createQueue(db, cfg.RequestTimeout)

	registry := cmd.CreateRegistry(cfg.RosterPath)
	processor := core.NewRequestProcessor(registry, store, requestBucket, filepath.Join(cfg.Root, "work"), cfg.Concurrency, slog.Default())

	worker := core.NewTaskProcessor(db, store, queue, processor, notify.LogNotifier{}, requestBucket, cfg.RequestTimeout, fmt.Sprintf("http://localhost:%d", cfg.Port))

	slog.Info("starting worker")
	go worker.Start()

	if sub.email != "" {
		defer worker.Stop()
		if err := evaluateSubmission(context.Background(), db, store, queue, sub, cfg.RequestTimeout); err != nil {
			log.Fatalf("evaluation failed: %v", err)
		}
		return
	}

	server := createServer(db, store, queue, cfg.Port)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
