package cmd

import (
	"context"
	"flag"
	"log"

	"model-benchmark/internal/config"
	"model-benchmark/internal/core"
	"model-benchmark/internal/storage"

	"github.com/joho/godotenv"
)

// LoadEnvFile parses the command line flags, so callers must declare their own flags first.
func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func CreateObjectStore(ctx context.Context, cfg *config.Config) storage.ObjectStore {
	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	if err := store.CreateBucket(ctx, cfg.RequestBucket); err != nil {
		log.Fatalf("Failed to create bucket %s: %v", cfg.RequestBucket, err)
	}

	return store
}

// CreateRegistry uses the roster file when one is configured and the built in roster otherwise.
func CreateRegistry(rosterPath string) *core.Registry {
	if rosterPath == "" {
		return core.DefaultRegistry()
	}

	roster, err := config.LoadRoster(rosterPath)
	if err != nil {
		log.Fatalf("Failed to load roster: %v", err)
	}

	registry, err := core.NewRegistryFromRoster(roster)
	if err != nil {
		log.Fatalf("Invalid roster %s: %v", rosterPath, err)
	}

	return registry
}
