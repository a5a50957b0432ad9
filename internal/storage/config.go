package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Mode selects the storage backend
type Mode string

const (
	ModeMemory   Mode = "memory"
	ModePostgres Mode = "postgres"
	ModeDynamo   Mode = "dynamo"
)

// Config holds storage configuration
type Config struct {
	Mode Mode

	// Postgres
	DatabaseURL string

	// DynamoDB
	DynamoLocal        bool
	DynamoEndpoint     string
	DynamoRegion       string
	ConversationsTable string
	MessagesTable      string
}

// LoadConfig reads storage configuration from the environment
func LoadConfig() Config {
	mode := Mode(getEnv("STORE_MODE", "memory"))
	if mode != ModePostgres && mode != ModeDynamo {
		mode = ModeMemory
	}

	return Config{
		Mode:               mode,
		DatabaseURL:        getEnv("DATABASE_URL", "postgres://localhost:5432/deskline?sslmode=disable"),
		DynamoLocal:        getEnv("DYNAMO_MODE", "aws") == "local",
		DynamoEndpoint:     getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		DynamoRegion:       getEnv("DYNAMO_REGION", "eu-central-1"),
		ConversationsTable: getEnv("DYNAMO_CONVERSATIONS_TABLE", "deskline-conversations"),
		MessagesTable:      getEnv("DYNAMO_MESSAGES_TABLE", "deskline-messages"),
	}
}

// New creates the store selected by cfg.Mode
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Mode {
	case ModePostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	case ModeDynamo:
		return NewDynamoStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("using in-memory store, history will not survive restarts")
		return NewMemoryStore(), nil
	}
}

// ErrNotFound is used internally by backends for update targets that do not
// exist; read paths return (nil, nil) instead.
var ErrNotFound = fmt.Errorf("record not found")

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
