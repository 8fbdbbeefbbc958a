// Package storage provides the optional persistent backend for session and
// API token metadata (spec.md §4.2's "Postgres-backed session store" mode,
// selected via the session_backend setting).
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB is the global database connection pool, initialized via InitDB and
// closed via CloseDB during graceful shutdown.
var DB *pgxpool.Pool

// InitDB initializes the database connection pool against databaseURL.
func InitDB(ctx context.Context, databaseURL string) error {
	if databaseURL == "" {
		return fmt.Errorf("storage: database_url is required when session_backend=postgres")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}

	profMaxConns, profMinConns := poolProfileDefaults(os.Getenv("GATEWAY_DB_POOL_PROFILE"))
	config.MaxConns = int32(envInt("GATEWAY_DB_MAX_CONNS", profMaxConns))
	config.MinConns = int32(envInt("GATEWAY_DB_MIN_CONNS", profMinConns))
	config.MaxConnLifetime = time.Duration(envInt("GATEWAY_DB_MAX_CONN_LIFETIME_MINUTES", 60)) * time.Minute
	config.MaxConnIdleTime = time.Duration(envInt("GATEWAY_DB_MAX_CONN_IDLE_MINUTES", 30)) * time.Minute
	config.HealthCheckPeriod = time.Duration(envInt("GATEWAY_DB_HEALTH_CHECK_SECONDS", 60)) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	DB = pool

	log.Info().
		Str("host", config.ConnConfig.Host).
		Uint16("port", config.ConnConfig.Port).
		Str("database", config.ConnConfig.Database).
		Int32("max_conns", config.MaxConns).
		Msg("database connection pool initialized")

	return nil
}

// CloseDB closes the database connection pool. Safe to call even if InitDB
// was never called (session_backend=memory).
func CloseDB() {
	if DB != nil {
		DB.Close()
		log.Info().Msg("database connection pool closed")
	}
}

// GenerateID generates a random hex ID for rows that don't use a database
// sequence or gen_random_uuid().
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic("storage: crypto/rand unavailable, cannot generate secure IDs: " + err.Error())
	}
	return hex.EncodeToString(bytes)
}

// poolProfileDefaults returns (maxConns, minConns) for the given profile
// name: "small" (default, single operator), "medium", "large".
func poolProfileDefaults(profile string) (maxConns, minConns int) {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "medium":
		return 15, 3
	case "large":
		return 30, 5
	default:
		return 5, 1
	}
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}
