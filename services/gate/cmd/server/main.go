package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ash-protocol/ash/pkg/ashcontext"
	"github.com/ash-protocol/ash/pkg/ashcontext/pgstore"
	"github.com/ash-protocol/ash/pkg/ashcontext/redistore"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "ash-gate").Logger()

	store := openStore(logger)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8090"
	}
	ttl := defaultTTL()

	srv := newServer(store, ttl, logger)
	logger.Info().Str("port", port).Msg("ash gate listening")
	if err := http.ListenAndServe(":"+port, srv.router()); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func openStore(logger zerolog.Logger) ashcontext.Store {
	switch os.Getenv("ASH_STORE") {
	case "", "memory":
		logger.Info().Str("store", "memory").Msg("using in-memory context store")
		return ashcontext.NewMemoryStore()
	case "postgres":
		st := pgstore.New(pgstore.MustConnect())
		if err := st.EnsureSchema(context.Background()); err != nil {
			logger.Fatal().Err(err).Msg("ensure schema")
		}
		logger.Info().Str("store", "postgres").Msg("using postgres context store")
		return st
	case "redis":
		logger.Info().Str("store", "redis").Msg("using redis context store")
		return redistore.New(redistore.MustConnect())
	default:
		logger.Fatal().Str("store", os.Getenv("ASH_STORE")).Msg("unknown ASH_STORE")
		return nil
	}
}

func defaultTTL() time.Duration {
	if v := os.Getenv("ASH_TTL_MS"); v != "" {
		if d, err := time.ParseDuration(v + "ms"); err == nil && d > 0 {
			return d
		}
	}
	return 2 * time.Minute
}
