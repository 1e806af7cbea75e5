package app

import (
	"context"
	"log/slog"
	"time"

	httpapp "accounts/internal/app/http"
	"accounts/internal/config"
	authservice "accounts/internal/services/auth"
	tokenservice "accounts/internal/services/token"
	"accounts/internal/storage/mongodb"
	"accounts/internal/storage/postgres"
	"accounts/internal/storage/sqlite"
)

type App struct {
	HTTPSrv *httpapp.App
}

// Storage is the full persistence surface the services need; every backend
// implements it.
type Storage interface {
	authservice.UserSaver
	authservice.UserProvider
	authservice.ResetTokenStore
	tokenservice.TokenLedger
	tokenservice.UserProvider
}

func New(
	logger *slog.Logger,
	cfg *config.Config,
) *App {
	storage := mustOpenStorage(cfg)

	tokenService := tokenservice.New(
		logger,
		storage,
		storage,
		cfg.JWTSecret,
		cfg.TokenTTL,
		cfg.RefreshTokenTTL,
	)
	authService := authservice.New(
		logger,
		storage,
		storage,
		storage,
		tokenService,
		cfg.ResetTokenTTL,
	)

	httpApp := httpapp.New(
		logger,
		authService,
		tokenService,
		cfg.JWTSecret,
		cfg.HTTP.Port,
		cfg.HTTP.Timeout,
	)

	return &App{
		HTTPSrv: httpApp,
	}
}

func mustOpenStorage(cfg *config.Config) Storage {
	switch cfg.Storage.Driver {
	case "sqlite", "":
		storage, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			panic(err)
		}
		return storage
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		storage, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			panic(err)
		}
		return storage
	case "mongodb":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		storage, err := mongodb.New(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDB)
		if err != nil {
			panic(err)
		}
		return storage
	default:
		panic("unknown storage driver: " + cfg.Storage.Driver)
	}
}
