package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"accounts/internal/config"
	"accounts/internal/storage/mongodb"
)

func main() {
	var configPath, migrationsPath string
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&migrationsPath, "migrations", "migrations", "path to migrations directory")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := config.LoadConfig(configPath)

	switch cfg.Storage.Driver {
	case "sqlite", "":
		runMigrations("file://"+migrationsPath, "sqlite3://"+cfg.Storage.SQLitePath)
	case "postgres":
		runMigrations("file://"+migrationsPath+"/postgres", cfg.Storage.PostgresDSN)
	case "mongodb":
		// Schemaless; connecting is enough, indexes are created on startup.
		ensureMongoIndexes(cfg)
	default:
		log.Fatalf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	fmt.Println("Database initialization completed successfully")
}

func runMigrations(sourceURL, databaseURL string) {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		log.Fatalf("failed to init migrations: %v", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("no migrations to apply")
			return
		}
		log.Fatalf("failed to apply migrations: %v", err)
	}

	log.Println("migrations applied")
}

func ensureMongoIndexes(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Println("Connecting to MongoDB...")

	storage, err := mongodb.New(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDB)
	if err != nil {
		log.Fatalf("failed to connect to mongodb: %v", err)
	}
	defer storage.Close(ctx)

	log.Println("MongoDB connected, indexes created successfully")
}
