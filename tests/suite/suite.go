package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	httpapp "accounts/internal/app/http"
	authservice "accounts/internal/services/auth"
	tokenservice "accounts/internal/services/token"
	"accounts/internal/storage/sqlite"
)

const (
	JWTSecret       = "test-secret"
	TokenTTL        = 15 * time.Minute
	RefreshTokenTTL = 30 * 24 * time.Hour
	ResetTokenTTL   = time.Hour
)

type Suite struct {
	*testing.T
	Server      *httptest.Server
	Storage     *sqlite.Storage
	AuthService *authservice.Auth
}

// New spins up the full service over httptest with a fresh sqlite database,
// migrated from the real migration files.
func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "accounts.db")

	m, err := migrate.New("file://../migrations", "sqlite3://"+dbPath)
	if err != nil {
		t.Fatalf("failed to init migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	storage, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokenService := tokenservice.New(logger, storage, storage, JWTSecret, TokenTTL, RefreshTokenTTL)
	authService := authservice.New(logger, storage, storage, storage, tokenService, ResetTokenTTL)

	server := httptest.NewServer(httpapp.NewRouter(authService, tokenService, JWTSecret))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	t.Cleanup(func() {
		t.Helper()
		cancel()
		server.Close()
		_ = storage.Close()
	})

	return ctx, &Suite{
		T:           t,
		Server:      server,
		Storage:     storage,
		AuthService: authService,
	}
}

// PostJSON sends a JSON request to the service and decodes the JSON response.
func (s *Suite) PostJSON(path string, body map[string]any, headers ...map[string]string) (int, map[string]any) {
	s.T.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		s.T.Fatalf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.Server.URL+path, bytes.NewReader(payload))
	if err != nil {
		s.T.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range headers {
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}

	resp, err := s.Server.Client().Do(req)
	if err != nil {
		s.T.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		s.T.Fatalf("failed to decode response: %v", err)
	}

	return resp.StatusCode, decoded
}
