// Package server wires the session store, object store, session manager and
// protocol handler into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/tempohq/tempo/internal/auth"
	"github.com/tempohq/tempo/internal/objectstore"
	"github.com/tempohq/tempo/internal/store"
	"github.com/tempohq/tempo/internal/tus"
	"github.com/tempohq/tempo/internal/upload"
)

type Config struct {
	// DataDir holds the session database.
	DataDir string
	// BasePath is where the upload endpoints are mounted.
	BasePath string

	MaxUploadSize int64
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// Tokens maps bearer tokens to owner principals.
	Tokens map[string]string

	// Objects overrides the object store. When nil, a MinIO-backed store is
	// built from ObjectStore, or a local filesystem store under DataDir if no
	// endpoint is configured.
	Objects     upload.MultipartStore
	ObjectStore objectstore.MinIOConfig

	// OnComplete, when set, is invoked after each finalized upload.
	OnComplete upload.CompletionFunc
}

// Server hosts the resumable upload API over persistent session state.
type Server struct {
	cfg     Config
	store   *store.Store
	manager *upload.Manager
	sweeper *upload.Sweeper
	handler *tus.Handler
}

// NewServer initializes the session database, connects the object store and
// returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sessions, err := store.Open(ctx, path.Join(cfg.DataDir, "sessions.sqlite"))
	if err != nil {
		return nil, err
	}

	objects := cfg.Objects
	if objects == nil {
		if cfg.ObjectStore.Endpoint != "" {
			objects, err = objectstore.NewMinIO(ctx, cfg.ObjectStore)
		} else {
			objects, err = objectstore.NewFilesystem(path.Join(cfg.DataDir, "storage"))
		}
		if err != nil {
			_ = sessions.Close()
			return nil, err
		}
	}

	manager := upload.NewManager(sessions, objects, upload.Config{
		MaxUploadSize: cfg.MaxUploadSize,
		SessionTTL:    cfg.SessionTTL,
		KeyPrefix:     "uploads",
	}, cfg.OnComplete)

	engine := auth.NewCompoundEngine(
		auth.NewBearerEngine(cfg.Tokens),
	)

	return &Server{
		cfg:     cfg,
		store:   sessions,
		manager: manager,
		sweeper: upload.NewSweeper(manager, cfg.SweepInterval),
		handler: tus.NewHandler(manager, engine, cfg.BasePath),
	}, nil
}

// Handler returns the HTTP surface of the server.
func (s *Server) Handler() http.Handler {
	return s.handler.Routes()
}

// Manager exposes the session manager for embedding callers.
func (s *Server) Manager() *upload.Manager {
	return s.manager
}

// RunSweeper reclaims expired sessions until ctx is cancelled.
func (s *Server) RunSweeper(ctx context.Context) error {
	return s.sweeper.Run(ctx)
}

// Close releases the session database.
func (s *Server) Close() error {
	return s.store.Close()
}
