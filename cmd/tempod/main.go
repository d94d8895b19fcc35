package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/tempohq/tempo/internal/objectstore"
	"github.com/tempohq/tempo/internal/server"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", "9000", "HTTP listen address")
	dataDir := flag.String("data-dir", "./data", "directory to store session state")
	basePath := flag.String("base-path", "/uploads", "path the upload endpoints are mounted under")
	maxSize := flag.Int64("max-size", 5*1024*1024*1024, "largest upload a session may declare, in bytes (0 for unlimited)")
	sessionTTL := flag.Duration("session-ttl", 24*time.Hour, "sliding session expiry window")
	sweepInterval := flag.Duration("sweep-interval", time.Minute, "how often expired sessions are reclaimed")
	tokens := flag.String("tokens", "", "comma-separated token=owner pairs accepted as bearer credentials")

	s3Endpoint := flag.String("s3-endpoint", "", "object store endpoint (empty to store objects under the data directory)")
	s3Bucket := flag.String("s3-bucket", "tempo-uploads", "object store bucket")
	s3SSL := flag.Bool("s3-ssl", false, "use TLS when talking to the object store")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	tokenMap, err := parseTokens(*tokens)
	if err != nil {
		return err
	}

	cfg := server.Config{
		DataDir:       absDataDir,
		BasePath:      *basePath,
		MaxUploadSize: *maxSize,
		SessionTTL:    *sessionTTL,
		SweepInterval: *sweepInterval,
		Tokens:        tokenMap,
		ObjectStore: objectstore.MinIOConfig{
			Endpoint:  *s3Endpoint,
			AccessKey: os.Getenv("TEMPO_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("TEMPO_S3_SECRET_KEY"),
			Bucket:    *s3Bucket,
			UseSSL:    *s3SSL,
		},
	}

	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create upload server: %w", err)
	}

	defer srv.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	eg.Go(func() error {
		err := srv.RunSweeper(ctx)
		if !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting Tempo HTTP server", "port", *listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Tempo Started")
	return eg.Wait()

}

// parseTokens splits "token=owner,token=owner" into a credentials map.
func parseTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)
	if s == "" {
		return tokens, nil
	}

	for _, pair := range strings.Split(s, ",") {
		token, owner, ok := strings.Cut(pair, "=")
		if !ok || token == "" || owner == "" {
			return nil, fmt.Errorf("malformed token pair %q, expected token=owner", pair)
		}
		tokens[token] = owner
	}
	return tokens, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Tempo exited with error", "error", err)
	}
}
