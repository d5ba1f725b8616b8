// Cairo server
//
// Serves a versioned file tree over HTTP:
// - append-only mod histories, every past state resolvable
// - ledger-based sync protocol (pull, push, merge)
// - JWT auth, Prometheus metrics, structured logging (zap)
// - pluggable persistence (local file, SQLite, Postgres) with
//   optional S3 archiving
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pweids/cairo/internal/api"
	"github.com/pweids/cairo/internal/auth"
	"github.com/pweids/cairo/internal/config"
	"github.com/pweids/cairo/internal/events"
	"github.com/pweids/cairo/internal/logging"
	"github.com/pweids/cairo/internal/metrics"
	"github.com/pweids/cairo/internal/store"
	"github.com/pweids/cairo/internal/store/codec"
	s3store "github.com/pweids/cairo/internal/store/s3"
	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/tree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("cairod starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StoreBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the store and restore the tree.
	st, err := store.NewFromConfig(cfg)
	if err != nil {
		logging.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	t, err := restoreTree(ctx, st)
	if err != nil {
		logging.Fatal("restore failed", zap.Error(err))
	}
	metrics.SetTreeNodes(t.Len())
	logging.Info("tree restored",
		zap.Int("nodes", t.Len()),
		zap.Int("versions", t.Ledger().Len()))

	// Auth
	authHandler, err := auth.New(filepath.Join(cfg.StorePath, "users.json"), cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logging.Fatal("auth init failed", zap.Error(err))
	}
	if err := authHandler.EnsureDefaultAdmin(); err != nil {
		logging.Error("failed to ensure default admin", zap.Error(err))
	}

	broadcaster := events.NewBroadcaster()

	// Optional S3 archiving
	var archiver *s3store.Archiver
	if cfg.S3Bucket != "" {
		archiver, err = s3store.New(ctx, s3store.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logging.Fatal("s3 archiver init failed", zap.Error(err))
		}
		logging.Info("s3 archiving enabled", zap.String("bucket", cfg.S3Bucket))
	}

	srv := api.NewServer(t, clock.NewULID(), authHandler, st, broadcaster, cfg)

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Periodic S3 archive upload
	if archiver != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a := &codec.Archive{
						SavedAt: time.Now().UTC(),
						Ledger:  t.Ledger().State(),
						Tree:    t.State(),
					}
					if err := archiver.Upload(ctx, a); err != nil {
						logging.Error("archive upload failed", zap.Error(err))
					}
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (https)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (http)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// restoreTree loads the saved archive, or starts empty on first run.
func restoreTree(ctx context.Context, st store.Store) (*tree.Tree, error) {
	a, err := st.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		logging.Info("no saved state, starting with an empty tree")
		return tree.New(ledger.New()), nil
	}
	if err != nil {
		return nil, err
	}

	led, err := ledger.FromState(a.Ledger)
	if err != nil {
		return nil, err
	}
	return tree.FromState(led, a.Tree)
}
