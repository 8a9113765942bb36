package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"minas/internal/auth"
	"minas/internal/config"
	"minas/internal/dedup"
	"minas/internal/gateway"
	"minas/internal/httpserver"
	"minas/internal/logger"
	"minas/internal/metastore"
	"minas/internal/metrics"
	"minas/internal/preview"
	"minas/internal/ratelimit"
)

const sweepInterval = 15 * time.Minute

func main() {
	if len(os.Args) > 1 && os.Args[1] == "password" {
		passwordCmd(os.Args[2:])
		return
	}

	var (
		cfgPath = flag.String("config", "", "path to config yaml (optional)")
		listen  = flag.String("listen", "", "listen address (overrides config)")
		root    = flag.String("root", "", "storage root (overrides the recorded one)")
	)
	flag.Parse()

	overrides := map[string]any{}
	if *listen != "" {
		overrides["listen"] = *listen
	}
	if *root != "" {
		overrides["storage_root"] = *root
	}

	cfg, err := config.Load(*cfgPath, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, closer, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("minas stopped")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	store := metastore.Open(cfg.MetadataFile, metastore.WithLogger(log), metastore.WithMetrics(m))
	defer store.Close()

	root, err := prepareRoot(ctx, cfg, store)
	if err != nil {
		return err
	}
	stateDir, err := cfg.ResolveStateDir(root)
	if err != nil {
		return err
	}

	subdomain, err := store.PersistentSubdomain(ctx)
	if err != nil {
		return err
	}

	stager, err := dedup.NewStager(stateDir)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	manifest := dedup.NewManifest(store)

	gw, err := gateway.New(gateway.Options{
		Root:           root,
		StateDir:       stateDir,
		Manifest:       manifest,
		Stager:         stager,
		Transcoder:     preview.New(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         &log,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	authSvc := auth.New(store, auth.Options{
		TokenTTL: cfg.Auth.TokenTTL,
		Logger:   &log,
		Metrics:  m,
	})
	limiter := ratelimit.New(cfg.Auth.LoginRateLimit, cfg.Auth.LoginRateWindow)

	srv, err := httpserver.New(httpserver.Options{
		Auth:           authSvc,
		Gateway:        gw,
		Manifest:       manifest,
		LoginLimiter:   limiter,
		TrustedProxies: cfg.Auth.TrustedProxies,
		Metrics:        m,
		Logger:         &log,
		WebDAV:         cfg.WebDAV.Enabled,
		StaticDir:      cfg.StaticDir,
	})
	if err != nil {
		return err
	}

	go gw.RunSweeper(ctx, sweepInterval, cfg.StagingMaxAge)
	go limiter.Run(ctx, cfg.Auth.LoginRateWindow)

	if !authSvc.IsConfigured() {
		log.Warn().Msg("no password set; run `minas password -p <password>` to enable login")
	}
	log.Info().
		Str("listen", cfg.Listen).
		Str("root", root).
		Str("subdomain", subdomain).
		Int("manifest_entries", manifest.Len()).
		Bool("webdav", cfg.WebDAV.Enabled).
		Msg("minas listening")

	hs := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return store.Flush(flushCtx)
}

// prepareRoot picks the storage root, records it on first run and makes sure
// the directory exists.
func prepareRoot(ctx context.Context, cfg *config.Config, store *metastore.Store) (string, error) {
	root, err := cfg.ResolveStorageRoot(store.Read().NASPath)
	if err != nil {
		return "", err
	}
	if store.Read().NASPath != root {
		if _, err := store.Update(ctx, metastore.Patch{NASPath: metastore.String(root)}); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("storage root: %w", err)
	}
	return root, nil
}

func passwordCmd(args []string) {
	fs := flag.NewFlagSet("password", flag.ExitOnError)
	var (
		password = fs.String("p", "", "new password (required)")
		cfgPath  = fs.String("config", "", "path to config yaml (optional)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if strings.TrimSpace(*password) == "" {
		fmt.Fprintln(os.Stderr, "usage: minas password -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	store := metastore.Open(cfg.MetadataFile)
	svc := auth.New(store, auth.Options{Hasher: auth.BcryptHasher{Cost: *cost}})
	ctx := context.Background()
	if err := svc.ChangePassword(ctx, *password); err != nil {
		fmt.Fprintf(os.Stderr, "set password: %v\n", err)
		os.Exit(1)
	}
	if err := store.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", cfg.MetadataFile, err)
		os.Exit(1)
	}
	_ = store.Close()
	fmt.Printf("password updated in %s\n", cfg.MetadataFile)
}
