// Package main is the bundlecore daemon executable: it loads
// configuration, wires the storage/catalog/diff layers, and serves the
// HTTP API (the C9 surface listed in SPEC_FULL.md §1 and §4).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rodepush/bundlecore/catalog"
	"github.com/rodepush/bundlecore/config"
	"github.com/rodepush/bundlecore/diffsvc"
	"github.com/rodepush/bundlecore/httpapi"
	"github.com/rodepush/bundlecore/store"
)

// NOTE: set by -ldflags at build time.
var (
	version string
	build   string
)

var configPath = flag.String("config", "", "path to a TOML config file (defaults are used if empty)")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bundlecored: %v\n", err)
		return 1
	}

	log := newLogger(cfg.Logging)
	log.WithFields(logrus.Fields{"version": version, "build": build}).Info("starting bundlecored")

	cat, err := catalog.Open(cfg.Database.URL)
	if err != nil {
		log.WithError(err).Error("open catalog")
		return 1
	}
	defer cat.Close()

	objects, err := newStore(context.Background(), cfg.Storage)
	if err != nil {
		log.WithError(err).Error("open object store")
		return 1
	}

	metrics := httpapi.NewMetrics()
	svc := diffsvc.New(cat, objects, cfg.Diff.DeltaThreshold, cfg.Compression, metrics)
	router := httpapi.NewRouter(cat, objects, svc, cfg.Compression, metrics, log.WithField("component", "httpapi"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := diffsvc.NewSweeper(cat, objects, cfg.Diff.BudgetBytes(), log.WithField("component", "sweeper"))
	go sweeper.Run(ctx, cfg.Diff.SweepInterval())

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Diff.Timeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("server failed")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
		return 1
	}
	return 0
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig) *logrus.Entry {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(lvl)
	}
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l)
}

// newStore constructs the Store backend named by cfg.Type (spec.md §6.4's
// dynamic-dispatch requirement: the daemon never hardcodes a backend).
func newStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Type {
	case "filesystem", "":
		return store.NewFSStore(cfg.BasePath), nil
	case "s3":
		return store.NewS3Store(cfg.Bucket, cfg.Region, cfg.Endpoint)
	case "gcs":
		return store.NewGCSStore(ctx, cfg.Bucket)
	case "azure":
		accountName := os.Getenv("AZURE_STORAGE_ACCOUNT")
		accountKey := os.Getenv("AZURE_STORAGE_KEY")
		return store.NewAzureStore(accountName, accountKey, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage.type %q", cfg.Type)
	}
}
