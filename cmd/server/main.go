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

	"github.com/joho/godotenv"

	"github.com/intentd/intent-server/internal/activity"
	"github.com/intentd/intent-server/internal/api"
	"github.com/intentd/intent-server/internal/auth"
	"github.com/intentd/intent-server/internal/config"
	"github.com/intentd/intent-server/internal/httpx"
	"github.com/intentd/intent-server/internal/logs"
	"github.com/intentd/intent-server/internal/metrics"
	"github.com/intentd/intent-server/internal/registry"
	"github.com/intentd/intent-server/internal/store"
)

func main() {
	mktoken := flag.String("mktoken", "", "create an API token with the given owner name and exit")
	flag.Parse()

	// Optional .env file, then the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logs.Log.WithError(err).Fatal("failed to load configuration")
	}
	logs.SetLevel(cfg.LogLevel)
	logs.Log.Infof("running in %s mode", cfg.Mode)

	// The store failing to open is not fatal: the service stays reachable
	// and serves predictions without persistence.
	st, err := store.Open(cfg.DBPath, cfg.TableName())
	if err != nil {
		logs.Log.WithError(err).Error("failed to open log store, predictions will not be persisted")
		st = nil
	} else {
		defer st.Close()
		logs.Log.Infof("log store ready (%s, table %s)", cfg.DBPath, cfg.TableName())
	}

	if *mktoken != "" {
		if st == nil {
			logs.Log.Fatal("cannot create token without a store")
		}
		token, rec, err := auth.GenerateToken(context.Background(), st, *mktoken)
		if err != nil {
			logs.Log.WithError(err).Fatal("failed to create token")
		}
		fmt.Printf("token for %s (id %s): %s\n", rec.Name, rec.ID, token)
		return
	}

	activityLog := activity.New(300)

	// Model loading fails open: broken artifacts are reported and skipped.
	reg, report := registry.LoadDir(cfg.ModelsDir)
	for _, o := range report.Outcomes {
		ev := activity.Event{Type: activity.EventModelLoad, Model: o.Name}
		if o.Outcome == registry.OutcomeFailed {
			ev.Type = activity.EventModelLoadFailed
			ev.Note = o.Err.Error()
		}
		activityLog.Add(ev)
	}
	logs.Log.Infof("registry ready: %d model(s) loaded, %d failed", report.Loaded(), report.Failed())

	var verifier auth.TokenVerifier
	if st != nil {
		verifier = &auth.StoreVerifier{Store: st}
	}
	gate := auth.NewGate(cfg.Mode, verifier, cfg.VerifyTimeout)

	var sink api.Sink
	if st != nil {
		sink = st
	}

	h := &api.Handler{
		Mode:          cfg.Mode,
		Registry:      reg,
		Gate:          gate,
		Activity:      activityLog,
		Latency:       metrics.NewLatencyTracker(0.2),
		Sink:          sink,
		InsertTimeout: cfg.InsertTimeout,
	}

	mux := http.NewServeMux()
	h.Register(mux)
	handler := httpx.CORS{AllowOrigins: cfg.CORSOrigins}.Wrap(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logs.Log.Infof("HTTP listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logs.Log.Infof("shutdown signal received: %s", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logs.Log.WithError(err).Fatal("graceful shutdown failed")
		}
		logs.Log.Info("server stopped")
	case err := <-errCh:
		if err != nil {
			logs.Log.WithError(err).Fatal("http serve failed")
		}
	}
}
