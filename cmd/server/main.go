package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-dvr/internal/capture"
	"hls-dvr/internal/dvr"
	"hls-dvr/internal/platform/config"
	"hls-dvr/internal/platform/logger"
	"hls-dvr/internal/platform/metrics"
	"hls-dvr/internal/transcoder"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	settings, err := config.LoadSettings(config.GetEnv("DVR_CONFIG", "dvr.yaml"))
	if err != nil {
		slog.Error("load settings", "error", err)
		os.Exit(1)
	}

	log := logger.New(settings.Log.Level, settings.Log.Format)

	store, closeStore, err := openStore(settings.Ledger)
	if err != nil {
		log.Error("open ledger store", "backend", settings.Ledger.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	ledger, err := dvr.NewLedger(store)
	if err != nil {
		log.Error("open ledger", "error", err)
		os.Exit(1)
	}

	tc := transcoder.New(transcoder.Options{
		Bin:            settings.Transcode.FFmpegPath,
		GapDir:         settings.Transcode.GapDir,
		SegmentSeconds: settings.Transcode.SegmentSeconds,
		MaxGap:         settings.DVR.MaxGap,
		MinGap:         settings.DVR.MinGap,
	}, log)

	met := metrics.New()
	rec := dvr.NewRecorder(ledger, tc, dvr.Config{
		TargetDuration:   settings.DVR.TargetDuration,
		MaxGap:           settings.DVR.MaxGap,
		MinGap:           settings.DVR.MinGap,
		Retention:        settings.DVR.Retention,
		TranscodeTimeout: settings.Transcode.Timeout,
	}, log, met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received, draining connections", "signal", sig.String())
		cancel()
	}()

	if err := rec.Init(ctx); err != nil {
		log.Error("recorder init", "error", err)
		os.Exit(1)
	}
	if settings.DVR.Autostart {
		if _, err := rec.Start(ctx); err != nil {
			log.Error("autostart recording", "error", err)
			os.Exit(1)
		}
	}

	h := dvr.NewHandler(rec, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetQueueDepth(rec.QueueDepth()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + settings.Server.Port
	srv := &http.Server{Addr: addr, Handler: r}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting",
			"port", settings.Server.Port,
			"ledger_backend", settings.Ledger.Backend,
			"target_duration", settings.DVR.TargetDuration,
			"retention", settings.DVR.Retention.String(),
			"log_level", settings.Log.Level,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if dir := settings.Capture.SpoolDir; dir != "" {
		spool := capture.NewSpool(dir, settings.Capture.Pattern, func(ctx context.Context, blob []byte) error {
			if status, _ := rec.Status(); status != dvr.StatusRecording {
				log.Warn("slice arrived while idle, discarding", "bytes", len(blob))
				return nil
			}
			return rec.Ingest(ctx, blob)
		}, log)
		g.Go(func() error {
			return spool.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	rec.Stop()
	log.Info("server stopped")
}

// openStore returns the ledger's backing store and a func releasing it.
func openStore(s config.LedgerSettings) (dvr.Store, func(), error) {
	switch s.Backend {
	case "", "memory":
		return dvr.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		st, err := dvr.OpenSQLiteStore(s.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", s.Backend)
	}
}
