package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bigmistqke/eddy/media"
	"github.com/bigmistqke/eddy/player"
	"github.com/bigmistqke/eddy/project"
	"github.com/bigmistqke/eddy/sched"
	"github.com/bigmistqke/eddy/storage"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	projectPath := envOr("PROJECT", "project.json")
	storeDir := envOr("STORE_DIR", "store")
	metricsAddr := envOr("METRICS_ADDR", ":9464")
	loop := envOr("LOOP", "1") == "1"
	autoplay := envOr("AUTOPLAY", "1") == "1"

	slog.Info("eddy starting",
		"version", version,
		"project", projectPath,
		"store", storeDir,
		"metrics", metricsAddr,
	)

	store, err := storage.Open(storeDir, nil)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	watcher, err := project.Watch(ctx, nil, projectPath)
	if err != nil {
		slog.Error("failed to load project", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	registry := prometheus.NewRegistry()
	word := &sched.Word{}
	p := player.New(nil, store, word, player.WithMetrics(player.NewMetrics(registry)))
	defer p.Close()
	p.SetLoop(loop)

	metricsSrv := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})

	g.Go(func() error {
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		started := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case proj, ok := <-watcher.Projects():
				if !ok {
					return nil
				}
				p.SetProject(proj)
				syncClips(ctx, p)
				if autoplay && !started {
					if err := p.PlayAt(ctx, 0); err != nil {
						slog.Error("autoplay failed", "error", err)
					} else {
						started = true
					}
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				stats := p.Stats()
				slog.Info("frame stats",
					"expected", stats.Expected,
					"rendered", stats.Rendered,
					"dropped", stats.Dropped,
					"stale", stats.Stale,
					"underruns", p.Engine().Underruns(),
				)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine error", "error", err)
		os.Exit(1)
	}

	stats := p.Stats()
	slog.Info("eddy stopped",
		"rendered", stats.Rendered,
		"dropped", stats.Dropped,
		"drop_ratio", ratio(stats.Dropped, stats.Expected),
	)
}

// syncClips loads every clip the compiled timeline references that has no
// entry yet. Clips with missing blobs were already elided by the compiler.
func syncClips(ctx context.Context, p *player.Player) {
	tl := p.Timeline()
	if tl == nil {
		return
	}
	for clipID, trackID := range tl.Clips() {
		if clipID == "" || trackID == "" || clipID == media.PreviewClipID || p.HasClip(clipID) {
			continue
		}
		if err := p.LoadClip(ctx, trackID, clipID); err != nil {
			slog.Warn("clip load failed", "clip", clipID, "error", err)
		}
	}
}

func ratio(part, whole int64) string {
	if whole == 0 {
		return "0"
	}
	return strconv.FormatFloat(float64(part)/float64(whole), 'f', 3, 64)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
