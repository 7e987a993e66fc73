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
	"syscall"
	"time"

	"reelcast/server/internal/api"
	"reelcast/server/internal/assemble"
	"reelcast/server/internal/asset"
	"reelcast/server/internal/assign"
	"reelcast/server/internal/auth"
	"reelcast/server/internal/cache"
	"reelcast/server/internal/clock"
	"reelcast/server/internal/compose"
	"reelcast/server/internal/config"
	"reelcast/server/internal/events"
	"reelcast/server/internal/job"
	"reelcast/server/internal/provider"
	"reelcast/server/internal/schedule"
	"reelcast/server/internal/storage"
	"reelcast/server/internal/store"
	"reelcast/server/internal/telemetry"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "reelcast.yaml", "path to the YAML config file")
	hashKey := flag.String("hash-key", "", "print the bcrypt hash of an owner API key and exit")
	flag.Parse()

	if *hashKey != "" {
		hash, err := auth.HashKey(*hashKey)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	clk := clock.Real{}

	st, closeStore, err := openStore(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	uploader, mediaDir, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	lru := cache.NewLRU(cfg.Cache.CapacityBytes, cfg.Cache.MaxAge, clk)
	loader := asset.NewLoader(lru, logger)

	images, videos, primary, secondary := buildProviders(cfg, clk)

	var semantic *assign.SemanticAssigner
	if cfg.Assign.Semantic {
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey: cfg.Assign.ModelAPIKey,
			Model:  cfg.Assign.ModelName,
		})
		if err != nil {
			return fmt.Errorf("create chat model: %w", err)
		}
		semantic = assign.NewSemanticAssigner(chatModel)
	}
	engine := assign.NewEngine(images, semantic, assign.Options{
		CandidateMultiplier: cfg.Assign.CandidateMultiplier,
		CandidateCap:        cfg.Assign.CandidateCap,
		MinDimension:        cfg.Assign.MinDimension,
		Global:              cfg.Assign.Global,
	}, logger)

	assembler := assemble.New(loader, videos, primary, secondary, assemble.Options{
		MinImages:   1,
		Orientation: orientation(cfg.Render),
	}, logger)

	var encoder compose.EncoderFactory = compose.FFmpegEncoder{Binary: cfg.Render.FFmpegPath, WorkDir: cfg.Render.WorkDir}
	if cfg.Render.Encoder == "avi" {
		encoder = compose.AVIEncoder{Quality: 80}
	}
	compositor := compose.New(compose.Options{
		Width:            cfg.Render.Width,
		Height:           cfg.Render.Height,
		FPS:              cfg.Render.FPS,
		Realtime:         cfg.Render.RealtimePacing,
		ProgressInterval: cfg.Render.ProgressInterval,
	}, loader, encoder, compose.FFmpegVideoOpener{Binary: cfg.Render.FFmpegPath, WorkDir: cfg.Render.WorkDir}, clk, logger)

	hub := events.NewHub()
	recorder := events.NewRecorder(st, hub, clk, logger)
	sched := schedule.New(compositor, uploader, st, recorder, clk, logger, schedule.Options{
		Cooldown:           cfg.Schedule.Cooldown,
		ChapterWaitTimeout: cfg.Schedule.ChapterWaitTimeout,
	})
	jobs := job.NewService(ctx, st, recorder, engine, assembler, sched, clk, logger, cfg.Jobs.MaxOwnerJobs)

	authSvc := auth.NewService(cfg.Server.OwnerKeys, cfg.Server.JWTSecret, cfg.Server.AccessTTL)
	srv := api.NewServer(authSvc, jobs, hub, mediaDir, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server_start",
		"addr", cfg.Server.Addr,
		"providers", cfg.Providers.Mode,
		"encoder", cfg.Render.Encoder,
		"storage", cfg.Storage.Driver,
		"database", cfg.Database.Driver,
		"owners", len(cfg.Server.OwnerKeys),
		"max_owner_jobs", cfg.Jobs.MaxOwnerJobs,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	jobs.Wait()
	return nil
}

func openStore(cfg config.DatabaseConfig, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Driver == "postgres" {
		pg, err := store.OpenPostgres(cfg.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	}
	return store.NewMemoryStore(), func() {}, nil
}

// openStorage returns the uploader and, for the local driver, the directory
// to serve under /media.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Uploader, string, error) {
	if cfg.Driver == "gcs" {
		gcs, err := storage.NewGCS(ctx, cfg.Bucket, cfg.PublicBaseURL)
		if err != nil {
			return nil, "", err
		}
		return gcs, "", nil
	}
	local, err := storage.NewLocal(cfg.Dir, cfg.PublicBaseURL)
	if err != nil {
		return nil, "", err
	}
	return local, cfg.Dir, nil
}

func buildProviders(cfg config.Config, clk clock.Clock) (provider.ImageSearcher, provider.VideoSearcher, provider.Speaker, provider.Speaker) {
	if cfg.Providers.Mode != "live" {
		return provider.MockImages{}, provider.MockVideos{}, provider.MockSpeaker{}, nil
	}
	client := &http.Client{Timeout: 30 * time.Second}
	pexels := provider.NewPexels(cfg.Providers.PexelsAPIKey, client, clk)
	primary := provider.NewElevenLabs(cfg.Providers.ElevenLabsAPIKey, cfg.Providers.ElevenLabsVoice, client, clk)
	secondary := provider.NewEdgeTTS(cfg.Providers.EdgeTTSBinary, cfg.Providers.EdgeTTSVoice, cfg.Render.WorkDir)
	return pexels, pexels, primary, secondary
}

func orientation(r config.RenderConfig) string {
	if r.Height >= r.Width {
		return "portrait"
	}
	return "landscape"
}
