package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Render    RenderConfig    `yaml:"render"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Cache     CacheConfig     `yaml:"cache"`
	Assign    AssignConfig    `yaml:"assign"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr      string        `yaml:"addr"`
	JWTSecret string        `yaml:"jwt_secret"`
	AccessTTL time.Duration `yaml:"access_ttl"`
	// OwnerKeys maps an owner id to the bcrypt hash of its API key.
	OwnerKeys map[string]string `yaml:"owner_keys"`
}

type RenderConfig struct {
	Width            int           `yaml:"width"`
	Height           int           `yaml:"height"`
	FPS              int           `yaml:"fps"`
	RealtimePacing   bool          `yaml:"realtime_pacing"`
	Encoder          string        `yaml:"encoder"`
	FFmpegPath       string        `yaml:"ffmpeg_path"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	WorkDir          string        `yaml:"work_dir"`
}

type ScheduleConfig struct {
	Cooldown           time.Duration `yaml:"cooldown"`
	ChapterWaitTimeout time.Duration `yaml:"chapter_wait_timeout"`
}

type CacheConfig struct {
	CapacityBytes int64         `yaml:"capacity_bytes"`
	MaxAge        time.Duration `yaml:"max_age"`
}

type AssignConfig struct {
	CandidateMultiplier int    `yaml:"candidate_multiplier"`
	CandidateCap        int    `yaml:"candidate_cap"`
	MinDimension        int    `yaml:"min_dimension"`
	Global              bool   `yaml:"global"`
	Semantic            bool   `yaml:"semantic"`
	ModelName           string `yaml:"model_name"`
	ModelAPIKey         string `yaml:"model_api_key"`
}

type ProvidersConfig struct {
	Mode             string `yaml:"mode"`
	PexelsAPIKey     string `yaml:"pexels_api_key"`
	ElevenLabsAPIKey string `yaml:"elevenlabs_api_key"`
	ElevenLabsVoice  string `yaml:"elevenlabs_voice"`
	EdgeTTSBinary    string `yaml:"edge_tts_binary"`
	EdgeTTSVoice     string `yaml:"edge_tts_voice"`
}

type StorageConfig struct {
	Driver        string `yaml:"driver"`
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"public_base_url"`
	Bucket        string `yaml:"bucket"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type JobsConfig struct {
	MaxOwnerJobs int `yaml:"max_owner_jobs"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			JWTSecret: "dev-change-me",
			AccessTTL: 30 * time.Minute,
			OwnerKeys: map[string]string{},
		},
		Render: RenderConfig{
			Width:            720,
			Height:           1280,
			FPS:              30,
			RealtimePacing:   true,
			Encoder:          "ffmpeg",
			FFmpegPath:       "ffmpeg",
			ProgressInterval: 500 * time.Millisecond,
			WorkDir:          os.TempDir(),
		},
		Schedule: ScheduleConfig{
			Cooldown:           1500 * time.Millisecond,
			ChapterWaitTimeout: 90 * time.Second,
		},
		Cache: CacheConfig{
			CapacityBytes: 256 << 20,
			MaxAge:        30 * time.Minute,
		},
		Assign: AssignConfig{
			CandidateMultiplier: 3,
			CandidateCap:        50,
			MinDimension:        200,
		},
		Providers: ProvidersConfig{
			Mode:          "mock",
			EdgeTTSBinary: "edge-tts",
			EdgeTTSVoice:  "en-US-GuyNeural",
		},
		Storage: StorageConfig{
			Driver:        "local",
			Dir:           "./data/media",
			PublicBaseURL: "http://localhost:8080/media",
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Jobs: JobsConfig{
			MaxOwnerJobs: 2,
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Load layers defaults, the optional YAML file at path, then REELCAST_*
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Render.Width <= 0 || c.Render.Height <= 0 || c.Render.FPS <= 0 {
		return fmt.Errorf("render surface must be positive, got %dx%d@%d", c.Render.Width, c.Render.Height, c.Render.FPS)
	}
	if c.Cache.CapacityBytes <= 0 {
		return errors.New("cache capacity must be positive")
	}
	switch c.Render.Encoder {
	case "ffmpeg", "avi":
	default:
		return fmt.Errorf("unknown encoder %q", c.Render.Encoder)
	}
	switch c.Storage.Driver {
	case "local", "gcs":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Server.Addr = env("REELCAST_SERVER_ADDR", c.Server.Addr)
	c.Server.JWTSecret = env("REELCAST_JWT_SECRET", c.Server.JWTSecret)
	c.Server.AccessTTL = envDuration("REELCAST_ACCESS_TTL", c.Server.AccessTTL)
	if raw := os.Getenv("REELCAST_OWNER_KEYS"); raw != "" {
		if c.Server.OwnerKeys == nil {
			c.Server.OwnerKeys = map[string]string{}
		}
		for owner, hash := range parseOwnerKeys(raw) {
			c.Server.OwnerKeys[owner] = hash
		}
	}

	c.Render.FPS = envInt("REELCAST_RENDER_FPS", c.Render.FPS)
	c.Render.RealtimePacing = envBool("REELCAST_REALTIME_PACING", c.Render.RealtimePacing)
	c.Render.Encoder = env("REELCAST_ENCODER", c.Render.Encoder)
	c.Render.FFmpegPath = env("REELCAST_FFMPEG_PATH", c.Render.FFmpegPath)
	c.Render.WorkDir = env("REELCAST_WORK_DIR", c.Render.WorkDir)

	c.Schedule.Cooldown = envDuration("REELCAST_CHAPTER_COOLDOWN", c.Schedule.Cooldown)
	c.Schedule.ChapterWaitTimeout = envDuration("REELCAST_CHAPTER_WAIT_TIMEOUT", c.Schedule.ChapterWaitTimeout)

	c.Cache.CapacityBytes = int64(envInt("REELCAST_CACHE_BYTES", int(c.Cache.CapacityBytes)))
	c.Cache.MaxAge = envDuration("REELCAST_CACHE_MAX_AGE", c.Cache.MaxAge)

	c.Assign.Semantic = envBool("REELCAST_ASSIGN_SEMANTIC", c.Assign.Semantic)
	c.Assign.Global = envBool("REELCAST_ASSIGN_GLOBAL", c.Assign.Global)
	c.Assign.ModelName = env("REELCAST_MODEL_NAME", c.Assign.ModelName)
	c.Assign.ModelAPIKey = env("ARK_API_KEY", c.Assign.ModelAPIKey)

	c.Providers.Mode = env("REELCAST_PROVIDER_MODE", c.Providers.Mode)
	c.Providers.PexelsAPIKey = env("PEXELS_API_KEY", c.Providers.PexelsAPIKey)
	c.Providers.ElevenLabsAPIKey = env("ELEVENLABS_API_KEY", c.Providers.ElevenLabsAPIKey)
	c.Providers.ElevenLabsVoice = env("ELEVENLABS_VOICE_ID", c.Providers.ElevenLabsVoice)
	c.Providers.EdgeTTSBinary = env("REELCAST_EDGE_TTS", c.Providers.EdgeTTSBinary)

	c.Storage.Driver = env("REELCAST_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Dir = env("REELCAST_STORAGE_DIR", c.Storage.Dir)
	c.Storage.PublicBaseURL = env("REELCAST_PUBLIC_BASE_URL", c.Storage.PublicBaseURL)
	c.Storage.Bucket = env("REELCAST_GCS_BUCKET", c.Storage.Bucket)

	c.Database.Driver = env("REELCAST_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = env("REELCAST_DB_DSN", c.Database.DSN)

	c.Jobs.MaxOwnerJobs = envInt("REELCAST_MAX_OWNER_JOBS", c.Jobs.MaxOwnerJobs)

	c.Log.Format = env("REELCAST_LOG_FORMAT", c.Log.Format)
	c.Log.Level = env("REELCAST_LOG_LEVEL", c.Log.Level)
}

// parseOwnerKeys reads "owner=hash,owner2=hash2".
func parseOwnerKeys(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		owner, hash, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || owner == "" || hash == "" {
			continue
		}
		out[owner] = hash
	}
	return out
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
