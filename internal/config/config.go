package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/franckalain/plantdex/internal/ml"
	"github.com/franckalain/plantdex/internal/resilience"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig      `json:"server"`
	Database   DatabaseConfig    `json:"database"`
	ML         ml.Config         `json:"ml"`
	Enrichment EnrichmentConfig  `json:"enrichment"`
	Resilience resilience.Config `json:"resilience"`
	Log        LogConfig         `json:"log"`
}

// ServerConfig holds HTTP and WebSocket settings.
type ServerConfig struct {
	Port            string        `json:"port" env:"PLANTDEX_PORT" env-default:"8080"`
	StaticDir       string        `json:"static_dir" env:"PLANTDEX_STATIC_DIR" env-default:"./static"`
	UploadTTL       time.Duration `json:"upload_ttl" env:"PLANTDEX_UPLOAD_TTL" env-default:"1h"`
	MaxUploadBytes  int64         `json:"max_upload_bytes" env:"PLANTDEX_MAX_UPLOAD_BYTES" env-default:"10485760"`
	MaxUploads      int           `json:"max_uploads" env:"PLANTDEX_MAX_UPLOADS" env-default:"100"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"PLANTDEX_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// DatabaseConfig holds the key-value store settings. A zero quota disables it.
type DatabaseConfig struct {
	Path       string `json:"path" env:"PLANTDEX_DB_PATH" env-default:"plantdex.db"`
	QuotaBytes int64  `json:"quota_bytes" env:"PLANTDEX_DB_QUOTA_BYTES" env-default:"5242880"`
}

// EnrichmentConfig holds cache lifetimes and validation thresholds.
type EnrichmentConfig struct {
	NutritionTTL  time.Duration `json:"nutrition_ttl" env:"PLANTDEX_NUTRITION_TTL" env-default:"24h"`
	VideoTTL      time.Duration `json:"video_ttl" env:"PLANTDEX_VIDEO_TTL" env-default:"168h"`
	ThumbnailTTL  time.Duration `json:"thumbnail_ttl" env:"PLANTDEX_THUMBNAIL_TTL" env-default:"168h"`
	SourceTimeout time.Duration `json:"source_timeout" env:"PLANTDEX_SOURCE_TIMEOUT" env-default:"20s"`
	HistorySize   int           `json:"history_size" env:"PLANTDEX_HISTORY_SIZE" env-default:"10"`
	MinConfidence float64       `json:"min_confidence" env:"PLANTDEX_MIN_CONFIDENCE" env-default:"60"`
	MaxVideos     int           `json:"max_videos" env:"PLANTDEX_MAX_VIDEOS" env-default:"3"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level" env:"PLANTDEX_LOG_LEVEL" env-default:"info"`
}

const maxHistorySize = 50

// LoadConfig reads configPath, overlays the environment and validates the
// result. A missing file is only an error when the path was chosen
// explicitly; otherwise the environment and defaults are used.
func LoadConfig(configPath string, explicit bool) (*Config, error) {
	var config Config

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, &config); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	} else if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate checks the loaded configuration. Missing AI credentials are not
// an error here; they are reported by the first AI call.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port is not set"))
	}
	if c.Server.UploadTTL <= 0 {
		errs = append(errs, errors.New("server.upload_ttl must be > 0"))
	}
	if c.Server.MaxUploads < 1 {
		errs = append(errs, errors.New("server.max_uploads must be >= 1"))
	}
	if c.Database.QuotaBytes < 0 {
		errs = append(errs, errors.New("database.quota_bytes must be >= 0"))
	}
	switch c.ML.Type {
	case ml.TypeGoogle, ml.TypeRemote:
	default:
		errs = append(errs, fmt.Errorf("ml.type %q is not one of %s, %s", c.ML.Type, ml.TypeGoogle, ml.TypeRemote))
	}

	e := c.Enrichment
	if e.NutritionTTL <= 0 || e.VideoTTL <= 0 || e.ThumbnailTTL <= 0 {
		errs = append(errs, errors.New("enrichment TTLs must be > 0"))
	}
	if e.SourceTimeout <= 0 {
		errs = append(errs, errors.New("enrichment.source_timeout must be > 0"))
	}
	if e.HistorySize < 1 || e.HistorySize > maxHistorySize {
		errs = append(errs, fmt.Errorf("enrichment.history_size must be in [1, %d] (got %d)", maxHistorySize, e.HistorySize))
	}
	if e.MinConfidence < 0 || e.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("enrichment.min_confidence must be in [0, 100] (got %v)", e.MinConfidence))
	}
	if e.MaxVideos < 1 {
		errs = append(errs, fmt.Errorf("enrichment.max_videos must be >= 1 (got %d)", e.MaxVideos))
	}
	return errors.Join(errs...)
}

// GetConfigPath returns the path to the configuration file and whether it
// was chosen explicitly through PLANTDEX_CONFIG.
func GetConfigPath() (string, bool) {
	// First try environment variable
	if path := os.Getenv("PLANTDEX_CONFIG"); path != "" {
		return path, true
	}

	// Then try config directory
	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.json"), false
	}

	// Finally, try current directory
	return "config.json", false
}
