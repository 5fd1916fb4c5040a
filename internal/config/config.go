// Package config loads process configuration from the environment, an
// optional .env file and, for the CLI, an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Server configures cmd/api.
type Server struct {
	Addr            string        `env:"CIVICPULSE_ADDR" envDefault:":8080"`
	PGDSN           string        `env:"CIVICPULSE_PG_DSN"`
	AutoMigrate     bool          `env:"CIVICPULSE_AUTO_MIGRATE" envDefault:"false"`
	JWTSecret       string        `env:"CIVICPULSE_JWT_SECRET"`
	JWTIssuer       string        `env:"CIVICPULSE_JWT_ISSUER" envDefault:"civicpulse"`
	AccessTTL       time.Duration `env:"CIVICPULSE_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL      time.Duration `env:"CIVICPULSE_REFRESH_TTL" envDefault:"336h"`
	MediaDir        string        `env:"CIVICPULSE_MEDIA_DIR" envDefault:"media"`
	MaxUploadBytes  int64         `env:"CIVICPULSE_MAX_UPLOAD_BYTES" envDefault:"5242880"`
	ClusterURL      string        `env:"CIVICPULSE_CLUSTER_URL"`
	ClusterTimeout  time.Duration `env:"CIVICPULSE_CLUSTER_TIMEOUT" envDefault:"60s"`
	StatsTTL        time.Duration `env:"CIVICPULSE_STATS_TTL" envDefault:"30s"`
	RateLimitRPS    float64       `env:"CIVICPULSE_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst  int           `env:"CIVICPULSE_RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins     []string      `env:"CIVICPULSE_CORS_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"CIVICPULSE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Validate reports settings the server cannot start without.
func (s Server) Validate() error {
	var errs []error
	if strings.TrimSpace(s.JWTSecret) == "" {
		errs = append(errs, errors.New("CIVICPULSE_JWT_SECRET is required"))
	}
	if s.AccessTTL <= 0 || s.RefreshTTL <= s.AccessTTL {
		errs = append(errs, fmt.Errorf("refresh ttl %s must exceed access ttl %s", s.RefreshTTL, s.AccessTTL))
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("CIVICPULSE_MAX_UPLOAD_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// Client configures cmd/portalctl.
type Client struct {
	BaseURL         string        `env:"CIVICPULSE_API_URL" envDefault:"http://localhost:8080" yaml:"base_url"`
	CredentialsPath string        `env:"CIVICPULSE_CREDENTIALS" yaml:"credentials_path"`
	Timeout         time.Duration `env:"CIVICPULSE_TIMEOUT" envDefault:"15s" yaml:"timeout"`
	StatsTTL        time.Duration `env:"CIVICPULSE_STATS_TTL" envDefault:"30s" yaml:"stats_ttl"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LoadServer reads .env and the environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := LoadDotEnv(); err != nil {
		return cfg, err
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadClient reads .env and the environment, then overlays the YAML file at
// path when one is given.
func LoadClient(path string) (Client, error) {
	var cfg Client
	if err := LoadDotEnv(); err != nil {
		return cfg, err
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.CredentialsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.CredentialsPath = filepath.Join(home, ".civicpulse", "credentials.db")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}
