// Package config manages binstore configuration and the .binstore directory.
// It handles loading, saving, validating, and initializing the configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/pelletier/go-toml/v2"
)

const (
	Dir        = ".binstore"
	ConfigFile = "config"
	RefsFile   = "refs.db"
)

// Storage backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Environment overrides for credentials.
const (
	EnvS3AccessKey = "BINSTORE_S3_ACCESS_KEY"
	EnvS3SecretKey = "BINSTORE_S3_SECRET_KEY"
	EnvServerToken = "BINSTORE_SERVER_TOKEN"
	EnvAdminToken  = "BINSTORE_ADMIN_TOKEN"
)

const (
	defaultBlobRoot          = "blobs"
	defaultGraceWindow       = "10s"
	defaultDeleteConcurrency = 8
	defaultListen            = "127.0.0.1:8730"
	defaultMaxBlobSize       = 1 << 30
	defaultRequestsPerMinute = 600
)

// Config represents the binstore configuration
type Config struct {
	Scope           string        `toml:"scope"`
	DigestAlgorithm string        `toml:"digest_algorithm"`
	Storage         StorageConfig `toml:"storage"`
	Refs            RefsConfig    `toml:"refs"`
	GC              GCConfig      `toml:"gc"`
	Server          ServerConfig  `toml:"server"`
	path            string        // path to .binstore directory
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Backend string   `toml:"backend"`
	Root    string   `toml:"root"` // relative to the .binstore directory unless absolute
	S3      S3Config `toml:"s3"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	Region     string `toml:"region"`
	Bucket     string `toml:"bucket"`
	Prefix     string `toml:"prefix"`
	UseSSL     bool   `toml:"use_ssl"`
	PathStyle  bool   `toml:"path_style"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	StagingDir string `toml:"staging_dir"`
}

// RefsConfig selects the reference store backend.
type RefsConfig struct {
	Backend string `toml:"backend"`
}

// GCConfig tunes garbage collection.
type GCConfig struct {
	GraceWindow       string `toml:"grace_window"`
	DeleteConcurrency int    `toml:"delete_concurrency"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Listen            string   `toml:"listen"`
	Token             string   `toml:"token"`
	AdminToken        string   `toml:"admin_token"`
	MaxBlobSize       int64    `toml:"max_blob_size"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	WebhookURLs       []string `toml:"webhook_urls"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Scope:           "default",
		DigestAlgorithm: digest.Default.String(),
		Storage: StorageConfig{
			Backend: BackendFS,
			Root:    defaultBlobRoot,
			S3:      S3Config{UseSSL: true},
		},
		Refs: RefsConfig{Backend: "bbolt"},
		GC: GCConfig{
			GraceWindow:       defaultGraceWindow,
			DeleteConcurrency: defaultDeleteConcurrency,
		},
		Server: ServerConfig{
			Listen:            defaultListen,
			MaxBlobSize:       defaultMaxBlobSize,
			RequestsPerMinute: defaultRequestsPerMinute,
		},
	}
}

// FindRoot finds the .binstore directory by walking up from the current directory
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		p := filepath.Join(dir, Dir)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a binstore repository (or any parent up to root)")
		}
		dir = parent
	}
}

// Load finds the .binstore directory and loads its configuration
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration from the given .binstore directory.
// Missing keys take their defaults and credentials from the environment
// override the file.
func LoadFrom(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = root
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		c.Storage.S3.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		c.Storage.S3.SecretKey = v
	}
	if v := os.Getenv(EnvServerToken); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv(EnvAdminToken); v != "" {
		c.Server.AdminToken = v
	}
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	if _, err := digest.ParseAlgorithm(c.DigestAlgorithm); err != nil {
		return fmt.Errorf("invalid digest_algorithm: %w", err)
	}

	switch c.Storage.Backend {
	case BackendFS:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the fs backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Refs.Backend {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("unknown refs backend %q", c.Refs.Backend)
	}

	if _, err := c.parseGraceWindow(); err != nil {
		return err
	}
	if c.GC.DeleteConcurrency < 1 {
		return fmt.Errorf("gc.delete_concurrency must be at least 1")
	}
	if c.Server.MaxBlobSize < 1 {
		return fmt.Errorf("server.max_blob_size must be positive")
	}
	return nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0644)
}

// Path returns the path to the .binstore directory
func (c *Config) Path() string {
	return c.path
}

// BlobRoot returns the directory of the filesystem blob store
func (c *Config) BlobRoot() string {
	if filepath.IsAbs(c.Storage.Root) {
		return c.Storage.Root
	}
	return filepath.Join(c.path, c.Storage.Root)
}

// RefsPath returns the path to the reference database
func (c *Config) RefsPath() string {
	return filepath.Join(c.path, RefsFile)
}

// GraceWindow returns the configured grace window. Validate rejects
// unparsable values, so this falls back to the default only on a
// hand-built Config.
func (c *Config) GraceWindow() time.Duration {
	d, err := c.parseGraceWindow()
	if err != nil {
		d, _ = time.ParseDuration(defaultGraceWindow)
	}
	return d
}

func (c *Config) parseGraceWindow() (time.Duration, error) {
	if c.GC.GraceWindow == "" {
		return time.ParseDuration(defaultGraceWindow)
	}
	d, err := time.ParseDuration(c.GC.GraceWindow)
	if err != nil {
		return 0, fmt.Errorf("invalid gc.grace_window: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("gc.grace_window must not be negative")
	}
	return d, nil
}

// Algorithm returns the digest algorithm new blobs are stored under
func (c *Config) Algorithm() digest.Algorithm {
	alg, err := digest.ParseAlgorithm(c.DigestAlgorithm)
	if err != nil {
		return digest.Default
	}
	return alg
}

// Initialize creates a new .binstore directory in dir with cfg written to it.
// A nil cfg means Default().
func Initialize(dir string, cfg *Config) (*Config, error) {
	if cfg == nil {
		cfg = Default()
	}
	root := filepath.Join(dir, Dir)

	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("binstore repository already exists")
	}

	cfg.path = root
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(root)
		return nil, err
	}

	return cfg, nil
}
