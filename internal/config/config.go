package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for medsync.
type Config struct {
	DeviceID    string            `toml:"device_id"`
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	Remote      RemoteConfig      `toml:"remote"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Sync        SyncConfig        `toml:"sync"`
	Room        RoomConfig        `toml:"room"`
	Credentials CredentialsConfig `toml:"credentials"`
	Log         LogConfig         `toml:"log"`
}

// RemoteConfig describes the media library server.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type    string `toml:"type"` // "http" or "s3"
	Name    string `toml:"name"`
	Timeout string `toml:"timeout,omitempty"` // metadata call timeout, e.g. "10s"

	// HTTP-specific fields (only used when Type == "http")
	BaseURL  string `toml:"base_url,omitempty"`
	PageSize int    `toml:"page_size,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket     string `toml:"s3_bucket,omitempty"`
	S3Prefix     string `toml:"s3_prefix,omitempty"`
	S3Region     string `toml:"s3_region,omitempty"`
	S3Endpoint   string `toml:"s3_endpoint,omitempty"`
	S3CommitsKey string `toml:"s3_commits_key,omitempty"`

	// Static S3 credentials; the AWS default chain is used when empty.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// LedgerConfig selects where the download ledger is persisted.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type LedgerConfig struct {
	Type    string `toml:"type"`               // "json", "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // used for type=json and type=sqlite
}

// SyncConfig holds library mirroring settings.
type SyncConfig struct {
	LibraryDir      string   `toml:"library_dir"`
	Folders         []string `toml:"folders"`
	Ignore          []string `toml:"ignore"`
	MaxConcurrency  int      `toml:"max_concurrency"`
	MaxFileSize     int64    `toml:"max_file_size"` // bytes; 0 means no limit
	MaxPasses       int      `toml:"max_passes"`
	DownloadTimeout string   `toml:"download_timeout,omitempty"`
	VerifyHash      bool     `toml:"verify_hash"`
	HashAlgorithm   string   `toml:"hash_algorithm,omitempty"` // "sha256" (default) or "md5"
}

// RoomConfig holds listening room settings.
type RoomConfig struct {
	ServerURL string `toml:"server_url"`
}

// CredentialsConfig locates the encrypted bearer token.
type CredentialsConfig struct {
	TokenPath string `toml:"token_path"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level      string `toml:"level"`       // "debug", "info", "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"` // rotate the log file after this size
	MaxBackups int    `toml:"max_backups"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Remote: RemoteConfig{
			Type:    "http",
			Name:    "default",
			Timeout: "10s",
		},
		Ledger: LedgerConfig{
			Type:    "json",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Sync: SyncConfig{
			LibraryDir:      filepath.Join(baseDir, "library"),
			MaxConcurrency:  3,
			MaxPasses:       5,
			DownloadTimeout: "10m",
			HashAlgorithm:   "sha256",
		},
		Credentials: CredentialsConfig{
			TokenPath: filepath.Join(baseDir, "keys", "token.age"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// ParseDuration parses a duration setting. An empty value yields def.
func ParseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", value)
	}
	return d, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new config file at path. An existing file is never
// overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
