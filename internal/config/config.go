package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gopkg.in/yaml.v3"

	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/lock"
	"github.com/RNA4219/Conimgponic-sub000/internal/retry"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

type Config struct {
	Autosave AutosaveConfig `yaml:"autosave"`
	Lock     LockConfig     `yaml:"lock"`
	Storage  StorageConfig  `yaml:"storage"`
	History  HistoryConfig  `yaml:"history"`
	Server   ServerConfig   `yaml:"server"`
	Feature  FeatureConfig  `yaml:"feature"`
	Log      LogConfig      `yaml:"log"`
}

type RetryConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		InitialDelay: r.Initial,
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay,
		MaxAttempts:  r.MaxAttempts,
	}
}

func retryConfig(p retry.Policy) RetryConfig {
	return RetryConfig{
		Initial:     p.InitialDelay,
		Multiplier:  p.Multiplier,
		MaxDelay:    p.MaxDelay,
		MaxAttempts: p.MaxAttempts,
	}
}

type AutosaveConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	Idle           time.Duration `yaml:"idle"`
	MaxGenerations int           `yaml:"max_generations"`
	MaxBytes       uint64        `yaml:"max_bytes"`
	Retry          RetryConfig   `yaml:"retry"`
}

type LockConfig struct {
	Resource string        `yaml:"resource"`
	TTL      time.Duration `yaml:"ttl"`
	// Strategy is auto, native or fallback.
	Strategy string `yaml:"strategy"`
	// Native names the native primitive: flock, sqlite or none.
	Native    string      `yaml:"native"`
	Heartbeat bool        `yaml:"heartbeat"`
	Retry     RetryConfig `yaml:"retry"`
	// LeaseDB is the sqlite file backing the sqlite native primitive.
	LeaseDB string `yaml:"lease_db"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type StorageConfig struct {
	// Driver is local, sqlite, postgres, minio or memory.
	Driver string `yaml:"driver"`
	// Root is the local directory for the local driver and the parent of
	// the default sqlite files.
	Root string `yaml:"root"`
	// Layout is the key prefix every autosave file lives under.
	Layout string      `yaml:"layout"`
	SQLite string      `yaml:"sqlite"`
	DSN    string      `yaml:"dsn"`
	MinIO  MinIOConfig `yaml:"minio"`
}

type HistoryConfig struct {
	// Codec is none, zstd or lz4.
	Codec string `yaml:"codec"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// FeatureConfig carries the enablement inputs as they were found. Flag may
// be any YAML scalar or an {enabled: ...} map; see Enablement.
type FeatureConfig struct {
	Flag            any    `yaml:"flag"`
	Source          string `yaml:"source"`
	OptionsDisabled bool   `yaml:"options_disabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	DriverLocal    = "local"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMinIO    = "minio"
	DriverMemory   = "memory"

	NativeFlock  = "flock"
	NativeSQLite = "sqlite"
	NativeNone   = "none"
)

func Default() Config {
	return Config{
		Autosave: AutosaveConfig{
			Debounce:       500 * time.Millisecond,
			Idle:           2 * time.Second,
			MaxGenerations: history.DefaultMaxGenerations,
			MaxBytes:       history.DefaultMaxBytes,
			Retry:          retryConfig(retry.EnginePolicy()),
		},
		Lock: LockConfig{
			Resource:  "autosave",
			TTL:       10 * time.Second,
			Strategy:  string(lock.ModeAuto),
			Native:    NativeFlock,
			Heartbeat: true,
			Retry:     retryConfig(retry.LockPolicy()),
		},
		Storage: StorageConfig{
			Driver: DriverLocal,
			Root:   "./.conimgponic",
			Layout: storage.DefaultLayout().Root,
		},
		History: HistoryConfig{Codec: history.CodecNone},
		Server:  ServerConfig{Addr: ":8080"},
		Feature: FeatureConfig{Flag: true, Source: "default"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AUTOSAVE_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) string) {
	getenv := func(k, def string) string {
		v := lookup(k)
		if v == "" {
			return def
		}
		return v
	}
	c.Storage.Root = getenv("AUTOSAVE_ROOT", c.Storage.Root)
	c.Server.Addr = getenv("AUTOSAVE_ADDR", c.Server.Addr)
	c.Storage.Driver = getenv("AUTOSAVE_STORAGE", c.Storage.Driver)
	c.Storage.DSN = getenv("AUTOSAVE_DSN", c.Storage.DSN)
	c.Lock.Strategy = getenv("AUTOSAVE_LOCK_STRATEGY", c.Lock.Strategy)
	c.Log.Level = getenv("AUTOSAVE_LOG_LEVEL", c.Log.Level)
	if v := lookup("AUTOSAVE_FLAG"); v != "" {
		c.Feature.Flag = v
		c.Feature.Source = "env"
	}
	if v := lookup("AUTOSAVE_DISABLED"); v != "" {
		c.Feature.OptionsDisabled = truthy(v)
	}
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverLocal, DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage driver postgres needs a dsn")
		}
	case DriverMinIO:
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("config: storage driver minio needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch lock.Mode(c.Lock.Strategy) {
	case lock.ModeAuto, lock.ModeNativeOnly, lock.ModeFallbackOnly:
	default:
		return fmt.Errorf("config: unknown lock strategy %q", c.Lock.Strategy)
	}
	switch c.Lock.Native {
	case NativeFlock, NativeSQLite, NativeNone:
	default:
		return fmt.Errorf("config: unknown native lock %q", c.Lock.Native)
	}
	if _, err := history.CodecByName(c.History.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Autosave.Debounce <= 0 || c.Autosave.Idle <= 0 {
		return fmt.Errorf("config: debounce and idle must be positive")
	}
	if c.Autosave.MaxGenerations <= 0 || c.Autosave.MaxBytes == 0 {
		return fmt.Errorf("config: history limits must be positive")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config: lock ttl must be positive")
	}
	if c.Autosave.Retry.MaxAttempts < 0 || c.Lock.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry attempts cannot be negative")
	}
	return nil
}

func (c Config) Limits() history.Limits {
	return history.Limits{MaxGenerations: c.Autosave.MaxGenerations, MaxBytes: c.Autosave.MaxBytes}
}

func (c Config) Layout() storage.Layout {
	if c.Storage.Layout == "" {
		return storage.DefaultLayout()
	}
	return storage.Layout{Root: c.Storage.Layout}
}

func (c Config) SQLitePath() string {
	if c.Storage.SQLite != "" {
		return c.Storage.SQLite
	}
	return filepath.Join(c.Storage.Root, "autosave.db")
}

func (c Config) LeaseDBPath() string {
	if c.Lock.LeaseDB != "" {
		return c.Lock.LeaseDB
	}
	return filepath.Join(c.Storage.Root, "leases.db")
}

// OpenStorage builds the configured adapter. close releases whatever the
// adapter holds open and is never nil.
func (c Config) OpenStorage(ctx context.Context) (storage.Adapter, func() error, error) {
	noop := func() error { return nil }
	switch c.Storage.Driver {
	case DriverMemory:
		return storage.NewMemory(), noop, nil
	case DriverLocal:
		l, err := storage.NewLocal(c.Storage.Root)
		if err != nil {
			return nil, nil, err
		}
		return l, noop, nil
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(c.SQLitePath()), 0o755); err != nil {
			return nil, nil, err
		}
		db, err := storage.Open(ctx, storage.Config{Path: c.SQLitePath(), BusyTimeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		return db, db.Close, nil
	case DriverPostgres:
		pg, err := storage.NewPostgres(c.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case DriverMinIO:
		m := c.Storage.MinIO
		client, err := minio.New(m.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(m.AccessKey, m.SecretKey, ""),
			Secure: m.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("minio client: %w", err)
		}
		return storage.NewMinIO(client, m.Bucket, m.Prefix), noop, nil
	}
	return nil, nil, fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes", "enabled":
		return true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0
	}
	return false
}
