// Package config loads daemon configuration. Values come from the
// environment (with defaults from struct tags), then an optional YAML file
// for anything the environment leaves unset, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/ggoodman/pkgd/internal/logctx"
	"github.com/ggoodman/pkgd/server"
	"github.com/ggoodman/pkgd/storage"
	"github.com/ggoodman/pkgd/storage/memory"
	"github.com/ggoodman/pkgd/storage/redis"
	"github.com/ggoodman/pkgd/storage/sqlite"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config is the daemon configuration.
type Config struct {
	RunDir         string `yaml:"run-dir" env:"PKGD_RUN_DIR,default=/run/pkgd"`
	Root           string `yaml:"root" env:"PKGD_ROOT,default=/var/lib/pkgd"`
	TrustedKeysDir string `yaml:"trusted-keys" env:"PKGD_TRUSTED_KEYS,default=/etc/pkgd/keys"`
	AllowUnsigned  bool   `yaml:"allow-unsigned" env:"PKGD_ALLOW_UNSIGNED,default=false"`

	Storage string `yaml:"storage" env:"PKGD_STORAGE,default=sqlite"`
	// SettingsDB defaults to settings.db under Root.
	SettingsDB string `yaml:"settings-db" env:"PKGD_SETTINGS_DB"`
	// MemoryItems bounds the TTL'd items of the memory backend.
	MemoryItems int    `yaml:"memory-items" env:"PKGD_MEMORY_ITEMS,default=100000"`
	RedisAddr   string `yaml:"redis-addr" env:"PKGD_REDIS_ADDR,default=localhost:6379"`
	RedisDB     int    `yaml:"redis-db" env:"PKGD_REDIS_DB,default=0"`
	KeyPrefix   string `yaml:"key-prefix" env:"PKGD_SETTINGS_KEY_PREFIX,default=pkgd:settings:"`

	LogLevel  string `yaml:"log-level" env:"PKGD_LOG_LEVEL,default=info"`
	LogFormat string `yaml:"log-format" env:"PKGD_LOG_FORMAT,default=text"`

	Slots            int           `yaml:"slots" env:"PKGD_SLOTS,default=6"`
	HandshakeTimeout time.Duration `yaml:"handshake-timeout" env:"PKGD_HANDSHAKE_TIMEOUT,default=10s"`
	DisconnectWait   time.Duration `yaml:"disconnect-wait" env:"PKGD_DISCONNECT_WAIT,default=15m"`
	Heartbeat        time.Duration `yaml:"heartbeat" env:"PKGD_HEARTBEAT,default=650ms"`
	DrainTimeout     time.Duration `yaml:"drain-timeout" env:"PKGD_DRAIN_TIMEOUT,default=30s"`
}

// Load decodes the environment and overlays the YAML file at path, if any.
// A file value applies only when its environment variable is unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var file Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	overlay(cfg, &file)
	return cfg, cfg.Validate()
}

func overlay(dst, src *Config) {
	dv, sv := reflect.ValueOf(dst).Elem(), reflect.ValueOf(src).Elem()
	t := dv.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("env"), ",")
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if f := sv.Field(i); !f.IsZero() {
			dv.Field(i).Set(f)
		}
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.RunDir == "" {
		errs = append(errs, errors.New("config: run-dir is required"))
	}
	if c.Root == "" {
		errs = append(errs, errors.New("config: root is required"))
	}
	switch c.Storage {
	case StorageSQLite, StorageMemory, StorageRedis:
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage %q", c.Storage))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}

// Logger builds the daemon logger. Records pass through levels, which
// set-logging flips at runtime.
func (c *Config) Logger(w io.Writer, levels *logctx.Levels) *slog.Logger {
	lvl, _ := c.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h, Levels: levels})
}

// SettingsPath is the database file of the sqlite backend.
func (c *Config) SettingsPath() string {
	if c.SettingsDB != "" {
		return c.SettingsDB
	}
	return filepath.Join(c.Root, "settings.db")
}

// OpenStorage opens the configured settings backend.
func (c *Config) OpenStorage(log *slog.Logger) (storage.Storage, error) {
	switch c.Storage {
	case StorageRedis:
		return redis.New(redis.Config{Addr: c.RedisAddr, DB: c.RedisDB, KeyPrefix: c.KeyPrefix})
	case StorageMemory:
		log.Warn("config.storage.memory", slog.String("detail", "settings are lost when the daemon exits"))
		return memory.New(c.MemoryItems)
	default:
		return sqlite.Open(c.SettingsPath(), sqlite.WithLogger(log))
	}
}

// Server returns the engine service configuration.
func (c *Config) Server() server.Config {
	return server.Config{
		RunDir:           c.RunDir,
		Root:             c.Root,
		TrustedKeysDir:   c.TrustedKeysDir,
		AllowUnsigned:    c.AllowUnsigned,
		Slots:            c.Slots,
		HandshakeTimeout: c.HandshakeTimeout,
		DisconnectWait:   c.DisconnectWait,
		Heartbeat:        c.Heartbeat,
		DrainTimeout:     c.DrainTimeout,
	}
}

// Flags are command-line overrides. Only flags given on the command line
// are applied.
type Flags struct {
	fs   *pflag.FlagSet
	vals Config
	// Path is the --config file.
	Path string
}

// AddFlags registers the override flags on fs.
func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.Path, "config", "c", os.Getenv("PKGD_CONFIG"), "YAML configuration file")
	fs.StringVar(&f.vals.RunDir, "run-dir", "", "directory for the engine socket and signal markers")
	fs.StringVar(&f.vals.Root, "root", "", "package installation root")
	fs.StringVar(&f.vals.TrustedKeysDir, "trusted-keys", "", "directory of trusted publisher *.pub keys")
	fs.BoolVar(&f.vals.AllowUnsigned, "allow-unsigned", false, "accept unsigned package files")
	fs.StringVar(&f.vals.Storage, "storage", "", "settings backend (sqlite, memory or redis)")
	fs.StringVar(&f.vals.SettingsDB, "settings-db", "", "settings database for the sqlite backend (default <root>/settings.db)")
	fs.StringVar(&f.vals.RedisAddr, "redis-addr", "", "Redis address for the redis backend")
	fs.StringVar(&f.vals.LogLevel, "log-level", "", "minimum log level (debug, info, warn, error)")
	fs.StringVar(&f.vals.LogFormat, "log-format", "", "log format (text or json)")
	fs.IntVar(&f.vals.Slots, "slots", 0, "number of acceptor slots")
	fs.DurationVar(&f.vals.DisconnectWait, "disconnect-wait", 0, "how long a disconnected session is kept")
	fs.DurationVar(&f.vals.DrainTimeout, "drain-timeout", 0, "how long a restart waits for sessions to end")
	return f
}

// Apply copies every flag that was set onto cfg.
func (f *Flags) Apply(cfg *Config) error {
	dv, sv := reflect.ValueOf(cfg).Elem(), reflect.ValueOf(&f.vals).Elem()
	t := dv.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("yaml")
		if f.fs.Lookup(name) != nil && f.fs.Changed(name) {
			dv.Field(i).Set(sv.Field(i))
		}
	}
	return cfg.Validate()
}
