package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Log         LogConfig                   `toml:"log"`
	DB          DBConfig                    `toml:"database"`
	Homeserver  HomeserverConfig            `toml:"homeserver"`
	Engine      EngineConfig                `toml:"engine"`
	Membership  MembershipConfig            `toml:"membership"`
	Executor    ExecutorConfig              `toml:"executor"`
	Ledger      LedgerConfig                `toml:"ledger"`
	Protections map[string]ProtectionConfig `toml:"protections"`
	Metrics     MetricsConfig               `toml:"metrics"`
}

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

func (l *LogLevel) UnmarshalText(text []byte) error {
	v := string(text)
	switch LogLevel(v) {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		*l = LogLevel(v)
		return nil
	default:
		return fmt.Errorf("invalid log level: %q (must be debug, info, warn, error)", v)
	}
}

func (l LogLevel) String() string { return string(l) }

func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type LogConfig struct {
	Level LogLevel `toml:"level"`
	// ConsequenceLevels sets the level used when a protection yields a
	// consequence, keyed by protection name.
	ConsequenceLevels map[string]LogLevel `toml:"consequence_levels"`
}

type DBConfig struct {
	Path string `toml:"path"`
}

type HomeserverConfig struct {
	URL         string `toml:"url"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	// AdminAccessToken, when set, adds an "admin" acting account used for
	// quarantine requests.
	AdminAccessToken string        `toml:"admin_access_token"`
	Timeout          time.Duration `toml:"timeout"`
	RetryMax         int           `toml:"retry_max"`
	SyncTimeout      time.Duration `toml:"sync_timeout"`
}

type EngineConfig struct {
	ManagementRoom    string   `toml:"management_room"`
	ManagementMembers []string `toml:"management_members"`
	ProtectedRooms    []string `toml:"protected_rooms"`
	PolicyLists       []string `toml:"policy_lists"`
	DryRun            bool     `toml:"dry_run"`
	// SyncBansOnChange applies new ban rules to current members.
	SyncBansOnChange bool `toml:"sync_bans_on_change"`
	// ListResyncInterval refetches every watched list; 0 disables it.
	ListResyncInterval time.Duration `toml:"list_resync_interval"`
}

type MembershipConfig struct {
	Retention       time.Duration `toml:"retention"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

type ExecutorConfig struct {
	BaseDelay        time.Duration `toml:"base_delay"`
	MaxDelay         time.Duration `toml:"max_delay"`
	MaxAttempts      int           `toml:"max_attempts"`
	MaxRetryDuration time.Duration `toml:"max_retry_duration"`
	MutedPowerLevel  int           `toml:"muted_power_level"`
}

type LedgerBackend string

const (
	LedgerMemory LedgerBackend = "memory"
	LedgerBadger LedgerBackend = "badger"
	LedgerRedis  LedgerBackend = "redis"
)

type LedgerConfig struct {
	Backend     LedgerBackend `toml:"backend"`
	TTL         time.Duration `toml:"ttl"`
	Size        int           `toml:"size"`
	RedisURL    string        `toml:"redis_url"`
	RedisPrefix string        `toml:"redis_prefix"`
}

// ProtectionConfig is one [protections.<name>] table. Settings are
// validated by the protection they belong to.
type ProtectionConfig struct {
	Enabled  bool           `toml:"enabled"`
	Settings map[string]any `toml:"settings"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: InfoLevel,
		},
		DB: DBConfig{
			Path: "./adresu-db",
		},
		Homeserver: HomeserverConfig{
			Timeout:     30 * time.Second,
			RetryMax:    3,
			SyncTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			SyncBansOnChange:   true,
			ListResyncInterval: 6 * time.Hour,
		},
		Membership: MembershipConfig{
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Executor: ExecutorConfig{
			BaseDelay:        time.Second,
			MaxDelay:         5 * time.Minute,
			MaxAttempts:      10,
			MaxRetryDuration: 30 * time.Minute,
			MutedPowerLevel:  -1,
		},
		Ledger: LedgerConfig{
			Backend:     LedgerMemory,
			TTL:         24 * time.Hour,
			Size:        100_000,
			RedisPrefix: "adresu:action:",
		},
	}
}

// Default returns a validated default configuration.
func Default() *Config {
	return defaultConfig()
}

func isRoomID(s string) bool  { return strings.HasPrefix(s, "!") && strings.Contains(s, ":") }
func isUserID(s string) bool  { return strings.HasPrefix(s, "@") && strings.Contains(s, ":") }
func isRoomRef(s string) bool { return isRoomID(s) || strings.HasPrefix(s, "#") || strings.HasPrefix(s, "https://matrix.to/") }

func (c *Config) validate() error {
	// --- [homeserver] ---
	if c.Homeserver.URL != "" {
		u, err := url.Parse(c.Homeserver.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("homeserver.url must be an http(s) URL, got %q", c.Homeserver.URL)
		}
	}
	if c.Homeserver.UserID != "" && !isUserID(c.Homeserver.UserID) {
		return fmt.Errorf("homeserver.user_id must look like @user:server, got %q", c.Homeserver.UserID)
	}
	if c.Homeserver.Timeout < 0 {
		return errors.New("homeserver.timeout must not be negative")
	}
	if c.Homeserver.RetryMax < 0 {
		return errors.New("homeserver.retry_max must not be negative")
	}
	if c.Homeserver.SyncTimeout <= 0 {
		return errors.New("homeserver.sync_timeout must be a positive duration")
	}

	// --- [engine] ---
	if c.Engine.ManagementRoom != "" && !isRoomRef(c.Engine.ManagementRoom) {
		return fmt.Errorf("engine.management_room must be a room ID, alias or permalink, got %q", c.Engine.ManagementRoom)
	}
	for i, m := range c.Engine.ManagementMembers {
		if !isUserID(m) {
			return fmt.Errorf("engine.management_members[%d] must be a user ID, got %q", i, m)
		}
	}
	for i, r := range c.Engine.ProtectedRooms {
		if !isRoomRef(r) {
			return fmt.Errorf("engine.protected_rooms[%d] must be a room ID, alias or permalink, got %q", i, r)
		}
	}
	for i, r := range c.Engine.PolicyLists {
		if !isRoomRef(r) {
			return fmt.Errorf("engine.policy_lists[%d] must be a room ID, alias or permalink, got %q", i, r)
		}
	}
	if c.Engine.ListResyncInterval < 0 {
		return errors.New("engine.list_resync_interval must not be negative")
	}

	// --- [membership] ---
	if c.Membership.Retention <= 0 {
		return errors.New("membership.retention must be a positive duration (e.g., '168h')")
	}
	if c.Membership.CleanupInterval < 0 {
		return errors.New("membership.cleanup_interval must not be negative")
	}

	// --- [executor] ---
	ex := c.Executor
	if ex.BaseDelay <= 0 {
		return errors.New("executor.base_delay must be a positive duration")
	}
	if ex.MaxDelay < ex.BaseDelay {
		return errors.New("executor.max_delay must be >= executor.base_delay")
	}
	if ex.MaxAttempts < 1 {
		return errors.New("executor.max_attempts must be >= 1")
	}
	if ex.MaxRetryDuration < 0 {
		return errors.New("executor.max_retry_duration must not be negative")
	}
	if ex.MutedPowerLevel > 0 {
		return errors.New("executor.muted_power_level must be <= 0")
	}

	// --- [ledger] ---
	switch c.Ledger.Backend {
	case LedgerMemory:
		if c.Ledger.Size <= 0 {
			return errors.New("ledger.size must be positive for the memory backend")
		}
	case LedgerBadger:
		if c.DB.Path == "" {
			return errors.New("database.path must be set for the badger ledger")
		}
	case LedgerRedis:
		if c.Ledger.RedisURL == "" {
			return errors.New("ledger.redis_url must be set for the redis backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be memory, badger or redis, got %q", c.Ledger.Backend)
	}
	if c.Ledger.TTL <= 0 {
		return errors.New("ledger.ttl must be a positive duration")
	}

	return nil
}

func Load(path string, useDefaults bool) (*Config, bool, error) {
	cfg := defaultConfig()
	defaultsUsed := false

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if useDefaults {
				defaultsUsed = true
				if err := cfg.validate(); err != nil {
					return nil, true, err
				}
				return cfg, defaultsUsed, nil
			}
			return nil, false, fmt.Errorf("config file not found at %s", path)
		}
		return nil, false, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, defaultsUsed, nil
}
