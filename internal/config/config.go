package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"
)

// Config is the agent's full runtime configuration, assembled from (in
// increasing priority order) the built-in defaults, an optional YAML file on
// disk, and environment variables. Loading never fails because a field is
// missing; missing fields fall back to the defaults merged in by LoadConfig.
type Config struct {
	// OTAIntervalSeconds is the sleep between reconciliation cycles,
	// pre-empted by any command arrival (spec §2, §5).
	OTAIntervalSeconds int `mapstructure:"ota_interval"`

	// BaseDir is the platform-specific root of the persisted state
	// directory (hash_manifest, future_version, versions, previous/,
	// download/, auth). Defaults to SNAP_USER_COMMON on Linux and
	// C:\Program Files\phantom_agent\bin on Windows (spec §6).
	BaseDir string `mapstructure:"base_dir"`

	Listener ListenerConfig `mapstructure:"listener"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	NTP      NTPConfig      `mapstructure:"ntp"`
	Download  DownloadConfig  `mapstructure:"download"`
	Install   InstallConfig   `mapstructure:"install"`
	Log       LogConfig       `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
	Peer      PeerConfig      `mapstructure:"peer"`
	Admission AdmissionConfig `mapstructure:"admission"`
}

// ListenerConfig configures the command HTTP listener (spec §6).
type ListenerConfig struct {
	Port int `mapstructure:"port"`
	// MetricsPort serves the Prometheus /metrics endpoint; zero disables
	// it (SPEC_FULL.md §2 ambient telemetry).
	MetricsPort int `mapstructure:"metrics_port"`
}

// CloudConfig configures the control-plane HTTP client (spec §6).
type CloudConfig struct {
	URL string `mapstructure:"url"`
	// AuthFilePath points at the on-disk "auth" marker ({url, token,
	// version}), the alternative to a license-file challenge/response.
	AuthFilePath string `mapstructure:"auth_file_path"`
	// TreatAny404AsV1Fallback governs the /api/v3 → /api/v1 fallback rule:
	// when true (default) any 404 from a v3 endpoint retries the
	// equivalent v1 path; when false only the manifest endpoint falls
	// back, which some deployments need because other v3 endpoints
	// legitimately 404 (e.g. no ticket on file).
	TreatAny404AsV1Fallback bool          `mapstructure:"treat_any_404_as_v1_fallback"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSecond      float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst          int           `mapstructure:"rate_limit_burst"`
	// PreflightTimeout bounds the ARP/route-reachability dial the
	// orchestrator performs before acquiring identity (SPEC_FULL.md §4); a
	// zero value disables the pre-check.
	PreflightTimeout time.Duration `mapstructure:"preflight_timeout"`
}

// NTPConfig configures the peripheral NTP sync loop (spec §6).
type NTPConfig struct {
	IntervalSeconds int      `mapstructure:"interval_seconds"`
	Servers         []string `mapstructure:"servers"`
}

// DownloadConfig configures the download engine (C3).
type DownloadConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// InstallConfig configures the install engine (C4) and its per-package-type
// handlers.
type InstallConfig struct {
	ProcessKillTimeout time.Duration `mapstructure:"process_kill_timeout"`
	// MutexPath is the lock file FileMutex polls to serialize MSI installer
	// invocations across processes on the same host (spec §5 "MSI-mutex").
	MutexPath string `mapstructure:"mutex_path"`
	// SnapshotStaleness bounds how old a previous-install snapshot may be
	// before it is treated as absent (SPEC_FULL.md §4 file-creation-date
	// supplement); zero disables the check.
	SnapshotStaleness time.Duration `mapstructure:"snapshot_staleness"`
	// SyspkgSocketPath is the Unix-socket path the Linux package daemon
	// listens on (spec §4.4 "System-package").
	SyspkgSocketPath string `mapstructure:"syspkg_socket_path"`
	// SyspkgCoprocessAddr is the local HTTP address the Windows package
	// co-process listens on.
	SyspkgCoprocessAddr string `mapstructure:"syspkg_coprocess_addr"`
	// SystemRoot is substituted for an archive's own root when it lists a
	// vendor-controlled install directory (spec: "switch the target root
	// to system drive C:/").
	SystemRoot string `mapstructure:"system_root"`
	// SelfUpdateTaskName is the Windows scheduled task the self-update
	// hand-off re-triggers after copying the new binary into place.
	SelfUpdateTaskName string `mapstructure:"self_update_task_name"`
	// SelfUpdateInstallDir is the directory the Windows hand-off script
	// copies the new agent binary into.
	SelfUpdateInstallDir string `mapstructure:"self_update_install_dir"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// HistoryConfig selects the audit-ledger storage backend (internal/history).
type HistoryConfig struct {
	Backend    string `mapstructure:"backend"` // "sqlite" or "postgres"
	SQLitePath string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// PeerConfig configures the local peer HTTP client (spec §6).
type PeerConfig struct {
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AdmissionConfig configures the C5 disk-admission content-length cache.
type AdmissionConfig struct {
	CacheSize int `mapstructure:"cache_size"`
	// RedisAddr optionally fans the content-length cache out across a
	// fleet of co-located agents sharing one control-plane tenant; empty
	// disables the shared tier and falls back to the in-process LRU alone.
	RedisAddr string `mapstructure:"redis_addr"`
}

// LoadConfig loads configuration from an optional file plus environment
// variables, merging both on top of the built-in defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg := Defaults()
	// mergo.WithOverride so every non-zero field viper populated (whether
	// from the file or AutomaticEnv) wins over the built-in default; a
	// field that is zero after unmarshalling keeps the default, including
	// one the file sets explicitly to false, 0 or "". This is the opposite
	// merge direction from Component.Merge in internal/model, which always
	// prefers its right-hand side including zero values — config
	// defaulting uses the weaker "override only when non-zero" semantics
	// mergo provides.
	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config over defaults: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnv wires AutomaticEnv with the same "." → "_" replacer the core uses
// for nested keys. The bare (unprefixed) spec-mandated variable names that
// don't follow the nested convention are applied by applyEnvOverrides.
func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

// applyEnvOverrides layers the spec's literal environment variable names
// (spec §6) on top of whatever viper/mergo produced, since they don't follow
// the nested dotted-key convention AutomaticEnv expects.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NTP_INTERVAL"); v != "" {
		if n, err := parseSeconds(v); err == nil {
			cfg.NTP.IntervalSeconds = n
		}
	}
	if v := os.Getenv("NTP_SERVERS"); v != "" {
		cfg.NTP.Servers = strings.Split(v, ",")
	}
	if v := os.Getenv("SNAP_USER_COMMON"); v != "" {
		cfg.BaseDir = v
	}
}

func parseSeconds(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// Defaults returns the built-in configuration baseline every load starts
// from.
func Defaults() Config {
	return Config{
		OTAIntervalSeconds: 60,
		BaseDir:            defaultBaseDir(),
		Listener: ListenerConfig{
			Port:        30000,
			MetricsPort: 9090,
		},
		Cloud: CloudConfig{
			URL:                     "",
			AuthFilePath:            "auth",
			TreatAny404AsV1Fallback: true,
			RequestTimeout:          30 * time.Second,
			RateLimitPerSecond:      5,
			RateLimitBurst:          10,
			PreflightTimeout:        3 * time.Second,
		},
		NTP: NTPConfig{
			IntervalSeconds: 300,
			Servers:         []string{"pool.ntp.org"},
		},
		Download: DownloadConfig{
			Concurrency:   3,
			RetryAttempts: 5,
			RetryBackoff:  5 * time.Second,
		},
		Install: InstallConfig{
			ProcessKillTimeout:   10 * time.Second,
			MutexPath:            filepath.Join(defaultBaseDir(), "installer.lock"),
			SnapshotStaleness:    30 * 24 * time.Hour,
			SyspkgSocketPath:     "/run/phantom-pkgd.sock",
			SyspkgCoprocessAddr:  "127.0.0.1:30010",
			SystemRoot:           systemRoot(),
			SelfUpdateTaskName:   "PhantomAgentUpdate",
			SelfUpdateInstallDir: defaultBaseDir(),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Filename:   "",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		History: HistoryConfig{
			Backend:    "sqlite",
			SQLitePath: "history.db",
		},
		Peer: PeerConfig{
			Port:    30001,
			Timeout: 5 * time.Second,
		},
		Admission: AdmissionConfig{
			CacheSize: 256,
		},
	}
}

// defaultBaseDir mirrors the spec's platform split between the Linux snap
// common directory and the Windows Program Files install path (spec §6).
func defaultBaseDir() string {
	if runtime.GOOS == "windows" {
		return `C:\Program Files\phantom_agent\bin`
	}
	return os.Getenv("SNAP_USER_COMMON")
}

// systemRoot mirrors defaultBaseDir's platform split for the archive
// installer's vendor-directory redirect target (spec: "system drive C:/").
func systemRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// Validate checks invariants LoadConfig's defaulting can't guarantee on its
// own (an operator-supplied file can still set an out-of-range port, etc).
func (c *Config) Validate() error {
	if c.OTAIntervalSeconds <= 0 {
		return fmt.Errorf("ota_interval must be positive, got %d", c.OTAIntervalSeconds)
	}
	if c.Listener.Port <= 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("invalid listener port: %d", c.Listener.Port)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is empty (set SNAP_USER_COMMON on Linux)")
	}
	if c.History.Backend != "sqlite" && c.History.Backend != "postgres" {
		return fmt.Errorf("invalid history backend: %s (must be 'sqlite' or 'postgres')", c.History.Backend)
	}
	return nil
}
