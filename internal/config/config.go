package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/httputil"
)

// FileName is the config file looked up under the working directory.
const FileName = "config/config.toml"

type Config struct {
	WorkingDir string
	ListenAddr string

	// Database
	DBHost           string
	DBPort           int
	DBName           string
	DBUser           string
	DBPassword       string
	DBMaxConns       int
	DBMinConns       int
	DBConnectTimeout time.Duration

	// Bootstrap
	HistoryFile        string
	BootstrapBatchSize int

	StaticDir string

	// Upstream ticker
	UpstreamURL      string
	UpstreamTimeout  time.Duration
	UpstreamAttempts int

	// Updater
	UpdateInterval  time.Duration
	FreshnessWindow time.Duration

	FallbackPriceCents uint32

	LogLevel   string
	LogDevMode bool

	APIKey          string
	CORSAllowOrigin string
	WebhookURL      string
	ServiceName     string

	// ConfigFile is the file that was read, empty if none.
	ConfigFile string

	warnings []string
}

// defaults are the built-in values, also written to a fresh config file.
// Durations stay strings so the file is readable.
var defaults = map[string]any{
	"working_dir":          ".",
	"listen_addr":          "0.0.0.0:8000",
	"db_host":              "localhost",
	"db_port":              5432,
	"db_name":              "bitcoin_trend",
	"db_user":              "postgres",
	"db_password":          "",
	"db_max_conns":         20,
	"db_min_conns":         2,
	"db_connect_timeout":   "30s",
	"history_file":         "history/bitstamp.csv",
	"bootstrap_batch_size": 1000,
	"static_dir":           "static",
	"upstream_url":         "https://www.bitstamp.net/api/ticker_hour/",
	"upstream_timeout":     "0s",
	"upstream_attempts":    1,
	"update_interval":      "1h",
	"freshness_window":     "30m",
	"fallback_price_cents": 439,
	"log_level":            "info",
	"log_dev_mode":         false,
	"api_key":              "",
	"cors_allow_origin":    "*",
	"webhook_url":          "",
	"service_name":         "bitcoin-trend",
}

var usage = map[string]string{
	"working_dir":          "directory the service runs in; relative paths resolve against it",
	"listen_addr":          "HTTP listen address",
	"db_connect_timeout":   "how long to keep retrying the initial database connection",
	"history_file":         "bootstrap CSV used to seed an empty store",
	"static_dir":           "directory served under /static/",
	"upstream_url":         "ticker endpoint polled by the updater",
	"upstream_timeout":     "per-request timeout for the ticker call (0 = transport default)",
	"upstream_attempts":    "attempts per updater cycle for the ticker call",
	"update_interval":      "wait between updater cycles",
	"freshness_window":     "skip the upstream call while the newest sample is younger than this",
	"fallback_price_cents": "price of the virtual sample at timestamp 0",
	"api_key":              "bearer token required on /api/ routes (empty disables auth)",
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func sortedKeys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterFlags adds one flag per config key (dashes instead of underscores).
func RegisterFlags(fs *pflag.FlagSet) {
	for _, key := range sortedKeys() {
		name := flagName(key)
		help := usage[key]
		if help == "" {
			help = strings.ReplaceAll(key, "_", " ")
		}
		switch v := defaults[key].(type) {
		case string:
			fs.String(name, v, help)
		case int:
			fs.Int(name, v, help)
		case bool:
			fs.Bool(name, v, help)
		}
	}
}

// Load merges, lowest priority first: built-in defaults, config/config.toml under
// the working directory, .env and the process environment, then flags.
// A missing config file is created with the defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	if flags != nil {
		for _, key := range sortedKeys() {
			if f := flags.Lookup(flagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	workDir, err := filepath.Abs(v.GetString("working_dir"))
	if err != nil {
		return nil, fmt.Errorf("config: working dir: %w", err)
	}

	var warnings []string
	path := filepath.Join(workDir, FileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := writeDefaults(path); err != nil {
			warnings = append(warnings, fmt.Sprintf("could not write default config to %s: %v", path, err))
			path = ""
		}
	} else if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	fallback := v.GetInt64("fallback_price_cents")
	if fallback < 0 || fallback > math.MaxUint32 {
		return nil, fmt.Errorf("config: fallback_price_cents %d out of range", fallback)
	}

	cfg := &Config{
		WorkingDir: workDir,
		ListenAddr: v.GetString("listen_addr"),

		DBHost:           v.GetString("db_host"),
		DBPort:           v.GetInt("db_port"),
		DBName:           v.GetString("db_name"),
		DBUser:           v.GetString("db_user"),
		DBPassword:       v.GetString("db_password"),
		DBMaxConns:       v.GetInt("db_max_conns"),
		DBMinConns:       v.GetInt("db_min_conns"),
		DBConnectTimeout: v.GetDuration("db_connect_timeout"),

		HistoryFile:        resolve(workDir, v.GetString("history_file")),
		BootstrapBatchSize: v.GetInt("bootstrap_batch_size"),
		StaticDir:          resolve(workDir, v.GetString("static_dir")),

		UpstreamURL:      v.GetString("upstream_url"),
		UpstreamTimeout:  v.GetDuration("upstream_timeout"),
		UpstreamAttempts: v.GetInt("upstream_attempts"),

		UpdateInterval:  v.GetDuration("update_interval"),
		FreshnessWindow: v.GetDuration("freshness_window"),

		FallbackPriceCents: uint32(fallback),

		LogLevel:   v.GetString("log_level"),
		LogDevMode: v.GetBool("log_dev_mode"),

		APIKey:          v.GetString("api_key"),
		CORSAllowOrigin: v.GetString("cors_allow_origin"),
		WebhookURL:      v.GetString("webhook_url"),
		ServiceName:     v.GetString("service_name"),

		ConfigFile: path,
		warnings:   warnings,
	}
	return cfg, nil
}

func writeDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	d := viper.New()
	for key, val := range defaults {
		d.Set(key, val)
	}
	return d.WriteConfigAs(path)
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) Validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "LISTEN_ADDR is required")
	}
	if c.DBHost == "" || c.DBName == "" {
		errs = append(errs, "DB_HOST and DB_NAME are required")
	}
	if c.DBPort <= 0 || c.DBPort > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT %d is not a valid port", c.DBPort))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, "DB_MIN_CONNS must be between 0 and DB_MAX_CONNS")
	}
	if c.DBConnectTimeout < 0 {
		errs = append(errs, "DB_CONNECT_TIMEOUT must not be negative")
	}
	if c.HistoryFile == "" {
		errs = append(errs, "HISTORY_FILE is required")
	}
	if c.BootstrapBatchSize <= 0 {
		errs = append(errs, "BOOTSTRAP_BATCH_SIZE must be positive")
	}
	if c.UpstreamAttempts <= 0 {
		errs = append(errs, "UPSTREAM_ATTEMPTS must be at least 1")
	}
	if c.UpstreamTimeout < 0 {
		errs = append(errs, "UPSTREAM_TIMEOUT must not be negative")
	}
	if c.UpdateInterval <= 0 {
		errs = append(errs, "UPDATE_INTERVAL must be positive")
	}
	if c.FreshnessWindow <= 0 {
		errs = append(errs, "FRESHNESS_WINDOW must be positive")
	}
	if err := httputil.CheckURL(c.UpstreamURL); err != nil {
		errs = append(errs, fmt.Sprintf("UPSTREAM_URL: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Warnings lists settings that are allowed but probably unintended.
func (c *Config) Warnings() []string {
	out := append([]string(nil), c.warnings...)
	if c.APIKey == "" {
		out = append(out, "API_KEY not set: price API has no authentication")
	}
	if c.UpstreamTimeout == 0 {
		out = append(out, "UPSTREAM_TIMEOUT is 0: a hung ticker call stalls the updater until it returns")
	}
	if c.FreshnessWindow >= c.UpdateInterval {
		out = append(out, "FRESHNESS_WINDOW >= UPDATE_INTERVAL: cycles after a successful insert will skip the upstream call")
	}
	return out
}

func (c *Config) Print(log *zap.Logger) {
	log.Info("configuration",
		zap.String("config_file", c.ConfigFile),
		zap.String("working_dir", c.WorkingDir),
		zap.String("listen_addr", c.ListenAddr),
		zap.String("db", fmt.Sprintf("%s@%s/%s", c.DBUser, net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)), c.DBName)),
		zap.Int("db_max_conns", c.DBMaxConns),
		zap.Duration("db_connect_timeout", c.DBConnectTimeout),
		zap.String("history_file", c.HistoryFile),
		zap.String("static_dir", c.StaticDir),
		zap.String("upstream_url", c.UpstreamURL),
		zap.Duration("upstream_timeout", c.UpstreamTimeout),
		zap.Int("upstream_attempts", c.UpstreamAttempts),
		zap.Duration("update_interval", c.UpdateInterval),
		zap.Duration("freshness_window", c.FreshnessWindow),
		zap.Uint32("fallback_price_cents", c.FallbackPriceCents),
		zap.Bool("api_auth", c.APIKey != ""),
		zap.Bool("webhook", c.WebhookURL != ""),
	)
}

func (c *Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
