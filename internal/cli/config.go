package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit/archive"
	"github.com/ChuLiYu/assignment-scheduler/internal/audit/journal"
	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/internal/dispatcher"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/sla"
	"github.com/ChuLiYu/assignment-scheduler/internal/worker"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCHEDULER_"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Store struct {
		Driver           string        `yaml:"driver"` // memory | sqlite | postgres
		Path             string        `yaml:"path"`   // sqlite 檔案
		DSN              string        `yaml:"dsn"`    // postgres 連線字串
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotBackups  int           `yaml:"snapshot_backups"`
	} `yaml:"store"`

	Dispatcher dispatcher.Config `yaml:"dispatcher"`
	Worker     worker.Config     `yaml:"worker"`

	SLA struct {
		Policy             sla.Policy    `yaml:"policy"`
		EscalationCooldown time.Duration `yaml:"escalation_cooldown"`
		ScanInterval       time.Duration `yaml:"scan_interval"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
	} `yaml:"sla"`

	RateLimit struct {
		Backend  string             `yaml:"backend"` // memory | redis
		Policies ratelimit.Policies `yaml:"policies"`
	} `yaml:"rate_limit"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Audit struct {
		JournalPath    string         `yaml:"journal_path"`
		BufferSize     int            `yaml:"buffer_size"`
		FlushInterval  time.Duration  `yaml:"flush_interval"`
		RotateInterval time.Duration  `yaml:"rotate_interval"`
		Archive        archive.Config `yaml:"archive"` // Bucket 為空時不上傳
	} `yaml:"audit"`

	Notifier struct {
		Kind    string        `yaml:"kind"` // log | http
		URL     string        `yaml:"url"`
		Channel string        `yaml:"channel"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"notifier"`

	Metrics struct {
		Enabled       bool          `yaml:"enabled"`
		Addr          string        `yaml:"addr"`
		GaugeInterval time.Duration `yaml:"gauge_interval"`
	} `yaml:"metrics"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`
}

// Default returns a configuration that runs a single in-memory scheduler.
func Default() *Config {
	cc := controller.DefaultConfig()
	cfg := &Config{}
	cfg.Store.Driver = "memory"
	cfg.Store.Path = "data/scheduler.db"
	cfg.Store.SnapshotPath = "data/snapshot.json"
	cfg.Store.SnapshotInterval = cc.SnapshotInterval
	cfg.Store.SnapshotBackups = cc.SnapshotBackups
	cfg.Dispatcher = cc.Dispatcher
	cfg.Worker = cc.Worker
	cfg.SLA.Policy = cc.SLAPolicy
	cfg.SLA.EscalationCooldown = cc.EscalationCooldown
	cfg.SLA.ScanInterval = cc.ScanInterval
	cfg.SLA.SweepInterval = cc.SweepInterval
	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.Policies = cc.RateLimits
	cfg.Redis.Addr = "localhost:6379"
	cfg.Audit.JournalPath = "data/audit.jsonl"
	cfg.Audit.BufferSize = cc.Journal.BufferSize
	cfg.Audit.FlushInterval = cc.Journal.FlushInterval
	cfg.Audit.RotateInterval = cc.RotateInterval
	cfg.Notifier.Kind = "log"
	cfg.Notifier.Channel = "email"
	cfg.Notifier.Timeout = 5 * time.Second
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	cfg.Metrics.GaugeInterval = cc.GaugeInterval
	cfg.Server.Addr = ":50051"
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig 讀取 YAML（未出現的欄位保留預設值），再套用環境變數
func loadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	applyEnv(cfg, newEnvLoader(EnvPrefix))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, sqlite or postgres", c.Store.Driver))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis rate limit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q: want memory or redis", c.RateLimit.Backend))
	}
	switch c.Notifier.Kind {
	case "log":
	case "http":
		if c.Notifier.URL == "" {
			errs = append(errs, errors.New("notifier.url is required for the http notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("notifier.kind %q: want log or http", c.Notifier.Kind))
	}
	if err := c.SLA.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SLA.EscalationCooldown < 0 {
		errs = append(errs, errors.New("sla.escalation_cooldown must be >= 0"))
	}
	for class, p := range c.RateLimit.Policies {
		if p.Limit <= 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.policies.%s: limit and window must be positive", class))
		}
	}
	if c.Worker.Workers < 0 || c.Dispatcher.BatchSize < 0 {
		errs = append(errs, errors.New("worker.workers and dispatcher.batch_size must be >= 0"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Controller 轉成 controller.Config
func (c *Config) Controller() controller.Config {
	cc := controller.DefaultConfig()
	cc.Dispatcher = c.Dispatcher
	cc.Worker = c.Worker
	cc.SLAPolicy = c.SLA.Policy
	cc.RateLimits = c.RateLimit.Policies
	cc.EscalationCooldown = c.SLA.EscalationCooldown
	cc.ScanInterval = c.SLA.ScanInterval
	cc.SweepInterval = c.SLA.SweepInterval
	cc.GaugeInterval = c.Metrics.GaugeInterval
	cc.SnapshotInterval = c.Store.SnapshotInterval
	cc.SnapshotBackups = c.Store.SnapshotBackups
	cc.SnapshotPath = ""
	if c.Store.Driver == "memory" {
		cc.SnapshotPath = c.Store.SnapshotPath
	}
	cc.JournalPath = c.Audit.JournalPath
	cc.Journal = journal.Options{BufferSize: c.Audit.BufferSize, FlushInterval: c.Audit.FlushInterval}
	cc.RotateInterval = c.Audit.RotateInterval
	return cc
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return lvl, nil
}

// ----------------------------------------------------------------------------
// 環境變數覆寫
// ----------------------------------------------------------------------------

// envLoader reads variables that share a prefix.
type envLoader struct {
	prefix string
}

func newEnvLoader(prefix string) envLoader {
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return envLoader{prefix: prefix}
}

func (l envLoader) String(key, def string) string {
	if val := os.Getenv(l.prefix + key); val != "" {
		return val
	}
	return def
}

func (l envLoader) Int(key string, def int) int {
	if val := os.Getenv(l.prefix + key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// Duration accepts Go duration syntax ("90s") or plain seconds ("90").
func (l envLoader) Duration(key string, def time.Duration) time.Duration {
	val := os.Getenv(l.prefix + key)
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

func (l envLoader) Bool(key string, def bool) bool {
	if val := os.Getenv(l.prefix + key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func applyEnv(c *Config, env envLoader) {
	c.Store.Driver = env.String("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = env.String("STORE_PATH", c.Store.Path)
	c.Store.DSN = env.String("STORE_DSN", c.Store.DSN)
	c.Store.SnapshotPath = env.String("SNAPSHOT_PATH", c.Store.SnapshotPath)
	c.Worker.Workers = env.Int("WORKERS", c.Worker.Workers)
	c.SLA.ScanInterval = env.Duration("SLA_SCAN_INTERVAL", c.SLA.ScanInterval)
	c.SLA.EscalationCooldown = env.Duration("ESCALATION_COOLDOWN", c.SLA.EscalationCooldown)
	c.RateLimit.Backend = env.String("RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.Redis.Addr = env.String("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env.String("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.Int("REDIS_DB", c.Redis.DB)
	c.Audit.JournalPath = env.String("JOURNAL_PATH", c.Audit.JournalPath)
	c.Audit.Archive.Bucket = env.String("ARCHIVE_BUCKET", c.Audit.Archive.Bucket)
	c.Audit.Archive.Region = env.String("ARCHIVE_REGION", c.Audit.Archive.Region)
	c.Audit.Archive.Endpoint = env.String("ARCHIVE_ENDPOINT", c.Audit.Archive.Endpoint)
	c.Notifier.Kind = env.String("NOTIFIER_KIND", c.Notifier.Kind)
	c.Notifier.URL = env.String("NOTIFIER_URL", c.Notifier.URL)
	c.Metrics.Enabled = env.Bool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = env.String("METRICS_ADDR", c.Metrics.Addr)
	c.Server.Addr = env.String("SERVER_ADDR", c.Server.Addr)
	c.Log.Level = env.String("LOG_LEVEL", c.Log.Level)
}
