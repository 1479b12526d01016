// Package config loads agentd's runtime configuration via spf13/viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig controls the optional admin/observability HTTP surface.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DatabaseConfig controls the embedded durable store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig controls the remote pub/sub channel stand-in.
type PubSubConfig struct {
	// Provider selects the Channel implementation: "websocket" or "memory".
	Provider         string        `mapstructure:"provider"`
	ListenAddr       string        `mapstructure:"listen_addr"`
	TokenLifetime    time.Duration `mapstructure:"token_lifetime"`
	TokenMinRefresh  time.Duration `mapstructure:"token_min_refresh"`
}

// BusConfig controls the internal event bus.
type BusConfig struct {
	// NATSURL, when non-empty, selects the NATS-backed bus; empty means in-memory.
	NATSURL string `mapstructure:"nats_url"`
}

// RESTConfig controls the outbound REST client.
type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkerConfig controls worker child-process spawning.
type WorkerConfig struct {
	BinaryPath   string        `mapstructure:"binary_path"`
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	WorkspaceDir string        `mapstructure:"workspace_dir"`
}

// EscalationConfig controls the cancellation escalation ladder (§4.2).
type EscalationConfig struct {
	N1 time.Duration `mapstructure:"n1"` // time before SIGTERM
	N2 time.Duration `mapstructure:"n2"` // time before SIGKILL
}

// SchedulerConfig controls the heartbeat/poll ticker (§4.6).
type SchedulerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ConnectedInterval time.Duration `mapstructure:"connected_interval"`
}

// OutboxConfig controls the outbound flusher (§4.5).
type OutboxConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetryCap      int           `mapstructure:"retry_cap"` // 0 disables the cap
	BatchSize     int           `mapstructure:"batch_size"`
}

// OrphanConfig controls startup orphan recovery (§4.7).
type OrphanConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	OrphanDeadline time.Duration `mapstructure:"orphan_deadline"`
}

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig       `mapstructure:"server"`
	Database   DatabaseConfig     `mapstructure:"database"`
	PubSub     PubSubConfig       `mapstructure:"pubsub"`
	Bus        BusConfig          `mapstructure:"bus"`
	REST       RESTConfig         `mapstructure:"rest"`
	Worker     WorkerConfig       `mapstructure:"worker"`
	Escalation EscalationConfig   `mapstructure:"escalation"`
	Scheduler  SchedulerConfig    `mapstructure:"scheduler"`
	Outbox     OutboxConfig       `mapstructure:"outbox"`
	Orphan     OrphanConfig       `mapstructure:"orphan"`
	Logging    LoggingConfig      `mapstructure:"logging"`
}

// LoggingConfig mirrors logger.Config so viper can bind it directly.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads configuration from environment variables (prefixed AGENTD_),
// an optional config file, and built-in defaults, then validates the result.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an explicit config file path (empty searches
// the default locations).
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.AutomaticEnv()
	bindEnvVars(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8089")

	v.SetDefault("database.path", "./agentd.db")

	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("pubsub.listen_addr", ":8090")
	v.SetDefault("pubsub.token_lifetime", 30*time.Minute)
	v.SetDefault("pubsub.token_min_refresh", 1*time.Minute)

	v.SetDefault("bus.nats_url", "")

	v.SetDefault("rest.base_url", "http://localhost:4000")
	v.SetDefault("rest.timeout", 10*time.Second)

	v.SetDefault("worker.binary_path", "./bin/worker")
	v.SetDefault("worker.spawn_timeout", 10*time.Second)
	v.SetDefault("worker.ready_timeout", 15*time.Second)
	v.SetDefault("worker.workspace_dir", "./workspace")

	v.SetDefault("escalation.n1", 10*time.Second)
	v.SetDefault("escalation.n2", 20*time.Second)

	v.SetDefault("scheduler.poll_interval", 3*time.Minute)
	v.SetDefault("scheduler.connected_interval", 5*time.Minute)

	v.SetDefault("outbox.flush_interval", 10*time.Second)
	v.SetDefault("outbox.retry_cap", 20)
	v.SetDefault("outbox.batch_size", 50)

	v.SetDefault("orphan.poll_interval", 10*time.Second)
	v.SetDefault("orphan.orphan_deadline", 30*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")
}

func bindEnvVars(v *viper.Viper) {
	keys := []string{
		"server.enabled", "server.addr",
		"database.path",
		"pubsub.provider", "pubsub.listen_addr", "pubsub.token_lifetime", "pubsub.token_min_refresh",
		"bus.nats_url",
		"rest.base_url", "rest.timeout",
		"worker.binary_path", "worker.spawn_timeout", "worker.ready_timeout", "worker.workspace_dir",
		"escalation.n1", "escalation.n2",
		"scheduler.poll_interval", "scheduler.connected_interval",
		"outbox.flush_interval", "outbox.retry_cap", "outbox.batch_size",
		"orphan.poll_interval", "orphan.orphan_deadline",
		"logging.level", "logging.format", "logging.output_path",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func validate(cfg *Config) error {
	if cfg.Worker.BinaryPath == "" {
		return fmt.Errorf("worker.binary_path must be set")
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if cfg.Escalation.N1 <= 0 || cfg.Escalation.N2 <= cfg.Escalation.N1 {
		return fmt.Errorf("escalation.n2 must be greater than escalation.n1, both positive")
	}
	if cfg.Outbox.RetryCap < 0 {
		return fmt.Errorf("outbox.retry_cap must be >= 0")
	}
	switch cfg.PubSub.Provider {
	case "websocket", "memory":
	default:
		return fmt.Errorf("pubsub.provider must be websocket or memory, got %q", cfg.PubSub.Provider)
	}
	return nil
}
