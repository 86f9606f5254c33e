// Package config loads server settings from an optional easel.yaml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Server struct {
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Rooms struct {
		DefaultRoom  string `mapstructure:"default_room"`
		PasswordCost int    `mapstructure:"password_cost"`
	} `mapstructure:"rooms"`
	WS struct {
		MaxMessageSize    int64   `mapstructure:"max_message_size"`
		MessagesPerSecond float64 `mapstructure:"messages_per_second"`
		MessageBurst      int     `mapstructure:"message_burst"`
		MaxViolations     int     `mapstructure:"max_violations"`
		SendBuffer        int     `mapstructure:"send_buffer"`
	} `mapstructure:"ws"`
	API struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"api"`
	Archive struct {
		Path      string        `mapstructure:"path"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"archive"`
	Janitor struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"janitor"`
	Journal struct {
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"journal"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("rooms.default_room", "lobby")
	v.SetDefault("rooms.password_cost", bcrypt.DefaultCost)
	v.SetDefault("ws.max_message_size", 1024*1024)
	v.SetDefault("ws.messages_per_second", 100)
	v.SetDefault("ws.message_burst", 200)
	v.SetDefault("ws.max_violations", 1000)
	v.SetDefault("ws.send_buffer", 512)
	v.SetDefault("api.requests_per_second", 20)
	v.SetDefault("api.burst", 40)
	v.SetDefault("archive.path", "")
	v.SetDefault("archive.retention", 7*24*time.Hour)
	v.SetDefault("janitor.interval", time.Minute)
	v.SetDefault("journal.queue_size", 10000)
	v.SetDefault("journal.workers", 4)
	v.SetDefault("journal.max_retry", 3)
	v.SetDefault("journal.base_backoff", 50*time.Millisecond)
	v.SetDefault("journal.max_backoff", time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.ttl", 10*time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "easel.events")
}

// Load reads configuration. With an empty file it looks for easel.yaml in
// ./config and the working directory and carries on without one. Any key can
// be overridden with EASEL_<SECTION>_<KEY>; PORT is honoured as well.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EASEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "EASEL_SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("easel")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Rooms.DefaultRoom) == "" {
		return errors.New("rooms.default_room must not be blank")
	}
	if c.Rooms.PasswordCost < bcrypt.MinCost || c.Rooms.PasswordCost > bcrypt.MaxCost {
		return fmt.Errorf("rooms.password_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.WS.MessagesPerSecond <= 0 || c.WS.MessageBurst <= 0 {
		return errors.New("ws rate limits must be positive")
	}
	// The janitor refreshes presence once per interval.
	if c.Redis.TTL <= c.Janitor.Interval {
		return fmt.Errorf("redis.ttl (%v) must exceed janitor.interval (%v)", c.Redis.TTL, c.Janitor.Interval)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
