package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	PTrack   PTrackConfig   `yaml:"ptrack"   envPrefix:"PTRACK_"`
	Carriers CarriersConfig `yaml:"carriers" envPrefix:"PTRACK_CARRIERS_"`
	Kafka    KafkaConfig    `yaml:"kafka"    envPrefix:"PTRACK_KAFKA_"`
	Redis    RedisConfig    `yaml:"redis"    envPrefix:"PTRACK_REDIS_"`
}

type PTrackConfig struct {
	SourceFile            string `yaml:"source_file"             env:"SOURCE_FILE"`
	RescanIntervalSeconds int    `yaml:"rescan_interval_seconds" env:"RESCAN_INTERVAL_SECONDS"`
	RescanJitterSeconds   int    `yaml:"rescan_jitter_seconds"   env:"RESCAN_JITTER_SECONDS"`
	RefreshSeconds        int    `yaml:"refresh_seconds"         env:"REFRESH_SECONDS"`
	ViewMode              string `yaml:"view_mode"               env:"VIEW_MODE"`
	Concurrency           int    `yaml:"concurrency"             env:"CONCURRENCY"`
	LogLevel              string `yaml:"log_level"               env:"LOG_LEVEL"`

	HTTPAddr    string `yaml:"http_addr"    env:"HTTP_ADDR"`
	SwaggerPath string `yaml:"swagger_path" env:"SWAGGER_PATH"`
}

type CarriersConfig struct {
	UserAgent          string  `yaml:"user_agent"            env:"USER_AGENT"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"       env:"TIMEOUT_SECONDS"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"   env:"REQUESTS_PER_SECOND"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute" env:"RATE_LIMIT_PER_MINUTE"`

	DHL        DHLConfig        `yaml:"dhl"        envPrefix:"DHL_"`
	Asendia    AsendiaConfig    `yaml:"asendia"    envPrefix:"ASENDIA_"`
	GlobalPost GlobalPostConfig `yaml:"globalpost" envPrefix:"GLOBALPOST_"`
	GLS        GLSConfig        `yaml:"gls"        envPrefix:"GLS_"`
	Fake       FakeConfig       `yaml:"fake"       envPrefix:"FAKE_"`
}

type DHLConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

type AsendiaConfig struct {
	BaseURL     string `yaml:"base_url"     env:"BASE_URL"`
	APIKey      string `yaml:"api_key"      env:"API_KEY"`
	TrackingKey string `yaml:"tracking_key" env:"TRACKING_KEY"`
	AuthHeader  string `yaml:"auth_header"  env:"AUTH_HEADER"`
}

type GlobalPostConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

type GLSConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	Lang    string `yaml:"lang"     env:"LANG"`
}

type FakeConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"                          env:"HOST"`
	Port                     int    `yaml:"port"                          env:"PORT"`
	ShipmentChangedTopicName string `yaml:"shipment_changed_topic_name"   env:"SHIPMENT_CHANGED_TOPIC_NAME"`
	FollowConsumerGroup      string `yaml:"follow_consumer_group"         env:"FOLLOW_CONSUMER_GROUP"`
}

type RedisConfig struct {
	Host        string `yaml:"host"         env:"HOST"`
	Port        int    `yaml:"port"         env:"PORT"`
	Password    string `yaml:"password"     env:"PASSWORD"`
	DB          int    `yaml:"db"           env:"DB"`
	SnapshotKey string `yaml:"snapshot_key" env:"SNAPSHOT_KEY"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config.WithDefaults(), nil
}

// ApplyEnv overrides values with PTRACK_* environment variables. Unset
// variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Default returns the configuration used when no config file is given.
func Default() (*Config, error) {
	var c Config
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	return c.WithDefaults(), nil
}

func (c *Config) WithDefaults() *Config {
	p := &c.PTrack
	if p.RescanIntervalSeconds <= 0 {
		p.RescanIntervalSeconds = 20 * 60
	}
	if p.RefreshSeconds <= 0 {
		p.RefreshSeconds = 1
	}
	if p.ViewMode == "" {
		p.ViewMode = "compact"
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 8
	}
	if p.LogLevel == "" {
		p.LogLevel = "warn"
	}
	if p.HTTPAddr == "" {
		p.HTTPAddr = ":8090"
	}
	if p.SwaggerPath == "" {
		p.SwaggerPath = "api/ptrack.swagger.json"
	}

	cr := &c.Carriers
	if cr.TimeoutSeconds <= 0 {
		cr.TimeoutSeconds = 30
	}
	if cr.RateLimitPerMinute <= 0 {
		cr.RateLimitPerMinute = 60
	}
	if cr.GLS.Lang == "" {
		cr.GLS.Lang = "de"
	}

	if c.Kafka.ShipmentChangedTopicName == "" {
		c.Kafka.ShipmentChangedTopicName = "shipment.changed"
	}
	if c.Redis.SnapshotKey == "" {
		c.Redis.SnapshotKey = "ptrack:snapshot"
	}
	return c
}

func (p PTrackConfig) RescanInterval() time.Duration {
	return time.Duration(p.RescanIntervalSeconds) * time.Second
}

func (p PTrackConfig) RescanJitter() time.Duration {
	return time.Duration(p.RescanJitterSeconds) * time.Second
}

func (p PTrackConfig) Refresh() time.Duration {
	return time.Duration(p.RefreshSeconds) * time.Second
}

func (c CarriersConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether a broker is configured at all.
func (k KafkaConfig) Enabled() bool {
	return k.Host != "" && k.Port > 0
}

func (k KafkaConfig) Addr() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

func (r RedisConfig) Enabled() bool {
	return r.Host != "" && r.Port > 0
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
