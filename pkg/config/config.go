package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 网关配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	IngestTopic string   `mapstructure:"ingest_topic"`
	GapTopic    string   `mapstructure:"gap_topic"`
}

// GatewayConfig 网关核心配置
type GatewayConfig struct {
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
}

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	Interval int `mapstructure:"interval"` // 心跳间隔（秒）
	Timeout  int `mapstructure:"timeout"`  // 读超时（秒），超时走断连清理
}

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	LeaseTTL          int `mapstructure:"lease_ttl"`          // 租约有效期（秒）
	ReconcileInterval int `mapstructure:"reconcile_interval"` // 过期租约清理间隔（秒）
}

// BridgeConfig 广播桥配置
type BridgeConfig struct {
	PublishRetries int `mapstructure:"publish_retries"` // 发布重试次数
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
	PingInterval   int `mapstructure:"ping_interval"` // 健康探测间隔（秒）
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// HeartbeatIntervalDuration 心跳间隔
func (c HeartbeatConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// TimeoutDuration 读超时
func (c HeartbeatConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// LeaseTTLDuration 租约有效期
func (c PresenceConfig) LeaseTTLDuration() time.Duration {
	return time.Duration(c.LeaseTTL) * time.Second
}

// ReconcileIntervalDuration 清理间隔
func (c PresenceConfig) ReconcileIntervalDuration() time.Duration {
	return time.Duration(c.ReconcileInterval) * time.Second
}

// RetryBackoff 发布重试退避
func (c BridgeConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// PingIntervalDuration 健康探测间隔
func (c BridgeConfig) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// Load 加载配置：config.yaml + 环境变量，均可缺省
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")

	v.AutomaticEnv()

	// 默认值
	v.SetDefault("app.name", "chatgate")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.jwt_secret", "chatgate-dev-secret")
	v.SetDefault("server.addr", ":21100")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "chatgate-ingest")
	v.SetDefault("kafka.ingest_topic", "message-events")
	v.SetDefault("kafka.gap_topic", "delivery-gaps")
	v.SetDefault("gateway.heartbeat.interval", 10)
	v.SetDefault("gateway.heartbeat.timeout", 30)
	v.SetDefault("gateway.presence.lease_ttl", 45)
	v.SetDefault("gateway.presence.reconcile_interval", 30)
	v.SetDefault("gateway.bridge.publish_retries", 3)
	v.SetDefault("gateway.bridge.retry_backoff_ms", 200)
	v.SetDefault("gateway.bridge.ping_interval", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.sample_rate", 1.0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// 配置文件未找到，使用默认值
			log.Println("Config file not found, using default values")
		} else {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	return &cfg, nil
}
