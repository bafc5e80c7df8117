package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // SCHEDULE_TIMEZONE 在精简镜像里也能解析

	"github.com/manumohan/farm-automation/common/config"

	"github.com/google/uuid"
)

// Config 农场自动化服务配置（status worker 与 scheduler API 共用）
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 设备存活检测
	Liveness struct {
		OfflineThresholdMinutes int    // 超过该分钟数未上报即判定离线（严格大于）
		SweepIntervalSeconds    int    // 离线扫描周期
		RejectStale             bool   // 丢弃时间戳早于已知 last-seen 的状态
		StatusStream            string // 状态变化 Redis Stream
		StreamMaxLen            int64
	}

	// 计划冲突检测
	Schedule struct {
		LookAhead int    // 每个计划展开的次数
		Timezone  string // cron 表达式解释时区
	}

	HTTP struct {
		Addr string
	}

	Metrics struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "farm",
		SSLMode:  "disable",
		MaxConns: 10,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Host:     "localhost",
		Port:     1883,
		ClientID: "farm-status-worker-" + uuid.NewString()[:8],
		QoS:      0,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	var err error
	if cfg.Liveness.OfflineThresholdMinutes, err = getEnvInt("OFFLINE_THRESHOLD_MINUTES", 5); err != nil {
		return nil, err
	}
	if cfg.Liveness.SweepIntervalSeconds, err = getEnvInt("SWEEP_INTERVAL_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.Liveness.RejectStale, err = getEnvBool("LIVENESS_REJECT_STALE", false); err != nil {
		return nil, err
	}
	cfg.Liveness.StatusStream = getEnv("STATUS_STREAM", "farm:device:status:stream")
	maxLen, err := getEnvInt("STATUS_STREAM_MAXLEN", 100000)
	if err != nil {
		return nil, err
	}
	cfg.Liveness.StreamMaxLen = int64(maxLen)

	if cfg.Schedule.LookAhead, err = getEnvInt("SCHEDULE_LOOKAHEAD", 7); err != nil {
		return nil, err
	}
	cfg.Schedule.Timezone = getEnv("SCHEDULE_TIMEZONE", "UTC")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9102")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Liveness.OfflineThresholdMinutes <= 0 {
		errs = append(errs, errors.New("OFFLINE_THRESHOLD_MINUTES must be positive"))
	}
	if c.Liveness.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL_SECONDS must be positive"))
	}
	if c.Schedule.LookAhead <= 0 {
		errs = append(errs, errors.New("SCHEDULE_LOOKAHEAD must be positive"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("SCHEDULE_TIMEZONE: %w", err))
	}
	if c.Liveness.StatusStream == "" {
		errs = append(errs, errors.New("STATUS_STREAM must not be empty"))
	}
	return errors.Join(errs...)
}

// OfflineThreshold 离线阈值
func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(c.Liveness.OfflineThresholdMinutes) * time.Minute
}

// SweepInterval 扫描周期
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Liveness.SweepIntervalSeconds) * time.Second
}

// Location 计划时区，Validate 之后调用
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}
