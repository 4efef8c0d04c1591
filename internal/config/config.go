// Package config 提供服務配置的加載與默認值
//
// 配置來源優先級（12-Factor App）：
//  1. 環境變量（容器化部署）
//  2. YAML 配置文件
//  3. 代碼內默認值（便於本地開發）
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務配置
type Config struct {
	Server struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	// Cache 重定向快取策略
	Cache struct {
		TTL time.Duration `yaml:"ttl"` // 快取條目壽命（默認 1 小時）
	} `yaml:"cache"`

	// Recorder 訪問記錄（異步路徑）
	Recorder struct {
		MaxRetries int           `yaml:"max_retries"` // 單個 Redis 操作的重試上限
		RetryDelay time.Duration `yaml:"retry_delay"`
		Timeout    time.Duration `yaml:"timeout"` // 異步任務整體超時
	} `yaml:"recorder"`

	// Flush 批量落盤
	Flush struct {
		Interval       time.Duration `yaml:"interval"`        // 定時週期（默認 5 分鐘）
		BatchSize      int           `yaml:"batch_size"`      // 單次原子出隊上限
		MaxAttempts    int           `yaml:"max_attempts"`    // 事務重試上限
		RetryDelay     time.Duration `yaml:"retry_delay"`     // 重試基數（指數退避）
		LockTTL        time.Duration `yaml:"lock_ttl"`        // 跨實例互斥租約
		AlertThreshold int           `yaml:"alert_threshold"` // 連續失敗告警閾值
	} `yaml:"flush"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`  // debug / info / warn / error
		Format string `yaml:"format"` // json / text
	} `yaml:"log"`

	MachineID int64 `yaml:"machine_id"` // Snowflake 機器 ID（0-1023）
}

// Default 返回帶默認值的配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "postgres"
	cfg.Postgres.DBName = "shortlink"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Cache.TTL = time.Hour

	cfg.Recorder.MaxRetries = 2
	cfg.Recorder.RetryDelay = 50 * time.Millisecond
	cfg.Recorder.Timeout = 3 * time.Second

	cfg.Flush.Interval = 5 * time.Minute
	cfg.Flush.BatchSize = 500
	cfg.Flush.MaxAttempts = 3
	cfg.Flush.RetryDelay = time.Second
	cfg.Flush.LockTTL = time.Minute
	cfg.Flush.AlertThreshold = 3

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	cfg.MachineID = 1

	return cfg
}

// Load 加載配置：默認值 → YAML 文件（可選）→ 環境變量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			// 文件不存在不是錯誤，使用默認值
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	return cfg, nil
}

// applyEnv 環境變量覆蓋
func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("MACHINE_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MachineID = id
		}
	}
	// DATABASE_URL 在 PostgresDSN 中處理
}

// PostgresDSN 生成 PostgreSQL 連接字串
//
// DATABASE_URL 環境變量優先（託管平台慣例），否則由配置拼接。
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

// PostgresURL 生成 URL 形式的連接字串（golang-migrate 需要）
func (c *Config) PostgresURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
