// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv は設定ファイルのパスを指定する環境変数名。
const ConfigFileEnv = "CONFIG_FILE"

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
// 設定ファイル（YAML）の値を既定値とし、環境変数で上書きする。
type Config struct {
	// Database
	DatabaseURL       string        `yaml:"database_url"`
	DBMaxOpenConns    int           `yaml:"db_max_open_conns"`
	DBMaxIdleConns    int           `yaml:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `yaml:"db_conn_max_lifetime"`

	// Auth
	AuthJWTSecret string        `yaml:"auth_jwt_secret"`
	AuthJWTIssuer string        `yaml:"auth_jwt_issuer"`
	AuthJWTLeeway time.Duration `yaml:"auth_jwt_leeway"`

	// Rate Limit（req/min/メンバー）
	RateLimitGeneral int `yaml:"rate_limit_general"`
	RateLimitSignup  int `yaml:"rate_limit_signup"`

	// Signup
	AdmissionLockTimeout time.Duration `yaml:"admission_lock_timeout"`
	DefaultPageSize      int           `yaml:"default_page_size"`

	// Worker
	ExpiryInterval  time.Duration `yaml:"expiry_interval"`
	ExpiryBatchSize int           `yaml:"expiry_batch_size"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Server
	ServerPort string `yaml:"server_port"`

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string `yaml:"cors_allowed_origin"`
}

// Default は既定値を設定したConfigを返す。必須項目は空のまま。
func Default() *Config {
	return &Config{
		DBMaxOpenConns:       25,
		DBMaxIdleConns:       5,
		DBConnMaxLifetime:    30 * time.Minute,
		AuthJWTLeeway:        30 * time.Second,
		RateLimitGeneral:     120,
		RateLimitSignup:      10,
		AdmissionLockTimeout: 5 * time.Second,
		DefaultPageSize:      20,
		ExpiryInterval:       24 * time.Hour,
		ExpiryBatchSize:      200,
		LogLevel:             "info",
		ServerPort:           "8080",
		CORSAllowedOrigin:    "http://localhost:3000",
	}
}

// Load は設定ファイル（CONFIG_FILE が指定されている場合）と環境変数からConfigを読み込む。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile はYAML設定ファイルの値をcfgに重ねる。未知のキーはエラーにする。
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("設定ファイル %s の解析に失敗しました: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabaseURL = getEnvString("DATABASE_URL", c.DatabaseURL)
	c.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.DBMaxOpenConns)
	c.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.DBMaxIdleConns)
	c.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetime)
	c.AuthJWTSecret = getEnvString("AUTH_JWT_SECRET", c.AuthJWTSecret)
	c.AuthJWTIssuer = getEnvString("AUTH_JWT_ISSUER", c.AuthJWTIssuer)
	c.AuthJWTLeeway = getEnvDuration("AUTH_JWT_LEEWAY", c.AuthJWTLeeway)
	c.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", c.RateLimitGeneral)
	c.RateLimitSignup = getEnvInt("RATE_LIMIT_SIGNUP", c.RateLimitSignup)
	c.AdmissionLockTimeout = getEnvDuration("ADMISSION_LOCK_TIMEOUT", c.AdmissionLockTimeout)
	c.DefaultPageSize = getEnvInt("DEFAULT_PAGE_SIZE", c.DefaultPageSize)
	c.ExpiryInterval = getEnvDuration("EXPIRY_INTERVAL", c.ExpiryInterval)
	c.ExpiryBatchSize = getEnvInt("EXPIRY_BATCH_SIZE", c.ExpiryBatchSize)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.ServerPort = getEnvString("SERVER_PORT", c.ServerPort)
	c.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", c.CORSAllowedOrigin)
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if c.RateLimitGeneral <= 0 || c.RateLimitSignup <= 0 {
		return fmt.Errorf("rate limits must be positive: general=%d signup=%d", c.RateLimitGeneral, c.RateLimitSignup)
	}
	if c.AdmissionLockTimeout <= 0 {
		return fmt.Errorf("ADMISSION_LOCK_TIMEOUT must be positive: %s", c.AdmissionLockTimeout)
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("EXPIRY_INTERVAL must be positive: %s", c.ExpiryInterval)
	}
	if c.ExpiryBatchSize <= 0 {
		return fmt.Errorf("EXPIRY_BATCH_SIZE must be positive: %d", c.ExpiryBatchSize)
	}
	return nil
}

// CORSAllowedOrigins はカンマ区切りのCORS許可オリジンを分割して返す。
func (c *Config) CORSAllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
