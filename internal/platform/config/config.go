// Package config loads process configuration from the environment.
// Values that operators tune at runtime (budgets, feature flags, cache TTLs)
// live in the runtime config store instead.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Addr            string
	Environment     string
	AdminToken      string
	UpstreamURL     string
	TrustedProxies  []string
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// OpTimeout bounds each abuse-chain round trip before falling back locally.
	OpTimeout time.Duration
}

type KafkaConfig struct {
	Brokers        string
	ViolationTopic string
	Acks           string
	Retries        int
}

type AuthConfig struct {
	JWTSigningKey string
	JWTIssuer     string
}

type CaptchaConfig struct {
	Secret    string
	VerifyURL string
}

type Config struct {
	Server            Server
	Redis             RedisConfig
	Kafka             KafkaConfig
	Auth              AuthConfig
	Captcha           CaptchaConfig
	RuntimeConfigFile string
	CleanupInterval   time.Duration
}

// IsProduction reports whether ENVIRONMENT is "production".
func (c Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// FromEnv reads configuration, loading a .env file first when one exists.
// Variables already set in the environment win over the file.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	cfg := Config{
		Server: Server{
			Addr:            getString("ADDR", ":8080"),
			Environment:     getString("ENVIRONMENT", "development"),
			AdminToken:      os.Getenv("ADMIN_API_TOKEN"),
			UpstreamURL:     os.Getenv("UPSTREAM_URL"),
			TrustedProxies:  getList("TRUSTED_PROXIES"),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 20, &errs),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2, &errs),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 2*time.Second, &errs),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 500*time.Millisecond, &errs),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond, &errs),
			OpTimeout:    getDuration("REDIS_TIMEOUT", 50*time.Millisecond, &errs),
		},
		Kafka: KafkaConfig{
			Brokers:        os.Getenv("KAFKA_BROKERS"),
			ViolationTopic: getString("KAFKA_VIOLATION_TOPIC", "bulwark.violations"),
			Acks:           getString("KAFKA_ACKS", "1"),
			Retries:        getInt("KAFKA_RETRIES", 3, &errs),
		},
		Auth: AuthConfig{
			JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
			JWTIssuer:     os.Getenv("JWT_ISSUER"),
		},
		Captcha: CaptchaConfig{
			Secret:    os.Getenv("CAPTCHA_SECRET"),
			VerifyURL: getString("CAPTCHA_VERIFY_URL", "https://hcaptcha.com/siteverify"),
		},
		RuntimeConfigFile: os.Getenv("RUNTIME_CONFIG_FILE"),
		CleanupInterval:   getDuration("CLEANUP_INTERVAL", time.Minute, &errs),
	}

	if cfg.CleanupInterval < time.Minute || cfg.CleanupInterval > 5*time.Minute {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL must be between 1m and 5m, got %s", cfg.CleanupInterval))
	}
	if cfg.IsProduction() && cfg.Server.AdminToken == "" {
		errs = append(errs, errors.New("ADMIN_API_TOKEN is required in production"))
	}
	return cfg, errors.Join(errs...)
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getInt(key string, def int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}
