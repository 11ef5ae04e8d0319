package main

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type storageConfig struct {
	Backend       string `yaml:"backend"` // memory, sqlite, postgres, redis
	SQLitePath    string `yaml:"sqlite_path"`
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type kafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type config struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	PolicyFile string `yaml:"policy_file"`
	AdminToken string `yaml:"admin_token"`

	TrashDir      string        `yaml:"trash_dir"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	GPUDiscovery  bool          `yaml:"gpu_discovery"`

	Storage storageConfig `yaml:"storage"`
	Kafka   kafkaConfig   `yaml:"kafka"`

	CORSOrigins      []string `yaml:"cors_origins"`
	WSOriginPatterns []string `yaml:"ws_origin_patterns"`
	RateLimitRPS     int      `yaml:"rate_limit_rps"`
	RateLimitBurst   int      `yaml:"rate_limit_burst"`
}

func defaultConfig() config {
	return config{
		ListenAddr:    "127.0.0.1:8300",
		LogLevel:      "info",
		PolicyFile:    "policy.yaml",
		TrashDir:      "data/trash",
		SweepInterval: 6 * time.Hour,
		Storage: storageConfig{
			Backend:    "sqlite",
			SQLitePath: "data/warden.db",
		},
		Kafka: kafkaConfig{Topic: "warden.events"},
	}
}

// loadConfig reads .env, the YAML file named by WARDEN_CONFIG (default
// config.yaml), then applies environment overrides.
func loadConfig() config {
	_ = godotenv.Load()

	cfgFile := "config.yaml"
	if v := os.Getenv("WARDEN_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := defaultConfig()
	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Str("file", cfgFile).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	applyEnv(&cfg, os.Getenv)
	return cfg
}

func applyEnv(cfg *config, getenv func(string) string) {
	if v := getenv("WARDEN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("WARDEN_POLICY"); v != "" {
		cfg.PolicyFile = v
	}
	if v := getenv("WARDEN_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := getenv("WARDEN_TRASH_DIR"); v != "" {
		cfg.TrashDir = v
	}
	if v := getenv("WARDEN_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.RedisDB = n
		}
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ensureAdminToken generates a one-off admin token when none is configured.
func ensureAdminToken(cfg *config) {
	if cfg.AdminToken != "" {
		return
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msg("failed to generate admin token")
	}
	cfg.AdminToken = hex.EncodeToString(b)
	log.Warn().Str("admin_token", cfg.AdminToken).Msg("no admin_token configured, generated one for this run")
}
