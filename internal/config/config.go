package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Probe        ProbeConfig        `json:"probe" yaml:"probe"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Redis        RedisConfig        `json:"redis" yaml:"redis"`
	ContextStore ContextStoreConfig `json:"contextStore" yaml:"contextStore"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	Kafka        KafkaConfig        `json:"kafka" yaml:"kafka"`
	MonitorStore MonitorStoreConfig `json:"monitorStore" yaml:"monitorStore"`
	Escalation   EscalationConfig   `json:"escalation" yaml:"escalation"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bindAddr"`
}

// ProbeConfig is the liveness/readiness and metrics listener.
type ProbeConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bindAddr"`
}

type LoggingConfig struct {
	Level   string `json:"level" yaml:"level"`
	Console bool   `json:"console" yaml:"console"`
}

type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// DSN returns the key/value connection string for the database.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type ContextStoreConfig struct {
	BaseURL string `json:"baseURL" yaml:"baseURL"`
	Timeout string `json:"timeout" yaml:"timeout"` // e.g. "30s"
	Context string `json:"context" yaml:"context"` // optional JSON-LD @context link
}

type QueueConfig struct {
	Stream   string `json:"stream" yaml:"stream"`
	Group    string `json:"group" yaml:"group"`
	Consumer string `json:"consumer" yaml:"consumer"`
	Block    string `json:"block" yaml:"block"` // XREADGROUP block, e.g. "5s"
}

type KafkaConfig struct {
	Brokers    []string `json:"brokers" yaml:"brokers"`
	EmailTopic string   `json:"emailTopic" yaml:"emailTopic"`
	SmsTopic   string   `json:"smsTopic" yaml:"smsTopic"`
}

type MonitorStoreConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "postgres" or "redis"
}

type EscalationConfig struct {
	Interval         string `json:"interval" yaml:"interval"` // e.g. "1m"
	PageSize         int    `json:"pageSize" yaml:"pageSize"`
	TimeoutMode      string `json:"timeoutMode" yaml:"timeoutMode"` // "flag" or "terminal"
	StrictThresholds bool   `json:"strictThresholds" yaml:"strictThresholds"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwtSecret" yaml:"jwtSecret"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Probe: ProbeConfig{
			BindAddr: getEnv("PROBE_BIND_ADDR", "0.0.0.0:9090"),
		},
		Logging: LoggingConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Console: getEnv("LOG_CONSOLE", "") == "true",
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "sensorwatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ContextStore: ContextStoreConfig{
			BaseURL: getEnv("ORION_URL", "http://localhost:1026"),
			Timeout: getEnv("ORION_TIMEOUT", "30s"),
			Context: getEnv("ORION_CONTEXT", ""),
		},
		Queue: QueueConfig{
			Stream:   getEnv("QUEUE_STREAM", "sensorwatch:alarm-rule"),
			Group:    getEnv("QUEUE_GROUP", "sensorwatch"),
			Consumer: getEnv("QUEUE_CONSUMER", hostname()),
			Block:    getEnv("QUEUE_BLOCK", "5s"),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			EmailTopic: getEnv("KAFKA_EMAIL_TOPIC", "create-email-command"),
			SmsTopic:   getEnv("KAFKA_SMS_TOPIC", "create-sms-command"),
		},
		MonitorStore: MonitorStoreConfig{
			Backend: getEnv("MONITOR_STORE", "postgres"),
		},
		Escalation: EscalationConfig{
			Interval:         getEnv("ESCALATION_INTERVAL", "1m"),
			PageSize:         getEnvInt("ESCALATION_PAGE_SIZE", 10),
			TimeoutMode:      getEnv("ESCALATION_TIMEOUT_MODE", "flag"),
			StrictThresholds: getEnv("ESCALATION_STRICT_THRESHOLDS", "") == "true",
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	cfg.fillDefaults()
	return cfg, nil
}

// fill reasonable defaults when fields omitted in file
func (cfg *Config) fillDefaults() {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Probe.BindAddr == "" {
		cfg.Probe.BindAddr = "0.0.0.0:9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.ContextStore.Timeout == "" {
		cfg.ContextStore.Timeout = "30s"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "sensorwatch:alarm-rule"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "sensorwatch"
	}
	if cfg.Queue.Consumer == "" {
		cfg.Queue.Consumer = hostname()
	}
	if cfg.Queue.Block == "" {
		cfg.Queue.Block = "5s"
	}
	if cfg.Kafka.EmailTopic == "" {
		cfg.Kafka.EmailTopic = "create-email-command"
	}
	if cfg.Kafka.SmsTopic == "" {
		cfg.Kafka.SmsTopic = "create-sms-command"
	}
	if cfg.MonitorStore.Backend == "" {
		cfg.MonitorStore.Backend = "postgres"
	}
	if cfg.Escalation.Interval == "" {
		cfg.Escalation.Interval = "1m"
	}
	if cfg.Escalation.PageSize <= 0 {
		cfg.Escalation.PageSize = 10
	}
	if cfg.Escalation.TimeoutMode == "" {
		cfg.Escalation.TimeoutMode = "flag"
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// ParseDuration accepts Prometheus-style durations ("30s", "1m", "1d") and
// returns d when s is empty or invalid.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := model.ParseDuration(s); err == nil {
		return time.Duration(v)
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "sensorwatch"
}
