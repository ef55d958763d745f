package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	base "github.com/nizigama/trading-platform-be/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	OrdersMatch   string
	OrdersMatched string
	DeadLetter    string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type TradingConfig struct {
	CommissionRate decimal.Decimal
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Trading   TradingConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("EXCH_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("EXCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("EXCH_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "exchange-matcher")
	v.SetDefault("kafka.topics.orders_match", "orders.match")
	v.SetDefault("kafka.topics.orders_matched", "orders.matched")
	v.SetDefault("kafka.topics.dead_letter", "orders.match.dlq")
	v.SetDefault("trading.commission_rate", "0.015")

	kafkaBrokers := envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers"))
	kafkaConsumer := envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group"))
	matchTopic := envString("KAFKA_MATCH_TOPIC", v.GetString("kafka.topics.orders_match"))
	matchedTopic := envString("KAFKA_MATCHED_TOPIC", v.GetString("kafka.topics.orders_matched"))
	dlqTopic := envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter"))
	rateStr := envString("EXCH_COMMISSION_RATE", v.GetString("trading.commission_rate"))

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate %q: %w", rateStr, err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "exchange"),
			User:     envString("POSTGRES_USER", "exchange"),
			Password: envString("POSTGRES_PASSWORD", "exchange"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       kafkaBrokers,
			ConsumerGroup: kafkaConsumer,
			Topics: KafkaTopics{
				OrdersMatch:   matchTopic,
				OrdersMatched: matchedTopic,
				DeadLetter:    dlqTopic,
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: envString("EXCH_JWT_SECRET", ""),
			TTL:    envDuration("EXCH_JWT_TTL", 15*time.Minute),
			Issuer: envString("EXCH_JWT_ISSUER", "exchange"),
		},
		RateLimit: RateLimitConfig{
			Requests: envInt("EXCH_RATE_LIMIT_REQUESTS", 20),
			Window:   envDuration("EXCH_RATE_LIMIT_WINDOW", time.Minute),
		},
		Trading: TradingConfig{
			CommissionRate: rate,
		},
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.OrdersMatch == "" || cfg.Kafka.Topics.OrdersMatched == "" {
		return nil, fmt.Errorf("kafka topics required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("EXCH_JWT_SECRET required")
	}
	if cfg.Trading.CommissionRate.IsNegative() || cfg.Trading.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("commission rate %s out of range [0,1)", cfg.Trading.CommissionRate)
	}
	if cfg.RateLimit.Requests <= 0 {
		return nil, fmt.Errorf("rate limit requests must be positive")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
