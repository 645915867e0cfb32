package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Name         string
	Port         int
	Env          string
	AllowOrigins string
}

func (a AppConfig) Addr() string { return fmt.Sprintf(":%d", a.Port) }

type DatabaseConfig struct {
	Driver   string // postgres, sqlite or mongo
	URL      string
	MongoURI string
	MongoDB  string
}

type StorageConfig struct {
	Provider      string // cloudinary, s3 or none
	CloudinaryURL string
	S3Bucket      string
	S3Region      string
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxBatch          int
}

type WSConfig struct {
	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	RPS    float64
	Burst  int
	Window time.Duration
}

type Config struct {
	App       AppConfig
	JWTSecret string
	Database  DatabaseConfig
	Storage   StorageConfig
	Presence  PresenceConfig
	WS        WSConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig

	PurgeSchedule string
	LogDev        bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "Amora Chat")
	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("CORS_ALLOW_ORIGINS", "*")
	v.SetDefault("JWT_SECRET", "")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB", "amora_chat")

	v.SetDefault("STORAGE_PROVIDER", "cloudinary")
	v.SetDefault("CLOUDINARY_URL", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("AWS_REGION", "us-east-1")

	v.SetDefault("HEARTBEAT_INTERVAL", "50s")
	v.SetDefault("HEARTBEAT_TIMEOUT", "5s")
	v.SetDefault("PRESENCE_MAX_BATCH", 400)

	v.SetDefault("WS_PING_INTERVAL", "25s")
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 64*1024)

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "chat.message.created")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")

	v.SetDefault("PURGE_SCHEDULE", "*/15 * * * *")
	v.SetDefault("LOG_DEV", true)
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("Warning: .env file not found, reading from system environment variables")
	}
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:         v.GetString("APP_NAME"),
			Port:         v.GetInt("PORT"),
			Env:          v.GetString("APP_ENV"),
			AllowOrigins: v.GetString("CORS_ALLOW_ORIGINS"),
		},
		JWTSecret: v.GetString("JWT_SECRET"),
		Database: DatabaseConfig{
			Driver:   strings.ToLower(v.GetString("DB_DRIVER")),
			URL:      v.GetString("DATABASE_URL"),
			MongoURI: v.GetString("MONGO_URI"),
			MongoDB:  v.GetString("MONGO_DB"),
		},
		Storage: StorageConfig{
			Provider:      strings.ToLower(v.GetString("STORAGE_PROVIDER")),
			CloudinaryURL: v.GetString("CLOUDINARY_URL"),
			S3Bucket:      v.GetString("S3_BUCKET"),
			S3Region:      v.GetString("AWS_REGION"),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: v.GetDuration("HEARTBEAT_INTERVAL"),
			HeartbeatTimeout:  v.GetDuration("HEARTBEAT_TIMEOUT"),
			MaxBatch:          v.GetInt("PRESENCE_MAX_BATCH"),
		},
		WS: WSConfig{
			PingInterval:   v.GetDuration("WS_PING_INTERVAL"),
			WriteWait:      v.GetDuration("WS_WRITE_WAIT"),
			SendBuffer:     v.GetInt("WS_SEND_BUFFER"),
			MaxMessageSize: v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		RateLimit: RateLimitConfig{
			RPS:    v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:  v.GetInt("RATE_LIMIT_BURST"),
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
		},
		PurgeSchedule: v.GetString("PURGE_SCHEDULE"),
		LogDev:        v.GetBool("LOG_DEV"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for driver %q", c.Database.Driver)
		}
	case "mongo":
		if c.Database.MongoURI == "" {
			return errors.New("MONGO_URI is required for driver mongo")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Storage.Provider {
	case "cloudinary", "s3", "none":
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q", c.Storage.Provider)
	}
	if c.Presence.MaxBatch <= 0 {
		c.Presence.MaxBatch = 400
	}
	if c.Presence.HeartbeatInterval <= 0 {
		c.Presence.HeartbeatInterval = 50 * time.Second
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = 256
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
