package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration, loaded once in main and handed to components.
type Config struct {
	Port          string
	LogLevel      string
	NATSURL       string
	NATSStream    string
	JWTSecret     string
	JWTExpiry     time.Duration
	HSMMasterKey  string
	HSMSalt       string
	Engine        *EngineConfig
	Callbacks     *CallbackConfig
	Notifications *NotificationConfig
	Workers       *WorkerConfig
}

type CallbackConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type NotificationConfig struct {
	Channel string
}

// Load reads .env (if present) and environment variables.
func Load() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("log.level", "LOG_LEVEL")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.migrate", "DATABASE_MIGRATE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("nats.url", "NATS_URL")
	viper.BindEnv("nats.stream", "NATS_STREAM")

	viper.BindEnv("hsm.master_key", "HSM_MASTER_KEY")
	viper.BindEnv("hsm.salt", "HSM_SALT")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("callbacks.workers", "CALLBACK_WORKERS")
	viper.BindEnv("callbacks.queue_size", "CALLBACK_QUEUE_SIZE")
	viper.BindEnv("callbacks.timeout", "CALLBACK_TIMEOUT")
	viper.BindEnv("notifications.channel", "NOTIFICATIONS_CHANNEL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	SetDefaults()

	return &Config{
		Port:         viper.GetString("server.port"),
		LogLevel:     viper.GetString("log.level"),
		NATSURL:      viper.GetString("nats.url"),
		NATSStream:   viper.GetString("nats.stream"),
		JWTSecret:    viper.GetString("jwt.secret_key"),
		JWTExpiry:    time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour,
		HSMMasterKey: viper.GetString("hsm.master_key"),
		HSMSalt:      viper.GetString("hsm.salt"),
		Engine:       LoadEngineConfig(),
		Callbacks: &CallbackConfig{
			Workers:   viper.GetInt("callbacks.workers"),
			QueueSize: viper.GetInt("callbacks.queue_size"),
			Timeout:   viper.GetDuration("callbacks.timeout"),
		},
		Notifications: &NotificationConfig{
			Channel: viper.GetString("notifications.channel"),
		},
		Workers: LoadWorkerConfig(),
	}
}

// SetDefaults registers defaults for every key. Tests call it directly.
func SetDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("nats.stream", "BACKBONE_TRANSACTIONS")
	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("callbacks.workers", 8)
	viper.SetDefault("callbacks.queue_size", 1024)
	viper.SetDefault("callbacks.timeout", 10*time.Second)
	viper.SetDefault("notifications.channel", "backbone:notifications")

	setEngineDefaults()
	setWorkerDefaults()
}
