package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig 保存本地 API 的跨域配置。
type APIConfig struct {
	CORS CORSConfig `mapstructure:"CORS"`
}

// CORSConfig holds configuration for CORS.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `mapstructure:"EXPOSED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// RedisConfig holds configuration for Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"ADDR"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
	// ChannelPrefix 是频道集合变更通知的 pub/sub 前缀，后接用户 ID。
	ChannelPrefix string `mapstructure:"CHANNEL_PREFIX"`
}

// Config holds all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string          `mapstructure:"APP_NAME"`
	AppVersion string          `mapstructure:"APP_VERSION"`
	LogLevel   string          `mapstructure:"LOG_LEVEL"`
	Server     ServerConfig    `mapstructure:"SERVER"`
	API        APIConfig       `mapstructure:"API"`
	Kafka      KafkaConfig     `mapstructure:"KAFKA"`
	Database   DatabaseConfig  `mapstructure:"DATABASE"`
	Storage    StorageConfig   `mapstructure:"STORAGE"`
	Auth       AuthConfig      `mapstructure:"AUTH"`
	WebSocket  WebSocketConfig `mapstructure:"WEBSOCKET"`
	Redis      RedisConfig     `mapstructure:"REDIS"`
	Sync       SyncConfig      `mapstructure:"SYNC"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Host           string        `mapstructure:"HOST"`
	Port           string        `mapstructure:"PORT"`
	WebSocketPath  string        `mapstructure:"WEBSOCKET_PATH"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"MAX_HEADER_BYTES"`
}

// KafkaConfig holds configuration for Kafka.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"BROKERS"`
	ClientID string   `mapstructure:"CLIENT_ID"`
	Protocol string   `mapstructure:"PROTOCOL"`
	// ChangeFeedTopic 承载消息的新增/修改/删除事件，按频道 ID 分区。
	ChangeFeedTopic string `mapstructure:"CHANGE_FEED_TOPIC"`
	// ConsumerGroupPrefix 加上随机后缀作为每个频道订阅的消费者组。
	ConsumerGroupPrefix string `mapstructure:"CONSUMER_GROUP_PREFIX"`
	AutoOffsetReset     string `mapstructure:"AUTO_OFFSET_RESET"`
	// WatchRewind 是频道订阅在分区分配时向前回放的时长，覆盖生产者与本机之间的时钟偏差。
	WatchRewind time.Duration `mapstructure:"WATCH_REWIND"`
}

// DatabaseConfig holds configuration for the database.
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"`
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
}

// StorageConfig holds configuration for attachment storage.
type StorageConfig struct {
	Type          string `mapstructure:"TYPE"` // 目前只有 "local"
	LocalPath     string `mapstructure:"LOCAL_PATH"`
	BaseURL       string `mapstructure:"BASE_URL"`
	MaxFileSizeMB int64  `mapstructure:"MAX_FILE_SIZE_MB"`
}

// AuthConfig holds configuration for authentication (e.g., JWT).
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
}

// SyncConfig 配置消息同步核心。
type SyncConfig struct {
	// UserID 是本进程代表的用户，频道目录只监听这个用户。
	UserID           string        `mapstructure:"USER_ID"`
	PageSize         int           `mapstructure:"PAGE_SIZE"`
	CleanupWorkers   int           `mapstructure:"CLEANUP_WORKERS"`
	CleanupQueueSize int           `mapstructure:"CLEANUP_QUEUE_SIZE"`
	CleanupTimeout   time.Duration `mapstructure:"CLEANUP_TIMEOUT"`
	SendTimeout      time.Duration `mapstructure:"SEND_TIMEOUT"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "IM-Sync")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("SERVER.HOST", "127.0.0.1")
	v.SetDefault("SERVER.PORT", "8090")
	v.SetDefault("SERVER.WEBSOCKET_PATH", "/ws")
	v.SetDefault("SERVER.READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.MAX_HEADER_BYTES", 1<<20) // 1 MB

	v.SetDefault("API.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("API.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("API.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type"})
	v.SetDefault("API.CORS.EXPOSED_HEADERS", []string{"Content-Length"})
	v.SetDefault("API.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("API.CORS.MAX_AGE", 300) // 5 minutes

	v.SetDefault("KAFKA.BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA.CLIENT_ID", "im-sync")
	v.SetDefault("KAFKA.PROTOCOL", "plaintext")
	v.SetDefault("KAFKA.CHANGE_FEED_TOPIC", "im-message-changes")
	v.SetDefault("KAFKA.CONSUMER_GROUP_PREFIX", "im-sync-watch")
	v.SetDefault("KAFKA.AUTO_OFFSET_RESET", "latest")
	v.SetDefault("KAFKA.WATCH_REWIND", "5s")

	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.DB_NAME", "im_sync_db")
	v.SetDefault("DATABASE.SSL_MODE", "disable")

	v.SetDefault("STORAGE.TYPE", "local")
	v.SetDefault("STORAGE.LOCAL_PATH", "./uploads")
	v.SetDefault("STORAGE.BASE_URL", "/uploads")
	v.SetDefault("STORAGE.MAX_FILE_SIZE_MB", 100) // 100 MB

	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 24*time.Hour)

	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.CHANNEL_PREFIX", "im:user-channels:")

	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 512)

	v.SetDefault("SYNC.USER_ID", "")
	v.SetDefault("SYNC.PAGE_SIZE", 10)
	v.SetDefault("SYNC.CLEANUP_WORKERS", 2)
	v.SetDefault("SYNC.CLEANUP_QUEUE_SIZE", 256)
	v.SetDefault("SYNC.CLEANUP_TIMEOUT", 30*time.Second)
	v.SetDefault("SYNC.SEND_TIMEOUT", 60*time.Second)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// SYNC_USER_ID 覆盖 Sync.UserID，嵌套键用下划线连接
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		// 没有配置文件时使用默认值
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

// Addr 返回服务监听地址。
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}
