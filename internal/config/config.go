package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	ChannelBase            string
	KafkaBrokers           []string
	KafkaTopic             string
	JWTSecret              string
	JWTRefreshSecret       string
	StorageDriver          string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	S3Bucket               string
	S3Region               string
	S3Endpoint             string
	S3PublicURL            string
	UploadMaxSizeMB        int
	SSEKeepAlive           time.Duration
	WSEventsPerSecond      float64
	WSEventBurst           int
	ShutdownGrace          time.Duration
	HistoryPageSize        int
	ArchiveInterval        time.Duration
	PresenceTTL            time.Duration
	CORSAllowOrigins       string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("RALLY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Rally Realtime API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("channel.base", "rally")
	v.SetDefault("kafka.topic", "rally.message-audit")
	v.SetDefault("storage.driver", "cloudinary")
	v.SetDefault("cloudinary.folder", "rally/attachments")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("upload.max_size_mb", 10)
	v.SetDefault("sse.keepalive", "25s")
	v.SetDefault("ws.events_per_second", 20)
	v.SetDefault("ws.event_burst", 40)
	v.SetDefault("shutdown.grace", "10s")
	v.SetDefault("history.page_size", 50)
	v.SetDefault("archive.interval", "1h")
	v.SetDefault("presence.ttl", "2m")
	v.SetDefault("cors.allow_origins", "*")

	keepAlive, err := parseDuration(v, "sse.keepalive")
	if err != nil {
		return Config{}, err
	}
	grace, err := parseDuration(v, "shutdown.grace")
	if err != nil {
		return Config{}, err
	}
	archiveInterval, err := parseDuration(v, "archive.interval")
	if err != nil {
		return Config{}, err
	}
	presenceTTL, err := parseDuration(v, "presence.ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		ChannelBase:            v.GetString("channel.base"),
		KafkaBrokers:           splitList(v.GetString("kafka.brokers")),
		KafkaTopic:             v.GetString("kafka.topic"),
		JWTSecret:              v.GetString("jwt.secret"),
		JWTRefreshSecret:       v.GetString("jwt.refresh_secret"),
		StorageDriver:          strings.ToLower(v.GetString("storage.driver")),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		S3Bucket:               v.GetString("s3.bucket"),
		S3Region:               v.GetString("s3.region"),
		S3Endpoint:             v.GetString("s3.endpoint"),
		S3PublicURL:            v.GetString("s3.public_url"),
		UploadMaxSizeMB:        v.GetInt("upload.max_size_mb"),
		SSEKeepAlive:           keepAlive,
		WSEventsPerSecond:      v.GetFloat64("ws.events_per_second"),
		WSEventBurst:           v.GetInt("ws.event_burst"),
		ShutdownGrace:          grace,
		HistoryPageSize:        v.GetInt("history.page_size"),
		ArchiveInterval:        archiveInterval,
		PresenceTTL:            presenceTTL,
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
	}

	if cfg.JWTSecret == "" || cfg.JWTRefreshSecret == "" {
		return Config{}, fmt.Errorf("jwt secrets must be provided")
	}

	switch cfg.StorageDriver {
	case "cloudinary", "s3":
	default:
		return Config{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.UploadMaxSizeMB <= 0 {
		cfg.UploadMaxSizeMB = 10
	}
	if cfg.WSEventsPerSecond <= 0 {
		cfg.WSEventsPerSecond = 20
	}
	if cfg.WSEventBurst <= 0 {
		cfg.WSEventBurst = 40
	}
	if cfg.HistoryPageSize <= 0 || cfg.HistoryPageSize > 200 {
		cfg.HistoryPageSize = 50
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
