package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	ChannelBase            string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	UploadMaxMB            int
	Chat                   ChatConfig
	DirectoryCacheTTL      time.Duration
}

// ChatConfig tunes the realtime core.
type ChatConfig struct {
	SendBuffer     int
	KeepAlive      time.Duration
	FrameRate      float64
	FrameBurst     int
	NotifyWorkers  int
	NotifyQueue    int
	BroadcastEdits bool
	LastMessageTTL time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether attachment storage credentials are present.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("channel.base", "gema")
	v.SetDefault("cloudinary.folder", "gema/chat")
	v.SetDefault("upload.max_mb", 10)
	v.SetDefault("chat.send_buffer", 32)
	v.SetDefault("chat.keepalive", "30s")
	v.SetDefault("chat.frame_rate", 10)
	v.SetDefault("chat.frame_burst", 20)
	v.SetDefault("chat.notify_workers", 8)
	v.SetDefault("chat.notify_queue", 1024)
	v.SetDefault("chat.broadcast_edits", false)
	v.SetDefault("chat.last_message_ttl", "30m")
	v.SetDefault("directory.cache_ttl", "5m")

	keepAlive, err := parseDuration(v, "chat.keepalive")
	if err != nil {
		return Config{}, err
	}
	lastMessageTTL, err := parseDuration(v, "chat.last_message_ttl")
	if err != nil {
		return Config{}, err
	}
	directoryTTL, err := parseDuration(v, "directory.cache_ttl")
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
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		UploadMaxMB:            v.GetInt("upload.max_mb"),
		Chat: ChatConfig{
			SendBuffer:     v.GetInt("chat.send_buffer"),
			KeepAlive:      keepAlive,
			FrameRate:      v.GetFloat64("chat.frame_rate"),
			FrameBurst:     v.GetInt("chat.frame_burst"),
			NotifyWorkers:  v.GetInt("chat.notify_workers"),
			NotifyQueue:    v.GetInt("chat.notify_queue"),
			BroadcastEdits: v.GetBool("chat.broadcast_edits"),
			LastMessageTTL: lastMessageTTL,
		},
		DirectoryCacheTTL: directoryTTL,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
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
