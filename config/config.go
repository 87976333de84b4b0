package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the relay server configuration
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	LogFormat      string
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port for the redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// ClientConfig is the call client configuration
type ClientConfig struct {
	RelayURL  string
	UserID    string
	RoomID    string
	MatchURL  string
	AuthToken string
	LogLevel  string
	LogFormat string

	Reconnect         bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectBackoff  string

	ICEServers []string

	Media           string
	MediaPermission string
	MediaAudio      bool
	MediaVideo      bool
	MediaTimeout    time.Duration
	RTPAudioAddr    string
	RTPVideoAddr    string
	GstAudio        string
	GstVideo        string
}

// Load reads the relay configuration from the environment.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	return &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogFormat:      v.GetString("LOG_FORMAT"),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
	}
}

// ClientFlags registers the call client flags. Every flag can also be set
// through the upper-cased, underscore-separated environment variable.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("relay-url", "ws://localhost:8080/ws", "Signaling relay websocket URL")
	fs.String("user-id", "", "Local participant id")
	fs.String("room-id", "", "Room to join (skips match-making)")
	fs.String("match-url", "http://localhost:8080/api/v1/video-chat/findmatch", "Match-making endpoint")
	fs.String("auth-token", "", "Bearer token for match-making")
	fs.String("log-level", "info", "debug, info, warn, error")
	fs.String("log-format", "text", "text or json")
	fs.Bool("reconnect", true, "Reconnect to the relay after an unexpected disconnect")
	fs.Int("reconnect-attempts", 5, "Reconnect attempts before giving up")
	fs.Duration("reconnect-delay", 2*time.Second, "Delay between reconnect attempts")
	fs.Duration("reconnect-max-delay", 30*time.Second, "Upper bound for exponential reconnect delay")
	fs.String("reconnect-backoff", "fixed", "fixed or exponential")
	fs.String("ice-servers", "stun:stun.l.google.com:19302", "Comma separated ICE server URLs")
	fs.String("media", "silent", "rtp, silent or none")
	fs.String("media-permission", "allow", "allow or deny")
	fs.Bool("media-audio", true, "Capture audio")
	fs.Bool("media-video", true, "Capture video")
	fs.Duration("media-timeout", 10*time.Second, "How long negotiation waits for local media")
	fs.String("rtp-audio-addr", "127.0.0.1:5006", "UDP address receiving Opus RTP")
	fs.String("rtp-video-addr", "127.0.0.1:5004", "UDP address receiving H264 RTP")
	fs.String("gst-audio-pipeline", "", "gst-launch pipeline feeding rtp-audio-addr")
	fs.String("gst-video-pipeline", "", "gst-launch pipeline feeding rtp-video-addr")
}

// LoadClient reads the call client configuration from flags and environment.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	cfg := &ClientConfig{
		RelayURL:          v.GetString("relay-url"),
		UserID:            v.GetString("user-id"),
		RoomID:            v.GetString("room-id"),
		MatchURL:          v.GetString("match-url"),
		AuthToken:         v.GetString("auth-token"),
		LogLevel:          v.GetString("log-level"),
		LogFormat:         v.GetString("log-format"),
		Reconnect:         v.GetBool("reconnect"),
		ReconnectAttempts: v.GetInt("reconnect-attempts"),
		ReconnectDelay:    v.GetDuration("reconnect-delay"),
		ReconnectMaxDelay: v.GetDuration("reconnect-max-delay"),
		ReconnectBackoff:  v.GetString("reconnect-backoff"),
		ICEServers:        splitList(v.GetString("ice-servers")),
		Media:             v.GetString("media"),
		MediaPermission:   v.GetString("media-permission"),
		MediaAudio:        v.GetBool("media-audio"),
		MediaVideo:        v.GetBool("media-video"),
		MediaTimeout:      v.GetDuration("media-timeout"),
		RTPAudioAddr:      v.GetString("rtp-audio-addr"),
		RTPVideoAddr:      v.GetString("rtp-video-addr"),
		GstAudio:          v.GetString("gst-audio-pipeline"),
		GstVideo:          v.GetString("gst-video-pipeline"),
	}
	return cfg, cfg.validate()
}

func (c *ClientConfig) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user-id is required")
	}
	if c.RelayURL == "" {
		return fmt.Errorf("relay-url is required")
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect-attempts must be at least 1")
	}
	switch c.ReconnectBackoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("invalid reconnect-backoff %q", c.ReconnectBackoff)
	}
	switch c.Media {
	case "rtp", "silent", "none":
	default:
		return fmt.Errorf("invalid media %q", c.Media)
	}
	switch c.MediaPermission {
	case "allow", "deny":
	default:
		return fmt.Errorf("invalid media-permission %q", c.MediaPermission)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
