package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "DIFFSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "diffsync.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "diffsync_session"
	defaultIssuer            = "diffsync"
	defaultTokenTTL          = 12 * time.Hour
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultLotSize           = 500
	defaultRetryCount        = 10
	defaultRetryInterval     = 500 * time.Millisecond
	defaultSendBuffer        = 256
	defaultQueueSize         = 128
)

// AppConfig captures runtime configuration for the synchronization server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	CookieName        string
	Issuer            string
	TokenTTL          time.Duration
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	LotSize           int
	RetryCount        int
	RetryInterval     time.Duration
	SendBuffer        int
	QueueSize         int
	NATSURL           string
	Schema            schema.Description
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("heartbeat.interval", defaultHeartbeatInterval)
	configViper.SetDefault("heartbeat.timeout", defaultHeartbeatTimeout)
	configViper.SetDefault("catchup.lot_size", defaultLotSize)
	configViper.SetDefault("catchup.retry_count", defaultRetryCount)
	configViper.SetDefault("catchup.retry_interval", defaultRetryInterval)
	configViper.SetDefault("hub.send_buffer", defaultSendBuffer)
	configViper.SetDefault("pipeline.queue_size", defaultQueueSize)
}

// Load parses runtime configuration from viper. Without a schema section the
// built-in description is used.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		Issuer:            configViper.GetString("auth.issuer"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		HeartbeatInterval: configViper.GetDuration("heartbeat.interval"),
		HeartbeatTimeout:  configViper.GetDuration("heartbeat.timeout"),
		LotSize:           configViper.GetInt("catchup.lot_size"),
		RetryCount:        configViper.GetInt("catchup.retry_count"),
		RetryInterval:     configViper.GetDuration("catchup.retry_interval"),
		SendBuffer:        configViper.GetInt("hub.send_buffer"),
		QueueSize:         configViper.GetInt("pipeline.queue_size"),
		NATSURL:           strings.TrimSpace(configViper.GetString("nats.url")),
		Schema:            schema.DefaultDescription(),
	}

	if configViper.IsSet("schema") {
		var description schema.Description
		if err := configViper.UnmarshalKey("schema", &description); err != nil {
			return AppConfig{}, fmt.Errorf("schema: %w", err)
		}
		cfg.Schema = description
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat.timeout must exceed heartbeat.interval")
	}
	if c.LotSize <= 0 {
		return fmt.Errorf("catchup.lot_size must be positive")
	}
	if c.RetryCount <= 0 || c.RetryInterval <= 0 {
		return fmt.Errorf("catchup.retry_count and catchup.retry_interval must be positive")
	}
	if len(c.Schema.Tables) == 0 {
		return fmt.Errorf("schema declares no tables")
	}
	return nil
}
