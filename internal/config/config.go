package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "SYNCACHE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "syncache.db"
	defaultLogLevel       = "info"
	defaultMaxFetchPages  = 100
	defaultCacheReadLimit = 15
	defaultRemotePageSize = 30
)

// AppConfig captures runtime configuration for the cache service.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	MaxFetchPages  int
	CacheReadLimit int
	RemotePageSize int
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
	configViper.SetDefault("fetch.max_pages", defaultMaxFetchPages)
	configViper.SetDefault("fetch.cache_read_limit", defaultCacheReadLimit)
	configViper.SetDefault("fetch.remote_page_size", defaultRemotePageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		MaxFetchPages:  configViper.GetInt("fetch.max_pages"),
		CacheReadLimit: configViper.GetInt("fetch.cache_read_limit"),
		RemotePageSize: configViper.GetInt("fetch.remote_page_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxFetchPages <= 0 {
		return fmt.Errorf("fetch.max_pages must be positive, got %d", c.MaxFetchPages)
	}
	if c.CacheReadLimit <= 0 {
		return fmt.Errorf("fetch.cache_read_limit must be positive, got %d", c.CacheReadLimit)
	}
	if c.RemotePageSize <= 0 {
		return fmt.Errorf("fetch.remote_page_size must be positive, got %d", c.RemotePageSize)
	}
	return nil
}
