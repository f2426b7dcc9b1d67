package config

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig holds the whole bot configuration.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`

	BaseURL        string `envconfig:"BASE_URL"`
	OPDSRootStart  string `envconfig:"OPDS_ROOT_START"`
	OPDSRootEvil   string `envconfig:"OPDS_ROOT_EVIL"`
	SecretSeed     string `envconfig:"SECRET_SEED"`
	PublishChannel string `envconfig:"PUBLISH_CHANNEL"`
	AdminUsersRaw  string `envconfig:"ADMIN_USERS"`
	WhitelistRaw   string `envconfig:"DOWNLOAD_WHITELIST"`

	AdminUsers        []int64 `ignored:"true"`
	DownloadWhitelist []int64 `ignored:"true"`

	Limits struct {
		DownloadsPerHour  int `envconfig:"MAX_DOWNLOADS_PER_HOUR" default:"5"`
		CommandsPerMinute int `envconfig:"MAX_COMMANDS_PER_MINUTE" default:"30"`
		SearchesPerHour   int `envconfig:"MAX_SEARCHES_PER_HOUR" default:"20"`
	} `envconfig:""`

	MaxInMemoryBytes int64         `envconfig:"MAX_IN_MEMORY_BYTES" default:"10485760"`
	HTTPTimeout      time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s"`

	URLCacheDBPath string `envconfig:"URL_CACHE_DB_PATH" default:"data/url_cache.db"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
}

// PublicRoot returns the full public catalog root URL.
func (c AppConfig) PublicRoot() string {
	return c.BaseURL + c.OPDSRootStart
}

// GatedRoot returns the full gated catalog root URL.
func (c AppConfig) GatedRoot() string {
	return c.BaseURL + c.OPDSRootEvil
}

// Load reads configuration from the environment and refuses to start when a
// mandatory value is missing.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.AdminUsers = parseIDList(cfg.AdminUsersRaw)
	cfg.DownloadWhitelist = parseIDList(cfg.WhitelistRaw)

	missing := missingMandatory(cfg)
	if len(missing) > 0 {
		log.Fatalf("config: missing mandatory variables: %s", strings.Join(missing, ", "))
	}
	return cfg
}

func missingMandatory(cfg AppConfig) []string {
	var missing []string
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if cfg.OPDSRootStart == "" {
		missing = append(missing, "OPDS_ROOT_START")
	}
	if cfg.OPDSRootEvil == "" {
		missing = append(missing, "OPDS_ROOT_EVIL")
	}
	if cfg.SecretSeed == "" {
		missing = append(missing, "SECRET_SEED")
	}
	return missing
}

func parseIDList(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
