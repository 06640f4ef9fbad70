package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

type Config struct {
	App struct {
		Name string `koanf:"name"`
		Port string `koanf:"port"`
	} `koanf:"app"`

	Database DatabaseConfig `koanf:"database"`

	Auth struct {
		JWTSecret string `koanf:"jwt_secret"`
	} `koanf:"auth"`

	Redis struct {
		URL string `koanf:"url"`
	} `koanf:"redis"`

	Cloudinary struct {
		URL    string `koanf:"url"`
		Folder string `koanf:"folder"`
	} `koanf:"cloudinary"`

	Chat ChatConfig `koanf:"chat"`

	Email EmailConfig `koanf:"email"`

	Admin AdminConfig `koanf:"admin"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	URL    string `koanf:"url"`
}

type ChatConfig struct {
	StoreTimeout      time.Duration `koanf:"store_timeout"`
	GroupPolicy       string        `koanf:"group_policy"`
	ReconcileSchedule string        `koanf:"reconcile_schedule"`
}

type EmailConfig struct {
	BrevoAPIKey   string `koanf:"brevo_api_key"`
	Sender        string `koanf:"sender"`
	SenderName    string `koanf:"sender_name"`
	NotifyOffline bool   `koanf:"notify_offline"`
}

type AdminConfig struct {
	Email    string `koanf:"email"`
	Password string `koanf:"password"`
	FullName string `koanf:"full_name"`
}

// envKeys maps the process environment onto config paths. Variables not
// listed here are ignored.
var envKeys = map[string]string{
	"APP_NAME":                "app.name",
	"PORT":                    "app.port",
	"DB_DRIVER":               "database.driver",
	"DATABASE_URL":            "database.url",
	"JWT_SECRET":              "auth.jwt_secret",
	"REDIS_URL":               "redis.url",
	"CLOUDINARY_URL":          "cloudinary.url",
	"CLOUDINARY_FOLDER":       "cloudinary.folder",
	"STORE_TIMEOUT":           "chat.store_timeout",
	"GROUP_POLICY":            "chat.group_policy",
	"RECONCILE_SCHEDULE":      "chat.reconcile_schedule",
	"BREVO_API_KEY":           "email.brevo_api_key",
	"EMAIL_SENDER":            "email.sender",
	"EMAIL_SENDER_NAME":       "email.sender_name",
	"NOTIFY_OFFLINE_BY_EMAIL": "email.notify_offline",
	"ADMIN_EMAIL":             "admin.email",
	"ADMIN_PASSWORD":          "admin.password",
	"ADMIN_FULL_NAME":         "admin.full_name",
}

var defaults = map[string]interface{}{
	"app.name":                "Site Chat",
	"app.port":                "8080",
	"database.driver":         "postgres",
	"cloudinary.folder":       "site_chat",
	"chat.store_timeout":      "5s",
	"chat.group_policy":       "always_create",
	"chat.reconcile_schedule": "*/5 * * * *",
}

// Load reads .env (if present), an optional TOML file named by SITECHAT_CONFIG,
// and finally the process environment, later sources winning.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug().Msg(".env file not found, reading from system environment variables")
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path := os.Getenv("SITECHAT_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if cfg.Chat.StoreTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive, got %s", cfg.Chat.StoreTimeout)
	}
	return &cfg, nil
}
