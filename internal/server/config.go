package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/challenge"
	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/aspect-build/tunnelkeeper/internal/webhook"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	ClientKeysFile string
	JWTSecret      string
	InternalSecret string
	DBPath         string
	ListenAddr     string
	// MasterKey is nil when at-rest sealing is off.
	MasterKey      *[32]byte
	Secrets        map[string]string
	ChallengeTTL   time.Duration
	WebhookURL     string
	WebhookTimeout time.Duration
	// CORSOrigins is empty for "allow any origin".
	CORSOrigins []string
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		ClientKeysFile: strings.TrimSpace(getenv("TUNNELKEEPER_CLIENT_KEYS_FILE")),
		JWTSecret:      getenv("TUNNELKEEPER_JWT_SECRET"),
		InternalSecret: getenv("TUNNELKEEPER_INTERNAL_SECRET"),
		DBPath:         getenv("TUNNELKEEPER_DB_PATH"),
		ListenAddr:     getenv("TUNNELKEEPER_LISTEN_ADDR"),
		WebhookURL:     strings.TrimSpace(getenv("TUNNELKEEPER_WEBHOOK_URL")),
	}

	if cfg.ClientKeysFile == "" {
		return nil, fmt.Errorf("TUNNELKEEPER_CLIENT_KEYS_FILE is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("TUNNELKEEPER_JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("TUNNELKEEPER_JWT_SECRET must be at least 32 characters")
	}
	if cfg.InternalSecret == "" {
		return nil, fmt.Errorf("TUNNELKEEPER_INTERNAL_SECRET is required")
	}
	if len(cfg.InternalSecret) < 16 {
		return nil, fmt.Errorf("TUNNELKEEPER_INTERNAL_SECRET must be at least 16 characters")
	}

	if cfg.DBPath == "" {
		cfg.DBPath = "tunnelkeeper.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	if v := getenv("TUNNELKEEPER_MASTER_KEY"); v != "" {
		key, err := crypto.ParseMasterKey(v)
		if err != nil {
			return nil, fmt.Errorf("TUNNELKEEPER_MASTER_KEY: %w", err)
		}
		cfg.MasterKey = &key
	}

	var err error
	if cfg.ChallengeTTL, err = durationEnv(getenv, "TUNNELKEEPER_CHALLENGE_TTL", challenge.DefaultTTL); err != nil {
		return nil, err
	}
	if cfg.WebhookTimeout, err = durationEnv(getenv, "TUNNELKEEPER_WEBHOOK_TIMEOUT", webhook.DefaultTimeout); err != nil {
		return nil, err
	}

	cfg.Secrets = make(map[string]string)
	for _, name := range splitList(getenv("TUNNELKEEPER_SECRET_NAMES")) {
		v := getenv(name)
		if v == "" {
			return nil, fmt.Errorf("TUNNELKEEPER_SECRET_NAMES lists %s but it is not set", name)
		}
		cfg.Secrets[name] = v
	}

	for _, o := range splitList(getenv("TUNNELKEEPER_CORS_ORIGINS")) {
		if o == "*" {
			cfg.CORSOrigins = nil
			break
		}
		cfg.CORSOrigins = append(cfg.CORSOrigins, o)
	}

	return cfg, nil
}

// SensitiveValues returns every configured value that must never be logged.
func (c *Config) SensitiveValues() []string {
	values := []string{c.JWTSecret, c.InternalSecret}
	for _, v := range c.Secrets {
		values = append(values, v)
	}
	return values
}

func durationEnv(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration like 5m or 30s", name)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
