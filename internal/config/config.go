package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// IMAPConfig holds the mailbox connection settings.
type IMAPConfig struct {
	// Host and Port locate the IMAP server.
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	// Account is the mailbox login name (usually the email address).
	Account string `mapstructure:"account" yaml:"account"`

	// TLS selects implicit TLS; when false the connection upgrades
	// via STARTTLS instead.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// AuthMethod is "xoauth2" or "password". The password itself lives
	// in the system keyring, never in this file.
	AuthMethod string `mapstructure:"auth_method" yaml:"auth_method"`

	// Mailbox is the folder to extract from.
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`
}

// OAuthConfig holds the OAuth2 client settings for XOAUTH2 authentication.
type OAuthConfig struct {
	TenantID string   `mapstructure:"tenant_id" yaml:"tenant_id"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
	Scopes   []string `mapstructure:"scopes" yaml:"scopes"`

	// TokenCacheFile is where the serialized token state is persisted
	// between runs. The file is created with 0600 permissions.
	TokenCacheFile string `mapstructure:"token_cache_file" yaml:"token_cache_file"`
}

// ProcessorProfile names the filter patterns consulted when extracting
// for a given processor type.
type ProcessorProfile struct {
	SenderPatterns  []string `mapstructure:"sender_patterns" yaml:"sender_patterns"`
	SubjectPatterns []string `mapstructure:"subject_patterns" yaml:"subject_patterns"`
	Enabled         bool     `mapstructure:"enabled" yaml:"enabled"`
}

// Config is the top-level application configuration.
type Config struct {
	IMAP         IMAPConfig                  `mapstructure:"imap" yaml:"imap"`
	OAuth        OAuthConfig                 `mapstructure:"oauth" yaml:"oauth"`
	DatabasePath string                      `mapstructure:"database_path" yaml:"database_path"`
	LogLevel     string                      `mapstructure:"log_level" yaml:"log_level"`
	Processors   map[string]ProcessorProfile `mapstructure:"processors" yaml:"processors"`
}

// DefaultConfigPath returns the default configuration file location,
// ~/.config/inboxminer/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inboxminer", "config.yaml")
}

// defaultDataDir is where the database and token cache live by default.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".local", "share", "inboxminer")
}

func defaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		IMAP: IMAPConfig{
			Host:       "outlook.office365.com",
			Port:       "993",
			TLS:        true,
			AuthMethod: "xoauth2",
			Mailbox:    "INBOX",
		},
		OAuth: OAuthConfig{
			TenantID:       "consumers",
			Scopes:         []string{"https://outlook.office.com/IMAP.AccessAsUser.All", "offline_access"},
			TokenCacheFile: filepath.Join(dataDir, "token_cache.json"),
		},
		DatabasePath: filepath.Join(dataDir, "emails.db"),
		LogLevel:     "info",
		Processors: map[string]ProcessorProfile{
			"bancolombia": {
				SenderPatterns: []string{
					"@bancolombia.com.co",
					"@notificacionesbancolombia.com",
				},
				SubjectPatterns: []string{
					"Alertas y Notificaciones",
					"Movimiento",
				},
				Enabled: true,
			},
		},
	}
}

// Load reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns the default configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	defaults := defaultConfig()
	v.SetDefault("imap.host", defaults.IMAP.Host)
	v.SetDefault("imap.port", defaults.IMAP.Port)
	v.SetDefault("imap.tls", defaults.IMAP.TLS)
	v.SetDefault("imap.auth_method", defaults.IMAP.AuthMethod)
	v.SetDefault("imap.mailbox", defaults.IMAP.Mailbox)
	v.SetDefault("oauth.tenant_id", defaults.OAuth.TenantID)
	v.SetDefault("oauth.scopes", defaults.OAuth.Scopes)
	v.SetDefault("oauth.token_cache_file", defaults.OAuth.TokenCacheFile)
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("log_level", defaults.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaults, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaults, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Processors == nil {
		cfg.Processors = defaults.Processors
	}
	for name := range cfg.Processors {
		// Viper unmarshals missing bools as false; treat unset as enabled.
		key := fmt.Sprintf("processors.%s.enabled", name)
		if !v.IsSet(key) {
			p := cfg.Processors[name]
			p.Enabled = true
			cfg.Processors[name] = p
		}
	}

	return cfg, nil
}

// Validate checks settings that must be present before any connection
// is attempted.
func (c *Config) Validate() error {
	if c.IMAP.Account == "" {
		return fmt.Errorf("imap.account must be configured")
	}
	switch c.IMAP.AuthMethod {
	case "xoauth2":
		if c.OAuth.ClientID == "" {
			return fmt.Errorf("oauth.client_id must be configured for xoauth2")
		}
		if len(c.OAuth.Scopes) == 0 {
			return fmt.Errorf("oauth.scopes must include at least one scope")
		}
	case "password":
	default:
		return fmt.Errorf("unknown imap.auth_method %q", c.IMAP.AuthMethod)
	}
	return nil
}
