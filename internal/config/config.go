package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mail-gateway/internal/models"

	"gopkg.in/yaml.v2"
)

const (
	defaultAddr            = ":3000"
	defaultShutdownTimeout = 10 * time.Second
	defaultRelayPort       = 587
	defaultIMAPPort        = 993
	defaultTimeout         = 30 * time.Second
	defaultMailBox         = "INBOX"
	defaultStorePath       = "sent-emails.json"
)

// Load reads the configuration from the specified YAML file, applies
// environment overrides and fills in defaults. A missing file is not an
// error: the environment alone may carry the whole configuration.
func Load(filepath string) (*models.Config, error) {
	config := models.Config{
		Retrieval: models.RetrievalConfig{TLS: true},
	}

	if filepath != "" {
		configFile, err := os.ReadFile(filepath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(configFile, &config); err != nil {
				return nil, fmt.Errorf("parse %s: %w", filepath, err)
			}
		}
	}

	if err := applyEnv(&config, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	return &config, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays the environment-style options on top of the file values
func applyEnv(cfg *models.Config, lookup lookupFunc) error {
	str := map[string]*string{
		"RELAY_HOST":     &cfg.Relay.Host,
		"RELAY_USER":     &cfg.Relay.Login,
		"RELAY_PASSWORD": &cfg.Relay.Password,
		"RELAY_FROM":     &cfg.Relay.From,
		"RELAY_SECURITY": &cfg.Relay.Security,
		"IMAP_HOST":      &cfg.Retrieval.Host,
		"IMAP_USER":      &cfg.Retrieval.Login,
		"IMAP_PASSWORD":  &cfg.Retrieval.Password,
		"IMAP_MAILBOX":   &cfg.Retrieval.MailBox,
		"STORE_PATH":     &cfg.Store.Path,
		"LOG_LEVEL":      &cfg.Log.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RELAY_PORT": &cfg.Relay.Port,
		"IMAP_PORT":  &cfg.Retrieval.Port,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("IMAP_TLS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid IMAP_TLS %q: %w", v, err)
		}
		cfg.Retrieval.TLS = b
	}

	// PORT only carries a port number, as most hosting platforms set it
	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.Addr = ":" + v
	}

	return nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultAddr
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = defaultRelayPort
	}
	if cfg.Relay.Security == "" {
		cfg.Relay.Security = models.SecurityStartTLS
	}
	cfg.Relay.Security = strings.ToLower(cfg.Relay.Security)
	if cfg.Relay.Timeout <= 0 {
		cfg.Relay.Timeout = defaultTimeout
	}

	if cfg.Retrieval.Port == 0 {
		cfg.Retrieval.Port = defaultIMAPPort
	}
	if cfg.Retrieval.MailBox == "" {
		cfg.Retrieval.MailBox = defaultMailBox
	}
	if cfg.Retrieval.Timeout <= 0 {
		cfg.Retrieval.Timeout = defaultTimeout
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}
}

// ValidateRelay reports whether the relay has everything it needs to submit mail
func ValidateRelay(c models.RelayConfig) error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.Login == "" {
		missing = append(missing, "login")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.From == "" {
		missing = append(missing, "from")
	}
	if len(missing) > 0 {
		return fmt.Errorf("relay: missing %s", strings.Join(missing, ", "))
	}

	switch c.Security {
	case models.SecurityTLS, models.SecurityStartTLS, models.SecurityNone:
	default:
		return fmt.Errorf("relay: unknown security mode %q", c.Security)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("relay: invalid port %d", c.Port)
	}
	return nil
}

// ValidateRetrieval reports whether the mailbox side has everything it needs to connect
func ValidateRetrieval(c models.RetrievalConfig) error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.Login == "" {
		missing = append(missing, "login")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("retrieval: missing %s", strings.Join(missing, ", "))
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("retrieval: invalid port %d", c.Port)
	}
	return nil
}
