package models

import "time"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig represents the HTTP listener configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Relay security modes
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// RelayConfig represents SMTP submission configuration
type RelayConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Login    string        `yaml:"login"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	FromName string        `yaml:"fromName"`
	Security string        `yaml:"security"` // tls, starttls or none
	Timeout  time.Duration `yaml:"timeout"`
}

// RetrievalConfig represents IMAP mailbox configuration
type RetrievalConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	Login              string        `yaml:"login"`
	Password           string        `yaml:"password"`
	MailBox            string        `yaml:"mailbox"`
	Timeout            time.Duration `yaml:"timeout"` // per protocol step
}

// StoreConfig represents the sent-record file location
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig represents logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
