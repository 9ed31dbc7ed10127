package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Build and print the message without connecting
	DryRun bool `toml:"dry_run"`

	// Submission endpoint
	Endpoint EndpointConfig `toml:"endpoint"`

	// Login performed after EHLO
	Auth AuthConfig `toml:"auth"`

	// Message input
	Message MessageConfig `toml:"message"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `toml:"metrics"`
}

// EndpointConfig locates the mail submission service
type EndpointConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Helo string `toml:"helo"`
}

// AuthConfig holds the credentials for the login handshake
type AuthConfig struct {
	Enabled   bool   `toml:"enabled"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Mechanism string `toml:"mechanism"` // "", "PLAIN" or "LOGIN"
}

// MessageConfig names the envelope input file
type MessageConfig struct {
	EnvelopeFile string `toml:"envelope_file"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// MetricsConfig controls the Prometheus textfile written after a run
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// Auth mechanisms the dispatcher can drive
var supportedMechanisms = []string{"PLAIN", "LOGIN"}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Endpoint.Host = "localhost"
	cfg.Endpoint.Port = 1025
	cfg.Endpoint.Helo = "localhost"

	// Placeholder credentials the local relay accepts
	cfg.Auth.Enabled = true
	cfg.Auth.Username = "test"
	cfg.Auth.Password = "test"

	cfg.Message.EnvelopeFile = DefaultEnvelopeFile

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// Addr returns the endpoint as host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Endpoint.Host, strconv.Itoa(c.Endpoint.Port))
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", &ConfigError{Path: configPath, Err: fmt.Errorf("config file not found: %w", err)}
		}
		return configPath, nil
	}

	locations := []string{
		"./testmail.toml",
		"./config/testmail.toml",
		os.ExpandEnv("$HOME/.testmail.toml"),
		"/etc/testmail/testmail.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", errNoConfigFile
}

var errNoConfigFile = errors.New("no config file found")

// LoadConfig loads a configuration from a file. An empty path falls back to
// the common locations and then to defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	sv := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	if errors.Is(err, errNoConfigFile) {
		slog.Debug("no config file found, using defaults")
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := sv.ValidateFileSize(configFile, sv.config.MaxConfigFileSize); err != nil {
		return nil, &ConfigError{Path: configFile, Err: fmt.Errorf("config file security validation failed: %w", err)}
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, &ConfigError{Path: configFile, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	cfg.Message.EnvelopeFile = ""
	if err := gotoml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Path: configFile, Err: fmt.Errorf("error parsing TOML configuration: %w", err)}
	}

	// An envelope named in the settings file is relative to that file;
	// the default stays relative to the working directory.
	switch {
	case cfg.Message.EnvelopeFile == "":
		cfg.Message.EnvelopeFile = DefaultEnvelopeFile
	case !filepath.IsAbs(cfg.Message.EnvelopeFile):
		cfg.Message.EnvelopeFile = filepath.Join(filepath.Dir(configFile), cfg.Message.EnvelopeFile)
	}

	result := cfg.Validate()
	if !result.Valid {
		var errorMessages []string
		for _, err := range result.Errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return nil, &ConfigError{Path: configFile, Err: fmt.Errorf("configuration validation failed: %s", strings.Join(errorMessages, "; "))}
	}

	for _, warning := range result.Warnings {
		slog.Warn("configuration warning", "path", configFile, "warning", warning.Error())
	}

	slog.Debug("configuration loaded",
		"path", configFile,
		"endpoint", cfg.Addr())

	return cfg, nil
}

// SaveConfig saves the configuration to a file in TOML format
func (c *Config) SaveConfig(configPath string) error {
	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(configPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# testmail configuration\n\n"); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return f.Close()
}

// CreateDefaultConfig writes the default configuration to path
func CreateDefaultConfig(path string) error {
	return DefaultConfig().SaveConfig(path)
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateEndpoint(result, sv)
	c.validateAuth(result, sv)
	c.validateLogging(result)

	return result
}

func (c *Config) validateEndpoint(result *ValidationResult, sv *SecurityValidator) {
	c.Endpoint.Host = sv.SanitizeString(c.Endpoint.Host)
	if err := sv.ValidateHostname(c.Endpoint.Host, "endpoint.host"); err != nil {
		result.AddError("endpoint.host", c.Endpoint.Host, err.Error())
	}

	if err := sv.ValidatePort(c.Endpoint.Port, "endpoint.port"); err != nil {
		result.AddError("endpoint.port", c.Endpoint.Port, err.Error())
	}

	c.Endpoint.Helo = sv.SanitizeString(c.Endpoint.Helo)
	if c.Endpoint.Helo == "" {
		result.AddWarning("endpoint.helo", c.Endpoint.Helo, "empty HELO name, falling back to localhost")
		c.Endpoint.Helo = "localhost"
	} else if err := sv.ValidateHostname(c.Endpoint.Helo, "endpoint.helo"); err != nil {
		result.AddError("endpoint.helo", c.Endpoint.Helo, err.Error())
	}
}

func (c *Config) validateAuth(result *ValidationResult, sv *SecurityValidator) {
	if !c.Auth.Enabled {
		return
	}

	c.Auth.Username = sv.SanitizeString(c.Auth.Username)
	if c.Auth.Username == "" {
		result.AddWarning("auth.username", c.Auth.Username, "auth is enabled with an empty username")
	}
	if err := sv.ValidateStringLength(c.Auth.Username, "auth.username"); err != nil {
		result.AddError("auth.username", c.Auth.Username, err.Error())
	}
	if err := sv.ValidateStringLength(c.Auth.Password, "auth.password"); err != nil {
		result.AddError("auth.password", "***", err.Error())
	}

	if c.Auth.Mechanism != "" {
		mech := strings.ToUpper(c.Auth.Mechanism)
		known := false
		for _, m := range supportedMechanisms {
			if m == mech {
				known = true
				break
			}
		}
		if !known {
			result.AddError("auth.mechanism", c.Auth.Mechanism,
				fmt.Sprintf("unsupported mechanism (supported: %s)", strings.Join(supportedMechanisms, ", ")))
		} else {
			c.Auth.Mechanism = mech
		}
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	case "":
		c.Logging.Level = "info"
	default:
		result.AddError("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	case "":
		c.Logging.Format = "text"
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
}
