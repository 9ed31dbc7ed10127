package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// SecurityConfig holds security validation settings
type SecurityConfig struct {
	MaxConfigFileSize   int64 // Maximum settings file size
	MaxEnvelopeFileSize int64 // Maximum envelope file size
	MaxFieldLength      int   // Maximum length of any string setting
}

// DefaultSecurityConfig returns secure default security settings
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxConfigFileSize:   1024 * 1024, // 1MB
		MaxEnvelopeFileSize: 64 * 1024,   // 64KB
		MaxFieldLength:      1024,
	}
}

// SecurityValidator checks settings values before they reach the network layer
type SecurityValidator struct {
	config *SecurityConfig
}

// NewSecurityValidator creates a new security validator
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{
		config: DefaultSecurityConfig(),
	}
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidatePort validates port numbers
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port for %s: %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateHostname validates a host name or IP literal
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty for %s", fieldName)
	}

	if err := sv.checkInjectionPatterns(hostname); err != nil {
		return fmt.Errorf("injection pattern detected in %s: %w", fieldName, err)
	}

	if len(hostname) > 253 {
		return fmt.Errorf("hostname length invalid for %s: %d (must be 1-253)", fieldName, len(hostname))
	}

	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return nil
	}

	if !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format for %s: %s", fieldName, hostname)
	}

	return nil
}

// ValidateStringLength validates string lengths to prevent memory exhaustion
func (sv *SecurityValidator) ValidateStringLength(str, fieldName string) error {
	if !utf8.ValidString(str) {
		return fmt.Errorf("invalid UTF-8 encoding in %s", fieldName)
	}

	if len(str) > sv.config.MaxFieldLength {
		return fmt.Errorf("string too long for %s: %d characters (max: %d)", fieldName, len(str), sv.config.MaxFieldLength)
	}

	return nil
}

// ValidateFileSize rejects files larger than max before they are read
func (sv *SecurityValidator) ValidateFileSize(filePath string, max int64) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", filePath, err)
	}

	if info.Size() > max {
		return fmt.Errorf("file too large: %s is %d bytes (max: %d)", filePath, info.Size(), max)
	}

	return nil
}

// checkInjectionPatterns checks for shell and protocol injection patterns
func (sv *SecurityValidator) checkInjectionPatterns(input string) error {
	injectionPatterns := []string{
		"\r",
		"\n",
		"\x00",
		"${",
		"$(",
		"`",
		";",
		"|",
		"&",
	}

	for _, pattern := range injectionPatterns {
		if strings.Contains(input, pattern) {
			return fmt.Errorf("injection pattern detected: %q", pattern)
		}
	}

	return nil
}

// SanitizeString removes null bytes and control characters except tabs and
// returns the result in NFC form
func (sv *SecurityValidator) SanitizeString(str string) string {
	str = strings.ReplaceAll(str, "\x00", "")

	var result strings.Builder
	for _, r := range str {
		if r >= 32 || r == '\t' {
			result.WriteRune(r)
		}
	}

	return norm.NFC.String(result.String())
}
