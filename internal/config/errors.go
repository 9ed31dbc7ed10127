package config

import "fmt"

// ConfigError reports a missing, unreadable or incomplete configuration source.
// Field is set when a required field is absent.
type ConfigError struct {
	Path  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	prefix := "config"
	if e.Path != "" {
		prefix = "config " + e.Path
	}

	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: field %q: %v", prefix, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: missing required field %q", prefix, e.Field)
	default:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
