package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// DefaultEnvelopeFile is read when neither the settings nor the command line name one
const DefaultEnvelopeFile = "test.json"

// Envelope holds the two addresses a run submits with.
// The JSON keys match the input file format: {"From": "...", "To": "..."}.
type Envelope struct {
	From string `json:"From"`
	To   string `json:"To"`
}

// LoadEnvelope reads and checks an envelope file. Only presence of both
// addresses is checked; the endpoint decides whether they are acceptable.
func LoadEnvelope(path string) (*Envelope, error) {
	if path == "" {
		path = DefaultEnvelopeFile
	}

	sv := NewSecurityValidator()
	if err := sv.ValidateFileSize(path, sv.config.MaxEnvelopeFileSize); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to read envelope file: %w", err)}
	}

	// Keys are matched case-sensitively
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("error parsing envelope JSON: %w", err)}
	}

	var env Envelope
	for _, f := range []struct {
		key string
		dst *string
	}{{"From", &env.From}, {"To", &env.To}} {
		raw, ok := fields[f.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return nil, &ConfigError{Path: path, Field: f.key, Err: fmt.Errorf("must be a string: %w", err)}
		}
	}

	if err := env.Validate(); err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}

	return &env, nil
}

// Validate checks that both addresses are present
func (e *Envelope) Validate() error {
	if e.From == "" {
		return &ConfigError{Field: "From"}
	}
	if e.To == "" {
		return &ConfigError{Field: "To"}
	}
	return nil
}
