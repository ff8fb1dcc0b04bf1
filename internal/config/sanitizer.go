package config

import "encoding/json"

// ConfigSanitizer redacts secrets from a Config before it's logged.
type ConfigSanitizer interface {
	Sanitize(cfg *Config) *Config
}

// DefaultConfigSanitizer is the production ConfigSanitizer.
type DefaultConfigSanitizer struct {
	redactionValue string
}

// NewDefaultConfigSanitizer returns a sanitizer using the standard redaction
// placeholder.
func NewDefaultConfigSanitizer() ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: "***REDACTED***"}
}

// NewConfigSanitizer returns a sanitizer using a custom redaction value.
func NewConfigSanitizer(redactionValue string) ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: redactionValue}
}

// Sanitize returns a deep copy of cfg with the auth file path and any bearer
// token material blanked out, safe to pass to a structured logger.
func (s *DefaultConfigSanitizer) Sanitize(cfg *Config) *Config {
	sanitized := s.deepCopy(cfg)
	if sanitized.Cloud.AuthFilePath != "" {
		sanitized.Cloud.AuthFilePath = s.redactionValue
	}
	return sanitized
}

func (s *DefaultConfigSanitizer) deepCopy(cfg *Config) *Config {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var cp Config
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cfg
	}
	return &cp
}
