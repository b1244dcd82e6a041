package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"json", "text"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Server.MaxSessions < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.max_sessions",
			Value:   c.Server.MaxSessions,
			Message: "must be at least 1",
		})
	}

	if strings.TrimSpace(c.Capture.Program) == "" {
		errors = append(errors, ValidationError{
			Field:   "capture.program",
			Value:   c.Capture.Program,
			Message: "must not be empty",
		})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	return errors
}
