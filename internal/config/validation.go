package config

import (
	"fmt"
	"net"
	"strings"

	"ctxt/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Field)
	}
	return out
}

// ValidateConfig checks settings that the schema cannot express.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateAdmin(&c.Admin)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, *RangeError("server.port", 0, 65535))
	}
	if s.PollIntervalMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.poll_interval_ms",
			Message: "poll interval must be positive",
		})
	}
	if s.PayloadTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.payload_timeout_ms",
			Message: "payload timeout cannot be negative",
		})
	}
	if s.MaxPayloadBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_payload_bytes",
			Message: "max payload must be positive",
		})
	}
	if s.Bind != "" && net.ParseIP(s.Bind) == nil && !isHostname(s.Bind) {
		errs = append(errs, ValidationError{
			Field:   "server.bind",
			Message: fmt.Sprintf("invalid bind address: %s", s.Bind),
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Backend {
	case "", "file":
		if s.Dir == "" {
			errs = append(errs, *RequiredFieldError("storage.dir"))
		}
	case "bolt":
		if s.BoltPath == "" {
			errs = append(errs, *RequiredFieldError("storage.bolt_path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend: %s (must be file or bolt)", s.Backend),
		})
	}
	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors
	switch j.Driver {
	case "", "none":
	case "sqlite", "postgres":
		if j.DSN == "" {
			errs = append(errs, *RequiredFieldError("journal.dsn"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "journal.driver",
			Message: fmt.Sprintf("invalid driver: %s (must be sqlite or postgres)", j.Driver),
		})
	}
	return errs
}

func validateAdmin(a *AdminConfig) ValidationErrors {
	if !a.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(a.Addr); err != nil {
		return ValidationErrors{{
			Field:   "admin.addr",
			Message: fmt.Sprintf("invalid address: %v", err),
		}}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level: %s (must be debug, info, warn, or error)", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format: %s (must be text or json)", l.Format),
		})
	}
	switch l.Output {
	case "", "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (must be stdout, stderr, file, or both)", l.Output),
		})
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging",
			Message: "rotation limits cannot be negative",
		})
	}
	return errs
}

func isHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return false
			}
		}
	}
	return true
}

// RequiredFieldError creates an error for a missing required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "field is required",
	}
}

// RangeError creates an error for a value out of range.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
