package config

import (
	"fmt"
	"strings"

	"pinguard/internal/fault"
	"pinguard/internal/logging"
	"pinguard/internal/tamper"
	"pinguard/internal/verifypin"
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
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateCard(&c.Card)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateTamper(&c.Tamper)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateCampaign(&c.Campaign)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateCard(c *CardConfig) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, ValidationError{"card.card_id", "must not be empty"})
	}
	if _, err := verifypin.Lookup(c.Preset); err != nil {
		errs = append(errs, ValidationError{"card.preset", err.Error()})
	}
	if _, err := verifypin.ParseTechniques(c.ExtraTechniques); err != nil {
		errs = append(errs, ValidationError{"card.extra_techniques", err.Error()})
	}
	switch c.Trigger {
	case "mute", "exit":
	default:
		errs = append(errs, ValidationError{"card.trigger", fmt.Sprintf("must be mute or exit, got %q", c.Trigger)})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Type {
	case "memory":
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{"storage.path", "required for sqlite storage"})
		}
		if s.SecretPath == "" {
			errs = append(errs, ValidationError{"storage.secret_path", "required for sqlite storage"})
		}
	default:
		errs = append(errs, ValidationError{"storage.type", fmt.Sprintf("unknown storage type %q", s.Type)})
	}
	return errs
}

func validateTamper(t *TamperConfig) ValidationErrors {
	switch t.Backend {
	case tamper.BackendNone, tamper.BackendSoftware, tamper.BackendTPM:
		return nil
	}
	return ValidationErrors{{"tamper.backend", fmt.Sprintf("unknown backend %q", t.Backend)}}
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{"logging.level", err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{"logging.format", err.Error()})
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{"logging.file_path", "required when logging to a file"})
		}
	default:
		errs = append(errs, ValidationError{"logging.output", fmt.Sprintf("unknown output %q", l.Output)})
	}
	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{"logging.max_size_mb", "must be at least 1"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{"logging.max_backups", "must not be negative"})
	}
	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	if !a.Enabled {
		return nil
	}
	var errs ValidationErrors
	if a.FilePath == "" {
		errs = append(errs, ValidationError{"audit.file_path", "required when audit is enabled"})
	}
	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{"audit.max_size_mb", "must be at least 1"})
	}
	return errs
}

func validateCampaign(c *CampaignConfig) ValidationErrors {
	var errs ValidationErrors
	for i, p := range c.Presets {
		if _, err := verifypin.Lookup(p); err != nil {
			errs = append(errs, ValidationError{fmt.Sprintf("campaign.presets[%d]", i), err.Error()})
		}
	}
	for i, m := range c.Models {
		if _, err := fault.ParseModel(m); err != nil {
			errs = append(errs, ValidationError{fmt.Sprintf("campaign.models[%d]", i), err.Error()})
		}
	}
	if c.MaxHit < 0 || c.MaxHit > 64 {
		errs = append(errs, ValidationError{"campaign.max_hit", "must be between 0 and 64"})
	}
	return errs
}
