package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate runs struct-tag validation plus the cross-field rules that tags
// alone can't express, mirroring the teacher's OSSConfig.Validate.
func (c *ClientConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreamMutualExclusion(); err != nil {
		return err
	}

	return nil
}

// validateUpstreamMutualExclusion ensures at most one of ServerPath or
// ServerAddr is set — spawn mode and attach mode are exclusive, unlike the
// teacher's upstream config where both empty is a valid (multi-upstream)
// state; here at least one must be set, which the `required_without` tags
// on each field already enforce, so this only rejects the "both set" case.
func (c *ClientConfig) validateUpstreamMutualExclusion() error {
	if c.ServerPath != "" && c.ServerAddr != "" {
		return errors.New("config: specify server_path or server_addr, not both")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages, one per failing field.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("%s is required when %s is not set", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
