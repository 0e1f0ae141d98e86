package collector

import (
	"github.com/go-playground/validator/v10"
)

// V validates the struct tags on boundary messages and settings.
var V = validator.New()

// Validate checks v against its validate tags and classifies failures as
// invalid input.
func Validate(op string, v any) error {
	if err := V.Struct(v); err != nil {
		return E(KindInvalidInput, op, err)
	}
	return nil
}

// ValidateSettings rejects non-positive thresholds.
func ValidateSettings(s Settings) error {
	return Validate("validate settings", s)
}
