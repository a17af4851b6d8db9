package content

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"whisp/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

var (
	policy   = bluemonday.StrictPolicy()
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Sanitize strips markup from display fields such as user names and trims
// surrounding whitespace. The result is plain text, not HTML: entities the
// policy produces are decoded again, so "Tom & Jerry" stays as typed.
func Sanitize(input string) string {
	return strings.TrimSpace(html.UnescapeString(policy.Sanitize(input)))
}

// Validate checks v against its `validate` struct tags. Failures are
// reported as models.ErrValidation with a field level description.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "required_without":
		return fmt.Sprintf("%s or %s is required", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}
