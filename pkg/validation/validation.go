// Package validation wraps go-playground/validator for request structs and
// renders the first failure as a domain validation error named after the
// field's JSON key.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	dErrors "proz/pkg/domain-errors"
)

var defaultValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	// One-time codes keep leading zeros, so they are validated as ASCII digit strings.
	_ = v.RegisterValidation("digits", func(fl validator.FieldLevel) bool {
		val := fl.Field().String()
		if val == "" {
			return false
		}
		for i := 0; i < len(val); i++ {
			if val[i] < '0' || val[i] > '9' {
				return false
			}
		}
		return true
	})
	return v
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return snakeCase(f.Name)
	}
	return name
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 &&
			(unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// TrimSpace trims every field in place before validation.
func TrimSpace(fields ...*string) {
	for _, f := range fields {
		*f = strings.TrimSpace(*f)
	}
}

func Validate(req any) error {
	if err := defaultValidator.Struct(req); err != nil {
		return dErrors.New(dErrors.CodeValidation, ErrorMessage(err))
	}
	return nil
}

var messages = map[string]string{
	"required": "%s is required",
	"email":    "%s must be a valid email",
	"url":      "%s must be a valid url",
	"uuid":     "%s must be a valid uuid",
	"e164":     "%s must be an E.164 phone number",
	"digits":   "%s must contain only digits",
	"notblank": "%s must not be blank",
}

var paramMessages = map[string]string{
	"min":   "%s must be at least %s",
	"max":   "%s must be at most %s",
	"len":   "%s must be exactly %s characters",
	"oneof": "%s must be one of [%s]",
}

// ErrorMessage describes the first validation failure in err.
func ErrorMessage(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return "invalid request body"
	}

	fe := validationErrs[0]
	field := fe.Field()
	if field == "" {
		field = snakeCase(fe.StructField())
	}
	if field == "" {
		return "invalid request body"
	}

	tag := fe.ActualTag()
	if format, ok := messages[tag]; ok {
		return fmt.Sprintf(format, field)
	}
	if format, ok := paramMessages[tag]; ok {
		return fmt.Sprintf(format, field, fe.Param())
	}
	return fmt.Sprintf("%s is invalid", field)
}
