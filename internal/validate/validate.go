// Package validate wraps go-playground/validator with the tags splitlab needs.
package validate

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"

	"splitlab/internal/apperr"
)

var handlePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

var (
	instance *validator.Validate
	once     sync.Once
)

// Validator returns the shared validator with the "handle" tag registered.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
			return Handle(fl.Field().String())
		})
		instance = v
	})
	return instance
}

// Struct validates s and converts the first failure into an apperr.Validation error.
func Struct(s any) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return apperr.Validation.New("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return apperr.Validation.New("%s failed %s", fe.Field(), fe.Tag())
	}
	return apperr.Validation.Wrap(err)
}

// Handle reports whether s is a URL-safe experiment handle: lowercase,
// starts with a letter, hyphen-separated alphanumeric tokens.
func Handle(s string) bool {
	return handlePattern.MatchString(s)
}

// Kebab turns a human name into a handle candidate ("Pricing Page v2" -> "pricing-page-v2").
// The result may still be invalid (e.g. a name starting with a digit).
func Kebab(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	return b.String()
}
