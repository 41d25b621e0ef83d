package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/sismos-service/internal/models"
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New()

// FieldError describes one rule a record broke.
type FieldError struct {
	Field string
	Tag   string
	Param string
	Value interface{}
}

func (e FieldError) Error() string {
	switch e.Tag {
	case "required":
		return e.Field + " is required"
	case "hexadecimal":
		return e.Field + " must be hexadecimal"
	case "len":
		return fmt.Sprintf("%s must be %s characters", e.Field, e.Param)
	case "gte":
		return fmt.Sprintf("%s must be at least %s (got %v)", e.Field, e.Param, e.Value)
	case "lte":
		return fmt.Sprintf("%s must be at most %s (got %v)", e.Field, e.Param, e.Value)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", e.Field, e.Param)
	default:
		return fmt.Sprintf("%s failed validation (%s)", e.Field, e.Tag)
	}
}

// Errors is every rule a record broke, in struct field order.
type Errors []FieldError

func (es Errors) Error() string {
	msgs := make([]string, 0, len(es))
	for _, e := range es {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateRecord checks the struct-tag rules on a record plus a non-zero timestamp.
// Returns nil or Errors. NaN and infinite values fail the range rules.
func ValidateRecord(r models.Record) error {
	var out Errors
	if r.Timestamp.IsZero() {
		out = append(out, FieldError{Field: "timestamp", Tag: "required"})
	}
	if err := validate.Struct(r); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		for _, fe := range ve {
			out = append(out, FieldError{
				Field: strings.ToLower(fe.Field()),
				Tag:   fe.Tag(),
				Param: fe.Param(),
				Value: fe.Value(),
			})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
