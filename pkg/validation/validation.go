package validation

import (
	"errors"
	"strings"
	"sync"

	"referral-ledger/pkg/errutil"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Validator returns the process-wide validator; it caches struct metadata so it is shared.
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Struct validates v and converts field failures into a ValidationFailed error.
func Struct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errutil.BadRequest("invalid payload", err)
	}

	details := make([]errutil.Detail, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, errutil.Detail{
			Field:   fe.Namespace(),
			Message: describe(fe),
		})
	}
	return errutil.ValidationFailed("invalid payload", nil, errutil.WithDetails(details...))
}

// Var validates a single value against a tag such as "email".
func Var(v any, tag string) bool {
	return Validator().Var(v, tag) == nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gt", "gte", "lt", "lte", "min", "max", "len":
		return "must be " + fe.Tag() + " " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
