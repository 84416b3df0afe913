package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"payrecon/internal/types"
)

// Validator wraps go-playground/validator and reports failures as
// AppErrors keyed by JSON field name.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator that names fields by their json tag and
// registers the provider id rules.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Provider object ids are "<prefix>_<opaque>".
	_ = v.RegisterValidation("provider_id", func(fl validator.FieldLevel) bool {
		prefix := fl.Param()
		s := fl.Field().String()
		return strings.HasPrefix(s, prefix+"_") && len(s) > len(prefix)+1
	})
	_ = v.RegisterValidation("payment_status", func(fl validator.FieldLevel) bool {
		return types.PaymentStatus(fl.Field().String()).Valid()
	})
	return &Validator{validate: v}
}

// ValidateStruct returns nil or an AppError. A missing required field maps
// to validation_missing_required_field; other rule failures map to
// validation_invalid_body. Details carry one message per field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid request", err)
	}

	code := types.ErrCodeValidationInvalidBody
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
		fields[fe.Field()] = fieldMessage(fe)
	}
	return types.NewAppErrorWithDetails(code, "request validation failed", err,
		map[string]any{"fields": fields})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "provider_id":
		return "must be a " + fe.Param() + "_ identifier"
	case "payment_status":
		return "must be one of pending, successful, failed, denied"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
