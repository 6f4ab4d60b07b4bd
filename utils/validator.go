package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// continentNames backs the custom "continent" validation used on
// audience filters and signup input. Matching is case-insensitive.
var continentNames = map[string]struct{}{
	"africa":        {},
	"antarctica":    {},
	"asia":          {},
	"europe":        {},
	"north america": {},
	"oceania":       {},
	"south america": {},
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("continent", func(fl validator.FieldLevel) bool {
		_, ok := continentNames[strings.ToLower(strings.TrimSpace(fl.Field().String()))]
		return ok
	})
	return v
}

// ValidateStruct runs struct-tag validation and flattens the result
// into one human-readable error.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var errors []string
	for _, err := range err.(validator.ValidationErrors) {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			errors = append(errors, field+" is required")
		case "min":
			errors = append(errors, field+" must be at least "+param+" characters")
		case "max":
			errors = append(errors, field+" must be at most "+param+" characters")
		case "email":
			errors = append(errors, field+" must be a valid email")
		case "continent":
			errors = append(errors, field+" must be a continent name")
		default:
			errors = append(errors, field+" is invalid")
		}
	}

	return fmt.Errorf("%s", strings.Join(errors, ", "))
}
