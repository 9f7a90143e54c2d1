package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	// Format validation errors
	var msgs []string
	for _, err := range verrs {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			msgs = append(msgs, field+" is required")
		case "required_if":
			msgs = append(msgs, field+" is required when "+strings.Replace(param, " ", " is ", 1))
		case "min":
			msgs = append(msgs, field+" must be at least "+param+" characters")
		case "max":
			msgs = append(msgs, field+" must be at most "+param+" characters")
		case "gte":
			msgs = append(msgs, field+" must be at least "+param)
		case "gt":
			msgs = append(msgs, field+" must be greater than "+param)
		case "oneof":
			msgs = append(msgs, field+" must be one of "+param)
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "len":
			msgs = append(msgs, field+" must be exactly "+param+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}

	return errors.New(strings.Join(msgs, ", "))
}
