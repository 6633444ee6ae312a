// Package http
package http

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func ValidateStruct(payload any) map[string]string {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, fieldError := range validationErrors {
			fieldName := strings.ToLower(fieldError.Field())
			switch fieldError.Tag() {
			case "required":
				errors[fieldName] = fmt.Sprintf("The %s field is required.", fieldError.Field())
			case "url":
				errors[fieldName] = fmt.Sprintf("The %s must be a valid URL.", fieldError.Field())
			case "max":
				errors[fieldName] = fmt.Sprintf("The %s may not exceed %s characters.", fieldError.Field(), fieldError.Param())
			default:
				errors[fieldName] = fmt.Sprintf("The %s field is invalid.", fieldError.Field())
			}
		}
	}

	return errors
}
