package models

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks the `validate` tags on a request struct.
func Validate(v any) error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate.Struct(v)
}
