// ABOUTME: Shared request body validation using go-playground/validator
// ABOUTME: Failures are reported as store.ErrValidation so they map to HTTP 400

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/2389/recall-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateRequest checks payload against its validate tags.
func validateRequest(payload any) error {
	err := getValidator().Struct(payload)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %s", store.ErrValidation, err.Error())
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fieldErr.Field(), fieldErr.Tag()))
	}
	return fmt.Errorf("%w: %s", store.ErrValidation, strings.Join(msgs, "; "))
}

// decodeRequest reads a JSON body into dst and validates it. An empty body
// leaves dst at its zero value.
func decodeRequest(r io.Reader, dst any) error {
	err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON: %s", store.ErrValidation, err.Error())
	}
	return validateRequest(dst)
}
