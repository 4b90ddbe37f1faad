package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	apierrors "github.com/nkkko/feedhub/internal/api/errors"
)

// maxBodyBytes bounds request bodies read by ParseAndValidate
const maxBodyBytes = 1 << 20

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierrors.ValidationError("empty_request_body", "Request body is empty")
		}
		return apierrors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// MaxLength validates that a string is not longer than the specified max length
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return apierrors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return apierrors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// NonNegativeInt parses an optional integer parameter, returning def when empty
func NonNegativeInt(field, value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, apierrors.ValidationError("invalid_value", field+" must be a non-negative integer")
	}
	return n, nil
}

// OneOf validates that value is one of allowed
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return apierrors.ValidationError("invalid_value", field+" has an unsupported value").
		WithDetails(map[string]any{"allowed": allowed})
}
