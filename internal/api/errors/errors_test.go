package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsSetStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ValidationError("c", "m").HTTPCode)
	assert.Equal(t, http.StatusNotFound, NotFoundError("c", "m").HTTPCode)
	assert.Equal(t, http.StatusUnauthorized, UnauthorizedError("c", "m").HTTPCode)
	assert.Equal(t, http.StatusForbidden, ForbiddenError("c", "m").HTTPCode)
	assert.Equal(t, http.StatusGatewayTimeout, TimeoutError("c", "m").HTTPCode)
	assert.Equal(t, http.StatusServiceUnavailable, UnavailableError("c", "m").HTTPCode)
	assert.Equal(t, http.StatusInternalServerError, New("bogus", "c", "m").HTTPCode)
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	wrapped := fmt.Errorf("handler: %w", ForbiddenError("insufficient_role", "no"))
	apiErr := FromError(wrapped)
	assert.Equal(t, ErrorTypeForbidden, apiErr.Type)
	assert.Equal(t, "insufficient_role", apiErr.Code)

	apiErr = FromError(fmt.Errorf("store: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrorTypeTimeout, apiErr.Type)

	apiErr = FromError(fmt.Errorf("disk on fire at /var/lib/feedhub"))
	assert.Equal(t, ErrorTypeInternal, apiErr.Type)
	assert.NotContains(t, apiErr.Message, "/var/lib", "internal details are not exposed")
}
