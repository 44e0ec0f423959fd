package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromKeepsAppError(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", NotFound("chat", nil))

	appErr := From(wrapped)

	assert.Equal(t, CodeNotFound, appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.Status)
	assert.Equal(t, "chat not found", appErr.Message)
}

func TestFromUnknownIsInternal(t *testing.T) {
	cause := errors.New("connection reset")

	appErr := From(cause)

	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.Equal(t, "internal server error", appErr.Message)
	assert.ErrorIs(t, appErr, cause)
}

func TestIs(t *testing.T) {
	assert.True(t, Is(MissingField("text is required"), CodeMissingField))
	assert.False(t, Is(MissingField("text is required"), CodeNotFound))
	assert.False(t, Is(errors.New("plain"), CodeMissingField))
}
