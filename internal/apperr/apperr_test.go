package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapCarriesDescriptor(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeExpired, "authorization code expired", cause)

	assert.Equal(t, CodeExpired, err.Kind)
	assert.Equal(t, "O0006", err.Code)
	assert.Equal(t, "invalid_grant", err.OAuthCode)
	assert.Equal(t, http.StatusBadRequest, err.Status)
	assert.ErrorIs(t, err, cause)
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("exchange: %w", New(CodeMismatch, "redirect uri differs"))

	assert.True(t, Is(err, CodeMismatch))
	assert.False(t, Is(err, CodeExpired))
	assert.Equal(t, CodeMismatch, KindOf(err))
	assert.ErrorIs(t, err, New(CodeMismatch, ""))
}

func TestFromUnknownErrorIsInternal(t *testing.T) {
	err := From(errors.New("disk on fire"))

	assert.Equal(t, Internal, err.Kind)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Nil(t, From(nil))
}
