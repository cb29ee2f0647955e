package apierr

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  error
		fatal     bool
		transient bool
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuthorizationExpired, true, false},
		{"bad request", http.StatusBadRequest, ErrValidation, false, false},
		{"not found", http.StatusNotFound, ErrValidation, false, false},
		{"forbidden", http.StatusForbidden, ErrValidation, false, false},
		{"internal", http.StatusInternalServerError, ErrServer, false, true},
		{"unavailable", http.StatusServiceUnavailable, ErrServer, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus(tt.status, []byte("detail"))
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.fatal, IsSessionFatal(err))
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Contains(t, err.Error(), "detail")
		})
	}
}

func TestNetworkWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Network(cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsTransient(err))
	assert.Nil(t, Network(nil))
}

func TestErrorMessageTruncated(t *testing.T) {
	body := strings.Repeat("x", maxMessageLen*2)
	err := FromStatus(http.StatusBadRequest, []byte(body))
	assert.Less(t, len(err.Error()), maxMessageLen*2)
}
