package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func readingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			if HandleMaxBytesError(w, err) {
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMaxBodySize(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"within limit", 100, http.StatusOK},
		{"exact limit", 1024, http.StatusOK},
		{"empty", 0, http.StatusOK},
		{"exceeds limit", 2048, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader(bytes.Repeat([]byte("a"), tt.size)))
			w := httptest.NewRecorder()

			MaxBodySize(1024)(readingHandler()).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestHandleMaxBytesError_ReportsLimit(t *testing.T) {
	w := httptest.NewRecorder()

	if !HandleMaxBytesError(w, &http.MaxBytesError{Limit: 512}) {
		t.Fatal("HandleMaxBytesError() should have handled max bytes error")
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["max_size_bytes"] != float64(512) {
		t.Errorf("max_size_bytes = %v, want 512", body["max_size_bytes"])
	}
}

func TestHandleMaxBytesError_OtherError(t *testing.T) {
	w := httptest.NewRecorder()
	if HandleMaxBytesError(w, io.ErrUnexpectedEOF) {
		t.Error("HandleMaxBytesError() handled an unrelated error")
	}
}
