package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"nil error", nil, http.StatusOK},
		{"validation error", NewValidationError("field", "invalid", nil), http.StatusBadRequest},
		{"rate limit error", NewRateLimitError(100, 60), http.StatusTooManyRequests},
		{"service error", NewServiceError("mongo", "unavailable", nil), http.StatusServiceUnavailable},
		{"serialization error", NewSerializationError("json", "", nil), http.StatusInternalServerError},
		{"sentinel not found", ErrNotFound, http.StatusNotFound},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, got)
			}
		})
	}
}

func TestWriteHTTPError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTPError(rec, NewRateLimitError(10, 30), "trace-1")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Expected Retry-After 30, got %q", got)
	}

	var body HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != CodeRateLimit {
		t.Errorf("Expected code %q, got %q", CodeRateLimit, body.Code)
	}
	if body.Details["retry_after"] != "30" {
		t.Errorf("Expected retry_after detail 30, got %q", body.Details["retry_after"])
	}
	if body.TraceID != "trace-1" {
		t.Errorf("Expected trace id, got %q", body.TraceID)
	}
}

func TestToHTTPError_ServiceDetails(t *testing.T) {
	httpErr := ToHTTPError(NewServiceError("redis", "stream unavailable", nil), "")
	if httpErr.Status != http.StatusServiceUnavailable {
		t.Errorf("unexpected status %d", httpErr.Status)
	}
	if httpErr.Details["service"] != "redis" {
		t.Errorf("expected service detail, got %v", httpErr.Details)
	}
	if httpErr.Message != "stream unavailable" {
		t.Errorf("unexpected message %q", httpErr.Message)
	}
}
