package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sofatutor/ipgate/internal/logging"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name                  string
		existingRequestID     string
		existingCorrelationID string
	}{
		{name: "no existing headers - generates new IDs"},
		{name: "existing request ID - uses it", existingRequestID: "existing-req-123"},
		{name: "existing correlation ID - uses it", existingCorrelationID: "existing-corr-456"},
		{name: "both existing headers - uses them", existingRequestID: "existing-req-123", existingCorrelationID: "existing-corr-456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var contextRequestID, contextCorrelationID string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				contextRequestID = logging.RequestIDFromContext(r.Context())
				contextCorrelationID = logging.CorrelationIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.existingRequestID != "" {
				req.Header.Set("X-Request-ID", tt.existingRequestID)
			}
			if tt.existingCorrelationID != "" {
				req.Header.Set("X-Correlation-ID", tt.existingCorrelationID)
			}
			rr := httptest.NewRecorder()
			NewRequestIDMiddleware()(handler).ServeHTTP(rr, req)

			if tt.existingRequestID != "" {
				assert.Equal(t, tt.existingRequestID, contextRequestID, "should use existing request ID")
			} else {
				assert.Regexp(t, `^[a-f0-9-]{36}$`, contextRequestID, "generated request ID should be UUID format")
			}
			if tt.existingCorrelationID != "" {
				assert.Equal(t, tt.existingCorrelationID, contextCorrelationID, "should use existing correlation ID")
			} else {
				assert.Regexp(t, `^[a-f0-9-]{36}$`, contextCorrelationID, "generated correlation ID should be UUID format")
			}

			assert.Equal(t, contextRequestID, rr.Header().Get("X-Request-ID"))
			assert.Equal(t, contextCorrelationID, rr.Header().Get("X-Correlation-ID"))
		})
	}
}

func TestRequestIDMiddleware_GenerateUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[logging.RequestIDFromContext(r.Context())] = true
	})

	mw := NewRequestIDMiddleware()
	for i := 0; i < 10; i++ {
		mw(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	}
	assert.Len(t, seen, 10, "should generate unique request IDs")
}

func TestRequestIDMiddleware_HeaderValidation(t *testing.T) {
	tests := []struct {
		name        string
		headerValue string
		expectUsed  bool
	}{
		{"valid UUID", "550e8400-e29b-41d4-a716-446655440000", true},
		{"valid short ID", "req-12345", true},
		{"empty string", "", false},
		{"whitespace only", "   ", false},
		{"embedded space", "req 1", false},
		{"control character", "req\x01", false},
		{"too long", strings.Repeat("a", maxIDLength+1), false},
		{"max length", strings.Repeat("a", maxIDLength), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var contextRequestID string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				contextRequestID = logging.RequestIDFromContext(r.Context())
			})

			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("X-Request-ID", tt.headerValue)
			NewRequestIDMiddleware()(handler).ServeHTTP(httptest.NewRecorder(), req)

			if tt.expectUsed {
				assert.Equal(t, tt.headerValue, contextRequestID)
			} else {
				assert.NotEqual(t, tt.headerValue, contextRequestID)
				assert.Regexp(t, `^[a-f0-9-]{36}$`, contextRequestID)
			}
		})
	}
}
