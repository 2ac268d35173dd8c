package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sofatutor/ipgate/internal/logging"
)

// maxIDLength bounds caller supplied identifiers, which end up in the
// access log.
const maxIDLength = 128

// NewRequestIDMiddleware handles request and correlation ID context propagation.
func NewRequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := getOrGenerateID(r.Header.Get("X-Request-ID"))
			correlationID := getOrGenerateID(r.Header.Get("X-Correlation-ID"))

			ctx := logging.WithRequestID(r.Context(), requestID)
			ctx = logging.WithCorrelationID(ctx, correlationID)

			w.Header().Set("X-Request-ID", requestID)
			w.Header().Set("X-Correlation-ID", correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getOrGenerateID returns the provided ID if valid, otherwise generates a new UUID.
func getOrGenerateID(existingID string) string {
	existingID = strings.TrimSpace(existingID)
	if !validID(existingID) {
		return uuid.NewString()
	}
	return existingID
}

// validID accepts non-empty printable ASCII without spaces.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}
