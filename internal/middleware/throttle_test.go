package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThrottleMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("disabled", func(t *testing.T) {
		h := NewThrottleMiddleware(0, 0, nil)(ok)
		for i := 0; i < 100; i++ {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rr.Code)
		}
	})

	t.Run("burst exhausted", func(t *testing.T) {
		// one token per hour leaves only the burst
		h := NewThrottleMiddleware(1.0/3600, 3, nil)(ok)
		codes := map[int]int{}
		for i := 0; i < 5; i++ {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
			codes[rr.Code]++
			if rr.Code == http.StatusTooManyRequests {
				assert.Equal(t, "1", rr.Header().Get("Retry-After"))
			}
		}
		assert.Equal(t, 3, codes[http.StatusOK])
		assert.Equal(t, 2, codes[http.StatusTooManyRequests])
	})

	t.Run("burst floor", func(t *testing.T) {
		h := NewThrottleMiddleware(1.0/3600, 0, nil)(ok)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	})
}
