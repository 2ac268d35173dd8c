package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/ipgate/internal/audit"
	"github.com/sofatutor/ipgate/internal/clientip"
	"github.com/sofatutor/ipgate/internal/config"
	"github.com/sofatutor/ipgate/internal/database"
	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/ratelimit"
	"github.com/sofatutor/ipgate/internal/whitelist"
)

const testToken = "test-management-token"

type testServer struct {
	srv     *Server
	handler http.Handler
	db      *database.DB
	gate    *gate.Gate
}

func newTestServer(t *testing.T, mutate func(*config.Config), opts ...Option) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ManagementToken = testToken
	if mutate != nil {
		mutate(cfg)
	}

	db, err := database.NewFromConfig(database.Config{Driver: database.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	classifier, err := clientip.New(cfg.ClassifierConfig())
	require.NoError(t, err)
	limiter, err := ratelimit.New(db, cfg.LimiterConfig(), nil)
	require.NoError(t, err)
	g, err := gate.New(cfg.Policy, gate.Options{
		Classifier:   classifier,
		Limiter:      limiter,
		Whitelist:    db,
		Recorder:     audit.NewRecorder(db, nil),
		StoreTimeout: cfg.StoreTimeout,
	})
	require.NoError(t, err)

	opts = append([]Option{WithHealthChecker(db), WithStats(db)}, opts...)
	srv, err := New(cfg, g, opts...)
	require.NoError(t, err)
	return &testServer{srv: srv, handler: srv.Handler(), db: db, gate: g}
}

// do sends a request through the full handler chain. Management routes get
// the bearer token.
func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if strings.HasPrefix(path, "/manage/") {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestNew_Validation(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := New(cfg, nil)
	require.Error(t, err)

	ts := newTestServer(t, nil)
	_, err = New(cfg, ts.gate)
	assert.ErrorIs(t, err, config.ErrMissingManagementToken)

	_, err = New(nil, ts.gate)
	require.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	health := decode[HealthResponse](t, rr)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Version)
	assert.WithinDuration(t, time.Now(), health.Timestamp, 5*time.Second)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alive", rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is down") }

func TestReady_Unavailable(t *testing.T) {
	ts := newTestServer(t, nil, WithHealthChecker(failingPinger{}))
	rr := ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not ready", rr.Body.String())
}

func TestManagementAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/manage/whitelist", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			ts.handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestWhitelistManagement(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/manage/whitelist", whitelist.AddRequest{
		Address: "203.0.113.0/24", Description: "office", CreatedBy: "ops",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	office := decode[whitelist.Entry](t, rr)
	assert.NotEmpty(t, office.ID)
	assert.True(t, office.Active)

	rr = ts.do(t, http.MethodPost, "/manage/whitelist", whitelist.AddRequest{
		Address: "198.51.100.7", UserID: "42", CreatedBy: "ops",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	home := decode[whitelist.Entry](t, rr)
	assert.Equal(t, "198.51.100.7/32", home.Address)

	t.Run("duplicate", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/manage/whitelist", whitelist.AddRequest{Address: "203.0.113.0/24", CreatedBy: "ops"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("validation", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/manage/whitelist", whitelist.AddRequest{Address: "not-an-ip", CreatedBy: "ops"})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "address", decode[errorResponse](t, rr).Field)

		rr = ts.do(t, http.MethodPost, "/manage/whitelist", `{"address":"1.2.3.4","created_by":"ops","extra":1}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = ts.do(t, http.MethodPost, "/manage/whitelist", `{`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("list filters", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/manage/whitelist", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[[]whitelist.Entry](t, rr), 2)

		rr = ts.do(t, http.MethodGet, "/manage/whitelist?scope=global", nil)
		entries := decode[[]whitelist.Entry](t, rr)
		require.Len(t, entries, 1)
		assert.Equal(t, office.ID, entries[0].ID)

		rr = ts.do(t, http.MethodGet, "/manage/whitelist?user_id=42", nil)
		entries = decode[[]whitelist.Entry](t, rr)
		require.Len(t, entries, 1)
		assert.Equal(t, home.ID, entries[0].ID)

		rr = ts.do(t, http.MethodGet, "/manage/whitelist?limit=1", nil)
		assert.Len(t, decode[[]whitelist.Entry](t, rr), 1)

		for _, q := range []string{"scope=team", "active=maybe", "limit=-1", "offset=x"} {
			rr = ts.do(t, http.MethodGet, "/manage/whitelist?"+q, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code, q)
		}
	})

	t.Run("deactivate and remove", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/manage/whitelist/"+office.ID+"/deactivate", nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = ts.do(t, http.MethodGet, "/manage/whitelist?active=true", nil)
		entries := decode[[]whitelist.Entry](t, rr)
		require.Len(t, entries, 1)
		assert.Equal(t, home.ID, entries[0].ID)

		rr = ts.do(t, http.MethodDelete, "/manage/whitelist/"+home.ID, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		rr = ts.do(t, http.MethodDelete, "/manage/whitelist/"+home.ID, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		rr = ts.do(t, http.MethodPost, "/manage/whitelist/missing/deactivate", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestGateCheck(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.TrustIdentityHeaders = true
		c.Policy.LogAll = true
	})

	check := func(ip string, headers ...string) (int, gate.Decision) {
		rr := ts.do(t, http.MethodGet, "/gate/check", nil, append([]string{"X-Forwarded-For", ip}, headers...)...)
		d := decode[gate.Decision](t, rr)
		assert.Equal(t, d.Reason, rr.Header().Get("X-Gate-Reason"))
		return rr.Code, d
	}

	code, d := check("8.8.8.8")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, gate.ReasonNotWhitelisted, d.Reason)

	code, d = check("10.0.0.1")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, gate.ReasonNoPublicIP, d.Reason)

	code, d = check("8.8.8.8", "X-User-ID", "7", "X-User-Role", "admin")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, gate.SourceAdminBypass, d.Source)

	rr := ts.do(t, http.MethodPost, "/manage/whitelist", whitelist.AddRequest{Address: "8.8.8.8", UserID: "7", CreatedBy: "ops"})
	require.Equal(t, http.StatusCreated, rr.Code)

	code, d = check("8.8.8.8", "X-User-ID", "7")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, gate.ReasonWhitelisted, d.Reason)
	require.NotNil(t, d.MatchedEntry)
	assert.Equal(t, "7", d.MatchedEntry.UserID)

	code, _ = check("8.8.8.8", "X-User-ID", "8")
	assert.Equal(t, http.StatusForbidden, code, "user entries do not apply to other users")

	rr = ts.do(t, http.MethodPost, "/gate/check", nil, "X-Forwarded-For", "8.8.8.8", "X-User-ID", "7")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/manage/access-log?granted=false&limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	denied := decode[[]audit.Record](t, rr)
	require.Len(t, denied, 3)
	for _, rec := range denied {
		assert.False(t, rec.Granted)
		assert.NotEmpty(t, rec.RequestID)
	}

	rr = ts.do(t, http.MethodGet, "/manage/access-log?user_id=7", nil)
	assert.Len(t, decode[[]audit.Record](t, rr), 3)

	for _, q := range []string{"granted=perhaps", "since=yesterday", "limit=z"} {
		rr = ts.do(t, http.MethodGet, "/manage/access-log?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestGateCheck_IdentityHeaders(t *testing.T) {
	t.Run("ignored by default", func(t *testing.T) {
		ts := newTestServer(t, nil)
		rr := ts.do(t, http.MethodGet, "/gate/check", nil,
			"X-Forwarded-For", "198.51.100.99", "X-User-ID", "1", "X-User-Role", "admin")
		assert.Equal(t, http.StatusForbidden, rr.Code)
		d := decode[gate.Decision](t, rr)
		assert.Equal(t, gate.ReasonNotWhitelisted, d.Reason)
		assert.Equal(t, gate.SourceDatabase, d.Source)

		_, err := ts.gate.AddWhitelistEntry(context.Background(), whitelist.AddRequest{Address: "198.51.100.99", UserID: "1", CreatedBy: "ops"})
		require.NoError(t, err)
		rr = ts.do(t, http.MethodGet, "/gate/check", nil, "X-Forwarded-For", "198.51.100.99", "X-User-ID", "1")
		assert.Equal(t, http.StatusForbidden, rr.Code, "user scoped entries need a trusted identity")
	})

	t.Run("secret required", func(t *testing.T) {
		ts := newTestServer(t, func(c *config.Config) {
			c.TrustIdentityHeaders = true
			c.IdentitySecret = "upstream"
		})
		rr := ts.do(t, http.MethodGet, "/gate/check", nil,
			"X-Forwarded-For", "198.51.100.99", "X-User-Role", "admin", "X-Gate-Secret", "wrong")
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr = ts.do(t, http.MethodGet, "/gate/check", nil,
			"X-Forwarded-For", "198.51.100.99", "X-User-Role", "admin", "X-Gate-Secret", "upstream")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, gate.SourceAdminBypass, decode[gate.Decision](t, rr).Source)
	})
}

func TestFailuresAndCounters(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.AddressLimit.MaxAttempts = 3
	})

	rr := ts.do(t, http.MethodPost, "/manage/whitelist", whitelist.AddRequest{Address: "9.9.9.9", CreatedBy: "ops"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ts.do(t, http.MethodGet, "/manage/ratelimit/ip/9.9.9.9", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	for i := 0; i < 3; i++ {
		rr = ts.do(t, http.MethodPost, "/manage/failures", failureRequest{Address: "9.9.9.9", UserID: "u1"})
		require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodGet, "/gate/check", nil, "X-Forwarded-For", "9.9.9.9")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, ratelimit.ReasonAddressLimit, decode[gate.Decision](t, rr).Reason)

	rr = ts.do(t, http.MethodGet, "/manage/ratelimit/ip/::ffff:9.9.9.9", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	st := decode[ratelimit.Status](t, rr)
	assert.True(t, st.Blocked)
	assert.Equal(t, 3, st.Counter.FailedAttempts)

	rr = ts.do(t, http.MethodGet, "/manage/ratelimit/user/u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[ratelimit.Status](t, rr).Blocked)

	rr = ts.do(t, http.MethodDelete, "/manage/ratelimit/ip/9.9.9.9", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.do(t, http.MethodGet, "/gate/check", nil, "X-Forwarded-For", "9.9.9.9")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/manage/ratelimit/team/x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodGet, "/manage/ratelimit/ip/not-an-ip", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodPost, "/manage/failures", failureRequest{Address: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPolicyManagement(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, "/manage/policy", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	p := decode[policyResponse](t, rr)
	assert.True(t, p.Enabled)
	assert.Equal(t, gate.ModeStrict, p.Mode)
	assert.Equal(t, int64(300), p.CacheTTLSeconds)

	rr = ts.do(t, http.MethodPut, "/manage/policy", `{"mode":"Permissive","cache_ttl_seconds":60}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	p = decode[policyResponse](t, rr)
	assert.Equal(t, gate.ModePermissive, p.Mode)
	assert.Equal(t, int64(60), p.CacheTTLSeconds)
	assert.True(t, p.AdminBypass, "absent fields keep their values")
	assert.Equal(t, time.Minute, ts.gate.Policy().CacheTTL)

	rr = ts.do(t, http.MethodPut, "/manage/policy", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodGet, "/gate/check", nil, "X-Forwarded-For", "8.8.8.8")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, gate.ReasonDisabled, decode[gate.Decision](t, rr).Reason)

	rr = ts.do(t, http.MethodPut, "/manage/policy", `{"mode":"lenient"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodPut, "/manage/policy", `{"production":false}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatsAndCachePurge(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.do(t, http.MethodPost, "/manage/whitelist", whitelist.AddRequest{Address: "8.8.8.8", CreatedBy: "ops"})
	ts.do(t, http.MethodGet, "/gate/check", nil, "X-Forwarded-For", "8.8.8.8")

	rr := ts.do(t, http.MethodGet, "/manage/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[map[string]any](t, rr)
	storage, ok := stats["storage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sqlite", storage["driver"])
	assert.Equal(t, float64(1), storage["whitelist_entries"])
	assert.Equal(t, float64(1), storage["access_log_records"])
	cacheStats, ok := stats["cache"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), cacheStats["entries"])

	rr = ts.do(t, http.MethodPost, "/manage/cache/purge", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	cs, _ := ts.gate.CacheStats()
	assert.Equal(t, 0, cs.Entries)
}

func TestRequestBodyLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.MaxRequestSize = 64 })
	body := `{"address":"8.8.8.8","created_by":"` + strings.Repeat("x", 128) + `"}`
	rr := ts.do(t, http.MethodPost, "/manage/whitelist", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGlobalThrottle(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.GlobalRateLimit = 1.0 / 3600
		c.GlobalBurst = 2
	})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/live", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServeAndShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ts.srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}
