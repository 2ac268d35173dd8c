package server

import (
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/audit"
	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/ratelimit"
	"github.com/sofatutor/ipgate/internal/whitelist"
)

// handleError maps domain errors to status codes. Storage failures are
// logged and reported without their internal text.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var ve *whitelist.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, whitelist.ErrEntryExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, whitelist.ErrEntryNotFound), errors.Is(err, ratelimit.ErrCounterNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ratelimit.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log(r).Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// GET /manage/whitelist
func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := whitelist.Filter{UserID: q.Get("user_id")}

	switch scope := q.Get("scope"); scope {
	case "":
	case string(whitelist.ScopeGlobal), string(whitelist.ScopeUser):
		f.Scope = whitelist.Scope(scope)
	default:
		writeError(w, http.StatusBadRequest, "scope must be global or user")
		return
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		f.ActiveOnly = active
	}
	var ok bool
	if f.Limit, f.Offset, ok = paging(w, r); !ok {
		return
	}

	entries, err := s.gate.ListWhitelistEntries(r.Context(), f)
	if err != nil {
		s.handleError(w, r, "list whitelist", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// POST /manage/whitelist
func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelist.AddRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := s.gate.AddWhitelistEntry(r.Context(), req)
	if err != nil {
		s.handleError(w, r, "add whitelist entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// DELETE /manage/whitelist/{id}
func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.RemoveWhitelistEntry(r.Context(), r.PathValue("id")); err != nil {
		s.handleError(w, r, "remove whitelist entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /manage/whitelist/{id}/deactivate
func (s *Server) handleDeactivateWhitelist(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.DeactivateWhitelistEntry(r.Context(), r.PathValue("id")); err != nil {
		s.handleError(w, r, "deactivate whitelist entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failureRequest struct {
	Address string `json:"address"`
	UserID  string `json:"user_id"`
}

// POST /manage/failures
func (s *Server) handleRecordFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gate.RecordFailedAttempt(r.Context(), req.Address, req.UserID); err != nil {
		s.handleError(w, r, "record failure", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// counterKey reads the scope and key of a counter route. Address keys are
// canonicalized so "::ffff:1.2.3.4" and "1.2.3.4" name the same counter.
func counterKey(r *http.Request) (ratelimit.Scope, string, error) {
	scope, err := ratelimit.ParseScope(r.PathValue("scope"))
	if err != nil {
		return "", "", err
	}
	key := r.PathValue("key")
	if scope == ratelimit.ScopeAddress {
		addr, err := netip.ParseAddr(key)
		if err != nil {
			return "", "", errors.Join(ratelimit.ErrInvalidKey, err)
		}
		key = addr.WithZone("").Unmap().String()
	}
	return scope, key, nil
}

// GET /manage/ratelimit/{scope}/{key}
func (s *Server) handleCounterStatus(w http.ResponseWriter, r *http.Request) {
	scope, key, err := counterKey(r)
	if err != nil {
		s.handleError(w, r, "counter status", err)
		return
	}
	st, err := s.gate.CounterStatus(r.Context(), scope, key)
	if err != nil {
		s.handleError(w, r, "counter status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DELETE /manage/ratelimit/{scope}/{key}
func (s *Server) handleResetCounter(w http.ResponseWriter, r *http.Request) {
	scope, key, err := counterKey(r)
	if err != nil {
		s.handleError(w, r, "reset counter", err)
		return
	}
	if err := s.gate.ResetCounter(r.Context(), scope, key); err != nil {
		s.handleError(w, r, "reset counter", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /manage/access-log
func (s *Server) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Address: q.Get("address"), UserID: q.Get("user_id")}
	if v := q.Get("granted"); v != "" {
		granted, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "granted must be a boolean")
			return
		}
		f.Granted = &granted
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &since
	}
	var ok bool
	if f.Limit, f.Offset, ok = paging(w, r); !ok {
		return
	}

	records, err := s.gate.AccessLog(r.Context(), f)
	if err != nil {
		s.handleError(w, r, "list access log", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// policyResponse renders durations in seconds.
type policyResponse struct {
	Enabled         bool      `json:"enabled"`
	Mode            gate.Mode `json:"mode"`
	AdminBypass     bool      `json:"admin_bypass"`
	DevBypass       bool      `json:"dev_bypass"`
	LogAll          bool      `json:"log_all"`
	CacheTTLSeconds int64     `json:"cache_ttl_seconds"`
	Production      bool      `json:"production"`
}

// policyUpdate changes only the fields present.
type policyUpdate struct {
	Enabled         *bool   `json:"enabled"`
	Mode            *string `json:"mode"`
	AdminBypass     *bool   `json:"admin_bypass"`
	DevBypass       *bool   `json:"dev_bypass"`
	LogAll          *bool   `json:"log_all"`
	CacheTTLSeconds *int64  `json:"cache_ttl_seconds"`
}

func toPolicyResponse(p gate.Policy) policyResponse {
	return policyResponse{
		Enabled:         p.Enabled,
		Mode:            p.Mode,
		AdminBypass:     p.AdminBypass,
		DevBypass:       p.DevBypass,
		LogAll:          p.LogAll,
		CacheTTLSeconds: int64(p.CacheTTL / time.Second),
		Production:      p.Production,
	}
}

// GET /manage/policy
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPolicyResponse(s.gate.Policy()))
}

// PUT /manage/policy
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyUpdate
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// the production flag follows the deployment and cannot be changed here
	p := s.gate.Policy()
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.Mode != nil {
		p.Mode = gate.Mode(*req.Mode)
	}
	if req.AdminBypass != nil {
		p.AdminBypass = *req.AdminBypass
	}
	if req.DevBypass != nil {
		p.DevBypass = *req.DevBypass
	}
	if req.LogAll != nil {
		p.LogAll = *req.LogAll
	}
	if req.CacheTTLSeconds != nil {
		p.CacheTTL = time.Duration(*req.CacheTTLSeconds) * time.Second
	}

	if err := s.gate.UpdatePolicy(r.Context(), p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toPolicyResponse(s.gate.Policy()))
}

// POST /manage/cache/purge
func (s *Server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	s.gate.ClearCache(r.Context())
	s.log(r).Info("decision cache purged")
	w.WriteHeader(http.StatusNoContent)
}

// GET /manage/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"uptime_seconds": time.Since(s.startTime).Seconds()}
	if cs, ok := s.gate.CacheStats(); ok {
		out["cache"] = cs
	}
	if s.stats != nil {
		st, err := s.stats.GetStats(r.Context())
		if err != nil {
			s.handleError(w, r, "get stats", err)
			return
		}
		out["storage"] = st
	}
	writeJSON(w, http.StatusOK, out)
}

// paging reads limit and offset. It writes a 400 and returns false on
// malformed values.
func paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, p.name+" must be a non-negative integer")
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}
