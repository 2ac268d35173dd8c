package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/logging"
)

// Identity headers set by the upstream authenticator.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
	// HeaderGateSecret carries the shared secret that vouches for the
	// identity headers.
	HeaderGateSecret = "X-Gate-Secret"
)

// Evaluator decides on a request. *gate.Gate implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, r *http.Request, id gate.Identity) gate.Decision
}

// IdentityFunc resolves the authenticated caller of a request.
type IdentityFunc func(*http.Request) gate.Identity

// AnonymousIdentity ignores every identity header. Callers are evaluated by
// address only and can never claim admin bypass.
func AnonymousIdentity(*http.Request) gate.Identity {
	return gate.Identity{}
}

// HeaderIdentity reads the identity from X-User-ID, X-User-Email and
// X-User-Role. A role of "admin" marks an administrator. Only use it behind
// a proxy that strips these headers from client requests.
func HeaderIdentity(r *http.Request) gate.Identity {
	return gate.Identity{
		UserID:  strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Email:   strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
		IsAdmin: strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderUserRole)), "admin"),
	}
}

// SecretHeaderIdentity trusts the identity headers only on requests whose
// X-Gate-Secret matches secret. Other requests are anonymous. An empty
// secret trusts every request, like HeaderIdentity.
func SecretHeaderIdentity(secret string) IdentityFunc {
	if secret == "" {
		return HeaderIdentity
	}
	want := []byte(secret)
	return func(r *http.Request) gate.Identity {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderGateSecret)), want) != 1 {
			return gate.Identity{}
		}
		return HeaderIdentity(r)
	}
}

type decisionKey struct{}

// DecisionFromContext returns the decision made for the request, if any.
func DecisionFromContext(ctx context.Context) (gate.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(gate.Decision)
	return d, ok
}

// DeniedResponse is the body sent with 403.
type DeniedResponse struct {
	Error  string      `json:"error"`
	Reason string      `json:"reason"`
	Source gate.Source `json:"source"`
}

// NewGateMiddleware evaluates every request and answers 403 when access is
// denied. Allowed requests carry their decision in the context. A nil
// identify evaluates every caller anonymously.
func NewGateMiddleware(g Evaluator, identify IdentityFunc, logger *zap.Logger) Middleware {
	if identify == nil {
		identify = AnonymousIdentity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Evaluate(r.Context(), r, identify(r))
			if !d.Allowed {
				logging.FromContext(r.Context(), logger).Debug("request denied by gate",
					zap.String("reason", d.Reason),
					zap.String("source", string(d.Source)),
				)
				writeJSON(w, http.StatusForbidden, DeniedResponse{Error: "access denied", Reason: d.Reason, Source: d.Source})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
		})
	}
}
