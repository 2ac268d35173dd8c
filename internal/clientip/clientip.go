// Package clientip extracts the caller's public address from proxy headers.
//
// Extraction fails closed: when none of the trusted headers carries a
// public address, the caller is unidentifiable and the gate denies it.
package clientip

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ErrNoPublicIP is returned when no public address could be determined.
var ErrNoPublicIP = errors.New("no public ip found")

// DefaultHeaders is the trusted header chain used when none is configured.
var DefaultHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Config controls which request metadata is trusted.
type Config struct {
	// Headers lists proxy headers in priority order.
	Headers []string
	// TrustRemoteAddr allows the connection address as a last resort.
	TrustRemoteAddr bool
	// ExtraReserved lists additional CIDR blocks to treat as non-public,
	// e.g. the load balancer's own network.
	ExtraReserved []string
}

// Classifier resolves and validates client addresses. It is safe for
// concurrent use.
type Classifier struct {
	headers         []string
	trustRemoteAddr bool
	reserved        *reservedSet
}

// Result describes a successful classification.
type Result struct {
	Addr   netip.Addr
	Source string // header name, or "remote_addr"
}

// New builds a Classifier from cfg.
func New(cfg Config) (*Classifier, error) {
	reserved, err := newReservedSet(cfg.ExtraReserved)
	if err != nil {
		return nil, err
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = DefaultHeaders
	}
	cleaned := make([]string, 0, len(headers))
	for _, h := range headers {
		if h = strings.TrimSpace(h); h != "" {
			cleaned = append(cleaned, http.CanonicalHeaderKey(h))
		}
	}
	return &Classifier{
		headers:         cleaned,
		trustRemoteAddr: cfg.TrustRemoteAddr,
		reserved:        reserved,
	}, nil
}

// Classify walks the trusted header chain and returns the first public
// address found. For each present header only its first (client-most)
// element is considered; a private, reserved or malformed value moves on
// to the next header rather than to later elements of the same header,
// which were appended by intermediaries.
func (c *Classifier) Classify(h http.Header, remoteAddr string) (Result, error) {
	var rejected []string
	for _, name := range c.headers {
		value := strings.TrimSpace(h.Get(name))
		if value == "" {
			continue
		}
		candidate := firstElement(name, value)
		addr, err := parseHost(candidate)
		if err != nil {
			rejected = append(rejected, name+": malformed")
			continue
		}
		if label := c.label(addr); label != "" {
			rejected = append(rejected, name+": "+label)
			continue
		}
		return Result{Addr: addr, Source: name}, nil
	}

	if c.trustRemoteAddr && remoteAddr != "" {
		addr, err := parseHost(remoteAddr)
		if err == nil && c.label(addr) == "" {
			return Result{Addr: addr, Source: "remote_addr"}, nil
		}
		rejected = append(rejected, "remote_addr")
	}

	if len(rejected) > 0 {
		return Result{}, fmt.Errorf("%w (%s)", ErrNoPublicIP, strings.Join(rejected, ", "))
	}
	return Result{}, ErrNoPublicIP
}

// IsPublic reports whether addr lies outside every reserved network.
func (c *Classifier) IsPublic(addr netip.Addr) bool {
	return addr.IsValid() && c.label(addr) == ""
}

// label returns why addr is not public, or "" if it is.
func (c *Classifier) label(addr netip.Addr) string {
	if !addr.IsValid() {
		return "invalid"
	}
	label, err := c.reserved.lookup(addr)
	if err != nil {
		return "invalid"
	}
	return label
}

// firstElement returns the left-most entry of a list-valued header.
func firstElement(name, value string) string {
	first := value
	if i := strings.IndexByte(value, ','); i >= 0 {
		first = value[:i]
	}
	first = strings.TrimSpace(first)
	if strings.EqualFold(name, "Forwarded") {
		return forwardedFor(first)
	}
	return first
}

// forwardedFor extracts the for= parameter of an RFC 7239 element.
func forwardedFor(element string) string {
	for _, pair := range strings.Split(element, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.EqualFold(k, "for") {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// parseHost accepts a bare address, host:port or [v6]:port.
func parseHost(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if addr, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return addr.WithZone("").Unmap(), nil
	}
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.WithZone("").Unmap(), nil
}
