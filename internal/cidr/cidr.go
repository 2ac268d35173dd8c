// Package cidr matches client addresses against allow-list prefixes.
//
// A prefix specification is either a CIDR block ("192.168.1.0/24",
// "2001:db8::/32") or a bare address, which is treated as a single-host
// prefix (/32 for IPv4, /128 for IPv6).
package cidr

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrEmpty is returned when the specification is blank.
	ErrEmpty = errors.New("empty address specification")
	// ErrZone is returned for scoped IPv6 addresses, which cannot be allow-listed.
	ErrZone = errors.New("zoned addresses are not supported")
)

// ParsePrefix parses a CIDR block or a bare address. Host bits in a CIDR
// block are masked off, so "192.168.1.5/24" yields 192.168.1.0/24.
// IPv4-mapped IPv6 blocks become the IPv4 block they cover.
func ParsePrefix(spec string) (netip.Prefix, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return netip.Prefix{}, ErrEmpty
	}

	if strings.Contains(spec, "/") {
		p, err := netip.ParsePrefix(spec)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", spec, err)
		}
		p = p.Masked()
		if p.Addr().Is4In6() {
			// ::ffff:a.b.c.d/n is the IPv4 block a.b.c.d/(n-96)
			return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96), nil
		}
		return p, nil
	}

	addr, err := netip.ParseAddr(spec)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", spec, err)
	}
	if addr.Zone() != "" {
		return netip.Prefix{}, ErrZone
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Normalize returns the canonical string form of a specification, as it is
// stored in the allow-list.
func Normalize(spec string) (string, error) {
	p, err := ParsePrefix(spec)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// Contains reports whether addr falls inside the prefix described by spec.
// A malformed spec never matches.
func Contains(addr netip.Addr, spec string) bool {
	if !addr.IsValid() {
		return false
	}
	p, err := ParsePrefix(spec)
	if err != nil {
		return false
	}
	addr = addr.WithZone("")
	if p.Addr().Is4() {
		addr = addr.Unmap()
	}
	return p.Contains(addr)
}

// Match is the string form of Contains. Malformed input on either side
// yields false.
func Match(addr, spec string) bool {
	a, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	return Contains(a, spec)
}
