package cidr

import (
	"errors"
	"net/netip"
	"testing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		addr string
		spec string
		want bool
	}{
		{"inside /24", "192.168.1.5", "192.168.1.0/24", true},
		{"outside /24", "10.0.0.1", "192.168.1.0/24", false},
		{"bare address matches itself", "203.0.113.9", "203.0.113.9", true},
		{"bare address rejects neighbour", "203.0.113.10", "203.0.113.9", false},
		{"explicit /32", "203.0.113.9", "203.0.113.9/32", true},
		{"host bits masked", "192.168.1.200", "192.168.1.5/24", true},
		{"ipv6 inside", "2001:db8::1", "2001:db8::/32", true},
		{"ipv6 outside", "2001:db9::1", "2001:db8::/32", false},
		{"ipv6 bare", "2001:db8::1", "2001:db8::1", true},
		{"family mismatch v4 in v6", "192.168.1.5", "2001:db8::/32", false},
		{"family mismatch v6 in v4", "2001:db8::1", "0.0.0.0/0", false},
		{"mapped v4 address", "::ffff:192.168.1.5", "192.168.1.0/24", true},
		{"mapped v4 prefix", "203.0.113.9", "::ffff:203.0.113.0/120", true},
		{"mapped v4 prefix outside", "203.0.114.9", "::ffff:203.0.113.0/120", false},
		{"mapped address and prefix", "::ffff:203.0.113.9", "::ffff:203.0.113.0/120", true},
		{"malformed prefix", "192.168.1.5", "192.168.1.0/33", false},
		{"garbage prefix", "192.168.1.5", "not-an-ip", false},
		{"garbage address", "nope", "192.168.1.0/24", false},
		{"empty prefix", "192.168.1.5", "", false},
		{"whitespace tolerated", " 192.168.1.5 ", " 192.168.1.0/24 ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.addr, tt.spec); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.addr, tt.spec, got, tt.want)
			}
		})
	}
}

func TestContains_InvalidAddr(t *testing.T) {
	if Contains(netip.Addr{}, "0.0.0.0/0") {
		t.Fatal("zero addr must not match")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "203.0.113.9", want: "203.0.113.9/32"},
		{in: "203.0.113.9/32", want: "203.0.113.9/32"},
		{in: "192.168.1.77/24", want: "192.168.1.0/24"},
		{in: "2001:DB8::1", want: "2001:db8::1/128"},
		{in: "::ffff:10.0.0.1", want: "10.0.0.1/32"},
		{in: "::ffff:203.0.113.0/120", want: "203.0.113.0/24"},
		{in: "::ffff:10.0.0.1/128", want: "10.0.0.1/32"},
		{in: "::ffff:0.0.0.0/96", want: "0.0.0.0/0"},
		{in: "", wantErr: true},
		{in: "10.0.0.0/40", wantErr: true},
		{in: "fe80::1%eth0", wantErr: true},
		{in: "hello", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParsePrefix_Errors(t *testing.T) {
	if _, err := ParsePrefix("  "); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := ParsePrefix("fe80::1%eth0"); !errors.Is(err, ErrZone) {
		t.Errorf("expected ErrZone, got %v", err)
	}
}
