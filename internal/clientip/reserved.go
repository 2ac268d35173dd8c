package clientip

import (
	"fmt"
	"net/netip"

	"github.com/kentik/patricia"
	"github.com/kentik/patricia/uint8_tree"
)

// Ranges that never identify a public caller. NAT64 and 6to4 embed an
// IPv4 address that may itself be private, so both are rejected whole.
// Documentation ranges (192.0.2.0/24, 198.51.100.0/24, 203.0.113.0/24,
// 2001:db8::/32) are absent: they are routable in test and staging setups.
var reservedV4 = []reservedRange{
	{"0.0.0.0/8", "unspecified"},
	{"10.0.0.0/8", "private"},
	{"100.64.0.0/10", "shared"},
	{"127.0.0.0/8", "loopback"},
	{"169.254.0.0/16", "link_local"},
	{"172.16.0.0/12", "private"},
	{"192.0.0.0/24", "ietf_protocol"},
	{"192.168.0.0/16", "private"},
	{"198.18.0.0/15", "benchmarking"},
	{"224.0.0.0/4", "multicast"},
	{"240.0.0.0/4", "reserved"},
}

var reservedV6 = []reservedRange{
	{"::/128", "unspecified"},
	{"::1/128", "loopback"},
	{"64:ff9b::/96", "nat64"},
	{"2002::/16", "6to4"},
	{"fc00::/7", "private"},
	{"fe80::/10", "link_local"},
	{"ff00::/8", "multicast"},
}

type reservedRange struct {
	cidr  string
	label string
}

// reservedSet is a read-only radix index of non-public networks. It is
// built once and never mutated afterwards, so lookups need no locking.
type reservedSet struct {
	v4     *uint8_tree.TreeV4
	v6     *uint8_tree.TreeV6
	labels []string
}

func newReservedSet(extra []string) (*reservedSet, error) {
	s := &reservedSet{
		v4: uint8_tree.NewTreeV4(),
		v6: uint8_tree.NewTreeV6(),
	}
	ranges := make([]reservedRange, 0, len(reservedV4)+len(reservedV6)+len(extra))
	ranges = append(ranges, reservedV4...)
	ranges = append(ranges, reservedV6...)
	for _, cidr := range extra {
		ranges = append(ranges, reservedRange{cidr: cidr, label: "configured"})
	}
	for _, r := range ranges {
		if err := s.add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *reservedSet) add(r reservedRange) error {
	if len(s.labels) >= 255 {
		return fmt.Errorf("too many reserved ranges")
	}
	v4, v6, err := patricia.ParseIPFromString(r.cidr)
	if err != nil {
		return fmt.Errorf("invalid reserved range %q: %w", r.cidr, err)
	}
	tag := uint8(len(s.labels))
	keep := func(uint8, uint8) bool { return true }
	var added bool
	switch {
	case v4 != nil:
		added, _, err = s.v4.Add(*v4, tag, keep)
	case v6 != nil:
		added, _, err = s.v6.Add(*v6, tag, keep)
	default:
		return fmt.Errorf("invalid reserved range %q", r.cidr)
	}
	if err != nil {
		return fmt.Errorf("failed to index reserved range %q: %w", r.cidr, err)
	}
	if added {
		s.labels = append(s.labels, r.label)
	}
	return nil
}

// lookup returns the label of the most specific reserved network that
// contains addr, or "" when addr is public.
func (s *reservedSet) lookup(addr netip.Addr) (string, error) {
	all := func(uint8) bool { return true }
	var (
		tags []uint8
		err  error
	)
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		tags, err = s.v4.FindTagsWithFilter(patricia.NewIPv4AddressFromBytes(b[:], 32), all)
	} else {
		b := addr.As16()
		tags, err = s.v6.FindTagsWithFilter(patricia.NewIPv6Address(b[:], 128), all)
	}
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", nil
	}
	return s.labels[tags[len(tags)-1]], nil
}
