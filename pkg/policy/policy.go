// Package policy classifies answer addresses as allowed or blocked. ISP
// captive portals and some filtering resolvers answer unresolved names with
// private or loopback addresses; blocking those forces failover to the next
// upstream instead of handing a useless answer to the client.
package policy

import (
	"fmt"
	"net/netip"
	"sync"
)

// Reserved ranges not covered by the netip predicates.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("240.0.0.0/4"),    // IPv4 future use
	netip.MustParsePrefix("192.0.2.0/24"),   // TEST-NET-1
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"), // TEST-NET-3
	netip.MustParsePrefix("100::/64"),       // IPv6 discard-only
	netip.MustParsePrefix("2001:db8::/32"),  // IPv6 documentation
}

// Policy is the blocked-address predicate. The builtin rule table and the
// compiled custom rules are fixed at construction; changing the rule set
// requires a restart.
type Policy struct {
	knownBad map[netip.Addr]struct{}
	rules    []*Rule
	mu       sync.RWMutex // guards knownBad during construction-time mutation
}

// New builds a policy with the default known-bad literals plus extra ones.
// Literals that fail to parse are rejected.
func New(knownBad []string) (*Policy, error) {
	p := &Policy{
		knownBad: make(map[netip.Addr]struct{}),
	}

	// Seed with the stock ISP-redirect literal; config entries add to it.
	p.AddKnownBad(netip.MustParseAddr("203.98.7.65"))

	for _, s := range knownBad {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid known-bad literal %q: %w", s, err)
		}
		p.AddKnownBad(addr)
	}

	return p, nil
}

// AddKnownBad adds a literal to the known-bad set. Intended for
// construction time only.
func (p *Policy) AddKnownBad(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knownBad[addr.Unmap()] = struct{}{}
}

// RemoveKnownBad removes a literal from the known-bad set.
func (p *Policy) RemoveKnownBad(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.knownBad, addr.Unmap())
}

// KnownBadCount returns the size of the known-bad set.
func (p *Policy) KnownBadCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.knownBad)
}

// Check decides whether addr is disallowed in an answer for domain/queryType.
// Rules are evaluated in a fixed order and the first match wins: loopback,
// unspecified, private, multicast, link-local, reserved, known-bad set, then
// the compiled custom rules.
func (p *Policy) Check(addr netip.Addr, domain, queryType string) (bool, string) {
	a := addr.Unmap()

	switch {
	case a.IsLoopback():
		return true, fmt.Sprintf("loopback address (%s)", a)
	case a.IsUnspecified():
		return true, fmt.Sprintf("unspecified address (%s)", a)
	case a.IsPrivate():
		return true, fmt.Sprintf("private range (%s)", a)
	case a.IsMulticast():
		return true, fmt.Sprintf("multicast address (%s)", a)
	case a.IsLinkLocalUnicast():
		return true, fmt.Sprintf("link-local address (%s)", a)
	}

	for _, pfx := range reservedPrefixes {
		if pfx.Contains(a) {
			return true, fmt.Sprintf("reserved range %s (%s)", pfx, a)
		}
	}

	p.mu.RLock()
	_, bad := p.knownBad[a]
	p.mu.RUnlock()
	if bad {
		return true, "matched known-bad list"
	}

	for _, rule := range p.rules {
		if rule.matches(a, domain, queryType) {
			return true, fmt.Sprintf("matched rule %q", rule.Name)
		}
	}

	return false, ""
}
