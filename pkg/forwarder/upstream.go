// Package forwarder issues UDP exchanges against upstream resolvers and
// classifies each attempt into an Outcome the engine switches on. "Try the
// next upstream" is data, not an exception cascade.
package forwarder

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"dny/pkg/config"
)

// Upstream is one remote resolver: address literal, port, and the label
// used in events and logs.
type Upstream struct {
	Host  netip.Addr
	Port  uint16
	Label string
}

// Addr returns the host:port dial string.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.Host.String(), strconv.Itoa(int(u.Port)))
}

// String implements fmt.Stringer.
func (u Upstream) String() string {
	return fmt.Sprintf("%s (%s)", u.Label, u.Addr())
}

// List is the ordered upstream set: one distinguished primary (the host's
// own resolver, discovered at startup) followed by the configured
// fallbacks. The list is immutable for the duration of a process run.
type List struct {
	Primary   Upstream
	Fallbacks []Upstream
}

// NewList builds the upstream list from the discovered primary and the
// configured fallback entries. Entries are kept in order and duplicates are
// preserved: a resolver listed twice is retried twice.
func NewList(primary netip.Addr, cfg *config.UpstreamsConfig) (*List, error) {
	if !primary.IsValid() {
		return nil, fmt.Errorf("primary resolver address is not valid")
	}

	l := &List{
		Primary: Upstream{Host: primary, Port: 53, Label: "primary"},
	}

	for i, entry := range cfg.Fallbacks {
		host, err := netip.ParseAddr(entry.Host)
		if err != nil {
			return nil, fmt.Errorf("fallback %d host %q: %w", i, entry.Host, err)
		}
		label := entry.Label
		if label == "" {
			label = entry.Host
		}
		l.Fallbacks = append(l.Fallbacks, Upstream{Host: host, Port: entry.Port, Label: label})
	}

	if len(l.Fallbacks) == 0 {
		return nil, fmt.Errorf("at least one fallback upstream is required")
	}

	return l, nil
}

// All returns the walk order: primary first, then fallbacks.
func (l *List) All() []Upstream {
	out := make([]Upstream, 0, 1+len(l.Fallbacks))
	out = append(out, l.Primary)
	out = append(out, l.Fallbacks...)
	return out
}
