package policy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_BuiltinRules(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)

	tests := []struct {
		addr    string
		blocked bool
		reason  string
	}{
		{"127.0.0.1", true, "loopback"},
		{"::1", true, "loopback"},
		{"0.0.0.0", true, "unspecified"},
		{"::", true, "unspecified"},
		{"10.0.0.5", true, "private"},
		{"172.16.1.1", true, "private"},
		{"192.168.1.1", true, "private"},
		{"fc00::1", true, "private"},
		{"224.0.0.1", true, "multicast"},
		{"ff02::1", true, "multicast"},
		{"169.254.1.1", true, "link-local"},
		{"fe80::1", true, "link-local"},
		{"240.0.0.1", true, "reserved"},
		{"192.0.2.10", true, "reserved"},
		{"2001:db8::1", true, "reserved"},
		{"203.98.7.65", true, "known-bad"},
		{"8.8.8.8", false, ""},
		{"1.1.1.1", false, ""},
		{"93.184.216.34", false, ""},
		{"2606:4700:4700::1111", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			blocked, reason := p.Check(netip.MustParseAddr(tt.addr), "example.com", "A")
			assert.Equal(t, tt.blocked, blocked, "reason: %s", reason)
			if tt.reason != "" {
				assert.Contains(t, reason, tt.reason)
			}
		})
	}
}

func TestCheck_OrderFirstMatchWins(t *testing.T) {
	// 127.0.0.1 is both loopback and (if added) known-bad; the loopback rule
	// comes first in evaluation order.
	p, err := New([]string{"127.0.0.1"})
	require.NoError(t, err)

	blocked, reason := p.Check(netip.MustParseAddr("127.0.0.1"), "example.com", "A")
	assert.True(t, blocked)
	assert.Contains(t, reason, "loopback")
}

func TestCheck_IPv4MappedUnwrapped(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)

	blocked, reason := p.Check(netip.MustParseAddr("::ffff:192.168.0.1"), "example.com", "A")
	assert.True(t, blocked)
	assert.Contains(t, reason, "private")
}

func TestNew_KnownBadFromConfig(t *testing.T) {
	p, err := New([]string{"198.18.99.1"})
	require.NoError(t, err)

	blocked, reason := p.Check(netip.MustParseAddr("198.18.99.1"), "example.com", "A")
	assert.True(t, blocked)
	assert.Contains(t, reason, "known-bad")
}

func TestNew_InvalidKnownBad(t *testing.T) {
	_, err := New([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestAddRemoveKnownBad(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)

	addr := netip.MustParseAddr("198.18.0.9")
	p.AddKnownBad(addr)
	blocked, _ := p.Check(addr, "example.com", "A")
	assert.True(t, blocked)

	p.RemoveKnownBad(addr)
	blocked, _ = p.Check(addr, "example.com", "A")
	assert.False(t, blocked)
}

func TestCustomRules(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, p.AddRule(&Rule{
		Name:    "benchmarking range",
		Logic:   `IPInCIDR(IP, "198.18.0.0/15")`,
		Enabled: true,
	}))
	require.NoError(t, p.AddRule(&Rule{
		Name:    "tracker domains",
		Logic:   `DomainEndsWith(Domain, ".tracker.example") && QueryType == "A"`,
		Enabled: true,
	}))
	assert.Equal(t, 2, p.RuleCount())

	blocked, reason := p.Check(netip.MustParseAddr("198.18.4.4"), "example.com", "A")
	assert.True(t, blocked)
	assert.Contains(t, reason, "benchmarking range")

	blocked, reason = p.Check(netip.MustParseAddr("93.184.216.34"), "ads.tracker.example", "A")
	assert.True(t, blocked)
	assert.Contains(t, reason, "tracker domains")

	// Same domain, AAAA query: rule requires A.
	blocked, _ = p.Check(netip.MustParseAddr("2606:2800:220:1::1"), "ads.tracker.example", "AAAA")
	assert.False(t, blocked)
}

func TestCustomRules_DisabledRuleIgnored(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, p.AddRule(&Rule{
		Name:    "disabled",
		Logic:   `IPEquals(IP, "9.9.9.9")`,
		Enabled: false,
	}))

	blocked, _ := p.Check(netip.MustParseAddr("9.9.9.9"), "example.com", "A")
	assert.False(t, blocked)
}

func TestAddRule_CompileError(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)

	err = p.AddRule(&Rule{Name: "broken", Logic: `IPInCIDR(`, Enabled: true})
	assert.Error(t, err)
}

func TestRuleHelpers(t *testing.T) {
	assert.True(t, IPInCIDR("10.1.2.3", "10.0.0.0/8"))
	assert.False(t, IPInCIDR("11.1.2.3", "10.0.0.0/8"))
	assert.False(t, IPInCIDR("bogus", "10.0.0.0/8"))
	assert.False(t, IPInCIDR("10.1.2.3", "bogus"))

	assert.True(t, IPEquals("::ffff:1.2.3.4", "1.2.3.4"))
	assert.False(t, IPEquals("1.2.3.4", "1.2.3.5"))

	assert.True(t, DomainEndsWith("WWW.Example.COM", ".example.com"))
	assert.False(t, DomainEndsWith("example.org", ".example.com"))
}
