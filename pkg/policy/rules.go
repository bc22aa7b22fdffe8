package policy

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule is a compiled custom block rule. Rules are expressions over the
// answer context, e.g. `IPInCIDR(IP, "198.18.0.0/15")` or
// `DomainEndsWith(Domain, ".tracker.example") && QueryType == "A"`.
type Rule struct {
	Name    string
	Logic   string
	Enabled bool
	program *vm.Program
}

// Context is the evaluation environment a rule sees.
type Context struct {
	IP        string // answer address literal
	Domain    string // queried name, no trailing dot
	QueryType string // A, AAAA, ...
}

// AddRule compiles and appends a custom rule. Construction time only.
func (p *Policy) AddRule(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	program, err := expr.Compile(rule.Logic,
		expr.Env(Context{}),
		expr.Function("IPInCIDR",
			func(params ...any) (any, error) {
				return IPInCIDR(params[0].(string), params[1].(string)), nil
			},
			new(func(string, string) bool),
		),
		expr.Function("IPEquals",
			func(params ...any) (any, error) {
				return IPEquals(params[0].(string), params[1].(string)), nil
			},
			new(func(string, string) bool),
		),
		expr.Function("DomainEndsWith",
			func(params ...any) (any, error) {
				return DomainEndsWith(params[0].(string), params[1].(string)), nil
			},
			new(func(string, string) bool),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to compile rule '%s': %w", rule.Name, err)
	}

	rule.program = program
	p.rules = append(p.rules, rule)
	return nil
}

// RuleCount returns the number of custom rules.
func (p *Policy) RuleCount() int {
	return len(p.rules)
}

func (r *Rule) matches(addr netip.Addr, domain, queryType string) bool {
	if !r.Enabled || r.program == nil {
		return false
	}

	result, err := vm.Run(r.program, Context{
		IP:        addr.String(),
		Domain:    domain,
		QueryType: queryType,
	})
	if err != nil {
		// A failing rule never blocks; other rules still apply.
		return false
	}

	matched, ok := result.(bool)
	return ok && matched
}

// Helper functions available inside rule expressions.

// IPInCIDR checks if an IP is in a CIDR range
func IPInCIDR(ipStr, cidrStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	_, ipNet, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}

// IPEquals checks if two IP addresses are equal (handles IPv4/IPv6 normalization)
func IPEquals(ip1Str, ip2Str string) bool {
	ip1 := net.ParseIP(ip1Str)
	ip2 := net.ParseIP(ip2Str)
	if ip1 == nil || ip2 == nil {
		return false
	}
	return ip1.Equal(ip2)
}

// DomainEndsWith checks if domain ends with a suffix, case-insensitively
func DomainEndsWith(domain, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(domain), strings.ToLower(suffix))
}
