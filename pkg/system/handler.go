// Package system defines the OS handler collaborator: discovery of the
// host's configured resolver, and the hooks that point the OS at the proxy
// and put things back on shutdown. The platform shims that actually edit
// resolver state live outside this module; the implementations here cover
// discovery and give tests a deterministic stand-in.
package system

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"dny/pkg/config"
	"dny/pkg/logging"
)

// Handler is the OS handler contract. SetResolver and RestoreResolver
// report success; the engine treats a false SetResolver at startup as fatal
// and always calls RestoreResolver on the way out.
type Handler interface {
	// PrimaryResolver returns the resolver the host was using before the
	// proxy started.
	PrimaryResolver() (netip.Addr, error)
	// SetResolver points the OS at the given resolver list, proxy first.
	SetResolver(addrs []string) bool
	// RestoreResolver reverts whatever SetResolver changed.
	RestoreResolver() bool
}

// New builds the handler selected by cfg.
func New(cfg *config.SystemConfig, logger *logging.Logger) (Handler, error) {
	switch cfg.Handler {
	case "static":
		addr, err := netip.ParseAddr(cfg.StaticPrimary)
		if err != nil {
			return nil, fmt.Errorf("invalid static primary %q: %w", cfg.StaticPrimary, err)
		}
		return NewStatic(addr), nil
	case "resolvconf":
		return NewResolvConf(cfg.ResolvConfPath, logger), nil
	default:
		return nil, fmt.Errorf("unknown system handler %q", cfg.Handler)
	}
}

// Static is a handler with a fixed primary and no-op reconfiguration. Used
// in tests and when the platform shim runs out of process.
type Static struct {
	primary netip.Addr

	// SetCalls and RestoreCalls record invocations for tests.
	SetCalls     [][]string
	RestoreCalls int
}

// NewStatic creates a static handler answering with primary.
func NewStatic(primary netip.Addr) *Static {
	return &Static{primary: primary}
}

// PrimaryResolver implements Handler.
func (s *Static) PrimaryResolver() (netip.Addr, error) {
	return s.primary, nil
}

// SetResolver implements Handler.
func (s *Static) SetResolver(addrs []string) bool {
	s.SetCalls = append(s.SetCalls, addrs)
	return true
}

// RestoreResolver implements Handler.
func (s *Static) RestoreResolver() bool {
	s.RestoreCalls++
	return true
}

// ResolvConf discovers the primary from a resolv.conf-style file. Set and
// restore succeed without touching the file: rewriting system resolver
// state belongs to the external platform shim.
type ResolvConf struct {
	path   string
	logger *logging.Logger
}

// NewResolvConf creates a handler reading the given resolv.conf path.
func NewResolvConf(path string, logger *logging.Logger) *ResolvConf {
	return &ResolvConf{path: path, logger: logger}
}

// PrimaryResolver implements Handler. It returns the first nameserver line,
// skipping comments.
func (r *ResolvConf) PrimaryResolver() (netip.Addr, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to open %s: %w", r.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			r.logger.Warn("Skipping unparseable nameserver line", "value", fields[1])
			continue
		}
		r.logger.Info("Found local DNS in resolv.conf", "nameserver", addr)
		return addr, nil
	}
	if err := scanner.Err(); err != nil {
		return netip.Addr{}, fmt.Errorf("failed to read %s: %w", r.path, err)
	}

	return netip.Addr{}, fmt.Errorf("no nameserver entries in %s", r.path)
}

// SetResolver implements Handler.
func (r *ResolvConf) SetResolver(addrs []string) bool {
	r.logger.Info("Resolver reconfiguration delegated to platform shim", "resolvers", addrs)
	return true
}

// RestoreResolver implements Handler.
func (r *ResolvConf) RestoreResolver() bool {
	r.logger.Info("Resolver restoration delegated to platform shim")
	return true
}
