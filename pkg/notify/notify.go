// Package notify defines the observability events the engine emits and the
// Notifier collaborator that delivers them. Delivery mechanisms (desktop
// toasts and the like) live outside this process; implementations here log
// and record history.
package notify

import (
	"fmt"
	"sync"
	"time"

	"dny/pkg/logging"
)

// Kind identifies an event variant.
type Kind string

const (
	ServiceStarted       Kind = "service_started"
	ServiceStopped       Kind = "service_stopped"
	DnsChanged           Kind = "dns_changed"
	ResolutionFailed     Kind = "resolution_failed"
	UpstreamFailoverUsed Kind = "upstream_failover_used"
	InappropriateContent Kind = "inappropriate_content"
	ConfigError          Kind = "config_error"
)

// Event is a single observability event. Only the fields relevant to the
// variant are set.
type Event struct {
	Kind   Kind
	From   string // DnsChanged
	To     string // DnsChanged
	QName  string // ResolutionFailed
	Name   string // UpstreamFailoverUsed
	Domain string // InappropriateContent
	Reason string // InappropriateContent
	Msg    string // ConfigError
	Time   time.Time
}

// String renders the event for logs and history.
func (e Event) String() string {
	switch e.Kind {
	case DnsChanged:
		return fmt.Sprintf("DNS server changed from %s to %s", e.From, e.To)
	case ResolutionFailed:
		return fmt.Sprintf("all upstreams failed to resolve %s", e.QName)
	case UpstreamFailoverUsed:
		return fmt.Sprintf("query answered by fallback upstream %s", e.Name)
	case InappropriateContent:
		return fmt.Sprintf("inappropriate content at %s: %s", e.Domain, e.Reason)
	case ConfigError:
		return e.Msg
	default:
		return string(e.Kind)
	}
}

// Notifier receives engine events. Implementations may discard events
// silently; Emit must never block the caller on slow delivery.
type Notifier interface {
	Emit(event Event)
}

// Discard is a Notifier that drops every event.
type Discard struct{}

// Emit implements Notifier.
func (Discard) Emit(Event) {}

// LogNotifier logs events and keeps a bounded in-memory history.
type LogNotifier struct {
	logger  *logging.Logger
	history []Event
	max     int
	mu      sync.Mutex
}

// NewLogNotifier creates a notifier that records at most historySize events.
func NewLogNotifier(logger *logging.Logger, historySize int) *LogNotifier {
	if historySize <= 0 {
		historySize = 256
	}
	return &LogNotifier{
		logger: logger,
		max:    historySize,
	}
}

// Emit implements Notifier.
func (n *LogNotifier) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	switch event.Kind {
	case InappropriateContent, ConfigError:
		n.logger.Warn(event.String(), "event", string(event.Kind))
	case ResolutionFailed:
		n.logger.Warn(event.String(), "event", string(event.Kind), "qname", event.QName)
	default:
		n.logger.Info(event.String(), "event", string(event.Kind))
	}

	n.mu.Lock()
	n.history = append(n.history, event)
	if len(n.history) > n.max {
		n.history = n.history[len(n.history)-n.max:]
	}
	n.mu.Unlock()
}

// History returns a copy of the recorded events, oldest first.
func (n *LogNotifier) History() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.history))
	copy(out, n.history)
	return out
}

// ClearHistory discards the recorded events.
func (n *LogNotifier) ClearHistory() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = nil
}
