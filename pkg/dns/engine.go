// Package dns contains the forwarding engine and the UDP listening server:
// the request/response loop every client packet flows through.
package dns

import (
	"context"
	"net"
	"sync"
	"time"

	"dny/pkg/cache"
	"dny/pkg/classifier"
	"dny/pkg/forwarder"
	"dny/pkg/logging"
	"dny/pkg/notify"
	"dny/pkg/storage"
	"dny/pkg/telemetry"
	"dny/pkg/wire"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Engine is the top-level per-query coordinator: it owns the cache lookup,
// the upstream walk, answer validation via the resolver, and the
// collaborator calls. One Engine serves all workers; every collaborator is
// injected at construction and never swapped at runtime.
type Engine struct {
	Upstreams   *forwarder.List
	Resolver    *forwarder.Resolver
	Cache       *cache.Cache // nil disables caching
	Classifier  classifier.Classifier
	Notifier    notify.Notifier
	QueryLogger *QueryLogger // nil disables query logging
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger

	classifyWG sync.WaitGroup
}

// NewEngine wires the forwarding engine. Notifier and classifier fall back
// to no-ops when nil so callers only wire what they use.
func NewEngine(
	upstreams *forwarder.List,
	resolver *forwarder.Resolver,
	respCache *cache.Cache,
	cls classifier.Classifier,
	notifier notify.Notifier,
	queryLogger *QueryLogger,
	metrics *telemetry.Metrics,
	logger *logging.Logger,
) *Engine {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Engine{
		Upstreams:   upstreams,
		Resolver:    resolver,
		Cache:       respCache,
		Classifier:  cls,
		Notifier:    notifier,
		QueryLogger: queryLogger,
		Metrics:     metrics,
		Logger:      logger,
	}
}

// Handle processes one client datagram. send transmits a reply to the
// client; when every upstream fails no reply is sent at all (the client
// retries on its own timer). Malformed inbound packets are dropped
// silently.
func (e *Engine) Handle(ctx context.Context, query []byte, clientAddr net.Addr, send func([]byte) error) {
	start := time.Now()

	if len(query) < wire.HeaderSize {
		e.Logger.Debug("Dropping short packet", "client", clientAddr, "len", len(query))
		return
	}
	h, err := wire.ParseHeader(query)
	if err != nil || h.Response() {
		e.Logger.Debug("Dropping non-query packet", "client", clientAddr)
		return
	}

	q, err := wire.ExtractQuestion(query)
	if err != nil {
		e.Logger.Debug("Dropping malformed query", "client", clientAddr, "error", err)
		return
	}
	domain := q.Name()
	qtypeLabel := wire.TypeLabel(q.Type)

	if e.Metrics != nil {
		e.Metrics.QueriesTotal.Add(ctx, 1)
		e.Metrics.QueriesByType.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtypeLabel)))
	}

	key, err := wire.CanonicalQuestionKey(query)
	if err != nil {
		e.Logger.Debug("Dropping query with unkeyable question", "client", clientAddr, "error", err)
		return
	}

	outcome := "failed"
	upstreamLabel := ""
	cached := false
	blockedSeen := false
	defer func() {
		e.recordQuery(start, clientAddr, domain, qtypeLabel, outcome, upstreamLabel, cached, blockedSeen)
	}()

	// Cache lookup. Stored templates carry a redacted TXID; patch in this
	// client's before transmission.
	if e.Cache != nil {
		if resp, ok := e.Cache.Get(key); ok {
			wire.PatchTransactionID(resp, h.ID)
			if err := send(resp); err != nil {
				e.Logger.Debug("Failed to send cached reply", "client", clientAddr, "error", err)
			}
			cached = true
			outcome = "cache_hit"
			e.Logger.Debug("Cache hit", "domain", domain, "type", qtypeLabel)
			return
		}
	}

	// Upstream walk: primary first, then fallbacks, in order. Any outcome
	// other than Answered advances to the next upstream.
	for i, up := range e.Upstreams.All() {
		if ctx.Err() != nil {
			e.Logger.Debug("Abandoning query on shutdown", "domain", domain)
			return
		}

		result := e.Resolver.Exchange(ctx, query, up)

		switch result.Kind {
		case forwarder.Answered:
			if e.Cache != nil {
				e.Cache.Set(key, result.Response)
			}
			if err := send(result.Response); err != nil {
				e.Logger.Debug("Failed to send reply", "client", clientAddr, "error", err)
			}

			outcome = "answered"
			upstreamLabel = up.Label
			isPrimary := i == 0

			e.Logger.Info("Resolved",
				"domain", domain,
				"type", qtypeLabel,
				"upstream", up.Label,
				"fallback", !isPrimary)

			if !isPrimary {
				if e.Metrics != nil {
					e.Metrics.FailoversUsed.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream", up.Label)))
				}
				e.Notifier.Emit(notify.Event{Kind: notify.UpstreamFailoverUsed, Name: up.Label})
				e.Notifier.Emit(notify.Event{
					Kind: notify.DnsChanged,
					From: e.Upstreams.Primary.Host.String(),
					To:   up.Host.String(),
				})
				// The primary is the user's own resolver and presumed
				// trusted; only fallback answers get classified.
				e.classifyAsync(domain)
			}
			return

		case forwarder.Blocked:
			blockedSeen = true
			if e.Metrics != nil {
				e.Metrics.BlockedResponses.Add(ctx, 1)
			}
			e.Logger.Warn("Upstream answer blocked",
				"domain", domain,
				"upstream", up.Label,
				"reason", result.Reason)

		default:
			e.Logger.Debug("Upstream attempt failed",
				"domain", domain,
				"upstream", up.Label,
				"outcome", result.String())
		}
	}

	// Exhausted: no reply is ever synthesized.
	if e.Metrics != nil {
		e.Metrics.ResolutionFailures.Add(ctx, 1)
	}
	e.Notifier.Emit(notify.Event{Kind: notify.ResolutionFailed, QName: domain})
	e.Logger.Warn("All upstreams failed", "domain", domain, "type", qtypeLabel)
}

// classifyAsync submits the domain to the content classifier without
// holding up the client reply. Verdicts arrive whenever they arrive; an
// inappropriate one raises an event but never revokes the sent answer.
func (e *Engine) classifyAsync(domain string) {
	if e.Classifier == nil {
		return
	}

	e.classifyWG.Add(1)
	go func() {
		defer e.classifyWG.Done()

		verdict, err := e.Classifier.Classify(context.Background(), domain)
		if err != nil {
			// Classification is advisory; failures already degraded the
			// verdict to safe.
			return
		}
		if !verdict.Safe {
			if e.Metrics != nil {
				e.Metrics.ClassifierInappropriate.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("category", string(verdict.Category))))
			}
			e.Notifier.Emit(notify.Event{
				Kind:   notify.InappropriateContent,
				Domain: domain,
				Reason: verdict.Reason,
			})
		}
	}()
}

// recordQuery enqueues the per-query log record.
func (e *Engine) recordQuery(start time.Time, clientAddr net.Addr, domain, qtype, outcome, upstream string, cached, blocked bool) {
	if e.Metrics != nil {
		e.Metrics.QueryDuration.Record(context.Background(),
			float64(time.Since(start).Microseconds())/1000.0)
	}
	if e.QueryLogger == nil {
		return
	}

	clientIP := ""
	if clientAddr != nil {
		if host, _, err := net.SplitHostPort(clientAddr.String()); err == nil {
			clientIP = host
		} else {
			clientIP = clientAddr.String()
		}
	}

	_ = e.QueryLogger.LogAsync(&storage.QueryLog{
		Timestamp:  start,
		ClientIP:   clientIP,
		Domain:     domain,
		QueryType:  qtype,
		Outcome:    outcome,
		Upstream:   upstream,
		Cached:     cached,
		Blocked:    blocked,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// WaitClassifiers blocks until in-flight classifier calls finish. Used by
// tests and shutdown.
func (e *Engine) WaitClassifiers() {
	e.classifyWG.Wait()
}
