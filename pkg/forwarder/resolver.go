package forwarder

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"dny/pkg/config"
	"dny/pkg/logging"
	"dny/pkg/policy"
	"dny/pkg/wire"
)

// maxResponseSize bounds a single upstream datagram (classic DNS UDP MTU).
const maxResponseSize = 512

// Resolver performs one UDP exchange per attempt against a single upstream.
// Every attempt uses a fresh ephemeral socket so interleaved responses from
// earlier attempts can never be misattributed.
type Resolver struct {
	timeout time.Duration
	policy  *policy.Policy
	logger  *logging.Logger
}

// NewResolver creates an upstream resolver with the configured per-attempt
// timeout and the answer validation policy.
func NewResolver(cfg *config.ResolverConfig, pol *policy.Policy, logger *logging.Logger) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		timeout: timeout,
		policy:  pol,
		logger:  logger,
	}
}

// Timeout returns the per-attempt deadline.
func (r *Resolver) Timeout() time.Duration {
	return r.timeout
}

// Exchange sends query to up and classifies the result. Responses whose
// transaction ID does not match the query's are discarded and the attempt
// keeps waiting; running out the deadline that way reports Timeout.
func (r *Resolver) Exchange(ctx context.Context, query []byte, up Upstream) Outcome {
	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", up.Addr())
	if err != nil {
		r.logger.Debug("Upstream dial failed", "upstream", up.Label, "error", err)
		return Outcome{Kind: Timeout, Reason: err.Error()}
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(deadline); err != nil {
		return Outcome{Kind: Timeout, Reason: err.Error()}
	}

	if _, err := conn.Write(query); err != nil {
		r.logger.Debug("Upstream send failed", "upstream", up.Label, "error", err)
		return Outcome{Kind: Timeout, Reason: err.Error()}
	}

	queryID := wire.TransactionID(query)
	buf := make([]byte, maxResponseSize)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Outcome{Kind: Timeout}
			}
			return Outcome{Kind: Timeout, Reason: err.Error()}
		}
		if n < wire.HeaderSize {
			return Outcome{Kind: Malformed, Reason: "response shorter than header"}
		}
		if wire.TransactionID(buf[:n]) != queryID {
			// Stray or spoofed datagram on this ephemeral socket; ignore it
			// and keep waiting for the real answer.
			r.logger.Debug("Discarding response with mismatched transaction ID",
				"upstream", up.Label)
			continue
		}

		resp := make([]byte, n)
		copy(resp, buf[:n])
		return r.validate(query, resp)
	}
}

// validate classifies a response that already matched the query's TXID.
func (r *Resolver) validate(query, resp []byte) Outcome {
	h, err := wire.ParseHeader(resp)
	if err != nil {
		return Outcome{Kind: Malformed, Reason: err.Error()}
	}
	if !h.Response() {
		return Outcome{Kind: Malformed, Reason: "QR bit not set"}
	}
	if h.ANCount == 0 {
		return Outcome{Kind: Empty}
	}

	q, err := wire.ExtractQuestion(resp)
	if err != nil {
		return Outcome{Kind: Malformed, Reason: err.Error()}
	}
	domain := q.Name()
	qtype := wire.TypeLabel(q.Type)

	w := wire.WalkAnswers(resp, q.EndOffset, h.ANCount)
	for w.Next() {
		rec := w.Record()

		var addr netip.Addr
		var ok bool
		switch rec.Type {
		case wire.TypeA:
			if len(rec.RData) != 4 {
				return Outcome{Kind: Malformed, Reason: "A record RDATA is not 4 bytes"}
			}
			addr, ok = netip.AddrFromSlice(rec.RData)
		case wire.TypeAAAA:
			if len(rec.RData) != 16 {
				return Outcome{Kind: Malformed, Reason: "AAAA record RDATA is not 16 bytes"}
			}
			addr, ok = netip.AddrFromSlice(rec.RData)
		default:
			// CNAME, SOA, HTTPS, MX, TXT, NS and anything else: walked but
			// not inspected for blocking.
			continue
		}
		if !ok {
			return Outcome{Kind: Malformed, Reason: "unparseable address RDATA"}
		}

		if blocked, reason := r.policy.Check(addr, domain, qtype); blocked {
			return Outcome{Kind: Blocked, Reason: reason}
		}
	}
	if err := w.Err(); err != nil {
		return Outcome{Kind: Malformed, Reason: err.Error()}
	}

	return Outcome{Kind: Answered, Response: resp}
}
