package forwarder

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"dny/pkg/config"
	"dny/pkg/logging"
	"dny/pkg/policy"
	"dny/pkg/wire"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream runs a UDP responder on a loopback ephemeral port. The
// respond callback receives each query and returns zero or more datagrams
// to send back; nil means stay silent.
func fakeUpstream(t *testing.T, respond func(query []byte) [][]byte) Upstream {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			query := make([]byte, n)
			copy(query, buf[:n])
			for _, resp := range respond(query) {
				_, _ = pc.WriteTo(resp, addr)
			}
		}
	}()

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	return Upstream{Host: netip.MustParseAddr("127.0.0.1"), Port: port, Label: "fake"}
}

func packQuery(t *testing.T, id uint16, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	out, err := m.Pack()
	require.NoError(t, err)
	return out
}

// answerWith builds a respond callback that echoes the query as a response
// carrying the given A-record IPs (none means AN=0).
func answerWith(t *testing.T, ips ...string) func([]byte) [][]byte {
	t.Helper()
	return func(query []byte) [][]byte {
		var q dns.Msg
		if err := q.Unpack(query); err != nil {
			return nil
		}
		m := new(dns.Msg)
		m.SetReply(&q)
		for _, ip := range ips {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip).To4(),
			})
		}
		out, err := m.Pack()
		if err != nil {
			return nil
		}
		return [][]byte{out}
	}
}

func testResolver(t *testing.T, timeout time.Duration) *Resolver {
	t.Helper()
	pol, err := policy.New(nil)
	require.NoError(t, err)
	return NewResolver(&config.ResolverConfig{Timeout: timeout}, pol, logging.NewDefault())
}

func TestExchange_Answered(t *testing.T) {
	up := fakeUpstream(t, answerWith(t, "93.184.216.34"))
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 0x1234, "example.com", dns.TypeA), up)
	require.Equal(t, Answered, out.Kind, "reason: %s", out.Reason)
	assert.Equal(t, uint16(0x1234), wire.TransactionID(out.Response))
}

func TestExchange_Empty(t *testing.T) {
	up := fakeUpstream(t, answerWith(t))
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeA), up)
	assert.Equal(t, Empty, out.Kind)
}

func TestExchange_BlockedPrivate(t *testing.T) {
	up := fakeUpstream(t, answerWith(t, "192.168.0.1"))
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeA), up)
	require.Equal(t, Blocked, out.Kind)
	assert.Contains(t, out.Reason, "private")
}

func TestExchange_MixedAnswersBlockWhole(t *testing.T) {
	up := fakeUpstream(t, answerWith(t, "93.184.216.34", "127.0.0.1"))
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeA), up)
	assert.Equal(t, Blocked, out.Kind, "one blocked literal blocks the whole response")
}

func TestExchange_BlockedAAAA(t *testing.T) {
	up := fakeUpstream(t, func(query []byte) [][]byte {
		var q dns.Msg
		if err := q.Unpack(query); err != nil {
			return nil
		}
		m := new(dns.Msg)
		m.SetReply(&q)
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
			AAAA: net.ParseIP("fe80::1"),
		})
		out, err := m.Pack()
		if err != nil {
			return nil
		}
		return [][]byte{out}
	})
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeAAAA), up)
	require.Equal(t, Blocked, out.Kind)
	assert.Contains(t, out.Reason, "link-local")
}

func TestExchange_CNAMEOnlyIsAnswered(t *testing.T) {
	up := fakeUpstream(t, func(query []byte) [][]byte {
		var q dns.Msg
		if err := q.Unpack(query); err != nil {
			return nil
		}
		m := new(dns.Msg)
		m.SetReply(&q)
		m.Answer = append(m.Answer, &dns.CNAME{
			Hdr:    dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
			Target: "alias.example.net.",
		})
		out, err := m.Pack()
		if err != nil {
			return nil
		}
		return [][]byte{out}
	})
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeA), up)
	assert.Equal(t, Answered, out.Kind, "non-address records are walked but not inspected")
}

func TestExchange_Timeout(t *testing.T) {
	up := fakeUpstream(t, func([]byte) [][]byte { return nil })
	r := testResolver(t, 150*time.Millisecond)

	start := time.Now()
	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeA), up)
	assert.Equal(t, Timeout, out.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExchange_MismatchedTXIDDiscarded(t *testing.T) {
	// First datagram carries the wrong TXID, the second the right one; the
	// resolver must skip the first and accept the second.
	up := fakeUpstream(t, func(query []byte) [][]byte {
		good := answerWith(t, "93.184.216.34")(query)[0]
		bad := make([]byte, len(good))
		copy(bad, good)
		wire.PatchTransactionID(bad, wire.TransactionID(query)+1)
		return [][]byte{bad, good}
	})
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 0x4242, "example.com", dns.TypeA), up)
	require.Equal(t, Answered, out.Kind)
	assert.Equal(t, uint16(0x4242), wire.TransactionID(out.Response))
}

func TestExchange_OnlyMismatchedTXIDTimesOut(t *testing.T) {
	up := fakeUpstream(t, func(query []byte) [][]byte {
		resp := answerWith(t, "93.184.216.34")(query)[0]
		wire.PatchTransactionID(resp, wire.TransactionID(query)+1)
		return [][]byte{resp}
	})
	r := testResolver(t, 150*time.Millisecond)

	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeA), up)
	assert.Equal(t, Timeout, out.Kind)
}

func TestExchange_MalformedResponse(t *testing.T) {
	up := fakeUpstream(t, func(query []byte) [][]byte {
		// Valid header claiming one answer, then garbage instead of records.
		resp := make([]byte, 20)
		copy(resp[0:2], query[0:2])
		resp[2] = 0x80 // QR=1
		resp[5] = 1    // QDCOUNT=1
		resp[7] = 1    // ANCOUNT=1
		return [][]byte{resp}
	})
	r := testResolver(t, time.Second)

	out := r.Exchange(context.Background(), packQuery(t, 1, "example.com", dns.TypeA), up)
	assert.Equal(t, Malformed, out.Kind)
}

func TestExchange_ContextCancelled(t *testing.T) {
	up := fakeUpstream(t, func([]byte) [][]byte { return nil })
	r := testResolver(t, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := r.Exchange(ctx, packQuery(t, 1, "example.com", dns.TypeA), up)
	assert.Equal(t, Timeout, out.Kind)
	assert.Less(t, time.Since(start), time.Second, "context deadline wins over the attempt timeout")
}

func TestNewList(t *testing.T) {
	cfg := &config.UpstreamsConfig{Fallbacks: []config.UpstreamEntry{
		{Host: "8.8.8.8", Port: 53, Label: "google-a"},
		{Host: "8.8.8.8", Port: 53, Label: "google-a"}, // duplicates preserved
		{Host: "1.1.1.1", Port: 53},
	}}

	l, err := NewList(netip.MustParseAddr("192.168.1.1"), cfg)
	require.NoError(t, err)

	all := l.All()
	require.Len(t, all, 4)
	assert.Equal(t, "primary", all[0].Label)
	assert.Equal(t, "192.168.1.1:53", all[0].Addr())
	assert.Equal(t, all[1], all[2], "duplicate upstreams are retried as listed")
	assert.Equal(t, "1.1.1.1", all[3].Label, "label defaults to the host literal")
}

func TestNewList_Invalid(t *testing.T) {
	_, err := NewList(netip.Addr{}, &config.UpstreamsConfig{Fallbacks: []config.UpstreamEntry{{Host: "8.8.8.8", Port: 53}}})
	assert.Error(t, err)

	_, err = NewList(netip.MustParseAddr("1.1.1.1"), &config.UpstreamsConfig{})
	assert.Error(t, err)

	_, err = NewList(netip.MustParseAddr("1.1.1.1"), &config.UpstreamsConfig{
		Fallbacks: []config.UpstreamEntry{{Host: "dns.google", Port: 53}},
	})
	assert.Error(t, err)
}

func TestUpstreamStrings(t *testing.T) {
	u := Upstream{Host: netip.MustParseAddr("2001:4860:4860::8888"), Port: 53, Label: "google-v6"}
	assert.Equal(t, "[2001:4860:4860::8888]:53", u.Addr())
	assert.Contains(t, u.String(), "google-v6")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "answered", Outcome{Kind: Answered}.String())
	assert.Equal(t, "empty", Outcome{Kind: Empty}.String())
	assert.Equal(t, "blocked", Outcome{Kind: Blocked}.String())
	assert.Equal(t, "timeout", Outcome{Kind: Timeout}.String())
	assert.Equal(t, "malformed", Outcome{Kind: Malformed}.String())
}
