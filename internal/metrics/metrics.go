package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intercomswap/internal/store"
)

// TradeEvent is one entry of the recent-trade ring.
type TradeEvent struct {
	TradeID string    `json:"trade_id"`
	Kind    string    `json:"kind"`
	State   string    `json:"state"`
	At      time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Negotiation  NegotiationCounts `json:"negotiation"`
	Sidechannel  SidechannelCounts `json:"sidechannel"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	CurrentConns int64             `json:"current_conns"`
	Recent       []TradeEvent      `json:"recent"`
}

type NegotiationCounts struct {
	RFQSeen          uint64 `json:"rfq_seen"`
	QuotesSent       uint64 `json:"quotes_sent"`
	InvitesIssued    uint64 `json:"invites_issued"`
	HijackIgnored    uint64 `json:"hijack_ignored"`
	PrePayOK         uint64 `json:"prepay_ok"`
	PrePayRejected   uint64 `json:"prepay_rejected"`
	AnnouncementSent uint64 `json:"announcements_sent"`
}

type SidechannelCounts struct {
	Admitted uint64 `json:"admitted"`
	Dropped  uint64 `json:"dropped"`
	Sent     uint64 `json:"sent"`
}

// Metrics keeps atomic counters for JSON snapshots and mirrors them into
// Prometheus collectors on a private registry.
type Metrics struct {
	rfqSeen        atomic.Uint64
	quotesSent     atomic.Uint64
	invitesIssued  atomic.Uint64
	hijackIgnored  atomic.Uint64
	prepayOK       atomic.Uint64
	prepayRejected atomic.Uint64
	announcements  atomic.Uint64
	admitted       atomic.Uint64
	dropped        atomic.Uint64
	sent           atomic.Uint64
	conns          atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	recent       *Recent

	reg        *prometheus.Registry
	negotiated *prometheus.CounterVec
	recv       *prometheus.CounterVec
	drops      *prometheus.CounterVec
	connGauge  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
		reg:          prometheus.NewRegistry(),
		negotiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercomswap_negotiation_events_total",
			Help: "Negotiation events by outcome.",
		}, []string{"event"}),
		recv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercomswap_recv_messages_total",
			Help: "Received envelopes by kind.",
		}, []string{"kind"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercomswap_sidechannel_drops_total",
			Help: "Sidechannel frames dropped by admission reason.",
		}, []string{"reason"}),
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercomswap_transport_connections",
			Help: "Current transport connections.",
		}),
	}
	m.reg.MustRegister(m.negotiated, m.recv, m.drops, m.connGauge)
	return m
}

// Registry exposes the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) event(c *atomic.Uint64, name string) {
	c.Add(1)
	m.negotiated.WithLabelValues(name).Inc()
}

func (m *Metrics) IncRFQSeen()          { m.event(&m.rfqSeen, "rfq_seen") }
func (m *Metrics) IncQuoteSent()        { m.event(&m.quotesSent, "quote_sent") }
func (m *Metrics) IncInviteIssued()     { m.event(&m.invitesIssued, "invite_issued") }
func (m *Metrics) IncHijackIgnored()    { m.event(&m.hijackIgnored, "hijack_ignored") }
func (m *Metrics) IncPrePayOK()         { m.event(&m.prepayOK, "prepay_ok") }
func (m *Metrics) IncPrePayRejected()   { m.event(&m.prepayRejected, "prepay_rejected") }
func (m *Metrics) IncAnnouncementSent() { m.event(&m.announcements, "announcement_sent") }

func (m *Metrics) IncAdmitted() {
	m.admitted.Add(1)
}

func (m *Metrics) IncSent() {
	m.sent.Add(1)
}

func (m *Metrics) IncRecvByType(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	m.mu.Lock()
	m.recvByType[kind]++
	m.mu.Unlock()
	m.recv.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "other"
	}
	m.dropped.Add(1)
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCurrentConns(n int) {
	m.conns.Store(int64(n))
	m.connGauge.Set(float64(n))
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := copyCounts(m.recvByType)
	drops := copyCounts(m.dropByReason)
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Negotiation: NegotiationCounts{
			RFQSeen:          m.rfqSeen.Load(),
			QuotesSent:       m.quotesSent.Load(),
			InvitesIssued:    m.invitesIssued.Load(),
			HijackIgnored:    m.hijackIgnored.Load(),
			PrePayOK:         m.prepayOK.Load(),
			PrePayRejected:   m.prepayRejected.Load(),
			AnnouncementSent: m.announcements.Load(),
		},
		Sidechannel: SidechannelCounts{
			Admitted: m.admitted.Load(),
			Dropped:  m.dropped.Load(),
			Sent:     m.sent.Load(),
		},
		RecvByType:   recv,
		DropByReason: drops,
		CurrentConns: m.conns.Load(),
		Recent:       m.recent.List(),
	}
}

// DropReasons returns the reasons seen so far, sorted.
func (s Snapshot) DropReasons() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	return store.WriteJSONAtomic(path, m.Snapshot(), 0600)
}

// Recent is a bounded ring of trade events, oldest first.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []TradeEvent
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(ev TradeEvent) {
	if r == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *Recent) List() []TradeEvent {
	if r == nil {
		return []TradeEvent{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TradeEvent, len(r.list))
	copy(out, r.list)
	return out
}
