package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"intercomswap/internal/metrics"
	"intercomswap/internal/proto"
)

const (
	meshDialTimeout  = 8 * time.Second
	meshWriteTimeout = 5 * time.Second
	meshReadTimeout  = 10 * time.Second
	meshIdleTimeout  = 60 * time.Second
	meshKeepAlive    = 15 * time.Second
)

type MeshConfig struct {
	ListenAddr string
	Bootstrap  []string
	// PubHex is announced in the hello so peers can name the connection.
	PubHex           string
	Insecure         bool
	DevTLSCAPath     string
	MaxConnsPerIP    int
	MaxStreamsPerIP  int
	SeenCap          int
	EventBuffer      int
	Log              *zap.Logger
	Metrics          *metrics.Metrics
	HandshakeTimeout time.Duration
}

// Mesh is a flooding QUIC transport. Each frame travels on its own stream as
// one length-prefixed JSON payload; frames are relayed to every other
// connection once, keyed by signature.
type Mesh struct {
	cfg       MeshConfig
	log       *zap.Logger
	metrics   *metrics.Metrics
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config
	limiter   *ipLimiter
	chans     *channelSet
	seen      *seenSet
	events    chan Delivery

	mu      sync.Mutex
	ln      *quic.Listener
	conns   map[string]*meshConn
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type meshConn struct {
	conn    *quic.Conn
	addr    string
	ip      string
	inbound bool

	mu  sync.Mutex
	pub string
}

var _ Transport = (*Mesh)(nil)

func NewMesh(cfg MeshConfig) (*Mesh, error) {
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	clientTLS, err := clientTLSConfig(cfg.Insecure, cfg.DevTLSCAPath)
	if err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = meshDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mesh{
		cfg:       cfg,
		log:       cfg.Log.Named("mesh"),
		metrics:   cfg.Metrics,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			HandshakeIdleTimeout: cfg.HandshakeTimeout,
			MaxIdleTimeout:       meshIdleTimeout,
			KeepAlivePeriod:      meshKeepAlive,
		},
		limiter: newIPLimiter(cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP),
		chans:   newChannelSet(),
		seen:    newSeenSet(cfg.SeenCap),
		events:  make(chan Delivery, cfg.EventBuffer),
		conns:   make(map[string]*meshConn),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start listens on ListenAddr (when set) and dials the bootstrap peers.
// Bootstrap failures are logged; the mesh keeps running without them.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.ListenAddr != "" {
		ln, err := quic.ListenAddr(m.cfg.ListenAddr, m.serverTLS, m.quicConf)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("quic listen %s: %w", m.cfg.ListenAddr, err)
		}
		m.ln = ln
		m.wg.Add(1)
		go m.acceptLoop(ln)
		m.log.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	}
	m.started = true
	m.mu.Unlock()

	for _, addr := range m.cfg.Bootstrap {
		if err := m.Connect(ctx, addr); err != nil {
			m.log.Warn("bootstrap dial failed", zap.String("addr", addr), zap.Error(err))
		}
	}
	return nil
}

// Addr is the bound listen address, or "" when not listening.
func (m *Mesh) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Connect dials addr and announces this peer with a hello.
func (m *Mesh) Connect(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("missing addr")
	}
	m.mu.Lock()
	if !m.started || m.closed {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if _, ok := m.conns[addr]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, meshDialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dctx, addr, m.clientTLS, m.quicConf)
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", addr, err)
	}
	mc := &meshConn{conn: conn, addr: addr, ip: hostOf(conn.RemoteAddr())}
	if !m.register(mc) {
		_ = conn.CloseWithError(0, "duplicate")
		return nil
	}
	hello, err := json.Marshal(proto.HelloMsg{
		Type:     proto.WireTypeHello,
		From:     m.cfg.PubHex,
		Addr:     m.Addr(),
		Channels: m.chans.list(),
	})
	if err != nil {
		return err
	}
	if err := m.write(ctx, mc, hello); err != nil {
		m.drop(mc, "hello failed")
		return fmt.Errorf("hello to %s: %w", addr, err)
	}
	return nil
}

func (m *Mesh) acceptLoop(ln *quic.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		ip := hostOf(conn.RemoteAddr())
		if !m.limiter.acquireConn(ip) {
			m.metrics.IncDropByReason("conn_limit")
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		mc := &meshConn{conn: conn, addr: conn.RemoteAddr().String(), ip: ip, inbound: true}
		if !m.register(mc) {
			m.limiter.releaseConn(ip)
			_ = conn.CloseWithError(0, "duplicate")
		}
	}
}

// register tracks mc and starts its reader. It reports false for an address
// that is already connected.
func (m *Mesh) register(mc *meshConn) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.conns[mc.addr]; ok {
		m.mu.Unlock()
		return false
	}
	m.conns[mc.addr] = mc
	n := len(m.conns)
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.SetCurrentConns(n)
	m.log.Debug("peer connected", zap.String("addr", mc.addr), zap.Bool("inbound", mc.inbound))
	go m.serveConn(mc)
	return true
}

func (m *Mesh) drop(mc *meshConn, reason string) {
	m.mu.Lock()
	cur, ok := m.conns[mc.addr]
	if ok && cur == mc {
		delete(m.conns, mc.addr)
	}
	n := len(m.conns)
	m.mu.Unlock()
	if !ok || cur != mc {
		return
	}
	if mc.inbound {
		m.limiter.releaseConn(mc.ip)
	}
	m.metrics.SetCurrentConns(n)
	_ = mc.conn.CloseWithError(0, reason)
	m.log.Debug("peer dropped", zap.String("addr", mc.addr), zap.String("reason", reason))
}

func (m *Mesh) serveConn(mc *meshConn) {
	defer m.wg.Done()
	defer m.drop(mc, "closed")
	for {
		stream, err := mc.conn.AcceptStream(m.ctx)
		if err != nil {
			return
		}
		if !m.limiter.acquireStream(mc.ip) {
			m.metrics.IncDropByReason("stream_limit")
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		m.wg.Add(1)
		go func(s *quic.Stream) {
			defer m.wg.Done()
			defer m.limiter.releaseStream(mc.ip)
			defer s.Close()
			_ = s.SetReadDeadline(time.Now().Add(meshReadTimeout))
			payload, err := proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
			if err != nil {
				m.metrics.IncDropByReason("frame")
				m.log.Debug("read frame failed", zap.String("addr", mc.addr), zap.Error(err))
				return
			}
			m.handlePayload(mc, payload)
		}(stream)
	}
}

func (m *Mesh) handlePayload(mc *meshConn, payload []byte) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &hdr); err != nil {
		m.metrics.IncDropByReason("frame")
		return
	}
	switch hdr.Type {
	case proto.WireTypeHello:
		var hello proto.HelloMsg
		if err := json.Unmarshal(payload, &hello); err != nil {
			m.metrics.IncDropByReason("frame")
			return
		}
		mc.mu.Lock()
		mc.pub = hello.From
		mc.mu.Unlock()
		m.log.Debug("hello", zap.String("addr", mc.addr), zap.String("from", hello.From), zap.Strings("channels", hello.Channels))
	case proto.WireTypeFrame:
		f, err := proto.DecodeSCFrame(payload)
		if err != nil {
			m.metrics.IncDropByReason("frame")
			return
		}
		if !m.seen.add(frameKey(f)) {
			return
		}
		m.relay(mc, payload)
		if m.chans.has(f.Channel) {
			m.deliver(Delivery{Frame: f, Peer: mc.label()})
		}
	default:
		m.metrics.IncDropByReason("frame")
	}
}

func (mc *meshConn) label() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.pub != "" {
		return mc.pub
	}
	return mc.addr
}

func (m *Mesh) deliver(d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- d:
	default:
		m.metrics.IncDropByReason("backpressure")
	}
}

// relay forwards payload to every connection except src.
func (m *Mesh) relay(src *meshConn, payload []byte) {
	for _, mc := range m.snapshot() {
		if mc == src {
			continue
		}
		if err := m.write(m.ctx, mc, payload); err != nil {
			m.log.Debug("relay failed", zap.String("addr", mc.addr), zap.Error(err))
			m.drop(mc, "write failed")
		}
	}
}

func (m *Mesh) snapshot() []*meshConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*meshConn, 0, len(m.conns))
	for _, mc := range m.conns {
		out = append(out, mc)
	}
	return out
}

func (m *Mesh) write(ctx context.Context, mc *meshConn, payload []byte) error {
	wctx, cancel := context.WithTimeout(ctx, meshWriteTimeout)
	defer cancel()
	stream, err := mc.conn.OpenStreamSync(wctx)
	if err != nil {
		return err
	}
	_ = stream.SetWriteDeadline(time.Now().Add(meshWriteTimeout))
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

func (m *Mesh) Join(ctx context.Context, channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: missing channel", proto.ErrValidation)
	}
	m.chans.add(channel)
	return nil
}

func (m *Mesh) Leave(ctx context.Context, channel string) error {
	m.chans.remove(channel)
	return nil
}

func (m *Mesh) Subscribe(ctx context.Context, channels []string) error {
	m.chans.add(channels...)
	return nil
}

// Send floods f to every connected peer. Peers that fail the write are
// dropped; with no peers the frame is silently discarded.
func (m *Mesh) Send(ctx context.Context, f proto.SCFrame) error {
	m.mu.Lock()
	started, closed := m.started, m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}
	payload, err := proto.EncodeSCFrame(f)
	if err != nil {
		return err
	}
	m.seen.add(frameKey(f))
	for _, mc := range m.snapshot() {
		if err := m.write(ctx, mc, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Debug("send failed", zap.String("addr", mc.addr), zap.Error(err))
			m.drop(mc, "write failed")
		}
	}
	return nil
}

func (m *Mesh) Events() <-chan Delivery { return m.events }

func (m *Mesh) Stats() Stats {
	m.mu.Lock()
	started := m.started && !m.closed
	n := len(m.conns)
	m.mu.Unlock()
	return Stats{Started: started, Connections: n, Channels: m.chans.list()}
}

func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ln := m.ln
	conns := make([]*meshConn, 0, len(m.conns))
	for _, mc := range m.conns {
		conns = append(conns, mc)
	}
	m.mu.Unlock()

	m.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, mc := range conns {
		_ = mc.conn.CloseWithError(0, "shutdown")
	}
	m.wg.Wait()
	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return err
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
