package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"intercomswap/internal/metrics"
)

const (
	wsWriteTimeout    = 10 * time.Second
	clientQueue       = 256
	shutdownTimeout   = 5 * time.Second
	maxRequestBytes   = 1 << 20
	readHeaderTimeout = 10 * time.Second
)

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	Token   string
	Backend Backend
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// OriginPatterns is passed to websocket.Accept. Empty means same origin.
	OriginPatterns []string
}

type Server struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	out chan Event

	mu       sync.Mutex
	filtered bool
	filter   map[string]struct{}
}

func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bridge token required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("bridge backend required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Log.Named("bridge"),
		metrics: cfg.Metrics,
		clients: make(map[*wsClient]struct{}),
	}, nil
}

// Handler routes /v1/ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Route("/v1", func(sr chi.Router) {
		sr.Use(s.authenticate)
		sr.Get("/ws", s.handleWS)
	})
	return r
}

// Serve runs the HTTP server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("sc-bridge listening", zap.String("addr", ln.Addr().String()))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenOK(requestToken(r)) {
			s.metrics.IncDropByReason("bridge_auth")
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) tokenOK(tok string) bool {
	return tok != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(maxRequestBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &wsClient{out: make(chan Event, clientQueue), filter: make(map[string]struct{})}
	s.addClient(c)
	defer s.removeClient(c)

	replies := make(chan Reply, 16)
	go s.writeLoop(ctx, cancel, conn, c, replies)

	for {
		var req Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.log.Debug("bridge read ended", zap.Error(err))
			}
			return
		}
		rep := s.dispatch(ctx, c, req)
		select {
		case replies <- rep:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the only writer on conn.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *wsClient, replies <-chan Reply) {
	defer cancel()
	write := func(v any) bool {
		wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer wcancel()
		return wsjson.Write(wctx, conn, v) == nil
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-replies:
			if !write(rep) {
				return
			}
		case ev := <-c.out:
			if !write(ev) {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsClient, req Request) Reply {
	result, err := s.do(ctx, c, req)
	if err != nil {
		return Reply{ID: req.ID, Error: err.Error()}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Reply{ID: req.ID, Error: err.Error()}
	}
	return Reply{ID: req.ID, OK: true, Result: raw}
}

func (s *Server) do(ctx context.Context, c *wsClient, req Request) (any, error) {
	b := s.cfg.Backend
	switch req.Op {
	case OpInfo:
		return b.Info(), nil
	case OpStats:
		return b.Stats(), nil
	case OpJoin:
		if req.Channel == "" {
			return nil, errors.New("join: missing channel")
		}
		if err := b.Join(ctx, req.Channel, req.Invite, req.Welcome); err != nil {
			return nil, fmt.Errorf("join %s: %w", req.Channel, err)
		}
		return map[string]string{"channel": req.Channel}, nil
	case OpLeave:
		if req.Channel == "" {
			return nil, errors.New("leave: missing channel")
		}
		if err := b.Leave(ctx, req.Channel); err != nil {
			return nil, fmt.Errorf("leave %s: %w", req.Channel, err)
		}
		c.unwatch(req.Channel)
		return map[string]string{"channel": req.Channel}, nil
	case OpSubscribe:
		chs := req.Channels
		if req.Channel != "" {
			chs = append(chs, req.Channel)
		}
		if len(chs) == 0 {
			return nil, errors.New("subscribe: no channels")
		}
		if err := b.Subscribe(ctx, chs); err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		c.watch(chs...)
		return map[string][]string{"channels": chs}, nil
	case OpSend:
		if req.Channel == "" || len(req.Message) == 0 {
			return nil, errors.New("send: channel and message required")
		}
		if err := b.Send(ctx, req.Channel, req.Message); err != nil {
			return nil, fmt.Errorf("send %s: %w", req.Channel, err)
		}
		return map[string]string{"channel": req.Channel}, nil
	case OpRFQ:
		qr, ok := b.(QuoteRequester)
		if !ok {
			return nil, errors.New("rfq: peer does not request quotes")
		}
		if req.RFQ == nil {
			return nil, errors.New("rfq: missing rfq body")
		}
		id, err := qr.RequestQuote(ctx, *req.RFQ)
		if err != nil {
			return nil, fmt.Errorf("rfq: %w", err)
		}
		return map[string]string{"trade_id": id}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

func (s *Server) addClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Clients is the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Publish fans ev out to every client watching its channel. Clients that
// never subscribed see all channels. Slow clients lose events.
func (s *Server) Publish(ev Event) {
	if ev.Type == "" {
		ev.Type = EventSidechannelMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.wants(ev.Channel) {
			continue
		}
		select {
		case c.out <- ev:
		default:
			s.metrics.IncDropByReason("bridge_backpressure")
		}
	}
}

func (c *wsClient) watch(chs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filtered = true
	for _, ch := range chs {
		c.filter[ch] = struct{}{}
	}
}

func (c *wsClient) unwatch(ch string) {
	c.mu.Lock()
	delete(c.filter, ch)
	c.mu.Unlock()
}

func (c *wsClient) wants(ch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filtered {
		return true
	}
	_, ok := c.filter[ch]
	return ok
}
