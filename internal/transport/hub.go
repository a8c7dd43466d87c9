package transport

import (
	"context"
	"fmt"
	"sync"

	"intercomswap/internal/metrics"
	"intercomswap/internal/proto"
)

// Hub connects in-process endpoints. Every endpoint sees the frames other
// endpoints send on channels it joined.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*HubEndpoint
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*HubEndpoint)}
}

// Endpoint registers a named endpoint. m may be nil.
func (h *Hub) Endpoint(name string, m *metrics.Metrics) (*HubEndpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[name]; ok {
		return nil, fmt.Errorf("hub endpoint %q exists", name)
	}
	if m == nil {
		m = metrics.New()
	}
	ep := &HubEndpoint{
		hub:     h,
		name:    name,
		chans:   newChannelSet(),
		events:  make(chan Delivery, defaultEventBuffer),
		metrics: m,
	}
	h.endpoints[name] = ep
	return ep, nil
}

func (h *Hub) publish(from *HubEndpoint, f proto.SCFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ep := range h.endpoints {
		if ep == from || !ep.chans.has(f.Channel) {
			continue
		}
		ep.deliver(Delivery{Frame: f, Peer: from.name})
	}
}

func (h *Hub) peers(except *HubEndpoint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ep := range h.endpoints {
		if ep != except && ep.isStarted() {
			n++
		}
	}
	return n
}

type HubEndpoint struct {
	hub     *Hub
	name    string
	chans   *channelSet
	events  chan Delivery
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	closed  bool
}

var _ Transport = (*HubEndpoint)(nil)

func (e *HubEndpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.started = true
	return nil
}

func (e *HubEndpoint) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.closed
}

func (e *HubEndpoint) Join(ctx context.Context, channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: missing channel", proto.ErrValidation)
	}
	e.chans.add(channel)
	return nil
}

func (e *HubEndpoint) Leave(ctx context.Context, channel string) error {
	e.chans.remove(channel)
	return nil
}

func (e *HubEndpoint) Subscribe(ctx context.Context, channels []string) error {
	e.chans.add(channels...)
	return nil
}

func (e *HubEndpoint) Send(ctx context.Context, f proto.SCFrame) error {
	if !e.isStarted() {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.publish(e, f)
	return nil
}

// deliver never blocks the publisher; a full queue drops the frame.
func (e *HubEndpoint) deliver(d Delivery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		return
	}
	select {
	case e.events <- d:
	default:
		e.metrics.IncDropByReason("backpressure")
	}
}

func (e *HubEndpoint) Events() <-chan Delivery { return e.events }

func (e *HubEndpoint) Stats() Stats {
	return Stats{
		Started:     e.isStarted(),
		Connections: e.hub.peers(e),
		Channels:    e.chans.list(),
	}
}

func (e *HubEndpoint) Close() error {
	e.hub.mu.Lock()
	delete(e.hub.endpoints, e.name)
	e.hub.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.events)
	return nil
}
