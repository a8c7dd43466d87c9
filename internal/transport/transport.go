// Package transport moves signed sidechannel frames between peers. Delivery
// is best effort: frames sent while a peer is disconnected are not replayed.
package transport

import (
	"context"
	"errors"
	"sort"
	"sync"

	"intercomswap/internal/proto"
)

var (
	ErrClosed     = errors.New("transport closed")
	ErrNotStarted = errors.New("transport not started")
)

// Delivery is one inbound frame and the connection it arrived on.
type Delivery struct {
	Frame proto.SCFrame
	Peer  string
}

type Stats struct {
	Started     bool     `json:"started"`
	Connections int      `json:"connections"`
	Channels    []string `json:"channels"`
}

// Transport is the pub/sub contract the daemon runs on. Send publishes on
// the frame's channel. Events only carries frames for joined channels.
type Transport interface {
	Start(ctx context.Context) error
	Join(ctx context.Context, channel string) error
	Leave(ctx context.Context, channel string) error
	Subscribe(ctx context.Context, channels []string) error
	Send(ctx context.Context, f proto.SCFrame) error
	Events() <-chan Delivery
	Stats() Stats
	Close() error
}

const defaultEventBuffer = 256

type channelSet struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func newChannelSet() *channelSet {
	return &channelSet{set: make(map[string]struct{})}
}

func (c *channelSet) add(chs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chs {
		if ch != "" {
			c.set[ch] = struct{}{}
		}
	}
}

func (c *channelSet) remove(ch string) {
	c.mu.Lock()
	delete(c.set, ch)
	c.mu.Unlock()
}

func (c *channelSet) has(ch string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.set[ch]
	return ok
}

func (c *channelSet) list() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.set))
	for ch := range c.set {
		out = append(out, ch)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// seenSet remembers recent frame signatures so relayed frames are handled
// once. Oldest entries are evicted first.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 8192
	}
	return &seenSet{cap: capacity, set: make(map[string]struct{}, capacity)}
}

// add reports false when key was already present.
func (s *seenSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[key]; ok {
		return false
	}
	s.set[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.cap {
		drop := s.order[0]
		s.order = s.order[1:]
		delete(s.set, drop)
	}
	return true
}

func frameKey(f proto.SCFrame) string {
	if f.Sig != "" {
		return f.Sig
	}
	return f.Channel + "|" + f.From + "|" + f.ID
}
