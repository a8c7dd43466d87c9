package sidechannel

import (
	"container/list"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"intercomswap/internal/store"
)

const (
	DefaultAdmittedCap = 4096
	DefaultAdmittedTTL = 24 * time.Hour
)

// AdmittedOptions configures the cache of (channel, peer) pairs that already
// presented a valid invite.
type AdmittedOptions struct {
	Cap       int
	TTL       time.Duration
	LoadLimit int
	Now       func() time.Time
}

// AdmittedSet remembers admitted pairs so later frames need not repeat the
// invite. Entries expire with the invite or after TTL, oldest evicted first.
type AdmittedSet struct {
	mu    sync.Mutex
	path  string
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type admittedEntry struct {
	key       string
	expiresAt time.Time
	seenAt    time.Time
}

type diskAdmitted struct {
	Channel   string `json:"channel"`
	Peer      string `json:"peer"`
	InviteID  string `json:"invite_id,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	SeenAt    int64  `json:"seen_at"`
}

// NewAdmittedSet loads the tail of path when set. An empty path keeps the set
// in memory only.
func NewAdmittedSet(path string, opts AdmittedOptions) (*AdmittedSet, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultAdmittedCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultAdmittedTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &AdmittedSet{
		path:  path,
		cap:   capacity,
		ttl:   ttl,
		now:   now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	limit := opts.LoadLimit
	if limit <= 0 {
		limit = capacity
	}
	var tail []diskAdmitted
	err := store.ReadJSONL(path, func(rec diskAdmitted) {
		if len(tail) < limit {
			tail = append(tail, rec)
			return
		}
		copy(tail, tail[1:])
		tail[limit-1] = rec
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range tail {
		s.insert(rec.Channel, rec.Peer, msTime(rec.ExpiresAt), time.UnixMilli(rec.SeenAt))
	}
	return s, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func admittedKey(channel, peer string) string {
	return channel + "\x00" + peer
}

func (s *AdmittedSet) Contains(channel, peer string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	el, ok := s.hot[admittedKey(channel, peer)]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

// Mark records an admitted pair. expiresAtMs of zero means TTL only.
func (s *AdmittedSet) Mark(channel, peer, inviteID string, expiresAtMs int64) error {
	if s == nil {
		return errors.New("admitted set unavailable")
	}
	if channel == "" || peer == "" {
		return errors.New("missing channel or peer")
	}
	seen := s.now()
	s.mu.Lock()
	s.pruneLocked()
	s.insertLocked(channel, peer, msTime(expiresAtMs), seen)
	s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	return store.AppendJSONL(s.path, diskAdmitted{
		Channel:   channel,
		Peer:      peer,
		InviteID:  inviteID,
		ExpiresAt: expiresAtMs,
		SeenAt:    seen.UnixMilli(),
	})
}

func (s *AdmittedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.hot)
}

func (s *AdmittedSet) insert(channel, peer string, expires, seen time.Time) {
	s.mu.Lock()
	s.insertLocked(channel, peer, expires, seen)
	s.pruneLocked()
	s.mu.Unlock()
}

func (s *AdmittedSet) insertLocked(channel, peer string, expires, seen time.Time) {
	key := admittedKey(channel, peer)
	if el, ok := s.hot[key]; ok {
		ent := el.Value.(*admittedEntry)
		ent.expiresAt = expires
		ent.seenAt = seen
		s.order.MoveToFront(el)
		return
	}
	for len(s.hot) >= s.cap {
		el := s.order.Back()
		if el == nil {
			break
		}
		delete(s.hot, el.Value.(*admittedEntry).key)
		s.order.Remove(el)
	}
	s.hot[key] = s.order.PushFront(&admittedEntry{key: key, expiresAt: expires, seenAt: seen})
}

func (s *AdmittedSet) pruneLocked() {
	now := s.now()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*admittedEntry)
		if (!ent.expiresAt.IsZero() && ent.expiresAt.Before(now)) || ent.seenAt.Add(s.ttl).Before(now) {
			delete(s.hot, ent.key)
			s.order.Remove(el)
		}
		el = prev
	}
}
