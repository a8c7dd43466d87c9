package sidechannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"intercomswap/internal/crypto"
	"intercomswap/internal/metrics"
	"intercomswap/internal/proto"
)

const (
	DefaultPoWDifficulty = 12
	DefaultInvitePrefix  = "swap:"
	DefaultInviteTTL     = 24 * time.Hour
	DefaultMaxClockSkew  = 10 * time.Minute
)

var (
	ErrBadInviterKey = errors.New("inviter key must be 64 lowercase hex chars")
	inviterKeyRe     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Reason names why a frame was dropped. Empty means admitted.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMalformed     Reason = "malformed"
	ReasonSig           Reason = "sig"
	ReasonStale         Reason = "stale"
	ReasonRate          Reason = "rate"
	ReasonPoW           Reason = "pow"
	ReasonInviteMissing Reason = "invite_missing"
	ReasonInviteInvalid Reason = "invite_invalid"
	ReasonInviteExpired Reason = "invite_expired"
	ReasonInviter       Reason = "inviter_unauthorized"
	ReasonWelcome       Reason = "welcome"
)

type Decision struct {
	Admit  bool
	Reason Reason
}

// Config mirrors the sidechannel launch flags of a peer.
type Config struct {
	PoW             bool
	PoWDifficulty   int
	InviteRequired  bool
	InvitePrefixes  []string
	InviterKeys     []string
	WelcomeRequired bool
	// Owners pins the expected welcome signer per channel.
	Owners       map[string]string
	PeerRate     float64
	PeerBurst    int
	MaxClockSkew time.Duration
	AdmittedPath string
	Admitted     AdmittedOptions
	Now          func() time.Time
}

// DefaultConfig returns the settings a supervised peer starts with.
func DefaultConfig() Config {
	return Config{
		PoW:            true,
		PoWDifficulty:  DefaultPoWDifficulty,
		InviteRequired: true,
		InvitePrefixes: []string{DefaultInvitePrefix},
		PeerRate:       DefaultPeerRate,
		PeerBurst:      DefaultPeerBurst,
		MaxClockSkew:   DefaultMaxClockSkew,
	}
}

type credentials struct {
	invite  *proto.SignedInvite
	welcome *proto.SignedWelcome
}

// Gate decides which inbound sidechannel frames reach the application and
// prepares outbound frames so that remote gates admit them.
type Gate struct {
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
	limiter  *peerLimiter
	admitted *AdmittedSet

	mu       sync.RWMutex
	inviters map[string]struct{}
	scoped   map[string]string
	owners   map[string]string
	welcomed map[string]struct{}
	creds    map[string]credentials
}

func NewGate(cfg Config, m *metrics.Metrics, log *zap.Logger) (*Gate, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.PoW && cfg.PoWDifficulty <= 0 {
		cfg.PoWDifficulty = DefaultPoWDifficulty
	}
	if cfg.PoWDifficulty > crypto.MaxPoWBits {
		return nil, fmt.Errorf("pow difficulty %d exceeds %d", cfg.PoWDifficulty, crypto.MaxPoWBits)
	}
	if cfg.InviteRequired && len(cfg.InvitePrefixes) == 0 {
		cfg.InvitePrefixes = []string{DefaultInvitePrefix}
	}
	admittedOpts := cfg.Admitted
	if admittedOpts.Now == nil {
		admittedOpts.Now = now
	}
	admitted, err := NewAdmittedSet(cfg.AdmittedPath, admittedOpts)
	if err != nil {
		return nil, fmt.Errorf("load admitted set: %w", err)
	}
	g := &Gate{
		cfg:      cfg,
		now:      now,
		log:      log,
		metrics:  m,
		limiter:  newPeerLimiter(cfg.PeerRate, cfg.PeerBurst),
		admitted: admitted,
		inviters: make(map[string]struct{}),
		scoped:   make(map[string]string),
		owners:   make(map[string]string),
		welcomed: make(map[string]struct{}),
		creds:    make(map[string]credentials),
	}
	for _, k := range cfg.InviterKeys {
		if err := g.AddInviterKey(k); err != nil {
			return nil, err
		}
	}
	for ch, owner := range cfg.Owners {
		if err := g.SetOwner(ch, owner); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// NormalizeInviterKey lowercases and trims k and checks its shape.
func NormalizeInviterKey(k string) (string, error) {
	k = strings.ToLower(strings.TrimSpace(k))
	if !inviterKeyRe.MatchString(k) {
		return "", ErrBadInviterKey
	}
	return k, nil
}

func (g *Gate) AddInviterKey(k string) error {
	norm, err := NormalizeInviterKey(k)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.inviters[norm] = struct{}{}
	g.mu.Unlock()
	return nil
}

func (g *Gate) SetOwner(channel, ownerPubHex string) error {
	owner, err := crypto.NormalizePubKeyHex(ownerPubHex)
	if err != nil {
		return fmt.Errorf("owner for %s: %w", channel, err)
	}
	g.mu.Lock()
	g.owners[channel] = owner
	g.mu.Unlock()
	return nil
}

// AllowInviter trusts key as inviter for channel only, e.g. the maker a
// taker accepted a quote from.
func (g *Gate) AllowInviter(channel, key string) error {
	norm, err := NormalizeInviterKey(key)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.scoped[channel] = norm
	g.mu.Unlock()
	return nil
}

func (g *Gate) isInviter(channel, k string) bool {
	k = strings.ToLower(k)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.inviters[k]; ok {
		return true
	}
	return g.scoped[channel] == k
}

// InviteRequired reports whether channel is invite-only.
func (g *Gate) InviteRequired(channel string) bool {
	if !g.cfg.InviteRequired {
		return false
	}
	for _, p := range g.cfg.InvitePrefixes {
		if p != "" && strings.HasPrefix(channel, p) {
			return true
		}
	}
	return false
}

func (g *Gate) PoWBits() uint8 {
	if !g.cfg.PoW {
		return 0
	}
	return uint8(g.cfg.PoWDifficulty)
}

// Admit runs the admission checks in order: signature, freshness, rate, PoW,
// invite, welcome. A rejected frame is counted and dropped without reply.
func (g *Gate) Admit(f proto.SCFrame) Decision {
	reason := g.check(f)
	if reason != ReasonNone {
		g.metrics.IncDropByReason(string(reason))
		g.log.Debug("sidechannel drop",
			zap.String("channel", f.Channel),
			zap.String("from", f.From),
			zap.String("reason", string(reason)))
		return Decision{Reason: reason}
	}
	g.metrics.IncAdmitted()
	return Decision{Admit: true}
}

func (g *Gate) check(f proto.SCFrame) Reason {
	if f.Type != proto.WireTypeFrame {
		return ReasonMalformed
	}
	if err := f.VerifySig(); err != nil {
		if errors.Is(err, proto.ErrInvalidSignature) {
			return ReasonSig
		}
		return ReasonMalformed
	}
	now := g.now()
	if skew := g.cfg.MaxClockSkew; skew > 0 {
		d := now.Sub(time.UnixMilli(f.TS))
		if d > skew || d < -skew {
			return ReasonStale
		}
	}
	if !g.limiter.Allow(f.From, now) {
		return ReasonRate
	}
	if bits := g.PoWBits(); bits > 0 && !crypto.PoWCheck(f.PoWSubject(), f.PowNonce, bits) {
		return ReasonPoW
	}
	if g.InviteRequired(f.Channel) {
		if r := g.checkInvite(f, now); r != ReasonNone {
			return r
		}
	}
	if g.cfg.WelcomeRequired {
		if r := g.checkWelcome(f); r != ReasonNone {
			return r
		}
	}
	return ReasonNone
}

func (g *Gate) checkInvite(f proto.SCFrame, now time.Time) Reason {
	// Inviters speak on channels they may invite to.
	if g.isInviter(f.Channel, f.From) {
		return ReasonNone
	}
	if f.Invite == nil {
		if g.admitted.Contains(f.Channel, f.From) {
			return ReasonNone
		}
		return ReasonInviteMissing
	}
	inv := *f.Invite
	if err := inv.Check(f.Channel, f.From, now); err != nil {
		if errors.Is(err, proto.ErrInviteExpired) {
			return ReasonInviteExpired
		}
		return ReasonInviteInvalid
	}
	if !g.isInviter(f.Channel, inv.Payload.InviterPubKey) {
		return ReasonInviter
	}
	if err := g.admitted.Mark(f.Channel, f.From, inv.Payload.InviteID, inv.Payload.ExpiresAt); err != nil {
		g.log.Warn("persist admitted pair", zap.Error(err))
	}
	return ReasonNone
}

func (g *Gate) checkWelcome(f proto.SCFrame) Reason {
	g.mu.RLock()
	_, done := g.welcomed[f.Channel]
	owner := g.owners[f.Channel]
	g.mu.RUnlock()
	if done {
		return ReasonNone
	}
	if f.Welcome == nil {
		return ReasonWelcome
	}
	if owner == "" && f.Invite != nil && g.isInviter(f.Channel, f.Invite.Payload.InviterPubKey) {
		owner = f.Invite.Payload.InviterPubKey
	}
	if owner == "" && g.InviteRequired(f.Channel) && g.isInviter(f.Channel, f.Welcome.Payload.OwnerPubKey) {
		owner = f.Welcome.Payload.OwnerPubKey
	}
	if owner == "" {
		return ReasonWelcome
	}
	if err := f.Welcome.Check(f.Channel, owner); err != nil {
		return ReasonWelcome
	}
	g.mu.Lock()
	g.welcomed[f.Channel] = struct{}{}
	if g.owners[f.Channel] == "" {
		g.owners[f.Channel] = strings.ToLower(owner)
	}
	g.mu.Unlock()
	return ReasonNone
}

// MarkWelcomed records that channel's owner welcome is known locally, e.g.
// because this peer owns the channel.
func (g *Gate) MarkWelcomed(channel string) {
	g.mu.Lock()
	g.welcomed[channel] = struct{}{}
	g.mu.Unlock()
}

// SetCredentials stores the invite and welcome attached to frames this peer
// sends on channel.
func (g *Gate) SetCredentials(channel string, invite *proto.SignedInvite, welcome *proto.SignedWelcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if invite == nil && welcome == nil {
		delete(g.creds, channel)
		return
	}
	g.creds[channel] = credentials{invite: invite, welcome: welcome}
	if welcome != nil {
		g.welcomed[channel] = struct{}{}
	}
}

// Seal builds, proves and signs an outbound frame.
func (g *Gate) Seal(ctx context.Context, kp *crypto.Keypair, channel string, message json.RawMessage) (proto.SCFrame, error) {
	if kp == nil {
		return proto.SCFrame{}, fmt.Errorf("%w: missing key", proto.ErrValidation)
	}
	f, err := proto.NewSCFrame(channel, kp.PubHex(), message, g.now())
	if err != nil {
		return proto.SCFrame{}, err
	}
	g.mu.RLock()
	c := g.creds[channel]
	g.mu.RUnlock()
	f.Invite = c.invite
	f.Welcome = c.welcome
	if bits := g.PoWBits(); bits > 0 {
		nonce, err := crypto.PoWSolve(ctx, f.PoWSubject(), bits)
		if err != nil {
			return proto.SCFrame{}, fmt.Errorf("solve pow: %w", err)
		}
		f.PowNonce = nonce
	}
	if err := f.Sign(kp); err != nil {
		return proto.SCFrame{}, err
	}
	g.metrics.IncSent()
	return f, nil
}

// IssueInvite signs an invite for invitee on channel.
func (g *Gate) IssueInvite(kp *crypto.Keypair, channel, inviteePubHex string, ttl time.Duration) (proto.SignedInvite, error) {
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	return proto.NewInvite(kp, channel, inviteePubHex, ttl, g.now())
}

// IssueWelcome signs a welcome for channel and marks it welcomed locally.
func (g *Gate) IssueWelcome(kp *crypto.Keypair, channel, text string) (proto.SignedWelcome, error) {
	w, err := proto.NewWelcome(kp, channel, text, g.now())
	if err != nil {
		return proto.SignedWelcome{}, err
	}
	g.mu.Lock()
	g.welcomed[channel] = struct{}{}
	g.owners[channel] = kp.PubHex()
	g.mu.Unlock()
	return w, nil
}

// Admitted exposes the admitted-pair cache.
func (g *Gate) Admitted() *AdmittedSet {
	return g.admitted
}
