// Package daemon runs a swap peer: it admits sidechannel frames, drives the
// maker or taker negotiation, checks settlement before payment and serves
// the SC-Bridge.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"intercomswap/internal/bridge"
	"intercomswap/internal/crypto"
	"intercomswap/internal/lightning"
	"intercomswap/internal/metrics"
	"intercomswap/internal/proto"
	"intercomswap/internal/rfq"
	"intercomswap/internal/sidechannel"
	"intercomswap/internal/solana"
	"intercomswap/internal/swap"
	"intercomswap/internal/transport"
)

// DefaultRFQChannel is the public rendezvous channel for RFQs and service
// announcements.
const DefaultRFQChannel = "0000intercomswap"

const (
	defaultSnapshotInterval = time.Second
	maxInflight             = 64
)

type Options struct {
	Root string
	Name string
	// Role is rfq.RoleMaker, rfq.RoleTaker, or empty for a relay that only
	// forwards frames and serves the bridge.
	Role      rfq.Role
	Key       *crypto.Keypair
	Transport transport.Transport
	Gate      sidechannel.Config

	RFQChannels []string
	// Channels are joined at start next to the RFQ channels.
	Channels    []string
	Policy      rfq.QuotePolicy
	Trades      rfq.TradeStore
	QuoteTTL    time.Duration
	RFQTTL      time.Duration
	WelcomeText string
	// AutoAccept makes a taker accept the first acceptable quote.
	AutoAccept bool
	// RequireAnnounced makes a taker ignore quotes from makers that have
	// not sent a live service announcement.
	RequireAnnounced bool

	Announce         *proto.SvcAnnounceBody
	AnnounceInterval time.Duration

	Decoder lightning.Decoder
	Escrows solana.EscrowReader
	Margins swap.Margins

	BridgeAddr  string
	BridgeToken string

	SnapPath         string
	SnapshotInterval time.Duration

	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

// party is what both negotiation roles share.
type party interface {
	PubHex() string
	Trade(tradeID string) (*rfq.Trade, error)
	Trades() ([]*rfq.Trade, error)
	RecordTerms(env proto.Envelope) (string, error)
	ProposeTerms(tradeID string, terms *proto.TermsBody) (proto.Envelope, string, error)
	AcceptTerms(tradeID string) (proto.Envelope, error)
	RecordSettlement(env proto.Envelope) error
	PublishSettlement(tradeID string, body proto.Body) (proto.Envelope, error)
	MarkPrePay(tradeID, verdict string) error
	HandleCancel(env proto.Envelope) (bool, error)
	Cancel(tradeID, reason string) (proto.Envelope, error)
	Status(tradeID, state, note string) (proto.Envelope, error)
}

// Runner owns one peer's session: key, trade records, admission state and
// transport. Nothing in it is global.
type Runner struct {
	Root    string
	Name    string
	Role    rfq.Role
	Key     *crypto.Keypair
	Gate    *sidechannel.Gate
	Maker   *rfq.Maker
	Taker   *rfq.Taker
	Metrics *metrics.Metrics

	opts   Options
	tr     transport.Transport
	trades rfq.TradeStore
	party  party
	log    *zap.Logger
	now    func() time.Time
	bridge *bridge.Server

	listenMu   sync.RWMutex
	bridgeAddr string

	annMu         sync.Mutex
	announcements map[string]announcement

	stopSnap  chan struct{}
	snapOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

type announcement struct {
	body    proto.SvcAnnounceBody
	expires time.Time
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Transport == nil {
		return nil, errors.New("missing transport")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.RFQChannels) == 0 {
		opts.RFQChannels = []string{DefaultRFQChannel}
	}
	if opts.Root != "" {
		if err := os.MkdirAll(opts.Root, 0o700); err != nil {
			return nil, err
		}
	}
	key := opts.Key
	if key == nil {
		if opts.Root == "" {
			return nil, errors.New("missing key and root")
		}
		kp, err := crypto.LoadOrCreateKeypair(opts.Root)
		if err != nil {
			return nil, fmt.Errorf("load keypair: %w", err)
		}
		key = kp
	}
	trades := opts.Trades
	if trades == nil {
		if opts.Root != "" {
			ls, err := rfq.OpenLevelStore(filepath.Join(opts.Root, "trades.db"))
			if err != nil {
				return nil, err
			}
			trades = ls
		} else {
			trades = rfq.NewMemoryStore()
		}
	}
	gcfg := opts.Gate
	if gcfg.AdmittedPath == "" && opts.Root != "" {
		gcfg.AdmittedPath = filepath.Join(opts.Root, "admitted.jsonl")
	}
	if gcfg.Now == nil {
		gcfg.Now = opts.Now
	}
	log := opts.Log.With(zap.String("peer", opts.Name))
	gate, err := sidechannel.NewGate(gcfg, opts.Metrics, log)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		Root:          opts.Root,
		Name:          opts.Name,
		Role:          opts.Role,
		Key:           key,
		Gate:          gate,
		Metrics:       opts.Metrics,
		opts:          opts,
		tr:            opts.Transport,
		trades:        trades,
		log:           log,
		now:           opts.Now,
		announcements: make(map[string]announcement),
		stopSnap:      make(chan struct{}),
	}
	base := rfq.Options{Key: key, Store: trades, Metrics: opts.Metrics, Log: log, Now: opts.Now}
	switch opts.Role {
	case rfq.RoleMaker:
		if err := gate.AddInviterKey(key.PubHex()); err != nil {
			return nil, err
		}
		m, err := rfq.NewMaker(rfq.MakerOptions{
			Options:     base,
			Policy:      opts.Policy,
			QuoteTTL:    opts.QuoteTTL,
			WelcomeText: opts.WelcomeText,
		})
		if err != nil {
			return nil, err
		}
		r.Maker, r.party = m, m
	case rfq.RoleTaker:
		t, err := rfq.NewTaker(rfq.TakerOptions{Options: base, RFQTTL: opts.RFQTTL})
		if err != nil {
			return nil, err
		}
		r.Taker, r.party = t, t
	case "":
	default:
		return nil, fmt.Errorf("%w: unknown role %q", proto.ErrValidation, opts.Role)
	}
	if opts.BridgeAddr != "" {
		srv, err := bridge.NewServer(bridge.Config{
			Token:   opts.BridgeToken,
			Backend: r,
			Metrics: opts.Metrics,
			Log:     log,
		})
		if err != nil {
			return nil, err
		}
		r.bridge = srv
	}
	return r, nil
}

// Run starts the transport and serves until ctx is done. ready receives the
// bound bridge address ("" without a bridge) once the peer is up.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.tr.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer r.Close()
	channels := append(append([]string(nil), r.opts.RFQChannels...), r.opts.Channels...)
	if err := r.tr.Subscribe(ctx, channels); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	if r.bridge != nil {
		ln, err := net.Listen("tcp", r.opts.BridgeAddr)
		if err != nil {
			return fmt.Errorf("bridge listen %s: %w", r.opts.BridgeAddr, err)
		}
		r.setBridgeAddr(ln.Addr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.bridge.Serve(ctx, ln); err != nil {
				select {
				case errCh <- fmt.Errorf("bridge: %w", err):
				default:
				}
			}
		}()
	}
	r.StartSnapshotWriter(r.opts.SnapshotInterval)
	defer r.StopSnapshotWriter()
	if r.Maker != nil && r.opts.Announce != nil && r.opts.AnnounceInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.announceLoop(ctx)
		}()
	}
	r.log.Info("peer started",
		zap.String("pubkey", r.Key.PubHex()),
		zap.String("role", string(r.Role)),
		zap.Strings("rfq_channels", r.opts.RFQChannels),
		zap.String("bridge", r.BridgeAddr()))
	if ready != nil {
		select {
		case ready <- r.BridgeAddr():
		default:
		}
	}

	sem := make(chan struct{}, maxInflight)
	events := r.tr.Events()
	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-errCh:
			break loop
		case d, ok := <-events:
			if !ok {
				break loop
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				r.HandleDelivery(ctx, d)
			}()
		}
	}
	cancel()
	wg.Wait()
	return err
}

// Close releases the transport and trade store. It is safe to call twice.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.StopSnapshotWriter()
		r.closeErr = r.tr.Close()
		if r.opts.Trades == nil {
			if err := r.trades.Close(); r.closeErr == nil {
				r.closeErr = err
			}
		}
	})
	return r.closeErr
}

func (r *Runner) setBridgeAddr(addr string) {
	r.listenMu.Lock()
	r.bridgeAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) BridgeAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.bridgeAddr
}

// StartSnapshotWriter periodically writes the metrics snapshot next to the
// peer's state.
func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	path := r.opts.SnapPath
	if path == "" && r.Root != "" {
		path = filepath.Join(r.Root, "metrics.json")
	}
	if path == "" {
		return
	}
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Metrics.SetCurrentConns(r.tr.Stats().Connections)
				if err := r.Metrics.WriteSnapshot(path); err != nil {
					r.log.Debug("write metrics snapshot", zap.Error(err))
				}
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	r.snapOnce.Do(func() { close(r.stopSnap) })
}

// publish seals env into a frame on channel and sends it.
func (r *Runner) publish(ctx context.Context, channel string, env proto.Envelope) error {
	raw, err := proto.Encode(env)
	if err != nil {
		return err
	}
	return r.sendRaw(ctx, channel, raw)
}

func (r *Runner) sendRaw(ctx context.Context, channel string, message json.RawMessage) error {
	f, err := r.Gate.Seal(ctx, r.Key, channel, message)
	if err != nil {
		return err
	}
	return r.tr.Send(ctx, f)
}
