package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"intercomswap/internal/bridge"
	"intercomswap/internal/proto"
	"intercomswap/internal/rfq"
	"intercomswap/internal/swap"
)

var (
	_ bridge.Backend        = (*Runner)(nil)
	_ bridge.QuoteRequester = (*Runner)(nil)
)

func (r *Runner) Info() bridge.Info {
	return bridge.Info{
		PubKey:   r.Key.PubHex(),
		Name:     r.Name,
		Role:     string(r.Role),
		Channels: r.tr.Stats().Channels,
	}
}

func (r *Runner) Stats() bridge.Stats {
	st := r.tr.Stats()
	return bridge.Stats{
		SidechannelStarted: st.Started,
		ConnectionCount:    st.Connections,
		Channels:           st.Channels,
	}
}

// Join joins channel. An invite (and welcome) given here is attached to
// frames sent on the channel and its inviter is trusted for that channel.
func (r *Runner) Join(ctx context.Context, channel string, invite *proto.SignedInvite, welcome *proto.SignedWelcome) error {
	if invite != nil {
		if err := invite.Check(channel, r.Key.PubHex(), r.now()); err != nil {
			return err
		}
		if err := r.Gate.AllowInviter(channel, invite.Payload.InviterPubKey); err != nil {
			return err
		}
	}
	if welcome != nil {
		if err := welcome.Check(channel, welcome.Payload.OwnerPubKey); err != nil {
			return err
		}
	}
	if invite != nil || welcome != nil {
		r.Gate.SetCredentials(channel, invite, welcome)
	}
	return r.tr.Join(ctx, channel)
}

func (r *Runner) Leave(ctx context.Context, channel string) error {
	r.Gate.SetCredentials(channel, nil, nil)
	return r.tr.Leave(ctx, channel)
}

func (r *Runner) Subscribe(ctx context.Context, channels []string) error {
	return r.tr.Subscribe(ctx, channels)
}

// Send publishes an application message on channel as this peer.
func (r *Runner) Send(ctx context.Context, channel string, message json.RawMessage) error {
	return r.sendRaw(ctx, channel, message)
}

// RequestQuote broadcasts a new RFQ and returns its trade id.
func (r *Runner) RequestQuote(ctx context.Context, body proto.RFQBody) (string, error) {
	if r.Taker == nil {
		return "", fmt.Errorf("%w: only takers request quotes", proto.ErrValidation)
	}
	if body.RFQChannel == "" {
		body.RFQChannel = r.opts.RFQChannels[0]
	}
	env, err := r.Taker.NewRFQ(ctx, "", body)
	if err != nil {
		return "", err
	}
	if err := r.publish(ctx, body.RFQChannel, env); err != nil {
		return "", err
	}
	r.log.Info("rfq sent", zap.String("trade_id", env.TradeID), zap.String("channel", body.RFQChannel))
	return env.TradeID, nil
}

// ProposeTerms builds terms from the accepted quote and the settlement legs,
// records them and sends them on the swap channel.
func (r *Runner) ProposeTerms(ctx context.Context, tradeID string, legs swap.Legs) (string, error) {
	if r.party == nil {
		return "", fmt.Errorf("%w: relay peers do not negotiate", proto.ErrValidation)
	}
	t, err := r.party.Trade(tradeID)
	if err != nil {
		return "", err
	}
	if t.State != rfq.StateInvited {
		return "", fmt.Errorf("%w: terms in state %s", rfq.ErrOutOfOrder, t.State)
	}
	terms, err := swap.TermsFromQuote(t.RFQ, t.Quote, legs, r.now())
	if err != nil {
		return "", err
	}
	env, h, err := r.party.ProposeTerms(tradeID, terms)
	if err != nil {
		return "", err
	}
	return h, r.publish(ctx, r.tradeChannel(t), env)
}

// PublishInvoice announces the Lightning invoice for a trade.
func (r *Runner) PublishInvoice(ctx context.Context, tradeID string, inv proto.LnInvoiceBody) error {
	return r.publishSettlement(ctx, tradeID, &inv)
}

// PublishEscrow announces the Solana escrow created for a trade.
func (r *Runner) PublishEscrow(ctx context.Context, tradeID string, esc proto.SolEscrowCreatedBody) error {
	return r.publishSettlement(ctx, tradeID, &esc)
}

func (r *Runner) publishSettlement(ctx context.Context, tradeID string, body proto.Body) error {
	if r.party == nil {
		return fmt.Errorf("%w: relay peers do not settle", proto.ErrValidation)
	}
	env, err := r.party.PublishSettlement(tradeID, body)
	if err != nil {
		return err
	}
	t, err := r.party.Trade(tradeID)
	if err != nil {
		return err
	}
	if err := r.publish(ctx, r.tradeChannel(t), env); err != nil {
		return err
	}
	if r.opts.Decoder == nil {
		return nil
	}
	if _, err := r.CheckPrePay(ctx, tradeID); err != nil && !errors.Is(err, errSettlementIncomplete) {
		return err
	}
	return nil
}

// AcceptQuote accepts the recorded quote of a trade by hand when AutoAccept
// is off.
func (r *Runner) AcceptQuote(ctx context.Context, tradeID string) error {
	if r.Taker == nil {
		return fmt.Errorf("%w: only takers accept quotes", proto.ErrValidation)
	}
	accept, err := r.Taker.Accept(ctx, tradeID)
	if err != nil {
		return err
	}
	t, err := r.Taker.Trade(tradeID)
	if err != nil {
		return err
	}
	return r.publish(ctx, r.tradeChannel(t), accept)
}

// CancelTrade aborts a trade locally and tells the counterparty.
func (r *Runner) CancelTrade(ctx context.Context, tradeID, reason string) error {
	if r.party == nil {
		return fmt.Errorf("%w: relay peers have no trades", proto.ErrValidation)
	}
	env, err := r.party.Cancel(tradeID, reason)
	if err != nil {
		return err
	}
	t, err := r.party.Trade(tradeID)
	if err != nil {
		return err
	}
	return r.publish(ctx, r.tradeChannel(t), env)
}

func (r *Runner) Trade(tradeID string) (*rfq.Trade, error) {
	if r.party == nil {
		return nil, rfq.ErrTradeNotFound
	}
	return r.party.Trade(tradeID)
}

func (r *Runner) Trades() ([]*rfq.Trade, error) {
	if r.party == nil {
		return nil, nil
	}
	return r.party.Trades()
}

func (r *Runner) announceLoop(ctx context.Context) {
	r.announceOnce(ctx)
	ticker := time.NewTicker(r.opts.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.announceOnce(ctx)
		}
	}
}

// announceOnce signs a fresh announcement valid for two intervals and sends
// it on every RFQ channel.
func (r *Runner) announceOnce(ctx context.Context) {
	body := *r.opts.Announce
	body.ValidUntilUnix = 0
	if len(body.RFQChannels) == 0 {
		body.RFQChannels = r.opts.RFQChannels
	}
	if body.Name == "" {
		body.Name = r.Name
	}
	env, err := r.Maker.Announce(body, 2*r.opts.AnnounceInterval)
	if err != nil {
		r.log.Warn("sign announcement", zap.Error(err))
		return
	}
	for _, ch := range r.opts.RFQChannels {
		if err := r.publish(ctx, ch, env); err != nil && ctx.Err() == nil {
			r.log.Debug("send announcement", zap.String("channel", ch), zap.Error(err))
		}
	}
}

func (r *Runner) recvAnnounce(env proto.Envelope) *recvError {
	body, err := proto.BodyAs[*proto.SvcAnnounceBody](env)
	if err != nil {
		return &recvError{msg: "svc announce", err: err}
	}
	expires := time.Unix(body.ValidUntilUnix, 0)
	if !expires.After(r.now()) {
		return nil
	}
	r.annMu.Lock()
	r.announcements[strings.ToLower(env.Signer)] = announcement{body: *body, expires: expires}
	r.annMu.Unlock()
	return nil
}

func (r *Runner) announced(signer string) bool {
	r.annMu.Lock()
	defer r.annMu.Unlock()
	a, ok := r.announcements[strings.ToLower(signer)]
	return ok && a.expires.After(r.now())
}

// Announcements lists live service announcements keyed by maker pubkey.
func (r *Runner) Announcements() map[string]proto.SvcAnnounceBody {
	r.annMu.Lock()
	defer r.annMu.Unlock()
	now := r.now()
	out := make(map[string]proto.SvcAnnounceBody, len(r.announcements))
	for k, a := range r.announcements {
		if a.expires.After(now) {
			out[k] = a.body
		} else {
			delete(r.announcements, k)
		}
	}
	return out
}
