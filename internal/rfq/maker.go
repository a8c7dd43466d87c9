package rfq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"intercomswap/internal/proto"
)

// QuotePolicy prices an RFQ. Returning a nil quote declines it.
type QuotePolicy interface {
	Quote(ctx context.Context, rfq *proto.RFQBody, taker string) (*proto.QuoteBody, error)
}

type QuotePolicyFunc func(ctx context.Context, rfq *proto.RFQBody, taker string) (*proto.QuoteBody, error)

func (f QuotePolicyFunc) Quote(ctx context.Context, rfq *proto.RFQBody, taker string) (*proto.QuoteBody, error) {
	return f(ctx, rfq, taker)
}

// StaticPolicy quotes every RFQ at its requested amounts with fixed fees and
// refund window. RFQs whose caps the fixed terms would break are declined.
type StaticPolicy struct {
	PlatformFeeBps  int
	TradeFeeBps     int
	RefundWindowSec int64
}

func (p StaticPolicy) Quote(_ context.Context, rfq *proto.RFQBody, _ string) (*proto.QuoteBody, error) {
	q := &proto.QuoteBody{
		Pair:               rfq.Pair,
		Direction:          rfq.Direction,
		AppHash:            rfq.AppHash,
		BtcSats:            rfq.BtcSats,
		UsdtAmount:         rfq.UsdtAmount,
		PlatformFeeBps:     p.PlatformFeeBps,
		TradeFeeBps:        p.TradeFeeBps,
		SolRefundWindowSec: p.RefundWindowSec,
	}
	if checkBounds(rfq, q) != nil {
		return nil, nil
	}
	return q, nil
}

type MakerOptions struct {
	Options
	Policy      QuotePolicy
	QuoteTTL    time.Duration
	InviteTTL   time.Duration
	WelcomeText string
}

// Maker answers RFQs with quotes and invites the taker that accepts.
type Maker struct {
	*book
	policy      QuotePolicy
	quoteTTL    time.Duration
	inviteTTL   time.Duration
	welcomeText string
}

func NewMaker(o MakerOptions) (*Maker, error) {
	if o.Policy == nil {
		return nil, fmt.Errorf("%w: missing quote policy", proto.ErrValidation)
	}
	b, err := newBook(RoleMaker, o.Options)
	if err != nil {
		return nil, err
	}
	m := &Maker{
		book:        b,
		policy:      o.Policy,
		quoteTTL:    o.QuoteTTL,
		inviteTTL:   o.InviteTTL,
		welcomeText: o.WelcomeText,
	}
	if m.quoteTTL <= 0 {
		m.quoteTTL = DefaultQuoteTTL
	}
	if m.inviteTTL <= 0 {
		m.inviteTTL = DefaultInviteTTL
	}
	if m.welcomeText == "" {
		m.welcomeText = "intercomswap settlement channel"
	}
	return m, nil
}

// HandleRFQ returns a signed quote, or nil when the RFQ is ignored (expired,
// our own, or declined by the policy).
func (m *Maker) HandleRFQ(ctx context.Context, env proto.Envelope) (*proto.Envelope, error) {
	if err := verified(env, proto.KindRFQ); err != nil {
		return nil, err
	}
	rfq, err := proto.BodyAs[*proto.RFQBody](env)
	if err != nil {
		return nil, err
	}
	m.metrics.IncRFQSeen()
	now := m.now()
	if expired(rfq.ValidUntilUnix, now) {
		m.log.Debug("ignore expired rfq", zap.String("trade_id", env.TradeID))
		return nil, nil
	}
	if strings.EqualFold(env.Signer, m.PubHex()) {
		return nil, nil
	}
	rfqID, err := proto.Hash(env)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(env.TradeID)
	defer unlock()
	if t, err := m.store.Get(env.TradeID); err == nil {
		if t.RFQID == rfqID && t.QuoteEnv != nil {
			q := *t.QuoteEnv
			return &q, nil
		}
		return nil, fmt.Errorf("%w: trade %s already bound to rfq %s", ErrOutOfOrder, env.TradeID, t.RFQID)
	} else if !errors.Is(err, ErrTradeNotFound) {
		return nil, err
	}

	quote, err := m.policy.Quote(ctx, rfq, env.Signer)
	if err != nil {
		return nil, fmt.Errorf("quote policy: %w", err)
	}
	if quote == nil {
		return nil, nil
	}
	quote.RFQID = rfqID
	if quote.Pair == "" {
		quote.Pair = rfq.Pair
	}
	if quote.Direction == "" {
		quote.Direction = rfq.Direction
	}
	if quote.AppHash == "" {
		quote.AppHash = rfq.AppHash
	}
	if quote.ValidUntilUnix == 0 {
		quote.ValidUntilUnix = now.Add(m.quoteTTL).Unix()
	}
	if err := checkBounds(rfq, quote); err != nil {
		return nil, err
	}
	qenv, err := m.sign(proto.KindQuote, env.TradeID, quote)
	if err != nil {
		return nil, err
	}
	quoteID, err := proto.Hash(qenv)
	if err != nil {
		return nil, err
	}
	t := &Trade{
		TradeID:     env.TradeID,
		Role:        RoleMaker,
		State:       StateQuoted,
		RFQID:       rfqID,
		RFQSigner:   strings.ToLower(env.Signer),
		RFQ:         rfq,
		QuoteID:     quoteID,
		QuoteSigner: m.PubHex(),
		Quote:       quote,
		QuoteEnv:    &qenv,
	}
	if err := m.save(t, proto.KindQuote); err != nil {
		return nil, err
	}
	m.metrics.IncQuoteSent()
	return &qenv, nil
}

// HandleQuoteAccept issues the swap invite for an accepted quote. An accept
// signed by anyone but the RFQ signer is ignored with a nil result.
func (m *Maker) HandleQuoteAccept(ctx context.Context, env proto.Envelope) (*proto.Envelope, error) {
	if err := verified(env, proto.KindQuoteAccept); err != nil {
		return nil, err
	}
	acc, err := proto.BodyAs[*proto.QuoteAcceptBody](env)
	if err != nil {
		return nil, err
	}
	acceptID, err := proto.Hash(env)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(env.TradeID)
	defer unlock()
	t, err := m.store.Get(env.TradeID)
	if err != nil {
		return nil, err
	}
	if acc.RFQID != t.RFQID || acc.QuoteID != t.QuoteID {
		return nil, fmt.Errorf("%w: accept does not reference our quote for %s", ErrOutOfOrder, t.TradeID)
	}
	if !strings.EqualFold(env.Signer, t.RFQSigner) {
		m.metrics.IncHijackIgnored()
		m.log.Info("ignore quote accept from non-requester",
			zap.String("trade_id", t.TradeID),
			zap.String("signer", env.Signer))
		return nil, nil
	}
	switch t.State {
	case StateQuoted:
	case StateAccepted, StateInvited, StateTermsExchanged:
		if t.AcceptID == acceptID && t.InviteEnv != nil {
			inv := *t.InviteEnv
			return &inv, nil
		}
		return nil, fmt.Errorf("%w: trade %s already accepted", ErrOutOfOrder, t.TradeID)
	default:
		return nil, fmt.Errorf("%w: accept in state %s", ErrOutOfOrder, t.State)
	}
	now := m.now()
	if t.Quote != nil && expired(t.Quote.ValidUntilUnix, now) {
		return nil, fmt.Errorf("%w: quote for %s", ErrExpired, t.TradeID)
	}

	t.State = StateAccepted
	t.AcceptID = acceptID
	channel := SwapChannel(t.TradeID)
	invite, err := proto.NewInvite(m.key, channel, t.RFQSigner, m.inviteTTL, now)
	if err != nil {
		return nil, err
	}
	welcome, err := proto.NewWelcome(m.key, channel, m.welcomeText, now)
	if err != nil {
		return nil, err
	}
	ienv, err := m.sign(proto.KindSwapInvite, t.TradeID, &proto.SwapInviteBody{
		RFQID:       t.RFQID,
		QuoteID:     t.QuoteID,
		SwapChannel: channel,
		OwnerPubKey: m.PubHex(),
		Invite:      invite,
		Welcome:     &welcome,
	})
	if err != nil {
		return nil, err
	}
	t.State = StateInvited
	t.SwapChannel = channel
	t.InviteEnv = &ienv
	if err := m.save(t, proto.KindSwapInvite); err != nil {
		return nil, err
	}
	m.metrics.IncInviteIssued()
	return &ienv, nil
}

// Announce signs a service announcement valid for ttl.
func (m *Maker) Announce(body proto.SvcAnnounceBody, ttl time.Duration) (proto.Envelope, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if body.ValidUntilUnix == 0 {
		body.ValidUntilUnix = m.now().Add(ttl).Unix()
	}
	env, err := m.sign(proto.KindSvcAnnounce, "svc:"+m.PubHex()[:16], &body)
	if err != nil {
		return proto.Envelope{}, err
	}
	m.metrics.IncAnnouncementSent()
	return env, nil
}
