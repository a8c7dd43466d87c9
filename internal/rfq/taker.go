package rfq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"intercomswap/internal/proto"
)

type TakerOptions struct {
	Options
	RFQTTL time.Duration
}

// Taker broadcasts RFQs, accepts the first acceptable quote and joins the
// maker's swap channel.
type Taker struct {
	*book
	rfqTTL time.Duration
}

func NewTaker(o TakerOptions) (*Taker, error) {
	b, err := newBook(RoleTaker, o.Options)
	if err != nil {
		return nil, err
	}
	t := &Taker{book: b, rfqTTL: o.RFQTTL}
	if t.rfqTTL <= 0 {
		t.rfqTTL = DefaultRFQTTL
	}
	return t, nil
}

// NewRFQ signs an RFQ under a fresh trade id unless tradeID is set.
func (t *Taker) NewRFQ(ctx context.Context, tradeID string, body proto.RFQBody) (proto.Envelope, error) {
	if tradeID == "" {
		tradeID = NewTradeID()
	}
	if body.ValidUntilUnix == 0 {
		body.ValidUntilUnix = t.now().Add(t.rfqTTL).Unix()
	}
	unlock := t.locks.Lock(tradeID)
	defer unlock()
	if _, err := t.store.Get(tradeID); err == nil {
		return proto.Envelope{}, fmt.Errorf("%w: trade %s exists", ErrOutOfOrder, tradeID)
	}
	env, err := t.sign(proto.KindRFQ, tradeID, &body)
	if err != nil {
		return proto.Envelope{}, err
	}
	rfqID, err := proto.Hash(env)
	if err != nil {
		return proto.Envelope{}, err
	}
	rec := &Trade{
		TradeID:   tradeID,
		Role:      RoleTaker,
		State:     StateRFQOpen,
		RFQID:     rfqID,
		RFQSigner: t.PubHex(),
		RFQ:       &body,
	}
	if err := t.save(rec, proto.KindRFQ); err != nil {
		return proto.Envelope{}, err
	}
	return env, nil
}

// HandleQuote records the first acceptable quote for one of our RFQs and
// reports whether it was taken. Later quotes are ignored.
func (t *Taker) HandleQuote(ctx context.Context, env proto.Envelope) (bool, error) {
	if err := verified(env, proto.KindQuote); err != nil {
		return false, err
	}
	q, err := proto.BodyAs[*proto.QuoteBody](env)
	if err != nil {
		return false, err
	}
	if strings.EqualFold(env.Signer, t.PubHex()) {
		return false, nil
	}
	quoteID, err := proto.Hash(env)
	if err != nil {
		return false, err
	}
	unlock := t.locks.Lock(env.TradeID)
	defer unlock()
	rec, err := t.store.Get(env.TradeID)
	if err != nil {
		return false, err
	}
	if rec.Role != RoleTaker {
		return false, fmt.Errorf("%w: trade %s is not ours to accept", ErrOutOfOrder, rec.TradeID)
	}
	if q.RFQID != rec.RFQID {
		return false, fmt.Errorf("%w: quote references rfq %s", ErrOutOfOrder, q.RFQID)
	}
	if rec.State != StateRFQOpen {
		return false, nil
	}
	now := t.now()
	if expired(rec.RFQ.ValidUntilUnix, now) {
		return false, fmt.Errorf("%w: rfq for %s", ErrExpired, rec.TradeID)
	}
	if expired(q.ValidUntilUnix, now) {
		return false, fmt.Errorf("%w: quote for %s", ErrExpired, rec.TradeID)
	}
	if err := checkBounds(rec.RFQ, q); err != nil {
		return false, err
	}
	rec.State = StateQuoted
	rec.QuoteID = quoteID
	rec.QuoteSigner = strings.ToLower(env.Signer)
	rec.Quote = q
	rec.QuoteEnv = &env
	if err := t.save(rec, env.Kind); err != nil {
		return false, err
	}
	return true, nil
}

// Accept signs the quote accept for the recorded quote of tradeID.
func (t *Taker) Accept(ctx context.Context, tradeID string) (proto.Envelope, error) {
	unlock := t.locks.Lock(tradeID)
	defer unlock()
	rec, err := t.store.Get(tradeID)
	if err != nil {
		return proto.Envelope{}, err
	}
	if rec.State != StateQuoted {
		return proto.Envelope{}, fmt.Errorf("%w: accept in state %s", ErrOutOfOrder, rec.State)
	}
	if rec.Quote != nil && expired(rec.Quote.ValidUntilUnix, t.now()) {
		return proto.Envelope{}, fmt.Errorf("%w: quote for %s", ErrExpired, tradeID)
	}
	env, err := t.sign(proto.KindQuoteAccept, tradeID, &proto.QuoteAcceptBody{RFQID: rec.RFQID, QuoteID: rec.QuoteID})
	if err != nil {
		return proto.Envelope{}, err
	}
	acceptID, err := proto.Hash(env)
	if err != nil {
		return proto.Envelope{}, err
	}
	rec.State = StateAccepted
	rec.AcceptID = acceptID
	if err := t.save(rec, env.Kind); err != nil {
		return proto.Envelope{}, err
	}
	return env, nil
}

// HandleSwapInvite validates the maker's invite and returns it. Invites not
// signed by the quoting maker are ignored with a nil result.
func (t *Taker) HandleSwapInvite(ctx context.Context, env proto.Envelope) (*proto.SwapInviteBody, error) {
	if err := verified(env, proto.KindSwapInvite); err != nil {
		return nil, err
	}
	body, err := proto.BodyAs[*proto.SwapInviteBody](env)
	if err != nil {
		return nil, err
	}
	unlock := t.locks.Lock(env.TradeID)
	defer unlock()
	rec, err := t.store.Get(env.TradeID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(env.Signer, rec.QuoteSigner) {
		t.log.Info("ignore swap invite from non-quoter",
			zap.String("trade_id", rec.TradeID),
			zap.String("signer", env.Signer))
		return nil, nil
	}
	switch rec.State {
	case StateAccepted:
	case StateInvited, StateTermsExchanged:
		if rec.InviteEnv != nil && rec.InviteEnv.Sig == env.Sig {
			return body, nil
		}
		return nil, fmt.Errorf("%w: trade %s already invited", ErrOutOfOrder, rec.TradeID)
	default:
		return nil, fmt.Errorf("%w: invite in state %s", ErrOutOfOrder, rec.State)
	}
	if body.RFQID != rec.RFQID || body.QuoteID != rec.QuoteID {
		return nil, fmt.Errorf("%w: invite references another negotiation", ErrOutOfOrder)
	}
	if !strings.EqualFold(body.OwnerPubKey, rec.QuoteSigner) {
		return nil, fmt.Errorf("%w: invite names owner %s, want the quoting maker", proto.ErrValidation, body.OwnerPubKey)
	}
	if body.SwapChannel != SwapChannel(rec.TradeID) {
		return nil, fmt.Errorf("%w: invite channel %s does not belong to trade %s", proto.ErrValidation, body.SwapChannel, rec.TradeID)
	}
	inv := body.Invite
	if inv.Payload.Channel != body.SwapChannel || !strings.EqualFold(inv.Payload.InviterPubKey, rec.QuoteSigner) {
		return nil, fmt.Errorf("%w: invite not issued by the maker for %s", proto.ErrValidation, body.SwapChannel)
	}
	if err := inv.Check(body.SwapChannel, t.PubHex(), t.now()); err != nil {
		return nil, fmt.Errorf("invite for %s: %w", body.SwapChannel, err)
	}
	if body.Welcome != nil {
		if err := body.Welcome.Check(body.SwapChannel, rec.QuoteSigner); err != nil {
			return nil, fmt.Errorf("welcome for %s: %w", body.SwapChannel, err)
		}
	}
	rec.State = StateInvited
	rec.SwapChannel = body.SwapChannel
	rec.InviteEnv = &env
	if err := t.save(rec, env.Kind); err != nil {
		return nil, err
	}
	return body, nil
}
