// Package rfq runs the RFQ -> Quote -> Accept -> Invite negotiation for both
// sides of a swap and keeps per-trade records.
package rfq

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intercomswap/internal/crypto"
	"intercomswap/internal/metrics"
	"intercomswap/internal/proto"
	"intercomswap/internal/swap"
)

const (
	TradeIDPrefix     = "swap_"
	SwapChannelPrefix = "swap:"
	DefaultQuoteTTL   = 60 * time.Second
	DefaultRFQTTL     = 60 * time.Second
	DefaultInviteTTL  = 24 * time.Hour
)

var (
	ErrOutOfOrder    = errors.New("message out of order")
	ErrTermsConflict = errors.New("terms conflict with recorded terms")
	ErrOutsideBounds = errors.New("quote outside rfq bounds")
	ErrExpired       = errors.New("expired")
)

func NewTradeID() string {
	return TradeIDPrefix + uuid.NewString()
}

// SwapChannel is the invite-only channel a trade settles on.
func SwapChannel(tradeID string) string {
	return SwapChannelPrefix + tradeID
}

// Options are shared by Maker and Taker.
type Options struct {
	Key     *crypto.Keypair
	Store   TradeStore
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

// book holds what Maker and Taker have in common: identity, records and
// per-trade locking.
type book struct {
	key     *crypto.Keypair
	store   TradeStore
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
	locks   *tradeLocks
	role    Role
}

func newBook(role Role, o Options) (*book, error) {
	if o.Key == nil {
		return nil, fmt.Errorf("%w: missing key", proto.ErrValidation)
	}
	b := &book{
		key:     o.Key,
		store:   o.Store,
		metrics: o.Metrics,
		log:     o.Log,
		now:     o.Now,
		locks:   newTradeLocks(),
		role:    role,
	}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

func (b *book) PubHex() string { return b.key.PubHex() }

// Trade returns a copy of the record for tradeID.
func (b *book) Trade(tradeID string) (*Trade, error) {
	return b.store.Get(tradeID)
}

func (b *book) Trades() ([]*Trade, error) {
	return b.store.List()
}

func (b *book) save(t *Trade, kind proto.Kind) error {
	t.UpdatedAt = b.now().Unix()
	if err := b.store.Put(t); err != nil {
		return fmt.Errorf("save trade %s: %w", t.TradeID, err)
	}
	b.metrics.Recent().Add(metrics.TradeEvent{TradeID: t.TradeID, Kind: string(kind), State: string(t.State), At: b.now().UTC()})
	return nil
}

func (b *book) sign(kind proto.Kind, tradeID string, body proto.Body) (proto.Envelope, error) {
	return proto.Build(b.key, proto.Fields{
		Kind:    kind,
		TradeID: tradeID,
		Body:    body,
		TS:      b.now().UnixMilli(),
	})
}

// verified checks kind and signature of env.
func verified(env proto.Envelope, want proto.Kind) error {
	if env.Kind != want {
		return fmt.Errorf("%w: expected %s, got %s", proto.ErrWrongKind, want, env.Kind)
	}
	return proto.Verify(env)
}

// RecordTerms stores the hash of the terms both sides settle on. Terms are
// write-once: a second, different terms envelope for the trade conflicts.
func (b *book) RecordTerms(env proto.Envelope) (string, error) {
	if err := verified(env, proto.KindTerms); err != nil {
		return "", err
	}
	body, err := proto.BodyAs[*proto.TermsBody](env)
	if err != nil {
		return "", err
	}
	h, err := swap.HashTerms(env)
	if err != nil {
		return "", err
	}
	unlock := b.locks.Lock(env.TradeID)
	defer unlock()
	t, err := b.store.Get(env.TradeID)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(env.Signer, t.RFQSigner) && !strings.EqualFold(env.Signer, t.QuoteSigner) {
		return "", fmt.Errorf("%w: terms signer is not a party of %s", proto.ErrValidation, t.TradeID)
	}
	if t.TermsHash != "" {
		if t.TermsHash != h {
			return "", fmt.Errorf("%w: trade %s has %s", ErrTermsConflict, t.TradeID, t.TermsHash)
		}
		return h, nil
	}
	if t.State != StateInvited {
		return "", fmt.Errorf("%w: terms in state %s", ErrOutOfOrder, t.State)
	}
	if t.Quote != nil && (body.BtcSats != t.Quote.BtcSats || body.UsdtAmount != t.Quote.UsdtAmount) {
		return "", fmt.Errorf("%w: terms amounts differ from the accepted quote", ErrTermsConflict)
	}
	t.TermsHash = h
	t.Terms = body
	t.State = StateTermsExchanged
	if err := b.save(t, env.Kind); err != nil {
		return "", err
	}
	return h, nil
}

// HandleCancel moves a trade to canceled when its counterparty asks. Cancels
// signed by anyone else are ignored.
func (b *book) HandleCancel(env proto.Envelope) (bool, error) {
	if err := verified(env, proto.KindCancel); err != nil {
		return false, err
	}
	body, err := proto.BodyAs[*proto.CancelBody](env)
	if err != nil {
		return false, err
	}
	unlock := b.locks.Lock(env.TradeID)
	defer unlock()
	t, err := b.store.Get(env.TradeID)
	if err != nil {
		return false, err
	}
	counterparty := t.RFQSigner
	if b.role == RoleTaker {
		counterparty = t.QuoteSigner
	}
	if counterparty == "" || !strings.EqualFold(env.Signer, counterparty) {
		b.log.Debug("ignore cancel from non-party", zap.String("trade_id", t.TradeID), zap.String("signer", env.Signer))
		return false, nil
	}
	if t.State == StateCanceled {
		return true, nil
	}
	t.State = StateCanceled
	t.CancelNote = body.Reason
	return true, b.save(t, env.Kind)
}

// Cancel signs a cancel for tradeID and marks it canceled locally.
func (b *book) Cancel(tradeID, reason string) (proto.Envelope, error) {
	unlock := b.locks.Lock(tradeID)
	defer unlock()
	t, err := b.store.Get(tradeID)
	if err != nil {
		return proto.Envelope{}, err
	}
	env, err := b.sign(proto.KindCancel, tradeID, &proto.CancelBody{Reason: reason})
	if err != nil {
		return proto.Envelope{}, err
	}
	t.State = StateCanceled
	t.CancelNote = reason
	return env, b.save(t, proto.KindCancel)
}

// checkBounds refuses quotes the RFQ did not ask for.
func checkBounds(rfq *proto.RFQBody, q *proto.QuoteBody) error {
	switch {
	case q.Pair != rfq.Pair || q.Direction != rfq.Direction:
		return fmt.Errorf("%w: pair or direction", ErrOutsideBounds)
	case q.AppHash != rfq.AppHash:
		return fmt.Errorf("%w: app_hash", ErrOutsideBounds)
	case q.BtcSats != rfq.BtcSats:
		return fmt.Errorf("%w: btc_sats %d, rfq %d", ErrOutsideBounds, q.BtcSats, rfq.BtcSats)
	case rfq.UsdtAmount != "" && q.UsdtAmount != rfq.UsdtAmount:
		return fmt.Errorf("%w: usdt_amount %s, rfq %s", ErrOutsideBounds, q.UsdtAmount, rfq.UsdtAmount)
	case q.PlatformFeeBps < 0 || q.TradeFeeBps < 0:
		return fmt.Errorf("%w: negative fee", ErrOutsideBounds)
	case q.PlatformFeeBps > rfq.MaxPlatformFeeBps:
		return fmt.Errorf("%w: platform fee %d bps above %d", ErrOutsideBounds, q.PlatformFeeBps, rfq.MaxPlatformFeeBps)
	case q.TradeFeeBps > rfq.MaxTradeFeeBps:
		return fmt.Errorf("%w: trade fee %d bps above %d", ErrOutsideBounds, q.TradeFeeBps, rfq.MaxTradeFeeBps)
	case q.PlatformFeeBps+q.TradeFeeBps > rfq.MaxTotalFeeBps:
		return fmt.Errorf("%w: total fee %d bps above %d", ErrOutsideBounds, q.PlatformFeeBps+q.TradeFeeBps, rfq.MaxTotalFeeBps)
	case rfq.MinSolRefundWindowSec > 0 && q.SolRefundWindowSec < rfq.MinSolRefundWindowSec:
		return fmt.Errorf("%w: refund window %ds below %ds", ErrOutsideBounds, q.SolRefundWindowSec, rfq.MinSolRefundWindowSec)
	case rfq.MaxSolRefundWindowSec > 0 && q.SolRefundWindowSec > rfq.MaxSolRefundWindowSec:
		return fmt.Errorf("%w: refund window %ds above %ds", ErrOutsideBounds, q.SolRefundWindowSec, rfq.MaxSolRefundWindowSec)
	}
	return nil
}

func expired(validUntilUnix int64, now time.Time) bool {
	return validUntilUnix > 0 && now.Unix() > validUntilUnix
}
