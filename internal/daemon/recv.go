package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"intercomswap/internal/bridge"
	"intercomswap/internal/proto"
	"intercomswap/internal/rfq"
	"intercomswap/internal/solana"
	"intercomswap/internal/swap"
	"intercomswap/internal/transport"
)

type recvError struct {
	msg string
	err error
}

func (e *recvError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *recvError) Unwrap() error { return e.err }

// reason maps a receive failure onto the drop reasons reported in metrics.
func (e *recvError) reason() string {
	switch {
	case errors.Is(e.err, proto.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(e.err, proto.ErrInvalidSignature):
		return "envelope_sig"
	case errors.Is(e.err, proto.ErrMalformedEnvelope), errors.Is(e.err, proto.ErrWrongKind):
		return "envelope_malformed"
	case errors.Is(e.err, rfq.ErrTradeNotFound):
		return "unknown_trade"
	case errors.Is(e.err, rfq.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(e.err, rfq.ErrOutsideBounds):
		return "outside_bounds"
	case errors.Is(e.err, rfq.ErrExpired):
		return "expired"
	case errors.Is(e.err, rfq.ErrTermsConflict):
		return "terms_conflict"
	case errors.Is(e.err, proto.ErrValidation):
		return "invalid"
	}
	return "internal"
}

// HandleDelivery admits one inbound frame, hands it to bridge clients and,
// when it carries a swap envelope, to the negotiation.
func (r *Runner) HandleDelivery(ctx context.Context, d transport.Delivery) {
	if dec := r.Gate.Admit(d.Frame); !dec.Admit {
		return
	}
	f := d.Frame
	if r.bridge != nil {
		r.bridge.Publish(bridge.Event{Channel: f.Channel, From: f.From, Message: f.Message})
	}
	if !looksLikeEnvelope(f.Message) {
		r.Metrics.IncRecvByType("message")
		return
	}
	if rerr := r.recvEnvelope(ctx, f); rerr != nil {
		r.Metrics.IncDropByReason(rerr.reason())
		r.log.Debug("recv reject",
			zap.String("channel", f.Channel),
			zap.String("from", f.From),
			zap.Error(rerr))
	}
}

func looksLikeEnvelope(msg json.RawMessage) bool {
	var head struct {
		V    *int   `json:"v"`
		Kind string `json:"kind"`
	}
	return json.Unmarshal(msg, &head) == nil && head.V != nil && head.Kind != ""
}

func (r *Runner) recvEnvelope(ctx context.Context, f proto.SCFrame) *recvError {
	reject := func(msg string, err error) *recvError {
		return &recvError{msg: msg, err: err}
	}
	env, err := proto.Decode(f.Message)
	if err != nil {
		return reject("decode envelope", err)
	}
	if err := proto.Verify(env); err != nil {
		return reject("verify envelope", err)
	}
	r.Metrics.IncRecvByType(string(env.Kind))
	if env.Kind == proto.KindSvcAnnounce {
		return r.recvAnnounce(env)
	}
	if r.party == nil {
		return nil
	}
	if !strings.EqualFold(env.Signer, f.From) {
		return reject("envelope signer differs from frame sender", proto.ErrValidation)
	}
	var herr error
	switch env.Kind {
	case proto.KindRFQ:
		herr = r.onRFQ(ctx, f.Channel, env)
	case proto.KindQuote:
		herr = r.onQuote(ctx, f.Channel, env)
	case proto.KindQuoteAccept:
		herr = r.onQuoteAccept(ctx, f.Channel, env)
	case proto.KindSwapInvite:
		herr = r.onSwapInvite(ctx, env)
	case proto.KindTerms:
		herr = r.onTerms(ctx, env)
	case proto.KindAccept:
		herr = r.onAccept(env)
	case proto.KindLnInvoice, proto.KindSolEscrowCreated:
		herr = r.onSettlement(ctx, env)
	case proto.KindCancel:
		_, herr = r.party.HandleCancel(env)
	case proto.KindStatus:
		herr = r.onStatus(env)
	default:
		herr = fmt.Errorf("%w: %s", proto.ErrUnknownKind, env.Kind)
	}
	if herr != nil {
		return reject(string(env.Kind), herr)
	}
	return nil
}

func (r *Runner) onRFQ(ctx context.Context, channel string, env proto.Envelope) error {
	if r.Maker == nil {
		return nil
	}
	quote, err := r.Maker.HandleRFQ(ctx, env)
	if err != nil || quote == nil {
		return err
	}
	return r.publish(ctx, channel, *quote)
}

func (r *Runner) onQuote(ctx context.Context, channel string, env proto.Envelope) error {
	if r.Taker == nil {
		return nil
	}
	if r.opts.RequireAnnounced && !r.announced(env.Signer) {
		r.Metrics.IncDropByReason("unannounced")
		return nil
	}
	taken, err := r.Taker.HandleQuote(ctx, env)
	if err != nil || !taken || !r.opts.AutoAccept {
		return err
	}
	accept, err := r.Taker.Accept(ctx, env.TradeID)
	if err != nil {
		return err
	}
	return r.publish(ctx, channel, accept)
}

func (r *Runner) onQuoteAccept(ctx context.Context, channel string, env proto.Envelope) error {
	if r.Maker == nil {
		return nil
	}
	invite, err := r.Maker.HandleQuoteAccept(ctx, env)
	if err != nil || invite == nil {
		return err
	}
	body, err := proto.BodyAs[*proto.SwapInviteBody](*invite)
	if err != nil {
		return err
	}
	// The maker owns the swap channel.
	if err := r.Gate.SetOwner(body.SwapChannel, r.Key.PubHex()); err != nil {
		return err
	}
	r.Gate.MarkWelcomed(body.SwapChannel)
	r.Gate.SetCredentials(body.SwapChannel, nil, body.Welcome)
	if err := r.tr.Join(ctx, body.SwapChannel); err != nil {
		return err
	}
	return r.publish(ctx, channel, *invite)
}

func (r *Runner) onSwapInvite(ctx context.Context, env proto.Envelope) error {
	if r.Taker == nil {
		return nil
	}
	body, err := r.Taker.HandleSwapInvite(ctx, env)
	if err != nil || body == nil {
		return err
	}
	if err := r.joinSwapChannel(ctx, body); err != nil {
		return err
	}
	status, err := r.party.Status(env.TradeID, string(rfq.StateInvited), "joined "+body.SwapChannel)
	if err != nil {
		return err
	}
	return r.publish(ctx, body.SwapChannel, status)
}

// joinSwapChannel trusts the maker as inviter for its channel only and
// attaches the invite to everything this peer sends there.
func (r *Runner) joinSwapChannel(ctx context.Context, body *proto.SwapInviteBody) error {
	if err := r.Gate.AllowInviter(body.SwapChannel, body.OwnerPubKey); err != nil {
		return err
	}
	if err := r.Gate.SetOwner(body.SwapChannel, body.OwnerPubKey); err != nil {
		return err
	}
	invite := body.Invite
	r.Gate.SetCredentials(body.SwapChannel, &invite, body.Welcome)
	return r.tr.Join(ctx, body.SwapChannel)
}

// onTerms records the counterparty's terms and answers with an accept that
// commits to their hash.
func (r *Runner) onTerms(ctx context.Context, env proto.Envelope) error {
	h, err := r.party.RecordTerms(env)
	if err != nil {
		return err
	}
	t, err := r.party.Trade(env.TradeID)
	if err != nil {
		return err
	}
	accept, err := r.party.AcceptTerms(env.TradeID)
	if err != nil {
		return err
	}
	r.log.Info("terms recorded", zap.String("trade_id", env.TradeID), zap.String("terms_hash", h))
	return r.publish(ctx, r.tradeChannel(t), accept)
}

func (r *Runner) onAccept(env proto.Envelope) error {
	body, err := proto.BodyAs[*proto.AcceptBody](env)
	if err != nil {
		return err
	}
	t, err := r.party.Trade(env.TradeID)
	if err != nil {
		return err
	}
	if t.TermsHash == "" || t.TermsHash != body.TermsHash {
		return fmt.Errorf("%w: accept for %s does not match recorded terms", rfq.ErrTermsConflict, env.TradeID)
	}
	r.log.Info("terms accepted by counterparty", zap.String("trade_id", env.TradeID))
	return nil
}

func (r *Runner) onSettlement(ctx context.Context, env proto.Envelope) error {
	if err := r.party.RecordSettlement(env); err != nil {
		return err
	}
	_, err := r.CheckPrePay(ctx, env.TradeID)
	if errors.Is(err, errSettlementIncomplete) {
		return nil
	}
	return err
}

func (r *Runner) onStatus(env proto.Envelope) error {
	body, err := proto.BodyAs[*proto.StatusBody](env)
	if err != nil {
		return err
	}
	r.log.Info("counterparty status",
		zap.String("trade_id", env.TradeID),
		zap.String("state", body.State),
		zap.String("note", body.Note))
	return nil
}

func (r *Runner) tradeChannel(t *rfq.Trade) string {
	if t.SwapChannel != "" {
		return t.SwapChannel
	}
	if t.RFQ != nil && t.RFQ.RFQChannel != "" {
		return t.RFQ.RFQChannel
	}
	return r.opts.RFQChannels[0]
}

var errSettlementIncomplete = errors.New("settlement incomplete")

// CheckPrePay runs the pre-pay verification for a trade once terms, invoice
// and escrow are all known, records the verdict and tells the counterparty.
// When an escrow reader is configured the on-chain escrow state replaces the
// announced one.
func (r *Runner) CheckPrePay(ctx context.Context, tradeID string) (swap.Result, error) {
	if r.party == nil {
		return swap.Result{}, fmt.Errorf("%w: relay peers do not settle", proto.ErrValidation)
	}
	if r.opts.Decoder == nil {
		return swap.Result{}, swap.ErrMissingDecoder
	}
	t, err := r.party.Trade(tradeID)
	if err != nil {
		return swap.Result{}, err
	}
	if t.Terms == nil || t.Invoice == nil || t.Escrow == nil {
		return swap.Result{}, errSettlementIncomplete
	}
	escrow := solana.FromBody(*t.Escrow)
	if r.opts.Escrows != nil {
		onchain, err := r.opts.Escrows.ReadEscrow(ctx, t.Invoice.PaymentHashHex)
		if err != nil {
			return swap.Result{}, fmt.Errorf("read escrow for %s: %w", tradeID, err)
		}
		escrow = onchain
	}
	res, err := swap.VerifyPrePay(swap.PrePayInput{
		Terms:   t.Terms,
		Invoice: t.Invoice,
		Escrow:  &escrow,
		NowUnix: r.now().Unix(),
		Margins: r.opts.Margins,
		Decoder: r.opts.Decoder,
	})
	if err != nil {
		return swap.Result{}, err
	}
	verdict, note := "prepay_ok", ""
	if res.OK {
		r.Metrics.IncPrePayOK()
	} else {
		r.Metrics.IncPrePayRejected()
		verdict, note = "prepay_rejected", res.Error
		r.log.Warn("pre-pay verification failed",
			zap.String("trade_id", tradeID),
			zap.String("code", string(res.Code)),
			zap.String("error", res.Error))
	}
	if err := r.party.MarkPrePay(tradeID, verdict); err != nil {
		return res, err
	}
	status, err := r.party.Status(tradeID, verdict, note)
	if err != nil {
		return res, err
	}
	return res, r.publish(ctx, r.tradeChannel(t), status)
}
