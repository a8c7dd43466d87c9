package rfq

import (
	"fmt"
	"strings"

	"intercomswap/internal/proto"
)

// ProposeTerms signs terms for tradeID and records them as the trade's terms.
func (b *book) ProposeTerms(tradeID string, terms *proto.TermsBody) (proto.Envelope, string, error) {
	env, err := b.sign(proto.KindTerms, tradeID, terms)
	if err != nil {
		return proto.Envelope{}, "", err
	}
	h, err := b.RecordTerms(env)
	if err != nil {
		return proto.Envelope{}, "", err
	}
	return env, h, nil
}

// AcceptTerms signs the accept for the recorded terms of tradeID.
func (b *book) AcceptTerms(tradeID string) (proto.Envelope, error) {
	t, err := b.store.Get(tradeID)
	if err != nil {
		return proto.Envelope{}, err
	}
	if t.TermsHash == "" {
		return proto.Envelope{}, fmt.Errorf("%w: no terms recorded for %s", ErrOutOfOrder, tradeID)
	}
	return b.sign(proto.KindAccept, tradeID, &proto.AcceptBody{TermsHash: t.TermsHash})
}

// RecordSettlement stores an invoice or escrow announcement for a trade whose
// terms are agreed. Either party may publish these.
func (b *book) RecordSettlement(env proto.Envelope) error {
	if env.Kind != proto.KindLnInvoice && env.Kind != proto.KindSolEscrowCreated {
		return fmt.Errorf("%w: %s is not a settlement message", proto.ErrWrongKind, env.Kind)
	}
	if err := proto.Verify(env); err != nil {
		return err
	}
	body, err := proto.DecodeBody(env)
	if err != nil {
		return err
	}
	unlock := b.locks.Lock(env.TradeID)
	defer unlock()
	t, err := b.store.Get(env.TradeID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(env.Signer, t.RFQSigner) && !strings.EqualFold(env.Signer, t.QuoteSigner) {
		return fmt.Errorf("%w: %s signer is not a party of %s", proto.ErrValidation, env.Kind, t.TradeID)
	}
	if t.State != StateTermsExchanged {
		return fmt.Errorf("%w: %s in state %s", ErrOutOfOrder, env.Kind, t.State)
	}
	switch v := body.(type) {
	case *proto.LnInvoiceBody:
		t.Invoice = v
	case *proto.SolEscrowCreatedBody:
		t.Escrow = v
	}
	return b.save(t, env.Kind)
}

// PublishSettlement signs an invoice or escrow body and records it.
func (b *book) PublishSettlement(tradeID string, body proto.Body) (proto.Envelope, error) {
	env, err := b.sign(body.Kind(), tradeID, body)
	if err != nil {
		return proto.Envelope{}, err
	}
	if err := b.RecordSettlement(env); err != nil {
		return proto.Envelope{}, err
	}
	return env, nil
}

// MarkPrePay records the outcome of the last pre-pay check.
func (b *book) MarkPrePay(tradeID, verdict string) error {
	unlock := b.locks.Lock(tradeID)
	defer unlock()
	t, err := b.store.Get(tradeID)
	if err != nil {
		return err
	}
	t.PrePay = verdict
	return b.save(t, proto.KindStatus)
}

// Status signs a status message for tradeID.
func (b *book) Status(tradeID, state, note string) (proto.Envelope, error) {
	return b.sign(proto.KindStatus, tradeID, &proto.StatusBody{State: state, Note: note})
}
