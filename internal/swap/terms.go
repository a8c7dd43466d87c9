// Package swap holds the economic side of a negotiation: terms, their
// canonical identity, and the checks a payer runs before paying.
package swap

import (
	"fmt"
	"time"

	"intercomswap/internal/proto"
	"intercomswap/internal/solana"
)

const (
	AssetBTCLN   = "BTC_LN"
	AssetUSDTSOL = "USDT_SOL"

	PairBTCLNUSDTSOL = AssetBTCLN + "/" + AssetUSDTSOL
	DirBTCToUSDT     = AssetBTCLN + "->" + AssetUSDTSOL
)

var ErrWrongKind = proto.ErrWrongKind

// HashTerms is the canonical identifier of a terms envelope, signed or not.
func HashTerms(termsEnv proto.Envelope) (string, error) {
	if termsEnv.Kind != proto.KindTerms {
		return "", fmt.Errorf("%w: expected kind=%s, got %s", ErrWrongKind, proto.KindTerms, termsEnv.Kind)
	}
	return proto.Hash(termsEnv)
}

// AcceptBodyForTerms binds an accept to one specific terms instance.
func AcceptBodyForTerms(termsEnv proto.Envelope) (*proto.AcceptBody, error) {
	h, err := HashTerms(termsEnv)
	if err != nil {
		return nil, err
	}
	return &proto.AcceptBody{TermsHash: h}, nil
}

// Legs are the settlement endpoints chosen once a quote is accepted.
type Legs struct {
	SolMint        string
	SolRecipient   string
	SolRefund      string
	LnReceiverPeer string
	LnPayerPeer    string
}

// TermsFromQuote fills a terms body from an accepted quote. The refund
// deadline starts counting at now.
func TermsFromQuote(rfq *proto.RFQBody, quote *proto.QuoteBody, legs Legs, now time.Time) (*proto.TermsBody, error) {
	if rfq == nil || quote == nil {
		return nil, fmt.Errorf("%w: missing rfq or quote", proto.ErrValidation)
	}
	for name, addr := range map[string]string{
		"sol_mint":      legs.SolMint,
		"sol_recipient": legs.SolRecipient,
		"sol_refund":    legs.SolRefund,
	} {
		if err := solana.ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", proto.ErrValidation, name, err)
		}
	}
	if quote.SolRefundWindowSec <= 0 {
		return nil, fmt.Errorf("%w: quote has no refund window", proto.ErrValidation)
	}
	return &proto.TermsBody{
		Pair:               quote.Pair,
		Direction:          quote.Direction,
		AppHash:            rfq.AppHash,
		BtcSats:            quote.BtcSats,
		UsdtAmount:         quote.UsdtAmount,
		SolMint:            legs.SolMint,
		SolRecipient:       legs.SolRecipient,
		SolRefund:          legs.SolRefund,
		SolRefundAfterUnix: now.Unix() + quote.SolRefundWindowSec,
		LnReceiverPeer:     legs.LnReceiverPeer,
		LnPayerPeer:        legs.LnPayerPeer,
		PlatformFeeBps:     quote.PlatformFeeBps,
		TradeFeeBps:        quote.TradeFeeBps,
	}, nil
}
