package proto

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindUnknown          Kind = ""
	KindRFQ              Kind = "swap.rfq"
	KindQuote            Kind = "swap.quote"
	KindQuoteAccept      Kind = "swap.quote_accept"
	KindSwapInvite       Kind = "swap.swap_invite"
	KindTerms            Kind = "swap.terms"
	KindAccept           Kind = "swap.accept"
	KindLnInvoice        Kind = "swap.ln_invoice"
	KindSolEscrowCreated Kind = "swap.sol_escrow_created"
	KindSvcAnnounce      Kind = "swap.svc_announce"
	KindCancel           Kind = "swap.cancel"
	KindStatus           Kind = "swap.status"
)

var knownKinds = map[Kind]func() Body{
	KindRFQ:              func() Body { return &RFQBody{} },
	KindQuote:            func() Body { return &QuoteBody{} },
	KindQuoteAccept:      func() Body { return &QuoteAcceptBody{} },
	KindSwapInvite:       func() Body { return &SwapInviteBody{} },
	KindTerms:            func() Body { return &TermsBody{} },
	KindAccept:           func() Body { return &AcceptBody{} },
	KindLnInvoice:        func() Body { return &LnInvoiceBody{} },
	KindSolEscrowCreated: func() Body { return &SolEscrowCreatedBody{} },
	KindSvcAnnounce:      func() Body { return &SvcAnnounceBody{} },
	KindCancel:           func() Body { return &CancelBody{} },
	KindStatus:           func() Body { return &StatusBody{} },
}

func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// Body is the kind-specific payload of an envelope.
type Body interface {
	Kind() Kind
}

// UnknownBody carries the payload of a kind this build does not understand.
type UnknownBody struct {
	RawKind Kind
	Raw     json.RawMessage
}

func (UnknownBody) Kind() Kind { return KindUnknown }

// DecodeBody returns the typed body of e. Unknown kinds come back as
// UnknownBody together with ErrUnknownKind.
func DecodeBody(e Envelope) (Body, error) {
	mk, ok := knownKinds[e.Kind]
	if !ok {
		return UnknownBody{RawKind: e.Kind, Raw: e.Body}, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := validateBody(e.Kind, e.Body); err != nil {
		return nil, err
	}
	b := mk()
	if err := json.Unmarshal(e.Body, b); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, err)
	}
	return b, nil
}

// BodyAs decodes the body of e into the concrete body type T.
func BodyAs[T Body](e Envelope) (T, error) {
	var zero T
	b, err := DecodeBody(e)
	if err != nil {
		return zero, err
	}
	out, ok := b.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, e.Kind, zero.Kind())
	}
	return out, nil
}

type RFQBody struct {
	RFQChannel            string `json:"rfq_channel"`
	Pair                  string `json:"pair"`
	Direction             string `json:"direction"`
	AppHash               string `json:"app_hash"`
	BtcSats               int64  `json:"btc_sats"`
	UsdtAmount            string `json:"usdt_amount"`
	MaxPlatformFeeBps     int    `json:"max_platform_fee_bps"`
	MaxTradeFeeBps        int    `json:"max_trade_fee_bps"`
	MaxTotalFeeBps        int    `json:"max_total_fee_bps"`
	MinSolRefundWindowSec int64  `json:"min_sol_refund_window_sec"`
	MaxSolRefundWindowSec int64  `json:"max_sol_refund_window_sec"`
	ValidUntilUnix        int64  `json:"valid_until_unix"`
}

func (*RFQBody) Kind() Kind { return KindRFQ }

type QuoteBody struct {
	RFQID              string `json:"rfq_id"`
	Pair               string `json:"pair"`
	Direction          string `json:"direction"`
	AppHash            string `json:"app_hash"`
	BtcSats            int64  `json:"btc_sats"`
	UsdtAmount         string `json:"usdt_amount"`
	PlatformFeeBps     int    `json:"platform_fee_bps"`
	TradeFeeBps        int    `json:"trade_fee_bps"`
	SolRefundWindowSec int64  `json:"sol_refund_window_sec"`
	ValidUntilUnix     int64  `json:"valid_until_unix"`
}

func (*QuoteBody) Kind() Kind { return KindQuote }

type QuoteAcceptBody struct {
	RFQID   string `json:"rfq_id"`
	QuoteID string `json:"quote_id"`
}

func (*QuoteAcceptBody) Kind() Kind { return KindQuoteAccept }

type SwapInviteBody struct {
	RFQID       string         `json:"rfq_id"`
	QuoteID     string         `json:"quote_id"`
	SwapChannel string         `json:"swap_channel"`
	OwnerPubKey string         `json:"owner_pubkey"`
	Invite      SignedInvite   `json:"invite"`
	Welcome     *SignedWelcome `json:"welcome,omitempty"`
}

func (*SwapInviteBody) Kind() Kind { return KindSwapInvite }

type TermsBody struct {
	Pair               string `json:"pair"`
	Direction          string `json:"direction"`
	AppHash            string `json:"app_hash"`
	BtcSats            int64  `json:"btc_sats"`
	UsdtAmount         string `json:"usdt_amount"`
	SolMint            string `json:"sol_mint"`
	SolRecipient       string `json:"sol_recipient"`
	SolRefund          string `json:"sol_refund"`
	SolRefundAfterUnix int64  `json:"sol_refund_after_unix"`
	LnReceiverPeer     string `json:"ln_receiver_peer"`
	LnPayerPeer        string `json:"ln_payer_peer"`
	PlatformFeeBps     int    `json:"platform_fee_bps,omitempty"`
	TradeFeeBps        int    `json:"trade_fee_bps,omitempty"`
}

func (*TermsBody) Kind() Kind { return KindTerms }

type AcceptBody struct {
	TermsHash string `json:"terms_hash"`
}

func (*AcceptBody) Kind() Kind { return KindAccept }

type LnInvoiceBody struct {
	Bolt11         string `json:"bolt11"`
	PaymentHashHex string `json:"payment_hash_hex"`
	AmountMsat     string `json:"amount_msat"`
	ExpiresAtUnix  int64  `json:"expires_at_unix"`
}

func (*LnInvoiceBody) Kind() Kind { return KindLnInvoice }

type SolEscrowCreatedBody struct {
	PaymentHashHex  string `json:"payment_hash_hex"`
	ProgramID       string `json:"program_id"`
	EscrowPDA       string `json:"escrow_pda,omitempty"`
	VaultATA        string `json:"vault_ata,omitempty"`
	Mint            string `json:"mint"`
	Amount          string `json:"amount"`
	Recipient       string `json:"recipient"`
	Refund          string `json:"refund"`
	RefundAfterUnix int64  `json:"refund_after_unix"`
	TxSig           string `json:"tx_sig,omitempty"`
}

func (*SolEscrowCreatedBody) Kind() Kind { return KindSolEscrowCreated }

type Offer struct {
	Pair       string `json:"pair"`
	Direction  string `json:"direction"`
	MinBtcSats int64  `json:"min_btc_sats"`
	MaxBtcSats int64  `json:"max_btc_sats"`
	UsdtPerBtc string `json:"usdt_per_btc"`
}

type SvcAnnounceBody struct {
	Name           string   `json:"name"`
	Pairs          []string `json:"pairs,omitempty"`
	RFQChannels    []string `json:"rfq_channels"`
	AppHash        string   `json:"app_hash"`
	Offers         []Offer  `json:"offers,omitempty"`
	ValidUntilUnix int64    `json:"valid_until_unix"`
}

func (*SvcAnnounceBody) Kind() Kind { return KindSvcAnnounce }

type CancelBody struct {
	Reason string `json:"reason"`
}

func (*CancelBody) Kind() Kind { return KindCancel }

type StatusBody struct {
	State string `json:"state"`
	Note  string `json:"note,omitempty"`
}

func (*StatusBody) Kind() Kind { return KindStatus }
