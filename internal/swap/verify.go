package swap

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"intercomswap/internal/lightning"
	"intercomswap/internal/proto"
	"intercomswap/internal/solana"
)

const (
	DefaultRefundMarginSec  = 600
	DefaultInvoiceMarginSec = 60

	// MaxBtcSats keeps btc_sats*1000 inside int64.
	MaxBtcSats = math.MaxInt64 / 1000
)

var (
	ErrInvoiceInvalid = errors.New("invoice invalid")
	ErrEscrowMismatch = errors.New("escrow mismatch")
	ErrTooSoon        = errors.New("too soon")
	ErrMissingDecoder = errors.New("missing invoice decoder")
)

type Code string

const (
	CodeOK             Code = ""
	CodeInvoiceInvalid Code = "invoice_invalid"
	CodeEscrowMismatch Code = "escrow_mismatch"
	CodeTooSoon        Code = "too_soon"
)

// Margins are the minimum seconds that must remain before the escrow becomes
// refundable and before the invoice expires. Zero means the default.
type Margins struct {
	RefundSec  int64
	InvoiceSec int64
}

func (m Margins) withDefaults() Margins {
	if m.RefundSec <= 0 {
		m.RefundSec = DefaultRefundMarginSec
	}
	if m.InvoiceSec <= 0 {
		m.InvoiceSec = DefaultInvoiceMarginSec
	}
	return m
}

type PrePayInput struct {
	Terms   *proto.TermsBody
	Invoice *proto.LnInvoiceBody
	Escrow  *solana.EscrowState
	NowUnix int64
	Margins Margins
	Decoder lightning.Decoder
}

// Result is the verdict of VerifyPrePay. A failed check is a normal outcome.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  Code   `json:"code,omitempty"`
}

// Err converts a failed result to an error matching the Err* sentinels.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	switch r.Code {
	case CodeInvoiceInvalid:
		return fmt.Errorf("%w: %s", ErrInvoiceInvalid, r.Error)
	case CodeEscrowMismatch:
		return fmt.Errorf("%w: %s", ErrEscrowMismatch, r.Error)
	case CodeTooSoon:
		return fmt.Errorf("%w: %s", ErrTooSoon, r.Error)
	}
	return errors.New(r.Error)
}

func fail(code Code, format string, args ...any) Result {
	return Result{Code: code, Error: fmt.Sprintf(format, args...)}
}

// VerifyPrePay cross-checks invoice, escrow and terms right before a payer
// commits funds. It is pure: same input, same verdict. The returned error is
// only set for caller mistakes such as missing inputs.
func VerifyPrePay(in PrePayInput) (Result, error) {
	if in.Decoder == nil {
		return Result{}, ErrMissingDecoder
	}
	if in.Terms == nil || in.Invoice == nil || in.Escrow == nil {
		return Result{}, fmt.Errorf("%w: terms, invoice and escrow are required", proto.ErrValidation)
	}
	m := in.Margins.withDefaults()
	t, inv, esc := in.Terms, in.Invoice, in.Escrow

	decoded, res := checkInvoice(in.Decoder, t, inv)
	if !res.OK {
		return res, nil
	}
	if res := checkEscrow(t, esc, decoded.PaymentHashHex); !res.OK {
		return res, nil
	}

	// Remaining time must be strictly greater than the margin.
	if remaining := esc.RefundAfterUnix - in.NowUnix; remaining <= m.RefundSec {
		return fail(CodeTooSoon, "refund_after too soon: %ds remaining, margin %ds", remaining, m.RefundSec), nil
	}
	expiresAt := inv.ExpiresAtUnix
	if decoded.ExpiresAtUnix > 0 && decoded.ExpiresAtUnix < expiresAt {
		expiresAt = decoded.ExpiresAtUnix
	}
	if remaining := expiresAt - in.NowUnix; remaining <= m.InvoiceSec {
		return fail(CodeTooSoon, "invoice expires too soon: %ds remaining, margin %ds", remaining, m.InvoiceSec), nil
	}
	return Result{OK: true}, nil
}

func checkInvoice(dec lightning.Decoder, t *proto.TermsBody, inv *proto.LnInvoiceBody) (lightning.Invoice, Result) {
	decoded, err := dec.DecodeBolt11(inv.Bolt11)
	if err != nil {
		return decoded, fail(CodeInvoiceInvalid, "invoice invalid: %v", err)
	}
	bodyHash, err := lightning.NormalizePaymentHash(inv.PaymentHashHex)
	if err != nil {
		return decoded, fail(CodeInvoiceInvalid, "invoice invalid: %v", err)
	}
	if decoded.PaymentHashHex != bodyHash {
		return decoded, fail(CodeInvoiceInvalid, "invoice invalid: payment_hash does not match bolt11")
	}
	if t.BtcSats <= 0 || t.BtcSats > MaxBtcSats {
		return decoded, fail(CodeInvoiceInvalid, "invoice invalid: terms btc_sats %d out of range", t.BtcSats)
	}
	wantMsat := t.BtcSats * 1000
	if decoded.HasAmount && decoded.AmountMsat != wantMsat {
		return decoded, fail(CodeInvoiceInvalid, "invoice invalid: bolt11 amount %d msat, terms expect %d", decoded.AmountMsat, wantMsat)
	}
	bodyMsat, err := strconv.ParseInt(strings.TrimSpace(inv.AmountMsat), 10, 64)
	if err != nil || bodyMsat != wantMsat {
		return decoded, fail(CodeInvoiceInvalid, "invoice invalid: amount_msat %q, terms expect %d", inv.AmountMsat, wantMsat)
	}
	return decoded, Result{OK: true}
}

// checkEscrow stops at the first field that disagrees with the terms.
func checkEscrow(t *proto.TermsBody, esc *solana.EscrowState, paymentHash string) Result {
	if !strings.EqualFold(esc.PaymentHashHex, paymentHash) {
		return fail(CodeEscrowMismatch, "escrow payment_hash mismatch")
	}
	if esc.Mint != t.SolMint {
		return fail(CodeEscrowMismatch, "escrow mint mismatch: got %s, terms %s", esc.Mint, t.SolMint)
	}
	escAmt, err := solana.ParseAmount(esc.Amount)
	if err != nil {
		return fail(CodeEscrowMismatch, "escrow amount mismatch: %v", err)
	}
	termsAmt, err := solana.ParseAmount(t.UsdtAmount)
	if err != nil || escAmt != termsAmt {
		return fail(CodeEscrowMismatch, "escrow amount mismatch: got %s, terms %s", esc.Amount, t.UsdtAmount)
	}
	if esc.Recipient != t.SolRecipient {
		return fail(CodeEscrowMismatch, "escrow recipient mismatch")
	}
	if esc.Refund != t.SolRefund {
		return fail(CodeEscrowMismatch, "escrow refund mismatch")
	}
	if esc.RefundAfterUnix < t.SolRefundAfterUnix {
		return fail(CodeEscrowMismatch, "escrow refund_after mismatch: %d is earlier than terms %d", esc.RefundAfterUnix, t.SolRefundAfterUnix)
	}
	return Result{OK: true}
}
