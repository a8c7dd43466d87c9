package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"intercomswap/internal/crypto"
	"intercomswap/internal/lightning"
	"intercomswap/internal/peermgr"
	"intercomswap/internal/proto"
	"intercomswap/internal/solana"
	"intercomswap/internal/swap"
)

func (e *env) keygen(args []string) error {
	fs := e.flags("keygen")
	dir := fs.String("dir", "", "key directory (default: the store directory, or --root)")
	store := fs.String("store", "", "peer store whose key to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	keyDir := *dir
	switch {
	case keyDir != "":
	case *store != "":
		keyDir = peermgr.StoreDir(e.root, *store)
	default:
		keyDir = e.root
	}
	kp, err := crypto.LoadOrCreateKeypair(keyDir)
	if err != nil {
		return err
	}
	return e.printJSON(map[string]string{"dir": keyDir, "pubkey": kp.PubHex()})
}

// readEnvelope decodes a wire envelope of the wanted kind. Signed envelopes
// must verify; unsigned ones are accepted as drafts.
func readEnvelope(path string, want proto.Kind) (proto.Envelope, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return proto.Envelope{}, err
	}
	env, err := proto.Decode(raw)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("%s: %w", path, err)
	}
	if env.Kind != want {
		return proto.Envelope{}, fmt.Errorf("%s: %w: got %s, want %s", path, proto.ErrWrongKind, env.Kind, want)
	}
	if env.Signed() {
		if err := proto.Verify(env); err != nil {
			return proto.Envelope{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return env, nil
}

func (e *env) termsHash(args []string) error {
	fs := e.flags("terms-hash")
	in := fs.String("in", "", "terms envelope file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return usagef("terms-hash needs --in")
	}
	env, err := readEnvelope(*in, proto.KindTerms)
	if err != nil {
		return err
	}
	h, err := swap.HashTerms(env)
	if err != nil {
		return err
	}
	return e.printJSON(map[string]string{"trade_id": env.TradeID, "terms_hash": h})
}

func (e *env) verifyPrePay(args []string) error {
	fs := e.flags("verify-prepay")
	termsPath := fs.String("terms", "", "terms envelope file")
	invoicePath := fs.String("invoice", "", "ln_invoice envelope file")
	escrowPath := fs.String("escrow", "", "sol_escrow_created envelope file")
	now := fs.Int64("now", 0, "unix time to check against (default: now)")
	networks := fs.String("ln-network", "", "accepted lightning networks, comma-separated")
	refundMargin := fs.Duration("refund-margin", swap.DefaultRefundMarginSec*time.Second, "minimum time before escrow refund")
	invoiceMargin := fs.Duration("invoice-margin", swap.DefaultInvoiceMarginSec*time.Second, "minimum time before invoice expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *termsPath == "" || *invoicePath == "" || *escrowPath == "" {
		return usagef("verify-prepay needs --terms, --invoice and --escrow")
	}
	termsEnv, err := readEnvelope(*termsPath, proto.KindTerms)
	if err != nil {
		return err
	}
	invEnv, err := readEnvelope(*invoicePath, proto.KindLnInvoice)
	if err != nil {
		return err
	}
	escEnv, err := readEnvelope(*escrowPath, proto.KindSolEscrowCreated)
	if err != nil {
		return err
	}
	if termsEnv.TradeID != invEnv.TradeID || termsEnv.TradeID != escEnv.TradeID {
		return fmt.Errorf("%w: envelopes belong to different trades", proto.ErrValidation)
	}
	terms, err := proto.BodyAs[*proto.TermsBody](termsEnv)
	if err != nil {
		return err
	}
	inv, err := proto.BodyAs[*proto.LnInvoiceBody](invEnv)
	if err != nil {
		return err
	}
	escBody, err := proto.BodyAs[*proto.SolEscrowCreatedBody](escEnv)
	if err != nil {
		return err
	}
	esc := solana.FromBody(*escBody)

	var nets []string
	for _, n := range strings.Split(*networks, ",") {
		if n = strings.TrimSpace(n); n != "" {
			nets = append(nets, n)
		}
	}
	nowUnix := *now
	if nowUnix == 0 {
		nowUnix = time.Now().Unix()
	}
	res, err := swap.VerifyPrePay(swap.PrePayInput{
		Terms:   terms,
		Invoice: inv,
		Escrow:  &esc,
		NowUnix: nowUnix,
		Margins: swap.Margins{
			RefundSec:  int64(*refundMargin / time.Second),
			InvoiceSec: int64(*invoiceMargin / time.Second),
		},
		Decoder: lightning.NewDecoder(nets...),
	})
	if err != nil {
		return err
	}
	if err := e.printJSON(res); err != nil {
		return err
	}
	return res.Err()
}
