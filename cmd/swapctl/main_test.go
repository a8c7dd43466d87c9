package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intercomswap/internal/bridge"
	"intercomswap/internal/crypto"
	"intercomswap/internal/peermgr"
	"intercomswap/internal/proto"
	"intercomswap/internal/swap"
)

const (
	regtestBolt11      = "lnbcrt50u1p5ctmrmsp59rehxdv7fmge9navus48wmze3lur2fgggtxvn6l7k79hvplc67rspp58kwsh4lqgaa3urr0d05u2vqzk89r0d4h5ndtvfpjx5d63lkm92qsdq8v3jhxccxqyjw5qcqp29qxpqysgqcvu675fp6ttyrq82jnsdydgav9fp236d4ve89wkr34jwu3syefaq9nftzqjmgdma0z0020j9qdrzmmnfs3cqwmp53fhtmw7u0cck0jcpwwrwrt"
	regtestPaymentHash = "3d9d0bd7e0477b1e0c6f6be9c53002b1ca37b6b7a4dab62432351ba8fedb2a81"
	regtestExpiry      = 1770989307

	wsolMint   = "So11111111111111111111111111111111111111112"
	systemAddr = "11111111111111111111111111111111"
	refundAddr = "SysvarRent111111111111111111111111111111111"
	programID  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	tradeID    = "swap_5b0b3d0e-6d43-4a8e-9b57-0f3f4a6f2a11"
	checkNow   = regtestExpiry - 3600
	refundAt   = checkNow + 72*3600
)

func runCtl(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeEnvelope(t *testing.T, dir, name string, kp *crypto.Keypair, kind proto.Kind, body proto.Body) string {
	t.Helper()
	env, err := proto.Build(kp, proto.Fields{Kind: kind, TradeID: tradeID, Body: body})
	require.NoError(t, err)
	raw, err := proto.Encode(env)
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, raw, 0o600))
	return p
}

func termsBody() *proto.TermsBody {
	return &proto.TermsBody{
		Pair:               swap.PairBTCLNUSDTSOL,
		Direction:          swap.DirBTCToUSDT,
		BtcSats:            5000,
		UsdtAmount:         "3000000",
		SolMint:            wsolMint,
		SolRecipient:       systemAddr,
		SolRefund:          refundAddr,
		SolRefundAfterUnix: refundAt,
	}
}

func escrowBody(amount string) *proto.SolEscrowCreatedBody {
	return &proto.SolEscrowCreatedBody{
		PaymentHashHex:  regtestPaymentHash,
		ProgramID:       programID,
		Mint:            wsolMint,
		Amount:          amount,
		Recipient:       systemAddr,
		Refund:          refundAddr,
		RefundAfterUnix: refundAt,
	}
}

func TestUsageErrors(t *testing.T) {
	code, _, stderr := runCtl(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: swapctl")

	code, _, stderr = runCtl(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)

	code, _, stderr = runCtl(t, "peer", "start", "--name", "alice")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--port")

	code, _, _ = runCtl(t, "help")
	assert.Equal(t, 0, code)
}

func TestKeygenWritesIntoStore(t *testing.T) {
	root := t.TempDir()
	code, out, stderr := runCtl(t, "--root", root, "keygen", "--store", "maker")
	require.Equal(t, 0, code, stderr)

	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, peermgr.StoreDir(root, "maker"), res["dir"])
	kp, err := crypto.LoadKeypair(res["dir"])
	require.NoError(t, err)
	assert.Equal(t, kp.PubHex(), res["pubkey"])

	_, again, _ := runCtl(t, "--root", root, "keygen", "--store", "maker")
	assert.JSONEq(t, out, again)
}

func TestTermsHashMatchesLibrary(t *testing.T) {
	dir := t.TempDir()
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	path := writeEnvelope(t, dir, "terms.json", kp, proto.KindTerms, termsBody())

	code, out, stderr := runCtl(t, "terms-hash", "--in", path)
	require.Equal(t, 0, code, stderr)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	env, err := proto.Decode(raw)
	require.NoError(t, err)
	want, err := swap.HashTerms(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"trade_id":"`+tradeID+`","terms_hash":"`+want+`"}`, out)

	inv := writeEnvelope(t, dir, "inv.json", kp, proto.KindLnInvoice, &proto.LnInvoiceBody{
		Bolt11: regtestBolt11, PaymentHashHex: regtestPaymentHash, AmountMsat: "5000000", ExpiresAtUnix: regtestExpiry,
	})
	code, _, stderr = runCtl(t, "terms-hash", "--in", inv)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "wrong kind")
}

func TestTermsHashRejectsTamperedSignature(t *testing.T) {
	dir := t.TempDir()
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	path := writeEnvelope(t, dir, "terms.json", kp, proto.KindTerms, termsBody())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"btc_sats":5000`, `"btc_sats":5001`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	code, _, stderr := runCtl(t, "terms-hash", "--in", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "signature")
}

func TestVerifyPrePay(t *testing.T) {
	dir := t.TempDir()
	maker, err := crypto.GenKeypair()
	require.NoError(t, err)
	taker, err := crypto.GenKeypair()
	require.NoError(t, err)

	terms := writeEnvelope(t, dir, "terms.json", maker, proto.KindTerms, termsBody())
	inv := writeEnvelope(t, dir, "inv.json", taker, proto.KindLnInvoice, &proto.LnInvoiceBody{
		Bolt11: regtestBolt11, PaymentHashHex: regtestPaymentHash, AmountMsat: "5000000", ExpiresAtUnix: regtestExpiry,
	})
	good := writeEnvelope(t, dir, "esc.json", maker, proto.KindSolEscrowCreated, escrowBody("3000000"))
	short := writeEnvelope(t, dir, "esc-short.json", maker, proto.KindSolEscrowCreated, escrowBody("2999999"))
	now := "--now=" + itoa(checkNow)

	code, out, stderr := runCtl(t, "verify-prepay", "--terms", terms, "--invoice", inv, "--escrow", good, now, "--ln-network", "regtest")
	require.Equal(t, 0, code, stderr)
	assert.JSONEq(t, `{"ok":true}`, out)

	code, out, _ = runCtl(t, "verify-prepay", "--terms", terms, "--invoice", inv, "--escrow", short, now)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"code": "escrow_mismatch"`)

	code, out, _ = runCtl(t, "verify-prepay", "--terms", terms, "--invoice", inv, "--escrow", good, now, "--ln-network", "mainnet")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"code": "invoice_invalid"`)

	late := "--now=" + itoa(regtestExpiry-30)
	code, out, _ = runCtl(t, "verify-prepay", "--terms", terms, "--invoice", inv, "--escrow", good, late)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"code": "too_soon"`)

	code, _, stderr = runCtl(t, "verify-prepay", "--terms", terms)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--escrow")
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

const ctlToken = "ctl-token"

type quoteBackend struct {
	mu   sync.Mutex
	sent map[string]json.RawMessage
	rfqs []proto.RFQBody
}

func (b *quoteBackend) Info() bridge.Info {
	return bridge.Info{PubKey: strings.Repeat("ab", 32), Name: "taker-1", Role: "taker", Channels: []string{"0000intercomswap"}}
}

func (b *quoteBackend) Stats() bridge.Stats {
	return bridge.Stats{SidechannelStarted: true, ConnectionCount: 2, Channels: []string{"0000intercomswap"}}
}

func (b *quoteBackend) Join(context.Context, string, *proto.SignedInvite, *proto.SignedWelcome) error {
	return nil
}

func (b *quoteBackend) Leave(context.Context, string) error { return nil }

func (b *quoteBackend) Subscribe(context.Context, []string) error { return nil }

func (b *quoteBackend) Send(_ context.Context, channel string, message json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[channel] = message
	return nil
}

func (b *quoteBackend) RequestQuote(_ context.Context, body proto.RFQBody) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rfqs = append(b.rfqs, body)
	return tradeID, nil
}

func newBridge(t *testing.T) (*quoteBackend, string) {
	t.Helper()
	be := &quoteBackend{sent: make(map[string]json.RawMessage)}
	srv, err := bridge.NewServer(bridge.Config{Token: ctlToken, Backend: be})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return be, "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/ws"
}

func TestBridgeCommands(t *testing.T) {
	be, url := newBridge(t)
	root := t.TempDir()
	tokenFile := filepath.Join(root, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte(ctlToken+"\n"), 0o600))

	code, out, stderr := runCtl(t, "--root", root, "bridge", "--url", url, "--token-file", tokenFile, "info")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, `"name": "taker-1"`)

	code, out, stderr = runCtl(t, "--root", root, "bridge", "--url", url, "--token", ctlToken, "stats")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, `"connectionCount": 2`)

	code, out, stderr = runCtl(t, "--root", root, "bridge", "--url", url, "--token", ctlToken,
		"rfq", "--btc-sats", "5000", "--usdt-amount", "3000000", "--max-total-fee-bps", "40")
	require.Equal(t, 0, code, stderr)
	assert.JSONEq(t, `{"trade_id":"`+tradeID+`"}`, out)
	be.mu.Lock()
	require.Len(t, be.rfqs, 1)
	assert.Equal(t, swap.PairBTCLNUSDTSOL, be.rfqs[0].Pair)
	assert.Equal(t, 40, be.rfqs[0].MaxTotalFeeBps)
	assert.Equal(t, int64(3600), be.rfqs[0].MinSolRefundWindowSec)
	be.mu.Unlock()

	code, _, stderr = runCtl(t, "--root", root, "bridge", "--url", url, "--token", ctlToken,
		"send", "--channel", "swap:abc", "--message", "hello there")
	require.Equal(t, 0, code, stderr)
	be.mu.Lock()
	assert.JSONEq(t, `"hello there"`, string(be.sent["swap:abc"]))
	be.mu.Unlock()

	code, _, stderr = runCtl(t, "--root", root, "bridge", "--url", url, "--token", "wrong", "info")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unauthorized")
}

func TestBridgeResolvesSupervisedPeer(t *testing.T) {
	root := t.TempDir()
	_, err := (&env{root: root}).resolveBridge("ghost", "", "", "")
	require.ErrorIs(t, err, peermgr.ErrMissingState)

	_, err = (&env{root: root}).resolveBridge("", "", "", "")
	require.ErrorIs(t, err, errUsage)
}
