package proto

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"intercomswap/internal/crypto"
)

var (
	hexA = strings.Repeat("aa", 32)
	hexB = strings.Repeat("bb", 32)
)

func acceptFields() Fields {
	return Fields{
		Kind:    KindQuoteAccept,
		TradeID: "swap_t1",
		Body:    &QuoteAcceptBody{RFQID: hexA, QuoteID: hexB},
		TS:      123,
		Nonce:   "n1",
	}
}

func TestEncodeForSigningCanonicalVector(t *testing.T) {
	u, err := CreateUnsigned(acceptFields())
	require.NoError(t, err)
	msg, err := EncodeForSigning(u)
	require.NoError(t, err)
	want := `{"body":{"quote_id":"` + hexB + `","rfq_id":"` + hexA + `"},"kind":"swap.quote_accept","nonce":"n1","trade_id":"swap_t1","ts":123,"v":1}`
	require.Equal(t, want, string(msg))

	h, err := Hash(u)
	require.NoError(t, err)
	require.Equal(t, "24e58d59f553cc770adf3938b08f86f75257b34aa30d0b5837c47108368249e1", h)
}

func TestEncodeForSigningIgnoresBodyKeyOrder(t *testing.T) {
	a := Envelope{V: 1, Kind: KindStatus, TradeID: "t", TS: 1, Nonce: "n", Body: json.RawMessage(`{"state":"x","note":"<y>"}`)}
	b := a
	b.Body = json.RawMessage("{ \"note\" : \"<y>\",\n \"state\":\"x\" }")
	ma, err := EncodeForSigning(a)
	require.NoError(t, err)
	mb, err := EncodeForSigning(b)
	require.NoError(t, err)
	require.Equal(t, string(ma), string(mb))
	require.Contains(t, string(ma), `"<y>"`)
}

func TestEncodeForSigningKeepsLineSeparatorsRaw(t *testing.T) {
	env := Envelope{V: 1, Kind: KindStatus, TradeID: "t", TS: 1, Nonce: "n", Body: json.RawMessage(`{"state":"x","note":"a\u2028b\u2029"}`)}
	msg, err := EncodeForSigning(env)
	require.NoError(t, err)
	want := `{"body":{"note":"a` + "\u2028" + `b` + "\u2029" + `","state":"x"},"kind":"swap.status","nonce":"n","trade_id":"t","ts":1,"v":1}`
	require.Equal(t, want, string(msg))
	require.NotContains(t, string(msg), `\u2028`)
}

func TestHashStableUnderSigning(t *testing.T) {
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	u, err := CreateUnsigned(acceptFields())
	require.NoError(t, err)
	signed, err := Sign(u, kp)
	require.NoError(t, err)

	hu, err := Hash(u)
	require.NoError(t, err)
	hs, err := Hash(signed)
	require.NoError(t, err)
	require.Equal(t, hu, hs)
	require.Empty(t, u.Sig, "signing must not mutate the unsigned envelope")
}

func TestSignVerifyAndSignatureFlip(t *testing.T) {
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	env, err := Build(kp, acceptFields())
	require.NoError(t, err)
	require.NoError(t, Verify(env))

	sig, err := hex.DecodeString(env.Sig)
	require.NoError(t, err)
	for _, i := range []int{0, 31, len(sig) - 1} {
		flipped := append([]byte(nil), sig...)
		flipped[i] ^= 0x01
		bad := AttachSignature(env.Unsigned(), env.Signer, flipped)
		require.ErrorIs(t, Verify(bad), ErrInvalidSignature, "byte %d", i)
	}

	tampered := env
	tampered.TradeID = "swap_other"
	require.ErrorIs(t, Verify(tampered), ErrInvalidSignature)
}

func TestVerifyMalformed(t *testing.T) {
	u, err := CreateUnsigned(acceptFields())
	require.NoError(t, err)
	require.ErrorIs(t, Verify(u), ErrMalformedEnvelope)

	bad := AttachSignature(u, "nothex", []byte{1, 2, 3})
	require.ErrorIs(t, Verify(bad), ErrMalformedEnvelope)

	missing := u
	missing.Kind = ""
	require.ErrorIs(t, Verify(missing), ErrMalformedEnvelope)
}

func TestCreateUnsignedValidation(t *testing.T) {
	_, err := CreateUnsigned(Fields{TradeID: "t"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = CreateUnsigned(Fields{Kind: KindRFQ})
	require.ErrorIs(t, err, ErrValidation)
	_, err = CreateUnsigned(Fields{Kind: KindRFQ, TradeID: "t", Body: &CancelBody{}})
	require.ErrorIs(t, err, ErrValidation)

	u, err := CreateUnsigned(Fields{Kind: KindCancel, TradeID: "t"})
	require.NoError(t, err)
	require.Equal(t, EnvelopeVersion, u.V)
	require.NotZero(t, u.TS)
	require.Len(t, u.Nonce, 24)
	require.JSONEq(t, `{}`, string(u.Body))
}

func TestDecodeRoundTripTypedBody(t *testing.T) {
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	env, err := Build(kp, acceptFields())
	require.NoError(t, err)
	raw, err := Encode(env)
	require.NoError(t, err)

	got, err := DecodeVerified(raw)
	require.NoError(t, err)
	body, err := BodyAs[*QuoteAcceptBody](got)
	require.NoError(t, err)
	require.Equal(t, hexA, body.RFQID)
	require.Equal(t, hexB, body.QuoteID)

	_, err = BodyAs[*RFQBody](got)
	require.ErrorIs(t, err, ErrWrongKind)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"v":1,"kind":"swap.teleport","trade_id":"t","body":{"x":1},"ts":1,"nonce":"n"}`)
	env, err := Decode(raw)
	require.ErrorIs(t, err, ErrUnknownKind)
	require.False(t, env.Kind.Known())

	body, err := DecodeBody(env)
	require.ErrorIs(t, err, ErrUnknownKind)
	unk, ok := body.(UnknownBody)
	require.True(t, ok)
	require.Equal(t, Kind("swap.teleport"), unk.RawKind)
}

func TestDecodeRejectsBadBody(t *testing.T) {
	raw := []byte(`{"v":1,"kind":"swap.quote_accept","trade_id":"t","body":{"rfq_id":"xyz"},"ts":1,"nonce":"n"}`)
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	raw = []byte(`{"v":1,"kind":"swap.ln_invoice","trade_id":"t","body":{"bolt11":"lnbc","payment_hash_hex":"` + hexA + `","amount_msat":5000,"expires_at_unix":1},"ts":1,"nonce":"n"}`)
	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrMalformedEnvelope, "amount_msat must be a decimal string")

	_, err = Decode([]byte(`{"v":1`))
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCanonicalizeJSONRejectsTrailingData(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{"a":1}{"b":2}`))
	require.Error(t, err)
	out, err := CanonicalizeJSON([]byte(`{"b":1.50,"a":[3,2,{"d":1,"c":2}]}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":[3,2,{"c":2,"d":1}],"b":1.50}`, string(out))
}

func TestCanonicalizeJSONLineSeparators(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"b":"a\u2028b<&>","a":1,"c":"\\u2029 \u2029"}`))
	require.NoError(t, err)
	want := `{"a":1,"b":"a` + "\u2028" + `b<&>","c":"\\u2029 ` + "\u2029" + `"}`
	require.Equal(t, want, string(out))

	again, err := CanonicalizeJSON(out)
	require.NoError(t, err)
	require.Equal(t, want, string(again))
}

func TestBodySchemaBoundsBtcSats(t *testing.T) {
	terms := func(sats string) json.RawMessage {
		return json.RawMessage(`{"btc_sats":` + sats + `,"usdt_amount":"1000000","sol_mint":"` + strings.Repeat("1", 32) +
			`","sol_recipient":"` + strings.Repeat("2", 32) + `","sol_refund":"` + strings.Repeat("3", 32) + `","sol_refund_after_unix":1}`)
	}
	require.NoError(t, validateBody(KindTerms, terms("9223372036854775")))
	require.ErrorIs(t, validateBody(KindTerms, terms("9223372036854776")), ErrMalformedEnvelope)
	require.ErrorIs(t, validateBody(KindTerms, terms("0")), ErrMalformedEnvelope)
}
