package proto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"intercomswap/internal/crypto"
)

const EnvelopeVersion = 1

var (
	ErrValidation        = errors.New("validation error")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnknownKind       = errors.New("unknown kind")
	ErrWrongKind         = errors.New("wrong kind")
)

// Envelope is the signed unit of protocol communication. Body is kept as raw
// JSON so the signing bytes never depend on Go struct field order.
type Envelope struct {
	V       int             `json:"v"`
	Kind    Kind            `json:"kind"`
	TradeID string          `json:"trade_id"`
	Body    json.RawMessage `json:"body"`
	TS      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`
	Signer  string          `json:"signer,omitempty"`
	Sig     string          `json:"sig,omitempty"`
}

type unsignedEnvelope struct {
	V       int             `json:"v"`
	Kind    Kind            `json:"kind"`
	TradeID string          `json:"trade_id"`
	Body    json.RawMessage `json:"body"`
	TS      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`
}

// Fields are the caller-supplied inputs of CreateUnsigned. Zero TS and empty
// Nonce are filled in.
type Fields struct {
	Kind    Kind
	TradeID string
	Body    Body
	TS      int64
	Nonce   string
}

func (e Envelope) Signed() bool {
	return e.Signer != "" || e.Sig != ""
}

// Unsigned returns a copy without signer and signature.
func (e Envelope) Unsigned() Envelope {
	e.Signer = ""
	e.Sig = ""
	return e
}

func CreateUnsigned(f Fields) (Envelope, error) {
	if strings.TrimSpace(string(f.Kind)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrValidation)
	}
	if strings.TrimSpace(f.TradeID) == "" {
		return Envelope{}, fmt.Errorf("%w: missing trade_id", ErrValidation)
	}
	if f.Body != nil && f.Body.Kind() != f.Kind {
		return Envelope{}, fmt.Errorf("%w: body for %s used with kind %s", ErrValidation, f.Body.Kind(), f.Kind)
	}
	body := json.RawMessage(`{}`)
	if f.Body != nil {
		raw, err := Canonical(f.Body)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: encode body: %v", ErrValidation, err)
		}
		body = raw
	}
	ts := f.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	nonce := f.Nonce
	if nonce == "" {
		var b [12]byte
		if _, err := rand.Read(b[:]); err != nil {
			return Envelope{}, err
		}
		nonce = hex.EncodeToString(b[:])
	}
	return Envelope{
		V:       EnvelopeVersion,
		Kind:    f.Kind,
		TradeID: f.TradeID,
		Body:    body,
		TS:      ts,
		Nonce:   nonce,
	}, nil
}

// EncodeForSigning returns the canonical bytes of the unsigned fields.
func EncodeForSigning(e Envelope) ([]byte, error) {
	body := e.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	u := unsignedEnvelope{
		V:       e.V,
		Kind:    e.Kind,
		TradeID: e.TradeID,
		Body:    body,
		TS:      e.TS,
		Nonce:   e.Nonce,
	}
	out, err := Canonical(u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return out, nil
}

func AttachSignature(e Envelope, signerPubHex string, sig []byte) Envelope {
	out := e
	out.Body = append(json.RawMessage(nil), e.Body...)
	out.Signer = strings.ToLower(signerPubHex)
	out.Sig = hex.EncodeToString(sig)
	return out
}

func Sign(e Envelope, kp *crypto.Keypair) (Envelope, error) {
	if kp == nil {
		return Envelope{}, fmt.Errorf("%w: missing signing key", ErrValidation)
	}
	msg, err := EncodeForSigning(e.Unsigned())
	if err != nil {
		return Envelope{}, err
	}
	return AttachSignature(e.Unsigned(), kp.PubHex(), kp.Sign(msg)), nil
}

// Build is CreateUnsigned followed by Sign.
func Build(kp *crypto.Keypair, f Fields) (Envelope, error) {
	u, err := CreateUnsigned(f)
	if err != nil {
		return Envelope{}, err
	}
	return Sign(u, kp)
}

// Hash is the content identity of an envelope. Signing does not change it.
func Hash(e Envelope) (string, error) {
	msg, err := EncodeForSigning(e.Unsigned())
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(msg), nil
}

func checkRequired(e Envelope) error {
	switch {
	case e.V <= 0:
		return fmt.Errorf("%w: missing v", ErrMalformedEnvelope)
	case e.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	case e.TradeID == "":
		return fmt.Errorf("%w: missing trade_id", ErrMalformedEnvelope)
	case e.Nonce == "":
		return fmt.Errorf("%w: missing nonce", ErrMalformedEnvelope)
	}
	return nil
}

func Verify(e Envelope) error {
	if err := checkRequired(e); err != nil {
		return err
	}
	if e.Signer == "" || e.Sig == "" {
		return fmt.Errorf("%w: unsigned", ErrMalformedEnvelope)
	}
	msg, err := EncodeForSigning(e.Unsigned())
	if err != nil {
		return err
	}
	ok, err := crypto.VerifyHex(e.Signer, msg, e.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// Decode parses a wire envelope and validates its kind and body shape. It does
// not check the signature.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := checkRequired(e); err != nil {
		return Envelope{}, err
	}
	if !e.Kind.Known() {
		return e, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := validateBody(e.Kind, e.Body); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodeVerified is Decode followed by Verify.
func DecodeVerified(raw []byte) (Envelope, error) {
	e, err := Decode(raw)
	if err != nil {
		return Envelope{}, err
	}
	if err := Verify(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}
