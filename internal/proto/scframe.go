package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"intercomswap/internal/crypto"
)

// SCFrame is one sidechannel message as it travels between peers. The sender
// signs every field except Sig.
type SCFrame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	From     string          `json:"from"`
	ID       string          `json:"id"`
	Message  json.RawMessage `json:"message"`
	TS       int64           `json:"ts"`
	Invite   *SignedInvite   `json:"invite,omitempty"`
	Welcome  *SignedWelcome  `json:"welcome,omitempty"`
	PowNonce uint64          `json:"pow_nonce,omitempty"`
	Sig      string          `json:"sig,omitempty"`
}

// HelloMsg opens a mesh connection and announces the sender's channels.
type HelloMsg struct {
	Type     string   `json:"type"`
	From     string   `json:"from"`
	Addr     string   `json:"addr,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

func NewSCFrame(channel, fromPubHex string, message json.RawMessage, now time.Time) (SCFrame, error) {
	if channel == "" {
		return SCFrame{}, fmt.Errorf("%w: missing channel", ErrValidation)
	}
	if len(message) == 0 {
		return SCFrame{}, fmt.Errorf("%w: empty message", ErrValidation)
	}
	canon, err := CanonicalizeJSON(message)
	if err != nil {
		return SCFrame{}, fmt.Errorf("%w: message is not json: %v", ErrValidation, err)
	}
	return SCFrame{
		Type:    WireTypeFrame,
		Channel: channel,
		From:    strings.ToLower(fromPubHex),
		ID:      crypto.SHA256Hex(canon),
		Message: canon,
		TS:      now.UnixMilli(),
	}, nil
}

// PoWSubject binds proof-of-work to the channel, sender, message id and
// timestamp, so a solved nonce cannot be replayed under a fresh ts.
func (f SCFrame) PoWSubject() []byte {
	return []byte(f.Channel + "|" + f.From + "|" + f.ID + "|" + strconv.FormatInt(f.TS, 10))
}

func (f SCFrame) SignBytes() ([]byte, error) {
	f.Sig = ""
	return Canonical(f)
}

func (f *SCFrame) Sign(kp *crypto.Keypair) error {
	if kp == nil {
		return fmt.Errorf("%w: missing signing key", ErrValidation)
	}
	if f.From != kp.PubHex() {
		return fmt.Errorf("%w: frame sender is not the signing key", ErrValidation)
	}
	msg, err := f.SignBytes()
	if err != nil {
		return err
	}
	f.Sig = kp.SignHex(msg)
	return nil
}

// VerifySig checks the message id and the sender signature.
func (f SCFrame) VerifySig() error {
	if f.Channel == "" || f.From == "" || f.Sig == "" || len(f.Message) == 0 {
		return fmt.Errorf("%w: incomplete frame", ErrMalformedEnvelope)
	}
	if crypto.SHA256Hex(f.Message) != f.ID {
		return fmt.Errorf("%w: id does not match message", ErrMalformedEnvelope)
	}
	msg, err := f.SignBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	ok, err := crypto.VerifyHex(f.From, msg, f.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

func EncodeSCFrame(f SCFrame) ([]byte, error) {
	if f.Type == "" {
		f.Type = WireTypeFrame
	}
	// Message bytes must survive unchanged since the id hashes them.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func DecodeSCFrame(data []byte) (SCFrame, error) {
	var f SCFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return SCFrame{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if f.Type != WireTypeFrame {
		return SCFrame{}, fmt.Errorf("%w: unexpected msg type %q", ErrMalformedEnvelope, f.Type)
	}
	return f, nil
}
