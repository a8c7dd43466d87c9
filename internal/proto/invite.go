package proto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"intercomswap/internal/crypto"
)

var (
	ErrInviteExpired  = errors.New("invite expired")
	ErrInviteMismatch = errors.New("invite mismatch")
)

// InvitePayload grants inviteePubKey access to channel. Times are unix millis.
type InvitePayload struct {
	Channel       string `json:"channel"`
	InviteePubKey string `json:"inviteePubKey"`
	InviterPubKey string `json:"inviterPubKey"`
	InviteID      string `json:"inviteId"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

type SignedInvite struct {
	Payload InvitePayload `json:"payload"`
	Sig     string        `json:"sig"`
}

func InviteSignBytes(p InvitePayload) ([]byte, error) {
	return Canonical(p)
}

// NewInvite signs an invite for invitee on channel valid for ttl.
func NewInvite(inviter *crypto.Keypair, channel, inviteePubHex string, ttl time.Duration, now time.Time) (SignedInvite, error) {
	if inviter == nil {
		return SignedInvite{}, fmt.Errorf("%w: missing inviter key", ErrValidation)
	}
	invitee, err := crypto.NormalizePubKeyHex(inviteePubHex)
	if err != nil {
		return SignedInvite{}, fmt.Errorf("%w: invitee: %v", ErrValidation, err)
	}
	if channel == "" {
		return SignedInvite{}, fmt.Errorf("%w: missing channel", ErrValidation)
	}
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return SignedInvite{}, err
	}
	p := InvitePayload{
		Channel:       channel,
		InviteePubKey: invitee,
		InviterPubKey: inviter.PubHex(),
		InviteID:      hex.EncodeToString(id[:]),
		IssuedAt:      now.UnixMilli(),
		ExpiresAt:     now.Add(ttl).UnixMilli(),
	}
	msg, err := InviteSignBytes(p)
	if err != nil {
		return SignedInvite{}, err
	}
	return SignedInvite{Payload: p, Sig: inviter.SignHex(msg)}, nil
}

// VerifySig checks the inviter's signature only.
func (s SignedInvite) VerifySig() error {
	msg, err := InviteSignBytes(s.Payload)
	if err != nil {
		return err
	}
	ok, err := crypto.VerifyHex(s.Payload.InviterPubKey, msg, s.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// Check verifies the signature and that the invite admits invitee to channel at now.
func (s SignedInvite) Check(channel, inviteePubHex string, now time.Time) error {
	if err := s.VerifySig(); err != nil {
		return err
	}
	if s.Payload.Channel != channel {
		return fmt.Errorf("%w: channel", ErrInviteMismatch)
	}
	if !strings.EqualFold(s.Payload.InviteePubKey, inviteePubHex) {
		return fmt.Errorf("%w: invitee", ErrInviteMismatch)
	}
	if s.Payload.ExpiresAt > 0 && now.UnixMilli() > s.Payload.ExpiresAt {
		return ErrInviteExpired
	}
	return nil
}

// WelcomePayload declares the owner and description of a channel.
type WelcomePayload struct {
	Channel     string `json:"channel"`
	OwnerPubKey string `json:"ownerPubKey"`
	Text        string `json:"text"`
	IssuedAt    int64  `json:"issuedAt"`
}

type SignedWelcome struct {
	Payload WelcomePayload `json:"payload"`
	Sig     string         `json:"sig"`
}

func WelcomeSignBytes(p WelcomePayload) ([]byte, error) {
	return Canonical(p)
}

func NewWelcome(owner *crypto.Keypair, channel, text string, now time.Time) (SignedWelcome, error) {
	if owner == nil {
		return SignedWelcome{}, fmt.Errorf("%w: missing owner key", ErrValidation)
	}
	if channel == "" {
		return SignedWelcome{}, fmt.Errorf("%w: missing channel", ErrValidation)
	}
	p := WelcomePayload{
		Channel:     channel,
		OwnerPubKey: owner.PubHex(),
		Text:        text,
		IssuedAt:    now.UnixMilli(),
	}
	msg, err := WelcomeSignBytes(p)
	if err != nil {
		return SignedWelcome{}, err
	}
	return SignedWelcome{Payload: p, Sig: owner.SignHex(msg)}, nil
}

// Check verifies the welcome is for channel and signed by ownerPubHex.
func (w SignedWelcome) Check(channel, ownerPubHex string) error {
	if w.Payload.Channel != channel {
		return fmt.Errorf("%w: welcome channel", ErrInviteMismatch)
	}
	if !strings.EqualFold(w.Payload.OwnerPubKey, ownerPubHex) {
		return fmt.Errorf("%w: welcome owner", ErrInviteMismatch)
	}
	msg, err := WelcomeSignBytes(w.Payload)
	if err != nil {
		return err
	}
	ok, err := crypto.VerifyHex(w.Payload.OwnerPubKey, msg, w.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
