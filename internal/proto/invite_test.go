package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intercomswap/internal/crypto"
)

func TestInviteCheck(t *testing.T) {
	inviter, err := crypto.GenKeypair()
	require.NoError(t, err)
	invitee, err := crypto.GenKeypair()
	require.NoError(t, err)
	now := time.Unix(1770000000, 0)

	inv, err := NewInvite(inviter, "swap:swap_1", invitee.PubHex(), time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, inviter.PubHex(), inv.Payload.InviterPubKey)
	require.Len(t, inv.Payload.InviteID, 32)

	require.NoError(t, inv.Check("swap:swap_1", invitee.PubHex(), now.Add(time.Minute)))
	require.ErrorIs(t, inv.Check("swap:swap_2", invitee.PubHex(), now), ErrInviteMismatch)
	require.ErrorIs(t, inv.Check("swap:swap_1", inviter.PubHex(), now), ErrInviteMismatch)
	require.ErrorIs(t, inv.Check("swap:swap_1", invitee.PubHex(), now.Add(2*time.Hour)), ErrInviteExpired)

	forged := inv
	forged.Payload.ExpiresAt += 1000
	require.ErrorIs(t, forged.Check("swap:swap_1", invitee.PubHex(), now), ErrInvalidSignature)
}

func TestNewInviteValidation(t *testing.T) {
	inviter, err := crypto.GenKeypair()
	require.NoError(t, err)
	_, err = NewInvite(inviter, "swap:x", "not-a-key", time.Hour, time.Now())
	require.ErrorIs(t, err, ErrValidation)
	_, err = NewInvite(nil, "swap:x", inviter.PubHex(), time.Hour, time.Now())
	require.ErrorIs(t, err, ErrValidation)
}

func TestWelcomeCheck(t *testing.T) {
	owner, err := crypto.GenKeypair()
	require.NoError(t, err)
	squatter, err := crypto.GenKeypair()
	require.NoError(t, err)

	w, err := NewWelcome(owner, "swap:swap_1", "maker channel", time.Now())
	require.NoError(t, err)
	require.NoError(t, w.Check("swap:swap_1", owner.PubHex()))
	require.ErrorIs(t, w.Check("swap:swap_1", squatter.PubHex()), ErrInviteMismatch)
	require.ErrorIs(t, w.Check("swap:other", owner.PubHex()), ErrInviteMismatch)

	fake, err := NewWelcome(squatter, "swap:swap_1", "maker channel", time.Now())
	require.NoError(t, err)
	fake.Payload.OwnerPubKey = owner.PubHex()
	require.ErrorIs(t, fake.Check("swap:swap_1", owner.PubHex()), ErrInvalidSignature)
}
