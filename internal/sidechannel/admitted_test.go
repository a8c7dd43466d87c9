package sidechannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmittedSetEvictsOldest(t *testing.T) {
	now := testNow
	s, err := NewAdmittedSet("", AdmittedOptions{Cap: 2, Now: func() time.Time { return now }})
	require.NoError(t, err)
	require.NoError(t, s.Mark("c", "a", "", 0))
	require.NoError(t, s.Mark("c", "b", "", 0))
	require.NoError(t, s.Mark("c", "d", "", 0))
	require.False(t, s.Contains("c", "a"))
	require.True(t, s.Contains("c", "b"))
	require.True(t, s.Contains("c", "d"))
	require.Equal(t, 2, s.Len())
}

func TestAdmittedSetExpiry(t *testing.T) {
	now := testNow
	s, err := NewAdmittedSet("", AdmittedOptions{TTL: time.Hour, Now: func() time.Time { return now }})
	require.NoError(t, err)
	require.NoError(t, s.Mark("c", "invite-bound", "id", now.Add(time.Minute).UnixMilli()))
	require.NoError(t, s.Mark("c", "ttl-bound", "", 0))
	now = now.Add(2 * time.Minute)
	require.False(t, s.Contains("c", "invite-bound"))
	require.True(t, s.Contains("c", "ttl-bound"))
	now = now.Add(2 * time.Hour)
	require.False(t, s.Contains("c", "ttl-bound"))
}

func TestAdmittedSetRejectsEmpty(t *testing.T) {
	s, err := NewAdmittedSet("", AdmittedOptions{})
	require.NoError(t, err)
	require.Error(t, s.Mark("", "p", "", 0))
	var nilSet *AdmittedSet
	require.False(t, nilSet.Contains("c", "p"))
	require.Error(t, nilSet.Mark("c", "p", "", 0))
}
