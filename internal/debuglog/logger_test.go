package debuglog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFileAndStderr(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "swapd.log")
	l, _, err := New(Options{Level: "info", File: path, Stderr: &buf})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())
	require.Contains(t, buf.String(), `"msg":"hello"`)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestSetLevelFiltersDebug(t *testing.T) {
	t.Setenv(EnvDebug, "1")
	var buf bytes.Buffer
	l, lvl, err := New(Options{Level: "info", Stderr: &buf})
	require.NoError(t, err)
	SetGlobal(l, lvl)
	t.Cleanup(func() { SetGlobal(nil, lvl) })

	Debugf("hidden %d", 1)
	require.NotContains(t, buf.String(), "hidden")
	require.NoError(t, SetLevel("debug"))
	Debugf("shown %d", 2)
	require.Contains(t, buf.String(), "shown 2")
}

func TestRateLimitedf(t *testing.T) {
	t.Setenv(EnvDebug, "1")
	var buf bytes.Buffer
	l, lvl, err := New(Options{Level: "debug", Stderr: &buf})
	require.NoError(t, err)
	SetGlobal(l, lvl)
	t.Cleanup(func() { SetGlobal(nil, lvl) })

	for i := 0; i < 5; i++ {
		RateLimitedf("drop:pow", time.Hour, "drop pow %d", i)
	}
	require.Equal(t, 1, strings.Count(buf.String(), "drop pow"))
}
