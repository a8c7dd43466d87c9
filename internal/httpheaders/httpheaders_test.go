package httpheaders

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvJSON, "")
	t.Setenv(EnvFile, "")
}

func TestPrefixMapFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvJSON, `{"https://api.example.com/":{"Authorization":"Bearer abc","X-Api-Key":"k1"}}`)
	r, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc", "X-Api-Key": "k1"},
		r.For("https://api.example.com/v1/ticker"))
	assert.Empty(t, r.For("https://other.example.com/v1"))
}

func TestWildcardAndLongerPrefixOverride(t *testing.T) {
	r, err := Parse([]byte(`{"rules":[
		{"match":"https://rpc.example.com/special/","headers":{"Authorization":"Bearer special"}},
		{"match":"*","headers":{"User-Agent":"intercomswap-test"}},
		{"match":"https://rpc.example.com/","headers":{"Authorization":"Bearer base"}}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"User-Agent": "intercomswap-test", "Authorization": "Bearer base"},
		r.For("https://rpc.example.com/"))
	assert.Equal(t, map[string]string{"User-Agent": "intercomswap-test", "Authorization": "Bearer special"},
		r.For("https://rpc.example.com/special/x"))
	assert.Equal(t, map[string]string{"User-Agent": "intercomswap-test"}, r.For("http://elsewhere"))
}

func TestArrayFormatSkipsBadEntries(t *testing.T) {
	r, err := Parse([]byte(`[{"match":"  ","headers":{"A":"1"}},"junk",{"match":"http://x/","headers":{"B":2,"":"x","C":null}}]`))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, map[string]string{"B": "2"}, r.For("http://x/y"))
}

func TestLoadFallsBackToFiles(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	r, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())

	def := DefaultFile(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(def), 0o700))
	require.NoError(t, os.WriteFile(def, []byte(`{"*":{"X-Default":"1"}}`), 0o600))
	r, err = Load(root)
	require.NoError(t, err)
	assert.Equal(t, "1", r.For("http://a")["X-Default"])

	custom := filepath.Join(root, "custom.json")
	require.NoError(t, os.WriteFile(custom, []byte(`{"*":{"X-Custom":"1"}}`), 0o600))
	t.Setenv(EnvFile, custom)
	r, err = Load(root)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Custom": "1"}, r.For("http://a"))
}

func TestLoadInvalidJSONYieldsEmptyRules(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvJSON, `{not json`)
	r, err := Load(t.TempDir())
	require.Error(t, err)
	require.NotNil(t, r)
	assert.Empty(t, r.For("http://a"))
}

func TestTransportInjectsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req.Header.Clone()
	}))
	defer srv.Close()

	r := New(Rule{Match: srv.URL + "/rpc", Headers: map[string]string{"Authorization": "Bearer t"}})
	client := &http.Client{Transport: r.Transport(nil)}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/rpc/v1", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer t", got.Get("Authorization"))
	assert.Empty(t, req.Header.Get("Authorization"), "caller request must not be mutated")

	resp, err = client.Get(srv.URL + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, got.Get("Authorization"))
}
