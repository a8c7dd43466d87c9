// Package httpheaders injects configured HTTP headers into requests by URL
// prefix, so authenticated RPC providers can be reached without baking
// secrets into endpoints.
package httpheaders

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	EnvJSON = "HTTP_HEADERS_JSON"
	EnvFile = "HTTP_HEADERS_FILE"
	// Wildcard matches every URL.
	Wildcard = "*"
)

// DefaultFile is the rules file consulted under root when neither env
// variable is set.
func DefaultFile(root string) string {
	return filepath.Join(root, "onchain", "http", "headers.json")
}

type Rule struct {
	Match   string            `json:"match"`
	Headers map[string]string `json:"headers"`
}

// Rules is ordered shortest match first so more specific prefixes win.
type Rules struct {
	rules []Rule
}

// Load reads rules from HTTP_HEADERS_JSON, else HTTP_HEADERS_FILE, else the
// default file under root. Missing sources give empty rules. Unparseable
// input gives empty rules and the parse error.
func Load(root string) (*Rules, error) {
	if raw := os.Getenv(EnvJSON); raw != "" {
		return parseOrEmpty([]byte(raw), EnvJSON)
	}
	for _, path := range []string{strings.TrimSpace(os.Getenv(EnvFile)), DefaultFile(root)} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return &Rules{}, fmt.Errorf("read %s: %w", path, err)
		}
		return parseOrEmpty(data, path)
	}
	return &Rules{}, nil
}

func parseOrEmpty(data []byte, source string) (*Rules, error) {
	r, err := Parse(data)
	if err != nil {
		return &Rules{}, fmt.Errorf("%s: %w", source, err)
	}
	return r, nil
}

// Parse accepts a prefix map, {"rules":[...]}, or a bare rule array.
func Parse(data []byte) (*Rules, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var rules []Rule
	switch v := raw.(type) {
	case []any:
		rules = ruleList(v)
	case map[string]any:
		if list, ok := v["rules"].([]any); ok {
			rules = ruleList(list)
			break
		}
		for match, headers := range v {
			if match == "rules" {
				continue
			}
			rules = appendRule(rules, match, headers)
		}
	}
	return New(rules...), nil
}

func ruleList(list []any) []Rule {
	var out []Rule
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		match, _ := obj["match"].(string)
		out = appendRule(out, match, obj["headers"])
	}
	return out
}

func appendRule(rules []Rule, match string, headers any) []Rule {
	match = strings.TrimSpace(match)
	if match == "" {
		return rules
	}
	return append(rules, Rule{Match: match, Headers: normalizeHeaders(headers)})
}

func normalizeHeaders(v any) map[string]string {
	out := make(map[string]string)
	obj, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range obj {
		k = strings.TrimSpace(k)
		if k == "" || val == nil {
			continue
		}
		switch x := val.(type) {
		case string:
			out[k] = x
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

// New orders rules by match length. Rules with equal length keep their order.
func New(rules ...Rule) *Rules {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Match) != "" {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Match) < len(out[j].Match) })
	return &Rules{rules: out}
}

func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// For merges the headers of every rule matching url. Later, longer matches
// override earlier ones.
func (r *Rules) For(url string) map[string]string {
	out := make(map[string]string)
	url = strings.TrimSpace(url)
	if r == nil || url == "" {
		return out
	}
	for _, rule := range r.rules {
		if rule.Match != Wildcard && !strings.HasPrefix(url, rule.Match) {
			continue
		}
		for k, v := range rule.Headers {
			out[k] = v
		}
	}
	return out
}

// Header is For as an http.Header.
func (r *Rules) Header(url string) http.Header {
	h := make(http.Header)
	for k, v := range r.For(url) {
		h.Set(k, v)
	}
	return h
}

// Apply sets the matching headers on req, overriding existing values.
func (r *Rules) Apply(req *http.Request) {
	if r == nil || req == nil || req.URL == nil {
		return
	}
	for k, v := range r.For(req.URL.String()) {
		req.Header.Set(k, v)
	}
}

// Transport wraps base so every request carries its matching headers.
func (r *Rules) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return roundTripper{rules: r, base: base}
}

type roundTripper struct {
	rules *Rules
	base  http.RoundTripper
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.rules.Len() == 0 {
		return rt.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	rt.rules.Apply(clone)
	return rt.base.RoundTrip(clone)
}
