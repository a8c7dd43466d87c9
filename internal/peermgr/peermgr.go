// Package peermgr supervises swapd peers as detached OS processes. The pid
// file and JSON record under <root>/onchain/peers are the source of truth;
// nothing is kept in memory between calls.
package peermgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"intercomswap/internal/store"
)

var (
	ErrStoreInUse     = errors.New("peer store in use")
	ErrMissingState   = errors.New("missing peer state")
	ErrStartupTimeout = errors.New("peer startup timeout")
	ErrInvalidID      = errors.New("invalid peer id")
	ErrInvalidPubKey  = errors.New("invalid pubkey")
)

const (
	recordVersion       = 1
	DefaultHost         = "127.0.0.1"
	DefaultReadyTimeout = 15 * time.Second
	DefaultStopWait     = 2 * time.Second
	DefaultPoWDiff      = 12
	DefaultInvitePrefix = "swap:"

	readyPoll = 150 * time.Millisecond
	exitPoll  = 100 * time.Millisecond
)

var (
	safeIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	unsafeRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	pubKeyRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

func checkID(label, v string) error {
	if !safeIDRe.MatchString(v) {
		return fmt.Errorf("%w: %s must match %s (got %q)", ErrInvalidID, label, safeIDRe, v)
	}
	return nil
}

func safeName(s string) string {
	return unsafeRe.ReplaceAllString(s, "_")
}

// Args are the launch settings persisted with a peer and replayed on
// restart.
type Args struct {
	Role                       string   `json:"role,omitempty"`
	Listen                     string   `json:"listen,omitempty"`
	MSB                        bool     `json:"msb"`
	PriceOracle                bool     `json:"price_oracle"`
	SubnetChannel              string   `json:"subnet_channel,omitempty"`
	DHTBootstrap               []string `json:"dht_bootstrap"`
	MSBDHTBootstrap            []string `json:"msb_dht_bootstrap"`
	Sidechannels               []string `json:"sidechannels"`
	SidechannelPoW             bool     `json:"sidechannel_pow"`
	SidechannelPoWDifficulty   int      `json:"sidechannel_pow_difficulty"`
	SidechannelWelcomeRequired bool     `json:"sidechannel_welcome_required"`
	SidechannelInviteRequired  bool     `json:"sidechannel_invite_required"`
	SidechannelInvitePrefixes  []string `json:"sidechannel_invite_prefixes"`
	SidechannelInviterKeys     []string `json:"sidechannel_inviter_keys"`
}

// DefaultArgs returns the settings a peer starts with when nothing is given.
func DefaultArgs() Args {
	return Args{
		SidechannelPoW:            true,
		SidechannelPoWDifficulty:  DefaultPoWDiff,
		SidechannelInviteRequired: true,
		SidechannelInvitePrefixes: []string{DefaultInvitePrefix},
	}
}

func (a Args) normalized() Args {
	a.SubnetChannel = strings.TrimSpace(a.SubnetChannel)
	a.DHTBootstrap = cleanList(a.DHTBootstrap)
	a.MSBDHTBootstrap = cleanList(a.MSBDHTBootstrap)
	a.Sidechannels = cleanList(a.Sidechannels)
	a.SidechannelInvitePrefixes = cleanList(a.SidechannelInvitePrefixes)
	a.SidechannelInviterKeys = cleanList(a.SidechannelInviterKeys)
	if a.SidechannelPoWDifficulty <= 0 {
		a.SidechannelPoWDifficulty = DefaultPoWDiff
	}
	return a
}

// cleanList trims entries, splits comma lists and drops empties. The result
// is never nil so records always carry arrays.
func cleanList(in []string) []string {
	out := []string{}
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

type Bridge struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	TokenFile string `json:"token_file"`
}

func (b Bridge) URL() string {
	return "ws://" + b.Host + ":" + strconv.Itoa(b.Port) + "/v1/ws"
}

// Record is the persisted description of a managed peer.
type Record struct {
	V         int    `json:"v"`
	Name      string `json:"name"`
	Store     string `json:"store"`
	PID       int    `json:"pid"`
	Log       string `json:"log"`
	StartedAt int64  `json:"started_at"`
	SCBridge  Bridge `json:"sc_bridge"`
	Args      Args   `json:"args"`
}

type StatePaths struct {
	Dir  string
	JSON string
	PID  string
	Log  string
}

func Paths(root, name string) StatePaths {
	dir := filepath.Join(root, "onchain", "peers")
	safe := safeName(name)
	return StatePaths{
		Dir:  dir,
		JSON: filepath.Join(dir, safe+".json"),
		PID:  filepath.Join(dir, safe+".pid"),
		Log:  filepath.Join(dir, safe+".log"),
	}
}

// TokenFile is where the bridge token for a store lives.
func TokenFile(root, store string) string {
	return filepath.Join(root, "onchain", "sc-bridge", safeName(store)+".token")
}

// StoreDir is the data directory a peer with the given store runs in.
func StoreDir(root, store string) string {
	return filepath.Join(root, "onchain", "stores", safeName(store))
}

// Manager starts and stops peers rooted at Root.
type Manager struct {
	Root string
	// Binary is the swapd executable. Empty means "swapd" from PATH.
	Binary string
	// Env is appended to the inherited environment of spawned peers.
	Env []string
	Log *zap.Logger
	Now func() time.Time
}

func New(root, binary string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{Root: root, Binary: binary, Log: log, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &rec, nil
}

func writeRecord(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// readPID returns 0 when the pid file is missing or unreadable.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// records lists every readable record in the state dir, sorted by name.
func (m *Manager) records() ([]*Record, error) {
	dir := Paths(m.Root, "x").Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, e.Name()))
		if err != nil || rec.Name == "" {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ensureToken returns the bridge token for a store, creating it once.
func ensureToken(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		tok, err := randomToken()
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
			return "", err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("empty bridge token file %s", path)
	}
	return tok, nil
}

// AddInviterKey appends pubkey to the peer's persisted inviter keys. It takes
// effect on the next restart.
func (m *Manager) AddInviterKey(name, pubkey string) (string, int, error) {
	if err := checkID("name", name); err != nil {
		return "", 0, err
	}
	key := strings.ToLower(strings.TrimSpace(pubkey))
	if !pubKeyRe.MatchString(key) {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidPubKey, pubkey)
	}
	paths := Paths(m.Root, name)
	rec, err := readRecord(paths.JSON)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrMissingState, paths.JSON)
	}
	var keys []string
	for _, k := range rec.Args.SidechannelInviterKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	found := false
	for _, k := range keys {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		keys = append(keys, key)
	}
	rec.Args.SidechannelInviterKeys = keys
	if err := writeRecord(paths.JSON, rec); err != nil {
		return "", 0, err
	}
	return key, len(keys), nil
}

// PeerStatus is a read-only view of one managed peer.
type PeerStatus struct {
	Name      string `json:"name"`
	Store     string `json:"store"`
	PID       int    `json:"pid,omitempty"`
	Alive     bool   `json:"alive"`
	Log       string `json:"log,omitempty"`
	SCBridge  Bridge `json:"sc_bridge"`
	Args      Args   `json:"args"`
	StartedAt int64  `json:"started_at,omitempty"`
}

// Status reports every managed peer, or only name when it is set.
func (m *Manager) Status(name string) ([]PeerStatus, error) {
	recs, err := m.records()
	if err != nil {
		return nil, err
	}
	out := []PeerStatus{}
	for _, rec := range recs {
		if name != "" && rec.Name != name {
			continue
		}
		pid := readPID(Paths(m.Root, rec.Name).PID)
		out = append(out, PeerStatus{
			Name:      rec.Name,
			Store:     rec.Store,
			PID:       pid,
			Alive:     pid > 0 && alive(pid),
			Log:       rec.Log,
			SCBridge:  rec.SCBridge,
			Args:      rec.Args,
			StartedAt: rec.StartedAt,
		})
	}
	return out, nil
}
