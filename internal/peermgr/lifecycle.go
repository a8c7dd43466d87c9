package peermgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type StartOptions struct {
	Name  string
	Store string
	Host  string
	Port  int
	// LogPath defaults to the peer's state log. Relative paths resolve
	// against the manager root.
	LogPath string
	// ReadyTimeout bounds the wait for the bridge port. Zero means
	// DefaultReadyTimeout; negative skips the wait.
	ReadyTimeout time.Duration
	Args         Args
}

type StartResult struct {
	Name           string `json:"name"`
	Store          string `json:"store"`
	PID            int    `json:"pid"`
	Log            string `json:"log"`
	AlreadyRunning bool   `json:"already_running,omitempty"`
	BridgeURL      string `json:"bridge_url,omitempty"`
	TokenFile      string `json:"token_file,omitempty"`
}

type StopResult struct {
	Name   string `json:"name"`
	PID    int    `json:"pid,omitempty"`
	Reason string `json:"reason,omitempty"`
	Signal string `json:"signal,omitempty"`
	Killed bool   `json:"killed,omitempty"`
}

func randomToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// ensureStoreFree fails when another live peer already runs store.
func (m *Manager) ensureStoreFree(name, storeName string) error {
	recs, err := m.records()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Store != storeName || rec.Name == name {
			continue
		}
		if pid := readPID(Paths(m.Root, rec.Name).PID); pid > 0 && alive(pid) {
			return fmt.Errorf("%w: store %q runs under peer %q (pid=%d)", ErrStoreInUse, storeName, rec.Name, pid)
		}
	}
	return nil
}

// Start launches a detached peer. A peer whose pid is still alive is left
// alone and reported as already running.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*StartResult, error) {
	if err := checkID("name", opts.Name); err != nil {
		return nil, err
	}
	if err := checkID("store", opts.Store); err != nil {
		return nil, err
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: bridge port %d", ErrInvalidID, opts.Port)
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if err := m.ensureStoreFree(opts.Name, opts.Store); err != nil {
		return nil, err
	}
	paths := Paths(m.Root, opts.Name)
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return nil, err
	}
	logPath := paths.Log
	if p := strings.TrimSpace(opts.LogPath); p != "" {
		logPath = p
		if !filepath.IsAbs(p) {
			logPath = filepath.Join(m.Root, p)
		}
	}
	if pid := readPID(paths.PID); pid > 0 && alive(pid) {
		return &StartResult{Name: opts.Name, Store: opts.Store, PID: pid, Log: logPath, AlreadyRunning: true}, nil
	}

	tokenFile := TokenFile(m.Root, opts.Store)
	if _, err := ensureToken(tokenFile); err != nil {
		return nil, fmt.Errorf("bridge token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	args := opts.Args.normalized()
	bridge := Bridge{Host: opts.Host, Port: opts.Port, TokenFile: tokenFile}
	argv := m.buildArgv(opts.Name, opts.Store, bridge, args)

	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open peer log: %w", err)
	}
	bin := m.Binary
	if bin == "" {
		bin = "swapd"
	}
	// The child must outlive ctx, so it is not bound to it.
	cmd := exec.Command(bin, argv...)
	cmd.Dir = m.Root
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), m.Env...)
	cmd.SysProcAttr = detachAttr()
	err = cmd.Start()
	_ = out.Close()
	if err != nil {
		return nil, fmt.Errorf("spawn peer %s: %w", opts.Name, err)
	}
	pid := cmd.Process.Pid
	// Reap the child if it exits while this process is still around.
	go func() { _ = cmd.Wait() }()

	if err := writePID(paths.PID, pid); err != nil {
		return nil, err
	}
	rec := &Record{
		V:         recordVersion,
		Name:      opts.Name,
		Store:     opts.Store,
		PID:       pid,
		Log:       logPath,
		StartedAt: m.now().UnixMilli(),
		SCBridge:  bridge,
		Args:      args,
	}
	if err := writeRecord(paths.JSON, rec); err != nil {
		return nil, err
	}
	m.log().Info("peer spawned",
		zap.String("name", opts.Name),
		zap.String("store", opts.Store),
		zap.Int("pid", pid),
		zap.String("log", logPath))

	res := &StartResult{
		Name:      opts.Name,
		Store:     opts.Store,
		PID:       pid,
		Log:       logPath,
		BridgeURL: bridge.URL(),
		TokenFile: tokenFile,
	}
	timeout := opts.ReadyTimeout
	if timeout == 0 {
		timeout = DefaultReadyTimeout
	}
	if timeout > 0 {
		if err := waitTCP(ctx, net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)), timeout); err != nil {
			return res, fmt.Errorf("peer %s (pid=%d): %w", opts.Name, pid, err)
		}
	}
	return res, nil
}

func (m *Manager) buildArgv(name, storeName string, b Bridge, a Args) []string {
	argv := []string{
		"--root", StoreDir(m.Root, storeName),
		"--name", name,
		"--bridge-host", b.Host,
		"--bridge-port", strconv.Itoa(b.Port),
		"--bridge-token-file", b.TokenFile,
		"--msb=" + strconv.FormatBool(a.MSB),
		"--price-oracle=" + strconv.FormatBool(a.PriceOracle),
		"--sidechannel-pow=" + strconv.FormatBool(a.SidechannelPoW),
		"--sidechannel-pow-difficulty", strconv.Itoa(a.SidechannelPoWDifficulty),
		"--sidechannel-welcome-required=" + strconv.FormatBool(a.SidechannelWelcomeRequired),
		"--sidechannel-invite-required=" + strconv.FormatBool(a.SidechannelInviteRequired),
	}
	list := func(flag string, v []string) {
		if len(v) > 0 {
			argv = append(argv, flag, strings.Join(v, ","))
		}
	}
	list("--sidechannels", a.Sidechannels)
	list("--sidechannel-invite-prefixes", a.SidechannelInvitePrefixes)
	list("--sidechannel-inviter-keys", a.SidechannelInviterKeys)
	list("--dht-bootstrap", a.DHTBootstrap)
	list("--msb-dht-bootstrap", a.MSBDHTBootstrap)
	if a.SubnetChannel != "" {
		argv = append(argv, "--subnet-channel", a.SubnetChannel)
	}
	if a.Role != "" {
		argv = append(argv, "--role", a.Role)
	}
	if a.Listen != "" {
		argv = append(argv, "--listen", a.Listen)
	}
	return argv
}

// waitTCP polls addr until it accepts a connection.
func waitTCP(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: tcp://%s after %s", ErrStartupTimeout, addr, timeout)
		case <-ticker.C:
		}
	}
}

type StopOptions struct {
	Name string
	// Signal defaults to SIGTERM. SIGKILL follows when the peer outlives Wait.
	Signal os.Signal
	Wait   time.Duration
}

// Stop signals the peer's process group and removes its pid file. The JSON
// record stays for Restart.
func (m *Manager) Stop(ctx context.Context, opts StopOptions) (*StopResult, error) {
	if err := checkID("name", opts.Name); err != nil {
		return nil, err
	}
	paths := Paths(m.Root, opts.Name)
	pid := readPID(paths.PID)
	if pid == 0 {
		return &StopResult{Name: opts.Name, Reason: "no_pidfile"}, nil
	}
	if !alive(pid) {
		_ = os.Remove(paths.PID)
		return &StopResult{Name: opts.Name, PID: pid, Reason: "not_running"}, nil
	}
	sig := opts.Signal
	if sig == nil {
		sig = termSignal
	}
	if err := signalGroup(pid, sig); err != nil {
		return nil, fmt.Errorf("signal pid=%d: %w", pid, err)
	}
	wait := opts.Wait
	if wait <= 0 {
		wait = DefaultStopWait
	}
	res := &StopResult{Name: opts.Name, PID: pid, Reason: "stopped", Signal: sig.String()}
	if !waitExit(ctx, pid, wait) && sig != killSignal {
		_ = signalGroup(pid, killSignal)
		res.Killed = true
		waitExit(ctx, pid, wait)
	}
	if err := os.Remove(paths.PID); err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, err
	}
	m.log().Info("peer stopped", zap.String("name", opts.Name), zap.Int("pid", pid), zap.Bool("killed", res.Killed))
	return res, nil
}

func waitExit(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(exitPoll)
	defer ticker.Stop()
	for alive(pid) {
		select {
		case <-ctx.Done():
			return !alive(pid)
		case <-deadline.C:
			return !alive(pid)
		case <-ticker.C:
		}
	}
	return true
}

// Restart stops the peer and starts it again with its persisted settings.
func (m *Manager) Restart(ctx context.Context, name string, wait, readyTimeout time.Duration) (*StartResult, error) {
	if err := checkID("name", name); err != nil {
		return nil, err
	}
	paths := Paths(m.Root, name)
	rec, err := readRecord(paths.JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (start the peer first)", ErrMissingState, paths.JSON)
	}
	if _, err := m.Stop(ctx, StopOptions{Name: name, Wait: wait}); err != nil {
		return nil, err
	}
	host := rec.SCBridge.Host
	if host == "" {
		host = DefaultHost
	}
	return m.Start(ctx, StartOptions{
		Name:         name,
		Store:        rec.Store,
		Host:         host,
		Port:         rec.SCBridge.Port,
		LogPath:      rec.Log,
		ReadyTimeout: readyTimeout,
		Args:         rec.Args,
	})
}
