package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvDebug turns on debug output and rate-limited diagnostics.
const EnvDebug = "SWAP_DEBUG"

// Options configures New.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	Stderr     io.Writer
}

var (
	mu      sync.RWMutex
	global  *zap.Logger
	level   = zap.NewAtomicLevelAt(zap.InfoLevel)
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

// New builds a JSON logger writing to stderr and, when File is set, to a
// size-rotated file. The returned level can be changed at runtime.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	atom := zap.NewAtomicLevel()
	lvl := opts.Level
	if lvl == "" {
		lvl = "info"
		if enabled() {
			lvl = "debug"
		}
	}
	if err := atom.UnmarshalText([]byte(lvl)); err != nil {
		return nil, atom, fmt.Errorf("log level %q: %w", lvl, err)
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(cfg)

	var errOut io.Writer = os.Stderr
	if opts.Stderr != nil {
		errOut = opts.Stderr
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(errOut), atom)}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 64
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		w := &lumberjack.Logger{Filename: opts.File, MaxSize: maxSize, MaxBackups: backups}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), atom))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), atom, nil
}

// SetGlobal installs l as the backend of Logf and friends.
func SetGlobal(l *zap.Logger, lvl zap.AtomicLevel) {
	mu.Lock()
	global = l
	level = lvl
	mu.Unlock()
}

// L returns the global logger, building a stderr default on first use.
func L() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		l, lvl, err := New(Options{})
		if err != nil {
			l = zap.NewNop()
		}
		global, level = l, lvl
	}
	return global
}

// SetLevel changes the global level, e.g. on config reload.
func SetLevel(s string) error {
	L()
	mu.RLock()
	defer mu.RUnlock()
	return level.UnmarshalText([]byte(s))
}

func Logf(format string, args ...any) {
	L().Sugar().Infof(format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	L().Sugar().Debugf(format, args...)
}

// RateLimitedf logs at most once per interval for key, only in debug mode.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	L().Sugar().Debugf(format, args...)
}
