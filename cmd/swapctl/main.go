// swapctl drives swapd peers from the shell: it supervises peer processes,
// talks to a running peer's SC-Bridge and runs the offline swap checks.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"intercomswap/internal/debuglog"
)

var errUsage = errors.New("usage")

const usageText = `usage: swapctl [--root DIR] <command> [flags]

commands:
  peer start|stop|restart|status|add-inviter-key
  bridge info|stats|rfq|send|watch
  keygen          create or show the peer keypair under --dir
  terms-hash      print the canonical hash of a terms envelope
  verify-prepay   check terms, invoice and escrow envelopes before paying
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type env struct {
	root   string
	stdout io.Writer
	stderr io.Writer
	log    *zap.Logger
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("swapctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }
	root := fs.String("root", ".", "directory holding peer state and stores")
	logLevel := fs.String("log-level", "warn", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	log, _, err := debuglog.New(debuglog.Options{Level: *logLevel, Stderr: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "swapctl: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()
	e := &env{root: *root, stdout: stdout, stderr: stderr, log: log}

	switch rest[0] {
	case "peer":
		err = e.peer(rest[1:])
	case "bridge":
		err = e.bridge(rest[1:])
	case "keygen":
		err = e.keygen(rest[1:])
	case "terms-hash":
		err = e.termsHash(rest[1:])
	case "verify-prepay":
		err = e.verifyPrePay(rest[1:])
	case "help":
		fs.Usage()
		return 0
	default:
		fmt.Fprintf(stderr, "swapctl: unknown command %q\n", rest[0])
		fs.Usage()
		return 2
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "swapctl: %v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "swapctl: %v\n", err)
		return 1
	}
}

func (e *env) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("swapctl "+name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// listFlag accumulates repeated flags; each value may itself be a comma list.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}
