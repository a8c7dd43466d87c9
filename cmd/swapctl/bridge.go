package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"intercomswap/internal/bridge"
	"intercomswap/internal/httpheaders"
	"intercomswap/internal/peermgr"
	"intercomswap/internal/proto"
	"intercomswap/internal/swap"
)

type bridgeTarget struct {
	url   string
	token string
}

// resolveBridge prefers explicit --url and token flags and falls back to the
// supervised peer's record.
func (e *env) resolveBridge(peer, url, token, tokenFile string) (bridgeTarget, error) {
	if peer != "" {
		st, err := peermgr.New(e.root, "", e.log).Status(peer)
		if err != nil {
			return bridgeTarget{}, err
		}
		if len(st) == 0 {
			return bridgeTarget{}, fmt.Errorf("%w: peer %s", peermgr.ErrMissingState, peer)
		}
		if url == "" {
			url = st[0].SCBridge.URL()
		}
		if token == "" && tokenFile == "" {
			tokenFile = st[0].SCBridge.TokenFile
		}
	}
	if url == "" {
		return bridgeTarget{}, usagef("bridge needs --peer or --url")
	}
	if token == "" && tokenFile != "" {
		data, err := os.ReadFile(filepath.Clean(tokenFile))
		if err != nil {
			return bridgeTarget{}, fmt.Errorf("bridge token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	return bridgeTarget{url: url, token: token}, nil
}

func (e *env) bridge(args []string) error {
	fs := e.flags("bridge")
	peer := fs.String("peer", "", "supervised peer whose bridge to use")
	url := fs.String("url", "", "bridge websocket URL, e.g. ws://127.0.0.1:49222/v1/ws")
	token := fs.String("token", "", "bridge bearer token")
	tokenFile := fs.String("token-file", "", "file holding the bridge token")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return usagef("bridge needs info, stats, rfq, send or watch")
	}
	target, err := e.resolveBridge(*peer, *url, *token, *tokenFile)
	if err != nil {
		return err
	}
	headers, err := httpheaders.Load(e.root)
	if err != nil {
		e.log.Warn(fmt.Sprintf("ignoring http headers: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c, err := bridge.Dial(dialCtx, target.url, bridge.DialOptions{Token: target.token, Headers: headers})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "watch" {
		return e.bridgeWatch(ctx, c, cmdArgs)
	}
	reqCtx, reqCancel := context.WithTimeout(ctx, *timeout)
	defer reqCancel()
	switch cmd {
	case "info":
		info, err := c.Info(reqCtx)
		if err != nil {
			return err
		}
		return e.printJSON(info)
	case "stats":
		st, err := c.Stats(reqCtx)
		if err != nil {
			return err
		}
		return e.printJSON(st)
	case "rfq":
		return e.bridgeRFQ(reqCtx, c, cmdArgs)
	case "send":
		return e.bridgeSend(reqCtx, c, cmdArgs)
	}
	return usagef("unknown bridge command %q", cmd)
}

func (e *env) bridgeRFQ(ctx context.Context, c *bridge.Client, args []string) error {
	fs := e.flags("bridge rfq")
	channel := fs.String("channel", "", "RFQ channel (default: the peer's first RFQ channel)")
	btcSats := fs.Int64("btc-sats", 0, "BTC leg in sats")
	usdt := fs.String("usdt-amount", "", "USDT leg in base units")
	appHash := fs.String("app-hash", "", "application binding hash")
	maxPlatform := fs.Int("max-platform-fee-bps", 50, "highest acceptable platform fee")
	maxTrade := fs.Int("max-trade-fee-bps", 50, "highest acceptable trade fee")
	maxTotal := fs.Int("max-total-fee-bps", 100, "highest acceptable total fee")
	minRefund := fs.Duration("min-refund-window", time.Hour, "shortest acceptable escrow refund window")
	maxRefund := fs.Duration("max-refund-window", 7*24*time.Hour, "longest acceptable escrow refund window")
	ttl := fs.Duration("ttl", 0, "RFQ validity (default: the peer's rfq ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *btcSats <= 0 || *usdt == "" {
		return usagef("bridge rfq needs --btc-sats and --usdt-amount")
	}
	body := proto.RFQBody{
		RFQChannel:            *channel,
		Pair:                  swap.PairBTCLNUSDTSOL,
		Direction:             swap.DirBTCToUSDT,
		AppHash:               *appHash,
		BtcSats:               *btcSats,
		UsdtAmount:            *usdt,
		MaxPlatformFeeBps:     *maxPlatform,
		MaxTradeFeeBps:        *maxTrade,
		MaxTotalFeeBps:        *maxTotal,
		MinSolRefundWindowSec: int64(*minRefund / time.Second),
		MaxSolRefundWindowSec: int64(*maxRefund / time.Second),
	}
	if *ttl > 0 {
		body.ValidUntilUnix = time.Now().Add(*ttl).Unix()
	}
	id, err := c.RequestQuote(ctx, body)
	if err != nil {
		return err
	}
	return e.printJSON(map[string]string{"trade_id": id})
}

func (e *env) bridgeSend(ctx context.Context, c *bridge.Client, args []string) error {
	fs := e.flags("bridge send")
	channel := fs.String("channel", "", "channel to publish on")
	in := fs.String("in", "", "file holding the JSON message (default: --message)")
	msg := fs.String("message", "", "JSON message, or plain text sent as a string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *channel == "" {
		return usagef("bridge send needs --channel")
	}
	var raw []byte
	switch {
	case *in != "":
		data, err := os.ReadFile(filepath.Clean(*in))
		if err != nil {
			return err
		}
		raw = data
	case *msg != "":
		raw = []byte(*msg)
	default:
		return usagef("bridge send needs --in or --message")
	}
	var payload any = json.RawMessage(raw)
	if !json.Valid(raw) {
		payload = string(raw)
	}
	if err := c.Send(ctx, *channel, payload); err != nil {
		return err
	}
	return e.printJSON(map[string]any{"ok": true, "channel": *channel})
}

// bridgeWatch prints events as JSON lines until interrupted or the
// connection drops.
func (e *env) bridgeWatch(ctx context.Context, c *bridge.Client, args []string) error {
	fs := e.flags("bridge watch")
	var channels listFlag
	fs.Var(&channels, "channel", "channel to subscribe to (repeatable)")
	limit := fs.Int("n", 0, "exit after this many events (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(channels) > 0 {
		var list []string
		for _, ch := range channels {
			for _, p := range strings.Split(ch, ",") {
				if p = strings.TrimSpace(p); p != "" {
					list = append(list, p)
				}
			}
		}
		if err := c.Subscribe(ctx, list...); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(e.stdout)
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
			seen++
			if *limit > 0 && seen >= *limit {
				return nil
			}
		}
	}
}
