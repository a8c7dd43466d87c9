package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"intercomswap/internal/config"
	"intercomswap/internal/crypto"
	"intercomswap/internal/daemon"
	"intercomswap/internal/debuglog"
	"intercomswap/internal/lightning"
	"intercomswap/internal/metrics"
	"intercomswap/internal/pprofutil"
	"intercomswap/internal/proto"
	"intercomswap/internal/rfq"
	"intercomswap/internal/sidechannel"
	"intercomswap/internal/swap"
	"intercomswap/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("swapd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgFile := fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("root", "", "state directory (keys, trades, metrics)")
	fs.String("name", "", "peer name")
	fs.String("role", "", "maker, taker, or empty to relay only")
	fs.String("listen", "", "QUIC listen address")
	fs.String("dht-bootstrap", "", "comma-separated peers to dial at start")
	fs.String("subnet-channel", "", "RFQ rendezvous channel")
	fs.String("sidechannels", "", "comma-separated extra channels to join")
	fs.Bool("msb", false, "settlement layer (not supported, recorded only)")
	fs.Bool("price-oracle", false, "price oracle (not supported, recorded only)")
	fs.String("msb-dht-bootstrap", "", "settlement layer bootstrap (recorded only)")
	fs.Bool("sidechannel-pow", true, "require proof of work on frames")
	fs.Int("sidechannel-pow-difficulty", 12, "proof-of-work leading zero bits")
	fs.Bool("sidechannel-welcome-required", false, "require owner welcome on every channel")
	fs.Bool("sidechannel-invite-required", true, "require invites on prefixed channels")
	fs.String("sidechannel-invite-prefixes", "", "comma-separated invite-only channel prefixes")
	fs.String("sidechannel-inviter-keys", "", "comma-separated trusted inviter pubkeys")
	fs.String("bridge-host", "", "SC-Bridge host")
	fs.Int("bridge-port", 0, "SC-Bridge port (0 disables)")
	fs.String("bridge-token", "", "SC-Bridge bearer token")
	fs.String("bridge-token-file", "", "file holding the SC-Bridge token")
	fs.Int("platform-fee-bps", 0, "maker platform fee")
	fs.Int("trade-fee-bps", 0, "maker trade fee")
	fs.Duration("refund-window", 0, "maker escrow refund window")
	fs.Duration("quote-ttl", 0, "maker quote validity")
	fs.String("welcome", "", "maker swap channel welcome text")
	fs.Duration("svc-announce-interval", 0, "maker service announcement interval (0 disables)")
	fs.Bool("auto-accept", false, "taker accepts the first acceptable quote")
	fs.Bool("require-announced", false, "taker ignores quotes from unannounced makers")
	fs.Duration("rfq-ttl", 0, "taker RFQ validity")
	fs.String("ln-network", "", "accepted lightning networks, comma-separated (empty accepts all)")
	fs.Duration("refund-margin", 0, "minimum time before escrow refund at pre-pay")
	fs.Duration("invoice-margin", 0, "minimum time before invoice expiry at pre-pay")
	fs.Bool("tls-insecure", false, "skip QUIC certificate verification")
	fs.String("tls-ca", "", "PEM file pinned for QUIC peers")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-file", "", "also log to this rotated file")
	fs.String("pprof", "", "serve pprof on this loopback address")
	fs.Duration("metrics-interval", 0, "metrics snapshot interval")
	return fs, cfgFile
}

func run(args []string, stdout, stderr io.Writer) int {
	fs, cfgFile := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	loader, err := config.Load(*cfgFile, fs)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	cfg := loader.Config()

	log, level, err := debuglog.New(debuglog.Options{Level: cfg.Log.Level, File: cfg.Log.File, Stderr: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	debuglog.SetGlobal(log, level)
	loader.Watch(func(c *config.Config) {
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			log.Warn("ignore log level", zap.String("level", c.Log.Level), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("log_level", c.Log.Level))
	}, func(err error) {
		log.Warn("config reload rejected", zap.Error(err))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, log, stdout); err != nil {
		log.Error("swapd stopped", zap.Error(err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, stdout io.Writer) error {
	if cfg.MSB || cfg.PriceOracle || len(cfg.MSBDHTBootstrap) > 0 {
		log.Warn("settlement layer and price oracle are not available in swapd; flags recorded only")
	}
	if cfg.Pprof.Addr != "" {
		ps, err := pprofutil.Start(cfg.Pprof.Addr, cfg.Pprof.AllowPublic, log)
		if err != nil {
			return err
		}
		defer func() { _ = ps.Close(context.Background()) }()
	}
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return err
	}
	key, err := crypto.LoadOrCreateKeypair(cfg.Root)
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}
	m := metrics.New()
	mesh, err := transport.NewMesh(transport.MeshConfig{
		ListenAddr:   cfg.Listen,
		Bootstrap:    cfg.DHTBootstrap,
		PubHex:       key.PubHex(),
		Insecure:     cfg.TLS.Insecure,
		DevTLSCAPath: cfg.TLS.CAPath,
		Log:          log,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	opts, err := runnerOptions(cfg, key, mesh, m, log)
	if err != nil {
		_ = mesh.Close()
		return err
	}
	r, err := daemon.NewRunner(opts)
	if err != nil {
		_ = mesh.Close()
		return err
	}
	defer r.Close()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ready) }()
	select {
	case addr := <-ready:
		fmt.Fprintf(stdout, "READY pubkey=%s listen=%s bridge=%s\n", key.PubHex(), mesh.Addr(), addr)
	case err := <-done:
		return err
	}
	return <-done
}

func runnerOptions(cfg *config.Config, key *crypto.Keypair, tr transport.Transport, m *metrics.Metrics, log *zap.Logger) (daemon.Options, error) {
	gate := sidechannel.DefaultConfig()
	gate.PoW = cfg.Sidechannel.PoW
	gate.PoWDifficulty = cfg.Sidechannel.PoWDifficulty
	gate.InviteRequired = cfg.Sidechannel.InviteRequired
	gate.InvitePrefixes = cfg.Sidechannel.InvitePrefixes
	gate.InviterKeys = cfg.Sidechannel.InviterKeys
	gate.WelcomeRequired = cfg.Sidechannel.WelcomeRequired
	if cfg.Sidechannel.PeerRate > 0 {
		gate.PeerRate = cfg.Sidechannel.PeerRate
	}
	if cfg.Sidechannel.PeerBurst > 0 {
		gate.PeerBurst = cfg.Sidechannel.PeerBurst
	}

	var networks []string
	for _, n := range strings.Split(cfg.PrePay.LightningNetwork, ",") {
		if n = strings.TrimSpace(n); n != "" {
			networks = append(networks, n)
		}
	}
	opts := daemon.Options{
		Root:        cfg.Root,
		Name:        cfg.Name,
		Role:        rfq.Role(cfg.Role),
		Key:         key,
		Transport:   tr,
		Gate:        gate,
		RFQChannels: []string{cfg.SubnetChannel},
		Channels:    cfg.Sidechannels,
		QuoteTTL:    cfg.Maker.QuoteTTL,
		RFQTTL:      cfg.Taker.RFQTTL,
		WelcomeText: cfg.Maker.Welcome,
		AutoAccept:  cfg.Taker.AutoAccept,

		RequireAnnounced: cfg.Taker.RequireAnnounced,
		Decoder:          lightning.NewDecoder(networks...),
		Margins: swap.Margins{
			RefundSec:  int64(cfg.PrePay.RefundMargin / time.Second),
			InvoiceSec: int64(cfg.PrePay.InvoiceMargin / time.Second),
		},
		SnapshotInterval: cfg.MetricsInterval,
		Metrics:          m,
		Log:              log,
	}
	if opts.Role == rfq.RoleMaker {
		opts.Policy = rfq.StaticPolicy{
			PlatformFeeBps:  cfg.Maker.PlatformFeeBps,
			TradeFeeBps:     cfg.Maker.TradeFeeBps,
			RefundWindowSec: int64(cfg.Maker.RefundWindow / time.Second),
		}
		if cfg.Maker.AnnounceInterval > 0 {
			opts.AnnounceInterval = cfg.Maker.AnnounceInterval
			opts.Announce = &proto.SvcAnnounceBody{
				Name:        cfg.Name,
				Pairs:       []string{swap.PairBTCLNUSDTSOL},
				RFQChannels: []string{cfg.SubnetChannel},
			}
		}
	}
	if cfg.Bridge.Enabled() {
		token, err := bridgeToken(cfg.Bridge)
		if err != nil {
			return daemon.Options{}, err
		}
		opts.BridgeAddr = net.JoinHostPort(cfg.Bridge.Host, strconv.Itoa(cfg.Bridge.Port))
		opts.BridgeToken = token
	}
	return opts, nil
}

func bridgeToken(b config.Bridge) (string, error) {
	if b.Token != "" {
		return b.Token, nil
	}
	data, err := os.ReadFile(filepath.Clean(b.TokenFile))
	if err != nil {
		return "", fmt.Errorf("bridge token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("bridge token file %s is empty", b.TokenFile)
	}
	return tok, nil
}
