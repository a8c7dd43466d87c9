package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"intercomswap/internal/peermgr"
)

func (e *env) peer(args []string) error {
	if len(args) == 0 {
		return usagef("peer needs start, stop, restart, status or add-inviter-key")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "start":
		return e.peerStart(ctx, args[1:])
	case "stop":
		return e.peerStop(ctx, args[1:])
	case "restart":
		return e.peerRestart(ctx, args[1:])
	case "status":
		return e.peerStatus(args[1:])
	case "add-inviter-key":
		return e.peerAddInviterKey(args[1:])
	}
	return usagef("unknown peer command %q", args[0])
}

func (e *env) manager(binary string) *peermgr.Manager {
	return peermgr.New(e.root, binary, e.log)
}

func (e *env) peerStart(ctx context.Context, args []string) error {
	def := peermgr.DefaultArgs()
	fs := e.flags("peer start")
	binary := fs.String("swapd", "", "swapd executable (default: swapd from PATH)")
	name := fs.String("name", "", "peer name")
	store := fs.String("store", "", "peer store (defaults to the name)")
	host := fs.String("host", peermgr.DefaultHost, "SC-Bridge host")
	port := fs.Int("port", 0, "SC-Bridge port")
	logPath := fs.String("log", "", "peer log file")
	ready := fs.Duration("ready-timeout", peermgr.DefaultReadyTimeout, "wait for the bridge port (negative skips)")
	role := fs.String("role", "", "maker, taker, or empty to relay only")
	listen := fs.String("listen", "", "QUIC listen address")
	subnet := fs.String("subnet-channel", "", "RFQ rendezvous channel")
	msb := fs.Bool("msb", false, "settlement layer (recorded only)")
	oracle := fs.Bool("price-oracle", false, "price oracle (recorded only)")
	pow := fs.Bool("sidechannel-pow", def.SidechannelPoW, "require proof of work")
	powDiff := fs.Int("sidechannel-pow-difficulty", def.SidechannelPoWDifficulty, "proof-of-work bits")
	welcome := fs.Bool("sidechannel-welcome-required", def.SidechannelWelcomeRequired, "require owner welcomes")
	invite := fs.Bool("sidechannel-invite-required", def.SidechannelInviteRequired, "require invites on prefixed channels")
	var channels, bootstrap, msbBootstrap, prefixes, inviters listFlag
	fs.Var(&channels, "sidechannels", "extra channels to join (repeatable, comma lists allowed)")
	fs.Var(&bootstrap, "dht-bootstrap", "peers to dial at start (repeatable)")
	fs.Var(&msbBootstrap, "msb-dht-bootstrap", "settlement layer bootstrap (recorded only)")
	fs.Var(&prefixes, "sidechannel-invite-prefixes", "invite-only channel prefixes (repeatable)")
	fs.Var(&inviters, "sidechannel-inviter-keys", "trusted inviter pubkeys (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *port == 0 {
		return usagef("peer start needs --name and --port")
	}
	if *store == "" {
		*store = *name
	}
	if len(prefixes) == 0 {
		prefixes = def.SidechannelInvitePrefixes
	}

	res, err := e.manager(*binary).Start(ctx, peermgr.StartOptions{
		Name:         *name,
		Store:        *store,
		Host:         *host,
		Port:         *port,
		LogPath:      *logPath,
		ReadyTimeout: *ready,
		Args: peermgr.Args{
			Role:                       *role,
			Listen:                     *listen,
			MSB:                        *msb,
			PriceOracle:                *oracle,
			SubnetChannel:              *subnet,
			DHTBootstrap:               bootstrap,
			MSBDHTBootstrap:            msbBootstrap,
			Sidechannels:               channels,
			SidechannelPoW:             *pow,
			SidechannelPoWDifficulty:   *powDiff,
			SidechannelWelcomeRequired: *welcome,
			SidechannelInviteRequired:  *invite,
			SidechannelInvitePrefixes:  prefixes,
			SidechannelInviterKeys:     inviters,
		},
	})
	if res != nil {
		if perr := e.printJSON(res); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (e *env) peerStop(ctx context.Context, args []string) error {
	fs := e.flags("peer stop")
	name := fs.String("name", "", "peer name")
	kill := fs.Bool("kill", false, "send SIGKILL right away")
	wait := fs.Duration("wait", peermgr.DefaultStopWait, "grace period before SIGKILL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return usagef("peer stop needs --name")
	}
	opts := peermgr.StopOptions{Name: *name, Wait: *wait}
	if *kill {
		opts.Signal = syscall.SIGKILL
	}
	res, err := e.manager("").Stop(ctx, opts)
	if err != nil {
		return err
	}
	return e.printJSON(res)
}

func (e *env) peerRestart(ctx context.Context, args []string) error {
	fs := e.flags("peer restart")
	binary := fs.String("swapd", "", "swapd executable (default: swapd from PATH)")
	name := fs.String("name", "", "peer name")
	wait := fs.Duration("wait", peermgr.DefaultStopWait, "grace period before SIGKILL")
	ready := fs.Duration("ready-timeout", peermgr.DefaultReadyTimeout, "wait for the bridge port (negative skips)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return usagef("peer restart needs --name")
	}
	res, err := e.manager(*binary).Restart(ctx, *name, *wait, *ready)
	if res != nil {
		if perr := e.printJSON(res); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (e *env) peerStatus(args []string) error {
	fs := e.flags("peer status")
	name := fs.String("name", "", "peer name (default: all peers)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := e.manager("").Status(*name)
	if err != nil {
		return err
	}
	return e.printJSON(map[string]any{"peers": st, "checked_at": time.Now().UTC().Format(time.RFC3339)})
}

func (e *env) peerAddInviterKey(args []string) error {
	fs := e.flags("peer add-inviter-key")
	name := fs.String("name", "", "peer name")
	pub := fs.String("pubkey", "", "inviter public key (hex)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *pub == "" {
		return usagef("peer add-inviter-key needs --name and --pubkey")
	}
	key, n, err := e.manager("").AddInviterKey(*name, *pub)
	if err != nil {
		return err
	}
	return e.printJSON(map[string]any{"name": *name, "pubkey": key, "inviter_keys": n, "restart_required": true})
}
