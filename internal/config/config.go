// Package config resolves swapd settings from defaults, an optional config
// file, SWAPD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "SWAPD"

var ErrInvalid = errors.New("invalid config")

type Sidechannel struct {
	PoW             bool     `mapstructure:"pow"`
	PoWDifficulty   int      `mapstructure:"pow_difficulty"`
	WelcomeRequired bool     `mapstructure:"welcome_required"`
	InviteRequired  bool     `mapstructure:"invite_required"`
	InvitePrefixes  []string `mapstructure:"invite_prefixes"`
	InviterKeys     []string `mapstructure:"inviter_keys"`
	PeerRate        float64  `mapstructure:"peer_rate"`
	PeerBurst       int      `mapstructure:"peer_burst"`
}

type Bridge struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

func (b Bridge) Enabled() bool { return b.Port > 0 }

type Maker struct {
	PlatformFeeBps   int           `mapstructure:"platform_fee_bps"`
	TradeFeeBps      int           `mapstructure:"trade_fee_bps"`
	RefundWindow     time.Duration `mapstructure:"refund_window"`
	QuoteTTL         time.Duration `mapstructure:"quote_ttl"`
	Welcome          string        `mapstructure:"welcome"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
}

type Taker struct {
	AutoAccept       bool          `mapstructure:"auto_accept"`
	RequireAnnounced bool          `mapstructure:"require_announced"`
	RFQTTL           time.Duration `mapstructure:"rfq_ttl"`
}

type PrePay struct {
	LightningNetwork string        `mapstructure:"lightning_network"`
	RefundMargin     time.Duration `mapstructure:"refund_margin"`
	InvoiceMargin    time.Duration `mapstructure:"invoice_margin"`
}

type TLS struct {
	Insecure bool   `mapstructure:"insecure"`
	CAPath   string `mapstructure:"ca_path"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Pprof struct {
	Addr        string `mapstructure:"addr"`
	AllowPublic bool   `mapstructure:"allow_public"`
}

// Config is everything swapd needs to run one peer.
type Config struct {
	Root          string   `mapstructure:"root"`
	Name          string   `mapstructure:"name"`
	Role          string   `mapstructure:"role"`
	Listen        string   `mapstructure:"listen"`
	DHTBootstrap  []string `mapstructure:"dht_bootstrap"`
	SubnetChannel string   `mapstructure:"subnet_channel"`
	Sidechannels  []string `mapstructure:"sidechannels"`
	// The settlement-layer and price-oracle switches are accepted so that
	// supervised launches keep their arguments; swapd does not act on them.
	MSB             bool     `mapstructure:"msb"`
	PriceOracle     bool     `mapstructure:"price_oracle"`
	MSBDHTBootstrap []string `mapstructure:"msb_dht_bootstrap"`

	Sidechannel     Sidechannel   `mapstructure:"sidechannel"`
	Bridge          Bridge        `mapstructure:"bridge"`
	Maker           Maker         `mapstructure:"maker"`
	Taker           Taker         `mapstructure:"taker"`
	PrePay          PrePay        `mapstructure:"prepay"`
	TLS             TLS           `mapstructure:"tls"`
	Log             Log           `mapstructure:"log"`
	Pprof           Pprof         `mapstructure:"pprof"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

var defaults = map[string]any{
	"root":              ".swapd",
	"name":              "swapd",
	"role":              "",
	"listen":            "127.0.0.1:4433",
	"dht_bootstrap":     []string{},
	"subnet_channel":    "0000intercomswap",
	"sidechannels":      []string{},
	"msb":               false,
	"price_oracle":      false,
	"msb_dht_bootstrap": []string{},

	"sidechannel.pow":              true,
	"sidechannel.pow_difficulty":   12,
	"sidechannel.welcome_required": false,
	"sidechannel.invite_required":  true,
	"sidechannel.invite_prefixes":  []string{"swap:"},
	"sidechannel.inviter_keys":     []string{},
	"sidechannel.peer_rate":        20.0,
	"sidechannel.peer_burst":       40,

	"bridge.host":       "127.0.0.1",
	"bridge.port":       0,
	"bridge.token":      "",
	"bridge.token_file": "",

	"maker.platform_fee_bps":  10,
	"maker.trade_fee_bps":     10,
	"maker.refund_window":     72 * time.Hour,
	"maker.quote_ttl":         time.Minute,
	"maker.welcome":           "",
	"maker.announce_interval": time.Duration(0),

	"taker.auto_accept":       false,
	"taker.require_announced": false,
	"taker.rfq_ttl":           time.Minute,

	"prepay.lightning_network": "",
	"prepay.refund_margin":     10 * time.Minute,
	"prepay.invoice_margin":    time.Minute,

	"tls.insecure": false,
	"tls.ca_path":  "",

	"log.level": "info",
	"log.file":  "",

	"pprof.addr":         "",
	"pprof.allow_public": false,

	"metrics_interval": time.Second,
}

// flagKeys maps command-line flag names onto config keys. Flags not listed
// use their own name.
var flagKeys = map[string]string{
	"config":                       "",
	"dht-bootstrap":                "dht_bootstrap",
	"subnet-channel":               "subnet_channel",
	"price-oracle":                 "price_oracle",
	"msb-dht-bootstrap":            "msb_dht_bootstrap",
	"sidechannel-pow":              "sidechannel.pow",
	"sidechannel-pow-difficulty":   "sidechannel.pow_difficulty",
	"sidechannel-welcome-required": "sidechannel.welcome_required",
	"sidechannel-invite-required":  "sidechannel.invite_required",
	"sidechannel-invite-prefixes":  "sidechannel.invite_prefixes",
	"sidechannel-inviter-keys":     "sidechannel.inviter_keys",
	"bridge-host":                  "bridge.host",
	"bridge-port":                  "bridge.port",
	"bridge-token":                 "bridge.token",
	"bridge-token-file":            "bridge.token_file",
	"platform-fee-bps":             "maker.platform_fee_bps",
	"trade-fee-bps":                "maker.trade_fee_bps",
	"refund-window":                "maker.refund_window",
	"quote-ttl":                    "maker.quote_ttl",
	"welcome":                      "maker.welcome",
	"svc-announce-interval":        "maker.announce_interval",
	"auto-accept":                  "taker.auto_accept",
	"require-announced":            "taker.require_announced",
	"rfq-ttl":                      "taker.rfq_ttl",
	"ln-network":                   "prepay.lightning_network",
	"refund-margin":                "prepay.refund_margin",
	"invoice-margin":               "prepay.invoice_margin",
	"tls-insecure":                 "tls.insecure",
	"tls-ca":                       "tls.ca_path",
	"log-level":                    "log.level",
	"log-file":                     "log.file",
	"pprof":                        "pprof.addr",
	"metrics-interval":             "metrics_interval",
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Loader owns the viper instance behind a Config so the file can be watched.
// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 100 * time.Millisecond

type Loader struct {
	v     *viper.Viper
	file  string
	flags map[string]string

	mu   sync.RWMutex
	cfg  *Config
	data []byte

	reloadMu sync.Mutex
	timer    *time.Timer
}

// Load resolves the config. file may be empty. Only flags that were set on fs
// override other sources; fs may be nil.
func Load(file string, fs *flag.FlagSet) (*Loader, error) {
	overrides := map[string]string{}
	if fs != nil {
		fs.Visit(func(f *flag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok {
				key = f.Name
			}
			if key == "" {
				return
			}
			overrides[key] = f.Value.String()
		})
	}
	var data []byte
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	v, err := newViper(file, data, overrides)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, file: file, flags: overrides, cfg: cfg, data: data}, nil
}

// newViper layers defaults, env, the file contents and flag overrides.
func newViper(file string, data []byte, overrides map[string]string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, file, err)
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.DHTBootstrap = splitList(cfg.DHTBootstrap)
	cfg.Sidechannels = splitList(cfg.Sidechannels)
	cfg.MSBDHTBootstrap = splitList(cfg.MSBDHTBootstrap)
	cfg.Sidechannel.InvitePrefixes = splitList(cfg.Sidechannel.InvitePrefixes)
	cfg.Sidechannel.InviterKeys = splitList(cfg.Sidechannel.InviterKeys)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList also splits entries that still carry commas, as env vars and
// flags do.
func splitList(in []string) []string {
	out := []string{}
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch reloads the config file on change and passes every valid new config
// to onChange. Each reload starts from a fresh viper over the file as it is
// once writes settle; an empty file is a save in progress and is skipped. It
// does nothing without a config file.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		l.reloadMu.Lock()
		defer l.reloadMu.Unlock()
		if l.timer != nil {
			l.timer.Stop()
		}
		l.timer = time.AfterFunc(reloadDelay, func() { l.reload(onChange, onError) })
	})
	l.v.WatchConfig()
}

func (l *Loader) reload(onChange func(*Config), onError func(error)) {
	l.mu.Lock()
	data, err := os.ReadFile(l.file)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(bytes.TrimSpace(data)) == 0) {
		l.mu.Unlock()
		return
	}
	if err == nil && bytes.Equal(data, l.data) {
		l.mu.Unlock()
		return
	}
	var cfg *Config
	if err == nil {
		var v *viper.Viper
		if v, err = newViper(l.file, data, l.flags); err == nil {
			cfg, err = decode(v)
		}
	}
	if err != nil {
		l.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return
	}
	l.cfg, l.data = cfg, data
	l.mu.Unlock()
	if onChange != nil {
		onChange(cfg)
	}
}

func (c *Config) Validate() error {
	if !nameRe.MatchString(c.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalid, c.Name)
	}
	switch c.Role {
	case "", "maker", "taker":
	default:
		return fmt.Errorf("%w: role %q (want maker, taker or empty)", ErrInvalid, c.Role)
	}
	if c.Root == "" {
		return fmt.Errorf("%w: empty root", ErrInvalid)
	}
	if c.SubnetChannel == "" {
		return fmt.Errorf("%w: empty subnet channel", ErrInvalid)
	}
	if d := c.Sidechannel.PoWDifficulty; c.Sidechannel.PoW && (d < 1 || d > 32) {
		return fmt.Errorf("%w: pow difficulty %d", ErrInvalid, d)
	}
	if p := c.Bridge.Port; p < 0 || p > 65535 {
		return fmt.Errorf("%w: bridge port %d", ErrInvalid, p)
	}
	if c.Bridge.Enabled() && c.Bridge.Token == "" && c.Bridge.TokenFile == "" {
		return fmt.Errorf("%w: bridge needs a token or token file", ErrInvalid)
	}
	for name, bps := range map[string]int{
		"platform_fee_bps": c.Maker.PlatformFeeBps,
		"trade_fee_bps":    c.Maker.TradeFeeBps,
	} {
		if bps < 0 || bps > 10_000 {
			return fmt.Errorf("%w: %s %d", ErrInvalid, name, bps)
		}
	}
	if c.Role == "maker" && c.Maker.RefundWindow <= 0 {
		return fmt.Errorf("%w: refund window must be positive", ErrInvalid)
	}
	return nil
}
