// Package lightning is the narrow view of the Lightning collaborator the swap
// core needs: decoding bolt11 invoices.
package lightning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

var ErrDecode = errors.New("bolt11 decode failed")

// Invoice is the subset of a bolt11 invoice the pre-pay checks consume.
type Invoice struct {
	PaymentHashHex string
	AmountMsat     int64
	HasAmount      bool
	ExpiresAtUnix  int64
	Network        string
}

type Decoder interface {
	DecodeBolt11(bolt11 string) (Invoice, error)
}

// hrpNetworks is ordered so longer prefixes win ("lnbcrt" before "lnbc").
var hrpNetworks = []struct {
	prefix string
	params *chaincfg.Params
}{
	{"lnbcrt", &chaincfg.RegressionNetParams},
	{"lntbs", &chaincfg.SigNetParams},
	{"lnsb", &chaincfg.SimNetParams},
	{"lntb", &chaincfg.TestNet3Params},
	{"lnbc", &chaincfg.MainNetParams},
}

// ZPayDecoder decodes and signature-checks invoices with lnd's zpay32.
type ZPayDecoder struct {
	allowed map[string]bool
}

// NewDecoder accepts invoices for the named networks ("mainnet", "testnet3",
// "regtest", "simnet", "signet"). No names means all of them.
func NewDecoder(networks ...string) *ZPayDecoder {
	d := &ZPayDecoder{}
	if len(networks) > 0 {
		d.allowed = make(map[string]bool, len(networks))
		for _, n := range networks {
			d.allowed[strings.ToLower(strings.TrimSpace(n))] = true
		}
	}
	return d
}

// NetworkForInvoice maps the invoice human readable prefix to chain params.
func NetworkForInvoice(bolt11 string) (*chaincfg.Params, error) {
	s := strings.ToLower(strings.TrimSpace(bolt11))
	s = strings.TrimPrefix(s, "lightning:")
	for _, hn := range hrpNetworks {
		if strings.HasPrefix(s, hn.prefix) {
			return hn.params, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown invoice prefix", ErrDecode)
}

func (d *ZPayDecoder) DecodeBolt11(bolt11 string) (Invoice, error) {
	s := strings.ToLower(strings.TrimSpace(bolt11))
	s = strings.TrimPrefix(s, "lightning:")
	net, err := NetworkForInvoice(s)
	if err != nil {
		return Invoice{}, err
	}
	if d != nil && d.allowed != nil && !d.allowed[net.Name] {
		return Invoice{}, fmt.Errorf("%w: network %s not allowed", ErrDecode, net.Name)
	}
	inv, err := zpay32.Decode(s, net)
	if err != nil {
		return Invoice{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if inv.PaymentHash == nil {
		return Invoice{}, fmt.Errorf("%w: missing payment hash", ErrDecode)
	}
	out := Invoice{
		PaymentHashHex: lntypes.Hash(*inv.PaymentHash).String(),
		ExpiresAtUnix:  inv.Timestamp.Add(inv.Expiry()).Unix(),
		Network:        net.Name,
	}
	if inv.MilliSat != nil {
		out.AmountMsat = int64(*inv.MilliSat)
		out.HasAmount = true
	}
	return out, nil
}

// NormalizePaymentHash validates a 32-byte hex payment hash and lowercases it.
func NormalizePaymentHash(s string) (string, error) {
	h, err := lntypes.MakeHashFromStr(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("bad payment hash: %w", err)
	}
	return h.String(), nil
}
