// Package bridge exposes a peer's sidechannel to local tools over an
// authenticated websocket (the SC-Bridge).
package bridge

import (
	"context"
	"encoding/json"

	"intercomswap/internal/proto"
)

const (
	OpInfo      = "info"
	OpStats     = "stats"
	OpJoin      = "join"
	OpLeave     = "leave"
	OpSubscribe = "subscribe"
	OpSend      = "send"
	OpRFQ       = "rfq"

	EventSidechannelMessage = "sidechannel_message"
)

type Request struct {
	ID       int64                `json:"id"`
	Op       string               `json:"op"`
	Channel  string               `json:"channel,omitempty"`
	Channels []string             `json:"channels,omitempty"`
	Message  json.RawMessage      `json:"message,omitempty"`
	Invite   *proto.SignedInvite  `json:"invite,omitempty"`
	Welcome  *proto.SignedWelcome `json:"welcome,omitempty"`
	RFQ      *proto.RFQBody       `json:"rfq,omitempty"`
}

type Reply struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type Event struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
}

type Info struct {
	PubKey     string   `json:"pubkey"`
	Name       string   `json:"name,omitempty"`
	Role       string   `json:"role,omitempty"`
	ListenAddr string   `json:"listen_addr,omitempty"`
	Channels   []string `json:"channels"`
}

type Stats struct {
	SidechannelStarted bool     `json:"sidechannelStarted"`
	ConnectionCount    int      `json:"connectionCount"`
	Channels           []string `json:"channels"`
}

// Backend is the peer the bridge controls.
type Backend interface {
	Info() Info
	Stats() Stats
	Join(ctx context.Context, channel string, invite *proto.SignedInvite, welcome *proto.SignedWelcome) error
	Leave(ctx context.Context, channel string) error
	Subscribe(ctx context.Context, channels []string) error
	Send(ctx context.Context, channel string, message json.RawMessage) error
}

// QuoteRequester is implemented by taker backends that broadcast RFQs on
// behalf of bridge clients.
type QuoteRequester interface {
	RequestQuote(ctx context.Context, body proto.RFQBody) (string, error)
}
