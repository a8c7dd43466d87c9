package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"intercomswap/internal/httpheaders"
	"intercomswap/internal/proto"
)

var ErrClientClosed = errors.New("bridge client closed")

type DialOptions struct {
	Token string
	// Headers adds configured headers for the bridge URL, e.g. for a proxy
	// in front of the bridge.
	Headers    *httpheaders.Rules
	HTTPClient *http.Client
}

// Client speaks the SC-Bridge protocol. Replies are matched to requests by
// id; events are queued on Events and dropped when nobody reads them.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64
	events chan Event

	mu      sync.Mutex
	pending map[int64]chan Reply
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to a bridge websocket URL such as ws://127.0.0.1:49222/v1/ws.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	header := opts.Headers.Header(url)
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", url, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxRequestBytes)
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		events:  make(chan Event, clientQueue),
		pending: make(map[int64]chan Reply),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		var raw json.RawMessage
		if err := wsjson.Read(c.ctx, c.conn, &raw); err != nil {
			c.fail(err)
			return
		}
		var peek struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &peek)
		if peek.Type != "" {
			var ev Event
			if err := json.Unmarshal(raw, &ev); err == nil {
				select {
				case c.events <- ev:
				default:
				}
			}
			continue
		}
		var rep Reply
		if err := json.Unmarshal(raw, &rep); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[rep.ID]
		delete(c.pending, rep.ID)
		c.mu.Unlock()
		if ok {
			ch <- rep
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) Events() <-chan Event { return c.events }

// Call sends req and waits for its reply. A reply with ok=false is returned
// as an error.
func (c *Client) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan Reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	select {
	case rep, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if !rep.OK {
			return nil, fmt.Errorf("%s: %s", req.Op, rep.Error)
		}
		return rep.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func callInto[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var out T
	raw, err := c.Call(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: decode result: %w", req.Op, err)
	}
	return out, nil
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	return callInto[Info](ctx, c, Request{Op: OpInfo})
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	return callInto[Stats](ctx, c, Request{Op: OpStats})
}

func (c *Client) Join(ctx context.Context, channel string, invite *proto.SignedInvite, welcome *proto.SignedWelcome) error {
	_, err := c.Call(ctx, Request{Op: OpJoin, Channel: channel, Invite: invite, Welcome: welcome})
	return err
}

func (c *Client) Leave(ctx context.Context, channel string) error {
	_, err := c.Call(ctx, Request{Op: OpLeave, Channel: channel})
	return err
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	_, err := c.Call(ctx, Request{Op: OpSubscribe, Channels: channels})
	return err
}

// RequestQuote asks a taker peer to broadcast an RFQ and returns its trade id.
func (c *Client) RequestQuote(ctx context.Context, body proto.RFQBody) (string, error) {
	out, err := callInto[map[string]string](ctx, c, Request{Op: OpRFQ, RFQ: &body})
	if err != nil {
		return "", err
	}
	return out["trade_id"], nil
}

// Send publishes message, which is marshaled unless it already is JSON bytes.
func (c *Client) Send(ctx context.Context, channel string, message any) error {
	var raw json.RawMessage
	switch m := message.(type) {
	case json.RawMessage:
		raw = m
	case []byte:
		raw = m
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		raw = b
	}
	_, err := c.Call(ctx, Request{Op: OpSend, Channel: channel, Message: raw})
	return err
}

func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}
