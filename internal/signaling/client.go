package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is the period of liveness pings to the relay.
const DefaultHeartbeatInterval = 15 * time.Second

const writeWait = 5 * time.Second

// Handler callbacks for channel events. They run on the read goroutine.
type Handler struct {
	OnIdentity   func(info IdentityInfo)
	OnMessage    func(in Inbound)
	OnDisconnect func(err error)
}

// Options tune a Client. Zero values select defaults.
type Options struct {
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Clock             clock.Clock
	Logger            zerolog.Logger
}

// Client is the duplex websocket channel to the relay.
type Client struct {
	url     string
	handler Handler
	opts    Options
	log     zerolog.Logger

	id  identity
	seq atomic.Uint64

	mu   sync.Mutex // guards conn; serializes writes
	conn *websocket.Conn
}

// NewClient creates a signaling client. Connect must be called to open it.
func NewClient(url string, handler Handler, opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Client{
		url:     url,
		handler: handler,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "signaling").Logger(),
	}
}

// Connect dials the relay and starts the read and heartbeat loops.
// The channel becomes available once the relay assigns an identity.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("signaling: already connected")
	}
	c.mu.Unlock()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("signaling dial: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return errors.New("signaling: already connected")
	}
	c.id.reset()
	c.conn = conn
	done := make(chan struct{})
	c.mu.Unlock()

	c.log.Info().Str("url", c.url).Msg("connected")
	go c.readLoop(conn, done)
	go c.pingLoop(done)
	return nil
}

// Close shuts down the connection. The channel is unavailable as soon as
// Close returns. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.id.reset()
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return conn.Close()
}

// Available reports whether the connection is open and the local identity is known.
func (c *Client) Available() bool {
	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	_, known := c.id.get()
	return open && known
}

// LocalID returns the identity assigned by the relay for this connection.
func (c *Client) LocalID() (string, bool) {
	info, ok := c.id.get()
	return info.TempID, ok
}

// Identity returns the full identity payload for this connection.
func (c *Client) Identity() (IdentityInfo, bool) {
	return c.id.get()
}

// Send writes env, stamping its sequence number. It fails with
// ErrChannelUnavailable when the connection is not open.
func (c *Client) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrChannelUnavailable
	}
	env.Seq = c.seq.Add(1)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("signaling write: %w", err)
	}
	return nil
}

// SendSignaling sends a typed message to the peer with id to. It requires
// the local identity to be known.
func (c *Client) SendSignaling(to string, t Type, content any) error {
	myID, ok := c.LocalID()
	if !ok {
		return ErrChannelUnavailable
	}
	msg, err := NewMessage(t, content)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	if err := c.Send(Envelope{Action: ActionMessage, Data: data, From: myID, To: to}); err != nil {
		return err
	}
	c.log.Debug().Str("type", string(t)).Str("to", to).Msg("send")
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var cause error
	defer func() { c.teardown(conn, done, cause) }()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info().Msg("disconnected")
			} else {
				c.log.Warn().Err(err).Msg("read error")
			}
			cause = err
			return
		}
		c.dispatch(conn, env)
	}
}

func (c *Client) teardown(conn *websocket.Conn, done chan struct{}, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.id.reset()
	}
	close(done)
	c.mu.Unlock()

	conn.Close()
	if c.handler.OnDisconnect != nil {
		c.handler.OnDisconnect(cause)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, env Envelope) {
	switch env.Action {
	case ActionIdentity:
		var info IdentityInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			c.log.Warn().Err(err).Msg("bad identity payload")
			return
		}
		if !c.current(conn) {
			return
		}
		if !c.id.assign(info) {
			c.log.Debug().Str("id", info.TempID).Msg("identity already assigned, ignoring")
			return
		}
		c.log.Info().Str("id", info.TempID).Str("server_version", info.ServerVersion).Msg("identity assigned")
		if c.handler.OnIdentity != nil {
			c.handler.OnIdentity(info)
		}
	case ActionMessage:
		var msg Message
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.Type == "" {
			c.log.Warn().Err(err).Uint64("seq", env.Seq).Msg("dropping malformed message")
			return
		}
		c.log.Debug().Str("type", string(msg.Type)).Str("from", env.From).Uint64("seq", env.Seq).Msg("receive")
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(Inbound{Message: msg, From: env.From, Seq: env.Seq})
		}
	case ActionHeartbeat:
		// relay echo, nothing to do
	default:
		c.log.Debug().Str("action", env.Action).Msg("unknown action")
	}
}

// current reports whether conn is still the client's open connection.
func (c *Client) current(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Client) pingLoop(done chan struct{}) {
	ticker := c.opts.Clock.Ticker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Send(Envelope{Action: ActionHeartbeat}); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}
