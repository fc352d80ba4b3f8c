package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"noteflow/internal/domain"
)

// ErrReconnectFailed is surfaced once the reconnect attempt budget is spent.
// The client is terminal at that point; callers should show an offline state
// and require a fresh Connect (typically after re-login).
var ErrReconnectFailed = errors.New("reconnect attempts exhausted")

// ClientState tracks the connection lifecycle for callers that render
// connectivity, e.g. an offline banner.
type ClientState int

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	default:
		return "invalid"
	}
}

// EventHandler receives one change event, in per-connection arrival order.
type EventHandler func(kind domain.EventKind, data json.RawMessage)

// ClientConfig configures a realtime client.
type ClientConfig struct {
	// URL is the gateway endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is the bearer credential presented at connect time. It is not
	// refreshed by the client; a token that expires mid-session makes the
	// next reconnect fail like any other rejected handshake.
	Token string
	// ReconnectAttempts bounds reconnection after a transport drop.
	ReconnectAttempts int
	// ReconnectDelay is the fixed wait between attempts. Not exponential.
	ReconnectDelay time.Duration
	OnEvent        EventHandler
	// OnStateChange is invoked synchronously and in transition order. It
	// must not call back into the Client.
	OnStateChange func(ClientState, error)
	Logger        *logrus.Logger
	Dialer        *websocket.Dialer
}

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
)

// Client holds at most one live gateway connection and re-runs the full
// handshake on every reconnect. It never requests missed events: a gap on
// reconnect is accepted by design.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *logrus.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	state  ClientState
	closed bool
	done   chan struct{}

	// stateMu serializes OnStateChange delivery so callbacks observe
	// transitions in the order the state field was written.
	stateMu sync.Mutex
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Client{
		cfg:    cfg,
		dialer: dialer,
		logger: cfg.Logger,
		state:  ClientDisconnected,
		done:   make(chan struct{}),
	}, nil
}

// Connect performs the initial handshake. A rejected credential is returned
// as an error without retries; retries apply only to drops of an established
// connection. A client that is already connected or reconnecting refuses a
// second Connect; there is at most one live connection per client.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	if c.state != ClientDisconnected {
		c.mu.Unlock()
		return errors.New("client is already connected")
	}
	c.mu.Unlock()

	c.setState(ClientConnecting, nil)

	ws, err := c.dial()
	if err != nil {
		c.setState(ClientDisconnected, err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return errors.New("client is closed")
	}
	c.ws = ws
	c.mu.Unlock()

	c.setState(ClientConnected, nil)
	go c.readLoop(ws)
	return nil
}

// Close tears down the connection and disables reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.setState(ClientDisconnected, nil)
	return nil
}

// State reports the current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) dial() (*websocket.Conn, error) {
	connectURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	query := connectURL.Query()
	query.Set("token", c.cfg.Token)
	connectURL.RawQuery = query.Encode()

	ws, _, err := c.dialer.Dial(connectURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return ws, nil
}

// readLoop dispatches events until the transport drops, then hands off to
// the reconnect loop.
func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.WithError(err).Debug("realtime transport dropped")
			c.reconnect()
			return
		}
		c.dispatch(message)
	}
}

// reconnect re-runs the full handshake with a fixed delay between a bounded
// number of attempts. Exhaustion is terminal and surfaced via OnStateChange.
func (c *Client) reconnect() {
	c.setState(ClientConnecting, nil)

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		ws, err := c.dial()
		if err != nil {
			c.logger.WithError(err).WithField("attempt", attempt).Debug("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		c.setState(ClientConnected, nil)
		go c.readLoop(ws)
		return
	}

	c.setState(ClientDisconnected, ErrReconnectFailed)
}

func (c *Client) dispatch(message []byte) {
	if c.cfg.OnEvent == nil {
		return
	}

	var event struct {
		Kind domain.EventKind `json:"event"`
		Data json.RawMessage  `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		c.logger.WithError(err).Warn("discard malformed realtime frame")
		return
	}

	switch event.Kind {
	case domain.EventNoteCreated, domain.EventNoteUpdated, domain.EventNoteDeleted, domain.EventNotesImported:
		c.cfg.OnEvent(event.Kind, event.Data)
	default:
		c.logger.WithField("event", event.Kind).Debug("ignore unknown realtime event")
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setState writes the state and delivers the callback under stateMu, so a
// Close racing a reconnect cannot deliver Connecting after Disconnected.
// Transitions other than Disconnected are dropped once the client is closed.
func (c *Client) setState(state ClientState, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	if c.closed && state != ClientDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state, err)
	}
}
