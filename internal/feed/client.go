package feed

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"nifty-options-bot/internal/metrics"
	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEED CLIENT - broker market-data websocket
// ═══════════════════════════════════════════════════════════════════════════════
//
// Connects to the broker feed, authenticates with the bearer token, decodes
// binary frames, and distributes ticks. Reconnects forever with jittered
// exponential backoff; subscriptions are replayed after every reconnect.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	backoffInitial = 1 * time.Second
	backoffCap     = 30 * time.Second
	backoffJitter  = 0.20
	pingInterval   = 30 * time.Second

	tickBuffer = 4096
)

// Mode is a feed subscription mode.
type Mode string

const (
	ModeLTPC   Mode = "ltpc"
	ModeFull   Mode = "full"
	ModeGreeks Mode = "option_greeks"
	ModeFullD30 Mode = "full_d30"
)

// controlMessage is a client→server frame, JSON over a binary websocket message.
type controlMessage struct {
	GUID   string      `json:"guid"`
	Method string      `json:"method"`
	Data   controlData `json:"data"`
}

type controlData struct {
	InstrumentKeys []string `json:"instrumentKeys"`
	Mode           Mode     `json:"mode"`
}

// Client is the websocket feed client.
type Client struct {
	mu sync.RWMutex

	url   string
	token string

	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	decoder Decoder

	// mode → subscribed keys, replayed on reconnect
	subscriptions map[Mode]map[string]struct{}

	ticks    chan types.Tick
	statusCh chan types.MarketStatus

	// authentication surface for the snapshot
	authErr error
}

// NewClient creates a feed client. Start must be called before ticks flow.
func NewClient(url, token string) *Client {
	return &Client{
		url:           url,
		token:         token,
		stopCh:        make(chan struct{}),
		subscriptions: make(map[Mode]map[string]struct{}),
		ticks:         make(chan types.Tick, tickBuffer),
		statusCh:      make(chan types.MarketStatus, 8),
	}
}

// Ticks returns the stream of decoded ticks.
func (c *Client) Ticks() <-chan types.Tick { return c.ticks }

// MarketStatus returns the stream of market status events.
func (c *Client) MarketStatus() <-chan types.MarketStatus { return c.statusCh }

// Start begins the connection supervision loop.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.connectionLoop()
	log.Info().Msg("📡 Feed client started")
}

// Stop closes the connection and stops reconnecting.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	if c.conn != nil {
		c.conn.Close()
	}
	log.Info().Msg("Feed client stopped")
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// AuthError returns the last authentication failure, nil when healthy.
func (c *Client) AuthError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authErr
}

// Subscribe adds keys under the given mode and sends the control frame if
// connected. Keys are remembered and replayed after reconnects.
func (c *Client) Subscribe(mode Mode, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.mu.Lock()
	set, ok := c.subscriptions[mode]
	if !ok {
		set = make(map[string]struct{})
		c.subscriptions[mode] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil // sent on connect
	}
	return c.sendControl(conn, "sub", mode, keys)
}

// Unsubscribe removes keys and notifies the server.
func (c *Client) Unsubscribe(mode Mode, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.mu.Lock()
	if set, ok := c.subscriptions[mode]; ok {
		for _, k := range keys {
			delete(set, k)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.sendControl(conn, "unsub", mode, keys)
}

// ChangeMode re-subscribes keys under a different mode.
func (c *Client) ChangeMode(mode Mode, keys ...string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return c.sendControl(conn, "change_mode", mode, keys)
}

func (c *Client) sendControl(conn *websocket.Conn, method string, mode Mode, keys []string) error {
	msg := controlMessage{
		GUID:   uuid.NewString(),
		Method: method,
		Data:   controlData{InstrumentKeys: keys, Mode: mode},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Control frames are JSON bytes on a binary message per the feed contract.
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONNECTION SUPERVISION
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) connectionLoop() {
	backoff := backoffInitial
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Error().Err(err).Dur("retry_in", backoff).Msg("Feed connection failed")
			metrics.FeedReconnects.Inc()
			select {
			case <-c.stopCh:
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = backoff * 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		backoff = backoffInitial

		c.readLoop()

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		select {
		case <-c.stopCh:
			return
		case <-time.After(jitter(backoffInitial)):
		}
	}
}

// jitter spreads d by ±20% so reconnect storms decorrelate.
func jitter(d time.Duration) time.Duration {
	f := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

func (c *Client) connect() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.mu.Lock()
			c.authErr = errors.New("TOKEN_EXPIRED")
			c.mu.Unlock()
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.authErr = nil
	c.mu.Unlock()

	log.Info().Msg("🔌 Feed websocket connected")

	go c.pingLoop(conn)
	c.replaySubscriptions(conn)
	return nil
}

func (c *Client) replaySubscriptions(conn *websocket.Conn) {
	c.mu.RLock()
	replay := make(map[Mode][]string, len(c.subscriptions))
	for mode, set := range c.subscriptions {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		replay[mode] = keys
	}
	c.mu.RUnlock()

	for mode, keys := range replay {
		if len(keys) == 0 {
			continue
		}
		if err := c.sendControl(conn, "sub", mode, keys); err != nil {
			log.Warn().Err(err).Str("mode", string(mode)).Msg("Subscription replay failed")
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn
			connected := c.connected
			c.mu.RUnlock()
			if !connected || current != conn {
				return
			}
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Feed read error")
			conn.Close()
			return
		}

		resp, err := c.decoder.Decode(frame)
		if err != nil {
			metrics.FramesDropped.Inc()
			if errors.Is(err, ErrReconnectRequested) {
				log.Error().Msg("Three consecutive malformed frames, forcing reconnect")
				conn.Close()
				return
			}
			log.Warn().Err(err).Msg("Dropped malformed feed frame")
			continue
		}

		if st := resp.Status(); st != nil {
			select {
			case c.statusCh <- *st:
			default:
			}
		}

		for _, tick := range resp.Ticks() {
			metrics.TicksDecoded.Inc()
			select {
			case c.ticks <- tick:
			default:
				// Shed the oldest tick rather than block the socket.
				select {
				case <-c.ticks:
					metrics.TicksShed.Inc()
				default:
				}
				select {
				case c.ticks <- tick:
				default:
				}
			}
		}
	}
}
