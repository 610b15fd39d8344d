// Package transport maintains the WebSocket connection to the tick
// feed.
//
// The client owns the full connection lifecycle: dial, subscription
// command writes, a single-threaded read loop that routes binary
// frames through the configured wire decoder into the tick store and
// JSON text frames through the message codec, periodic pings, and
// graceful shutdown. Messages are processed run-to-completion: the
// read loop finishes handling one frame before reading the next, so
// decode and store appends are never re-entered.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chartfeed/internal/tickstore"
	"chartfeed/internal/wire"
)

const (
	// defaultPingPeriod is the interval between keepalive pings.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout bounds WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit caps incoming message size.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout bounds the WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// Errors returned by the transport client.
var (
	// ErrClientShuttingDown indicates the client is shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrNotConnected indicates a send was attempted without an active
	// connection. Subscribe and unsubscribe commands are not queued for
	// replay: server-side subscription state is lost on disconnect, so
	// callers reset their local state instead.
	ErrNotConnected = errors.New("transport not connected")
)

// Config defines settings for the transport client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Decoder parses binary frames. Its configured format decides which
	// of the two wire layouts this transport speaks; the layout is never
	// sniffed from content. Required.
	Decoder *wire.Decoder

	// Store receives every decoded tick. Required.
	Store *tickstore.Store

	// Codec handles JSON text messages; defaults to wire.NewCodec().
	Codec *wire.Codec

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between keepalive pings.
	PingPeriod time.Duration

	// SendTimeout bounds WebSocket write operations.
	SendTimeout time.Duration
}

// Client wraps a websocket.Conn with lifecycle and frame routing
// logic.
type Client struct {
	// conn stores the active *websocket.Conn via atomic operations.
	conn atomic.Value

	// connected tracks whether the connection is currently usable.
	connected atomic.Bool

	// disconnect is closed when the connection is lost.
	disconnect chan struct{}

	// errChan reports the terminal read error.
	errChan chan error

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes data writes; gorilla permits one concurrent
	// writer only.
	sendMu sync.Mutex

	once sync.Once
	wg   sync.WaitGroup
}

// NewClient dials the endpoint and starts the read and ping loops.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("wire decoder is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("tick store is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.NewCodec()
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start transport: %w", err)
	}

	return client, nil
}

// run establishes the connection and starts the background loops.
func (c *Client) run() error {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "transport").
		Logger()

	logger.Info().Stringer("format", c.cfg.Decoder.Format()).Msg("starting transport client")

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	c.conn.Store(conn)
	c.connected.Store(true)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		deadline := time.Now().Add(c.cfg.PingPeriod * 2)
		if err := conn.SetReadDeadline(deadline); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.shutdownListener()
	}()

	return nil
}

// readLoop reads and routes frames until the connection drops. It is
// the transport's single receive handler: one frame is fully decoded
// and appended to the store before the next read.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Info().Msg("starting read loop")
	defer func() {
		logger.Info().Msg("read loop exiting")
		c.connected.Store(false)
		close(c.disconnect)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			logger.Info().Msg("context cancelled, exiting read loop")
			return
		default:
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info().Err(err).Msg("websocket closed normally")
				} else if websocket.IsUnexpectedCloseError(err) {
					logger.Warn().Err(err).Msg("unexpected websocket closure")
				} else {
					logger.Error().Err(err).Msg("read error")
				}

				select {
				case c.errChan <- err:
				default:
					logger.Warn().Err(err).Msg("error channel full, dropping error")
				}
				return
			}

			func() {
				// A panic while handling one frame must not take down the
				// transport loop.
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Any("recover", r).Msg("panic in frame handler")
					}
				}()
				c.handleFrame(messageType, data)
			}()
		}
	}
}

// handleFrame routes one received frame. Malformed frames are dropped
// and logged; they never halt processing of subsequent frames.
func (c *Client) handleFrame(messageType int, data []byte) {
	logger := log.With().Str("component", "transport").Logger()

	switch messageType {
	case websocket.BinaryMessage:
		tick, err := c.cfg.Decoder.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			return
		}
		c.cfg.Store.Append(tick.Symbol, tick)

	case websocket.TextMessage:
		msg, err := c.cfg.Codec.DecodeMessage(data)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping invalid JSON message")
			return
		}
		if tick, ok := c.cfg.Codec.Tick(msg); ok {
			c.cfg.Store.Append(tick.Symbol, tick)
			return
		}
		switch msg.Type {
		case wire.MessageError:
			logger.Warn().Str("detail", msg.Text).Msg("server error message")
		case wire.MessageInfo:
			logger.Info().Str("detail", msg.Text).Msg("server info message")
		default:
			logger.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
		}

	default:
		logger.Debug().Int("messageType", messageType).Msg("ignoring frame type")
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	logger.Info().Dur("period", c.cfg.PingPeriod).Msg("starting ping loop")
	defer logger.Info().Msg("ping loop exiting")

	for {
		select {
		case <-ticker.C:
			connVal := c.conn.Load()
			if connVal == nil {
				continue
			}
			conn := connVal.(*websocket.Conn)

			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.SetWriteDeadline(deadline); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdownListener closes the client when the context is cancelled.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	log.Info().Msg("context cancelled, shutting down transport client")
	c.Close()
}

// Connected reports whether the transport currently holds a usable
// connection. Subscription managers consult this to decide whether an
// unsubscribe needs to be sent at all.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send writes one text payload to the server. Sends while disconnected
// fail with ErrNotConnected and are not queued.
func (c *Client) Send(payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	connVal := c.conn.Load()
	if connVal == nil {
		return ErrNotConnected
	}
	conn := connVal.(*websocket.Conn)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// SendSubscribe issues the SUBSCRIBE command for a symbol.
func (c *Client) SendSubscribe(symbol string) error {
	payload, err := c.cfg.Codec.SubscribeCommand(symbol)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// SendUnsubscribe issues the UNSUBSCRIBE command for a symbol.
func (c *Client) SendUnsubscribe(symbol string) error {
	payload, err := c.cfg.Codec.UnsubscribeCommand(symbol)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Close gracefully shuts down the client. Safe to call more than
// once.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		logger.Info().Msg("initiating graceful shutdown")

		c.cancel()
		c.connected.Store(false)

		if conn := c.conn.Load(); conn != nil {
			if ws, ok := conn.(*websocket.Conn); ok {
				if err := ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				); err != nil {
					logger.Warn().Err(err).Msg("failed to send close frame")
				}
				if err := ws.Close(); err != nil {
					logger.Warn().Err(err).Msg("error closing websocket connection")
				}
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info().Msg("all goroutines completed")
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		logger.Info().Msg("shutdown complete")
	})
}

// dial establishes the WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Logger()

	logger.Info().Msg("attempting websocket connection")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan returns a channel closed when the connection is lost.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel carrying the terminal read error.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
