package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConfig controls the signaling connection. Zero values get safe
// defaults; production tuning comes from config, not code.
type ClientConfig struct {
	// URL is the full websocket URL for one call attempt, including the
	// session key path segment.
	URL string

	// BearerToken authenticates the connection (sent as a query parameter
	// because browser/native websocket clients cannot set headers).
	BearerToken string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration

	// Reconnect backoff. Attempt-count bounded, not wall-clock bounded; the
	// original behaves the same way.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	// OutboundBuffer bounds messages parked while disconnected.
	OutboundBuffer int
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.PongWait <= 0 {
		out.PongWait = 60 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = (out.PongWait * 9) / 10
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 500 * time.Millisecond
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 10 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 8
	}
	if out.OutboundBuffer <= 0 {
		out.OutboundBuffer = 64
	}
	return out
}

// ErrRetriesExhausted is the terminal connectivity error surfaced after the
// reconnect budget is spent.
var ErrRetriesExhausted = errors.New("signaling: reconnect attempts exhausted")

// ErrBufferFull is returned when the outbound buffer overflows while the
// transport is disconnected.
var ErrBufferFull = errors.New("signaling: outbound buffer full")

// Client is a persistent, bidirectional signaling channel for one call
// attempt. It reconnects with jittered exponential backoff and buffers
// outbound messages while disconnected.
//
// Inbound messages are delivered on Inbound(); a terminal transport failure
// is delivered once on Fatal(). Both channels close when the client stops.
type Client struct {
	cfg  ClientConfig
	log  *slog.Logger
	dial func(ctx context.Context, url string) (wsConn, error)
	rand *rand.Rand

	outbound chan Envelope
	inbound  chan Envelope
	fatal    chan error

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// wsConn is the subset of *websocket.Conn the client uses; tests substitute a
// scripted implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		log:      log,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		outbound: make(chan Envelope, cfg.OutboundBuffer),
		inbound:  make(chan Envelope, cfg.OutboundBuffer),
		fatal:    make(chan error, 1),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.dial = c.dialWebsocket
	return c
}

func (c *Client) dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run connects and serves the channel until ctx is cancelled, Close is
// called, or the reconnect budget is exhausted. It always closes Inbound()
// before returning.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	defer close(c.inbound)

	url := c.cfg.URL
	if c.cfg.BearerToken != "" {
		sep := "?"
		for _, r := range url {
			if r == '?' {
				sep = "&"
				break
			}
		}
		url = url + sep + "token=" + c.cfg.BearerToken
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		conn, err := c.dial(ctx, url)
		if err != nil {
			attempt++
			if attempt >= c.cfg.MaxAttempts {
				c.log.Error("signaling reconnect budget exhausted", "attempts", attempt, "err", err)
				c.fatal <- fmt.Errorf("%w: last error: %v", ErrRetriesExhausted, err)
				return
			}
			wait := c.backoff(attempt)
			c.log.Warn("signaling dial failed, backing off", "attempt", attempt, "wait", wait, "err", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
			continue
		}

		attempt = 0
		c.log.Info("signaling connected", "url", c.cfg.URL)
		c.serve(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
			c.log.Warn("signaling connection lost, reconnecting")
		}
	}
}

// serve pumps one live connection until it breaks.
func (c *Client) serve(ctx context.Context, conn wsConn) {
	readErr := make(chan struct{})

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	go func() {
		defer close(readErr)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.log.Warn("dropping malformed signaling message", "err", err)
				continue
			}
			select {
			case c.inbound <- env:
			case <-c.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case env := <-c.outbound:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("marshal outbound signaling message", "type", env.Type, "err", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Park the message again for the next connection; if the
				// buffer overflowed meanwhile, the re-offer loop covers loss.
				select {
				case c.outbound <- env:
				default:
				}
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-readErr:
			return
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send queues a message. The queue persists across reconnects, so callers
// may send while the transport is down.
func (c *Client) Send(env Envelope) error {
	select {
	case <-c.closed:
		return errors.New("signaling: client closed")
	default:
	}
	select {
	case c.outbound <- env:
		return nil
	default:
		return ErrBufferFull
	}
}

// Inbound delivers parsed messages. Closed when the client stops.
func (c *Client) Inbound() <-chan Envelope { return c.inbound }

// Fatal delivers at most one terminal connectivity error.
func (c *Client) Fatal() <-chan error { return c.fatal }

// Close stops the client. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Done is closed when Run has returned.
func (c *Client) Done() <-chan struct{} { return c.done }

// backoff computes the jittered exponential delay for the given attempt
// (1-based). Jitter is uniform in [wait/2, wait) so synchronized clients
// spread out.
func (c *Client) backoff(attempt int) time.Duration {
	wait := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.cfg.BackoffMax {
			wait = c.cfg.BackoffMax
			break
		}
	}
	half := wait / 2
	return half + time.Duration(c.rand.Int63n(int64(half)+1))
}
