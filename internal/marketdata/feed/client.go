// Package feed keeps one instrument's websocket subscription alive.
//
// Each session dials the feed, backfills recent candles, then streams live
// ticks into a Handler until the connection fails. The client reconnects with
// jittered exponential backoff and re-runs the backfill every time.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"patternwatch/internal/model"
)

// State is the lifecycle stage of the feed connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Backfilling
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Backfilling:
		return "backfilling"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Malformed reasons reported through OnMalformed.
const (
	MalformedDecode     = "decode"
	MalformedTick       = "tick"
	MalformedCandle     = "candle"
	MalformedErrorReply = "error_reply"
)

// Handler receives decoded feed data. *agg.Aggregator implements it.
type Handler interface {
	HandleHistory(candles []model.Candle) int
	HandleTick(t model.Tick) bool
}

// Config holds the connection parameters for one instrument.
type Config struct {
	URL         string
	Instrument  string
	Granularity int64 // seconds
	Count       int   // candles requested on backfill

	DialTimeout     time.Duration // default 10s
	LivenessTimeout time.Duration // max silence on the socket, default 30s
	WriteTimeout    time.Duration // default 5s
	PingInterval    time.Duration // 0 disables keep-alive pings
	BackoffBase     time.Duration // default 1s
	BackoffMax      time.Duration // default 60s
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Count <= 0 {
		c.Count = 100
	}
}

// Client runs the connect/backfill/stream loop for one instrument.
type Client struct {
	cfg    Config
	h      Handler
	log    *slog.Logger
	dialer *websocket.Dialer

	state    atomic.Int32
	sessions atomic.Uint64

	// Optional hooks, set before Run.
	OnStateChange func(from, to State)
	OnMalformed   func(reason string)
	OnReconnect   func(err error, delay time.Duration)
	OnBackfill    func(received, added int)
}

// New validates cfg and returns a Client feeding h.
func New(cfg Config, h Handler, log *slog.Logger) (*Client, error) {
	if cfg.Instrument == "" {
		return nil, errors.New("feed: instrument is required")
	}
	if cfg.Granularity <= 0 {
		return nil, fmt.Errorf("feed: granularity must be > 0, got %d", cfg.Granularity)
	}
	if cfg.URL == "" {
		return nil, errors.New("feed: url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("feed: invalid url: %w", err)
	}
	if h == nil {
		return nil, errors.New("feed: handler is required")
	}
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg: cfg,
		h:   h,
		log: log.With(slog.String("component", "feed"), slog.String("instrument", cfg.Instrument)),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Sessions returns how many connections have been established.
func (c *Client) Sessions() uint64 { return c.sessions.Load() }

// Run blocks until ctx is cancelled, reconnecting on every failure.
// It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	bo := newBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax, time.Now().UnixNano())

	for {
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return nil
		}

		streamed, err := c.session(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}
		if streamed {
			bo.Reset()
		}

		delay := bo.Next()
		c.log.Warn("feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		if c.OnReconnect != nil {
			c.OnReconnect(err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection to completion. streamed reports whether it
// reached Streaming, which resets the backoff.
func (c *Client) session(ctx context.Context) (streamed bool, err error) {
	c.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("feed: dial: %w", err)
	}
	c.sessions.Add(1)
	c.log.Info("feed connected", slog.String("url", c.cfg.URL))

	conn := &conn{ws: ws, writeTimeout: c.cfg.WriteTimeout, readTimeout: c.cfg.LivenessTimeout}

	sessCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()

	// Unblocks the reader when the session ends or ctx is cancelled.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}()

	if c.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(sessCtx, conn)
		}()
	}

	c.setState(Backfilling)
	if err := c.backfill(conn); err != nil {
		return false, err
	}

	if err := conn.writeJSON(subscribeRequest{Ticks: c.cfg.Instrument, Subscribe: 1}); err != nil {
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	c.setState(Streaming)

	return true, c.stream(conn)
}

func (c *Client) backfill(conn *conn) error {
	req := historyRequest{
		TicksHistory: c.cfg.Instrument,
		Style:        "candles",
		Granularity:  c.cfg.Granularity,
		Count:        c.cfg.Count,
		End:          "latest",
	}
	if err := conn.writeJSON(req); err != nil {
		return fmt.Errorf("feed: history request: %w", err)
	}

	for {
		raw, err := conn.read()
		if err != nil {
			return fmt.Errorf("feed: awaiting history: %w", err)
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			c.malformed(MalformedDecode, err)
			continue
		}
		switch msg.kind {
		case kindError:
			return fmt.Errorf("feed: history: %w", msg.err)
		case kindCandles:
			if msg.dropped > 0 {
				c.malformed(MalformedCandle, fmt.Errorf("%d candles without epoch", msg.dropped))
			}
			added := c.h.HandleHistory(msg.candles)
			if c.OnBackfill != nil {
				c.OnBackfill(len(msg.candles), added)
			}
			return nil
		default:
			// ticks from a previous subscription, pongs, acks
		}
	}
}

func (c *Client) stream(conn *conn) error {
	for {
		raw, err := conn.read()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			reason := MalformedDecode
			if errors.Is(err, errMissingEpoch) || errors.Is(err, errMissingPrice) {
				reason = MalformedTick
			}
			c.malformed(reason, err)
			continue
		}
		switch msg.kind {
		case kindTick:
			c.h.HandleTick(msg.tick)
		case kindCandles:
			c.h.HandleHistory(msg.candles)
		case kindError:
			c.malformed(MalformedErrorReply, msg.err)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.writeJSON(pingRequest{Ping: 1}); err != nil {
				c.log.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Client) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.log.Debug("feed state", slog.String("from", from.String()), slog.String("to", to.String()))
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

func (c *Client) malformed(reason string, err error) {
	c.log.Warn("malformed feed message", slog.String("reason", reason), slog.String("error", err.Error()))
	if c.OnMalformed != nil {
		c.OnMalformed(reason)
	}
}

// conn serialises writes; gorilla allows one concurrent writer and one reader.
type conn struct {
	ws           *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) read() ([]byte, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, raw, err := c.ws.ReadMessage()
	return raw, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
