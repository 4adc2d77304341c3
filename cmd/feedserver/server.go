package main

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// request covers the three calls the scanner makes.
type request struct {
	TicksHistory string `json:"ticks_history"`
	Granularity  int64  `json:"granularity"`
	Count        int    `json:"count"`
	Ticks        string `json:"ticks"`
	Ping         int    `json:"ping"`
}

type wireCandle struct {
	Epoch int64   `json:"epoch"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

type wireTick struct {
	Epoch  int64   `json:"epoch"`
	Quote  float64 `json:"quote"`
	Symbol string  `json:"symbol"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type reply struct {
	MsgType string       `json:"msg_type"`
	Candles []wireCandle `json:"candles,omitempty"`
	Tick    *wireTick    `json:"tick,omitempty"`
	Ping    string       `json:"ping,omitempty"`
	Error   *wireError   `json:"error,omitempty"`
	EchoReq any          `json:"echo_req,omitempty"`
}

// market holds the simulated price of every symbol.
type market struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	now    func() time.Time
}

func newMarket(symbols map[string]float64, seed int64) *market {
	prices := make(map[string]float64, len(symbols))
	for s, p := range symbols {
		prices[s] = p
	}
	return &market{rng: rand.New(rand.NewSource(seed)), prices: prices, now: time.Now}
}

func (m *market) known(symbol string) bool {
	_, ok := m.quote(symbol)
	return ok
}

func (m *market) quote(symbol string) (wireTick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	return wireTick{Epoch: m.now().Unix(), Quote: round(p), Symbol: symbol}, ok
}

// step moves every price by up to ±0.1% and returns the new quotes.
func (m *market) step() []wireTick {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch := m.now().Unix()
	out := make([]wireTick, 0, len(m.prices))
	for s, p := range m.prices {
		p = walk(m.rng, p)
		m.prices[s] = p
		out = append(out, wireTick{Epoch: epoch, Quote: round(p), Symbol: s})
	}
	return out
}

// history walks backwards from the current price so the newest candle
// closes at it. The last candle is the forming bucket.
func (m *market) history(symbol string, granularity int64, count int) []wireCandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	price := m.prices[symbol]
	end := m.now().Unix() / granularity * granularity
	out := make([]wireCandle, count)
	for i := count - 1; i >= 0; i-- {
		closePrice := price
		open := walk(m.rng, closePrice)
		hi, lo := math.Max(open, closePrice), math.Min(open, closePrice)
		hi *= 1 + m.rng.Float64()*0.0005
		lo *= 1 - m.rng.Float64()*0.0005
		out[i] = wireCandle{
			Epoch: end - int64(count-1-i)*granularity,
			Open:  round(open), High: round(hi), Low: round(lo), Close: round(closePrice),
		}
		price = open
	}
	return out
}

func walk(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	return math.Max(price*(1+pct), 0.01)
}

func round(v float64) float64 { return math.Round(v*1000) / 1000 }

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	out  chan reply
	mu   sync.Mutex
	subs map[string]bool
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(t wireTick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		subscribed := c.subs[t.Symbol]
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		tick := t
		c.send(reply{MsgType: "tick", Tick: &tick}) // slow client, drop tick
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, m *market, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", slog.String("error", err.Error()))
			return
		}
		log.Info("client connected", slog.String("remote", r.RemoteAddr))

		c := &client{out: make(chan reply, 256), subs: make(map[string]bool)}
		h.register(c)
		done := make(chan struct{})
		defer func() {
			h.unregister(c)
			close(done)
			conn.Close()
			log.Info("client disconnected", slog.String("remote", r.RemoteAddr))
		}()

		// Write pump: the only writer on conn.
		go func() {
			for {
				select {
				case <-done:
					return
				case msg := <-c.out:
					conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteJSON(msg); err != nil {
						conn.Close()
						return
					}
				}
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(raw, &req); err != nil {
				c.send(reply{MsgType: "error", Error: &wireError{Code: "InputValidationFailed", Message: "malformed request"}})
				continue
			}
			c.send(handle(c, m, req))
		}
	}
}

// send queues a reply, dropping it when the client is not draining.
func (c *client) send(r reply) bool {
	select {
	case c.out <- r:
		return true
	default:
		return false
	}
}

func handle(c *client, m *market, req request) reply {
	switch {
	case req.TicksHistory != "":
		if !m.known(req.TicksHistory) {
			return errorReply("ticks_history", "InvalidSymbol", "Symbol "+req.TicksHistory+" is invalid.", req)
		}
		if req.Granularity <= 0 || req.Count <= 0 {
			return errorReply("ticks_history", "InputValidationFailed", "granularity and count must be positive", req)
		}
		return reply{MsgType: "candles", Candles: m.history(req.TicksHistory, req.Granularity, req.Count), EchoReq: req}

	case req.Ticks != "":
		tick, ok := m.quote(req.Ticks)
		if !ok {
			return errorReply("tick", "InvalidSymbol", "Symbol "+req.Ticks+" is invalid.", req)
		}
		c.mu.Lock()
		c.subs[req.Ticks] = true
		c.mu.Unlock()
		// the subscribe reply carries the current quote
		return reply{MsgType: "tick", Tick: &tick, EchoReq: req}

	case req.Ping != 0:
		return reply{MsgType: "ping", Ping: "pong"}
	}
	return errorReply("error", "UnrecognisedRequest", "Unrecognised request", req)
}

func errorReply(msgType, code, msg string, req request) reply {
	return reply{MsgType: msgType, Error: &wireError{Code: code, Message: msg}, EchoReq: req}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

func runGenerator(h *hub, m *market, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, t := range m.step() {
				h.broadcast(t)
			}
		}
	}
}
