package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"patternwatch/internal/model"
)

// Outgoing requests.

type historyRequest struct {
	TicksHistory string `json:"ticks_history"`
	Style        string `json:"style"`
	Granularity  int64  `json:"granularity"`
	Count        int    `json:"count"`
	End          string `json:"end"`
}

type subscribeRequest struct {
	Ticks     string `json:"ticks"`
	Subscribe int    `json:"subscribe"`
}

type pingRequest struct {
	Ping int `json:"ping"`
}

// ServerError is an error reply sent by the feed.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	MsgType string `json:"-"`
}

func (e *ServerError) Error() string {
	if e.MsgType != "" {
		return fmt.Sprintf("feed error on %s: %s: %s", e.MsgType, e.Code, e.Message)
	}
	return fmt.Sprintf("feed error: %s: %s", e.Code, e.Message)
}

var (
	errMissingEpoch = errors.New("missing epoch")
	errMissingPrice = errors.New("missing price")
)

var errNonFinite = errors.New("non-finite number")

// flexFloat accepts a JSON number or a string holding a finite number.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("flexFloat: %w", err)
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return fmt.Errorf("flexFloat %q: %w", s, errNonFinite)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexInt accepts a JSON integer or a string holding one.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("flexInt: %w", err)
		}
		*n = flexInt(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

type wireCandle struct {
	Epoch *flexInt  `json:"epoch"`
	Open  flexFloat `json:"open"`
	High  flexFloat `json:"high"`
	Low   flexFloat `json:"low"`
	Close flexFloat `json:"close"`
}

type wireTick struct {
	Epoch  *flexInt   `json:"epoch"`
	Quote  *flexFloat `json:"quote"`
	Price  *flexFloat `json:"price"`
	Symbol string     `json:"symbol"`
}

type envelope struct {
	MsgType string       `json:"msg_type"`
	Candles []wireCandle `json:"candles"`
	Tick    *wireTick    `json:"tick"`
	Error   *ServerError `json:"error"`
}

type msgKind int

const (
	kindOther msgKind = iota // pong, subscription ack, anything unused
	kindCandles
	kindTick
	kindError
)

type message struct {
	kind    msgKind
	candles []model.Candle
	tick    model.Tick
	err     *ServerError
	dropped int // candles skipped for a missing epoch
}

// decodeMessage parses one inbound frame.
func decodeMessage(raw []byte) (message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return message{}, fmt.Errorf("decode: %w", err)
	}

	switch {
	case env.Error != nil:
		env.Error.MsgType = env.MsgType
		return message{kind: kindError, err: env.Error}, nil

	case env.Candles != nil || env.MsgType == "candles":
		out := message{kind: kindCandles, candles: make([]model.Candle, 0, len(env.Candles))}
		for _, wc := range env.Candles {
			if wc.Epoch == nil {
				out.dropped++
				continue
			}
			out.candles = append(out.candles, model.Candle{
				OpenTime: int64(*wc.Epoch),
				Open:     float64(wc.Open),
				High:     float64(wc.High),
				Low:      float64(wc.Low),
				Close:    float64(wc.Close),
			})
		}
		return out, nil

	case env.Tick != nil:
		t, err := env.Tick.toModel()
		if err != nil {
			return message{}, fmt.Errorf("tick: %w", err)
		}
		return message{kind: kindTick, tick: t}, nil
	}
	return message{kind: kindOther}, nil
}

func (w *wireTick) toModel() (model.Tick, error) {
	if w.Epoch == nil {
		return model.Tick{}, errMissingEpoch
	}
	price := w.Quote
	if price == nil {
		price = w.Price
	}
	if price == nil {
		return model.Tick{}, errMissingPrice
	}
	return model.Tick{
		Instrument: w.Symbol,
		Epoch:      int64(*w.Epoch),
		Price:      float64(*price),
	}, nil
}
