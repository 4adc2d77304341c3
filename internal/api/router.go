// Package api serves the read-only HTTP API over the live candle windows
// and recent pattern events.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"patternwatch/internal/logger"
	"patternwatch/internal/model"
	"patternwatch/internal/registry"
)

// Source is the read side of the coordinator.
type Source interface {
	Instruments() []string
	Info(instrument string) (registry.Info, error)
	Snapshot(instrument string) ([]model.Candle, error)
	RecentEvents(instrument string) ([]model.PatternEvent, error)
}

type handler struct {
	src Source
	log *slog.Logger
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(src Source, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{src: src, log: log.With(slog.String("component", "api"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.health)
	mux.HandleFunc("GET /api/v1/instruments", h.instruments)
	mux.HandleFunc("GET /api/v1/candles", h.candles)
	mux.HandleFunc("GET /api/v1/events", h.events)

	return h.withRequestID(mux)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"instruments": len(h.src.Instruments()),
	})
}

func (h *handler) instruments(w http.ResponseWriter, r *http.Request) {
	names := h.src.Instruments()
	out := make([]registry.Info, 0, len(names))
	for _, name := range names {
		info, err := h.src.Info(name)
		if err != nil {
			continue // unsubscribed between the two calls
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": out})
}

type candlesResponse struct {
	Instrument string         `json:"instrument"`
	Candles    []model.Candle `json:"candles"`
}

// candles serves getSnapshot. ?limit=N keeps the newest N candles.
func (h *handler) candles(w http.ResponseWriter, r *http.Request) {
	inst, limit, ok := h.params(w, r)
	if !ok {
		return
	}
	cs, err := h.src.Snapshot(inst)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit > 0 && limit < len(cs) {
		cs = cs[len(cs)-limit:]
	}
	writeJSON(w, http.StatusOK, candlesResponse{Instrument: inst, Candles: cs})
}

type eventsResponse struct {
	Instrument string               `json:"instrument"`
	Events     []model.PatternEvent `json:"events"`
}

// events serves getRecentEvents, oldest first.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	inst, limit, ok := h.params(w, r)
	if !ok {
		return
	}
	evs, err := h.src.RecentEvents(inst)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit > 0 && limit < len(evs) {
		evs = evs[len(evs)-limit:]
	}
	writeJSON(w, http.StatusOK, eventsResponse{Instrument: inst, Events: evs})
}

func (h *handler) params(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	q := r.URL.Query()
	inst := q.Get("instrument")
	if inst == "" {
		writeError(w, http.StatusBadRequest, "missing instrument parameter")
		return "", 0, false
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return "", 0, false
		}
		limit = n
	}
	return inst, limit, true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrUnknownInstrument) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	logger.FromContext(r.Context(), h.log).Error("read failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logger.WithRequestID(r.Context(), id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.FromContext(ctx, h.log).Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)),
		)
	})
}

// writeJSON encodes before writing the status so an unencodable body
// becomes a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		b, _ = json.Marshal(map[string]string{"error": "encode response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(b, '\n'))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
