// Command feedserver is a simulated Deriv-style market-data websocket.
// It answers ticks_history with generated candles, streams random-walk ticks
// for subscribed symbols and replies to ping.
//
// Config (env vars):
//
//	FEED_SERVER_ADDR  listen address (default ":9001")
//	FEED_SYMBOLS      comma-separated SYMBOL:PRICE pairs (default "R_10:6500,R_25:2300")
//	TICK_INTERVAL_MS  tick interval in milliseconds (default "1000")
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"patternwatch/internal/logger"
)

func main() {
	log := logger.Init("feedserver", slog.LevelInfo)

	addr := envOrDefault("FEED_SERVER_ADDR", ":9001")
	symbols := parseSymbols(envOrDefault("FEED_SYMBOLS", "R_10:6500,R_25:2300"), log)
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 1000)) * time.Millisecond
	if len(symbols) == 0 {
		log.Error("no symbols configured via FEED_SYMBOLS")
		os.Exit(1)
	}

	m := newMarket(symbols, time.Now().UnixNano())
	h := newHub()
	go runGenerator(h, m, interval, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/websockets/v3", wsHandler(h, m, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedserver"}`)
	})

	log.Info("listening",
		slog.String("addr", addr),
		slog.String("url", "ws://localhost"+addr+"/websockets/v3"),
		slog.Int("symbols", len(symbols)),
		slog.Duration("interval", interval),
	)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func parseSymbols(s string, log *slog.Logger) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, ok := strings.Cut(part, ":")
		price, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
		if !ok || err != nil || price <= 0 {
			log.Warn("skipping invalid symbol spec", slog.String("spec", part))
			continue
		}
		out[strings.TrimSpace(sym)] = price
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
