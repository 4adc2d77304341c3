package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"patternwatch/internal/model"
)

// Reader provides read-only access for warm starts and event history.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string, log *slog.Logger) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if log == nil {
		log = slog.Default()
	}
	log.Info("opened database for reading", slog.String("component", "sqlite-reader"), slog.String("path", dbPath))
	return &Reader{db: db}, nil
}

// LoadCandles returns up to limit of the newest stored candles for
// instrument at granularity, ordered by open time ascending.
func (r *Reader) LoadCandles(instrument string, granularity int64, limit int) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT open_time, open, high, low, close FROM (
			SELECT open_time, open, high, low, close
			FROM candles
			WHERE instrument = ? AND granularity = ?
			ORDER BY open_time DESC
			LIMIT ?
		) ORDER BY open_time ASC
	`, instrument, granularity, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LoadEvents returns up to limit of the newest stored events for instrument,
// oldest first.
func (r *Reader) LoadEvents(instrument string, limit int) ([]model.PatternEvent, error) {
	rows, err := r.db.Query(`
		SELECT id, kind, detected_at, entry, stop_loss, take_profit, rationale FROM (
			SELECT id, kind, detected_at, entry, stop_loss, take_profit, rationale, rowid AS rid
			FROM pattern_events
			WHERE instrument = ?
			ORDER BY detected_at DESC, rid DESC
			LIMIT ?
		) ORDER BY detected_at ASC, rid ASC
	`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query events: %w", err)
	}
	defer rows.Close()

	var events []model.PatternEvent
	for rows.Next() {
		var (
			e                   model.PatternEvent
			kind                string
			entry, stop, target sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &kind, &e.DetectedAt, &entry, &stop, &target, &e.Rationale); err != nil {
			return nil, fmt.Errorf("sqlite scan events: %w", err)
		}
		e.Instrument = instrument
		e.Kind = model.PatternKind(kind)
		e.Entry, e.StopLoss, e.TakeProfit = floatPtr(entry), floatPtr(stop), floatPtr(target)
		events = append(events, e)
	}
	return events, rows.Err()
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return model.Float(n.Float64)
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
