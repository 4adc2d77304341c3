package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"patternwatch/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath     string // path to SQLite database file, e.g. "data/patternwatch.db"
	BatchSize  int
	FlushDelay time.Duration
}

// Writer persists closed candles and pattern events with transaction batching.
// It implements model.CandleSink and model.EventSink.
type Writer struct {
	db  *sql.DB
	cfg WriterConfig
	log *slog.Logger

	// OnCommit is called after each successful batch commit (optional).
	OnCommit func(table string, rows int, took time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = log.With(slog.String("component", "sqlite"))
	log.Info("opened database", slog.String("path", cfg.DBPath))
	return &Writer{db: db, cfg: cfg, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			instrument  TEXT    NOT NULL,
			granularity INTEGER NOT NULL,
			open_time   INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			PRIMARY KEY (instrument, granularity, open_time)
		);

		CREATE TABLE IF NOT EXISTS pattern_events (
			id          TEXT    PRIMARY KEY,
			instrument  TEXT    NOT NULL,
			kind        TEXT    NOT NULL,
			detected_at INTEGER NOT NULL,
			entry       REAL,
			stop_loss   REAL,
			take_profit REAL,
			rationale   TEXT    NOT NULL,
			created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE INDEX IF NOT EXISTS idx_pattern_events_instrument
			ON pattern_events (instrument, detected_at);
	`)
	return err
}

// RunCandles reads closed candles from ch and upserts them in batches.
// Flushes every BatchSize candles OR every FlushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) RunCandles(ctx context.Context, ch <-chan model.InstrumentCandle) {
	runBatched(ctx, w, "candles", ch, w.InsertCandles)
}

// RunEvents reads forwarded pattern events from ch and inserts them in batches.
func (w *Writer) RunEvents(ctx context.Context, ch <-chan model.PatternEvent) {
	runBatched(ctx, w, "pattern_events", ch, w.InsertEvents)
}

func runBatched[T any](ctx context.Context, w *Writer, table string, ch <-chan T, insert func([]T) error) {
	batch := make([]T, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.FlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := insert(batch); err != nil {
			w.log.Error("batch insert failed", slog.String("table", table), slog.String("error", err.Error()))
		} else {
			took := time.Since(start)
			w.log.Debug("batch committed", slog.String("table", table), slog.Int("rows", len(batch)), slog.Duration("took", took))
			if w.OnCommit != nil {
				w.OnCommit(table, len(batch), took)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain what is already buffered
			for {
				select {
				case v, ok := <-ch:
					if !ok {
						flush()
						return
					}
					batch = append(batch, v)
				default:
					flush()
					return
				}
			}

		case v, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, v)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				timer.Reset(w.cfg.FlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.cfg.FlushDelay)
		}
	}
}

// InsertCandles upserts candles in a single transaction. A later write of the
// same bucket replaces the earlier one.
func (w *Writer) InsertCandles(candles []model.InstrumentCandle) error {
	return w.inTx(`
		INSERT OR REPLACE INTO candles (instrument, granularity, open_time, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, len(candles), func(stmt *sql.Stmt, i int) error {
		c := candles[i]
		_, err := stmt.Exec(c.Instrument, c.Granularity, c.OpenTime, c.Open, c.High, c.Low, c.Close)
		return err
	})
}

// InsertEvents inserts events in a single transaction. Events are keyed by
// ID, so a retried insert of the same event is ignored.
func (w *Writer) InsertEvents(events []model.PatternEvent) error {
	return w.inTx(`
		INSERT OR IGNORE INTO pattern_events (id, instrument, kind, detected_at, entry, stop_loss, take_profit, rationale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, len(events), func(stmt *sql.Stmt, i int) error {
		e := events[i]
		_, err := stmt.Exec(e.ID, e.Instrument, string(e.Kind), e.DetectedAt,
			nullFloat(e.Entry), nullFloat(e.StopLoss), nullFloat(e.TakeProfit), e.Rationale)
		return err
	})
}

func (w *Writer) inTx(query string, n int, exec func(*sql.Stmt, int) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
