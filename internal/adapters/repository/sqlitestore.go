package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/okian/lookout/internal/domain/model"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const defaultBusyTimeoutMS = 10_000

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS raw_observations (
	id   TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	ts   INTEGER NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS raw_observations_tier_ts ON raw_observations (tier, ts, id);
CREATE TABLE IF NOT EXISTS compact_summaries (
	id       TEXT PRIMARY KEY,
	start_ts INTEGER NOT NULL,
	end_ts   INTEGER NOT NULL,
	data     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS compact_summaries_start ON compact_summaries (start_ts, end_ts);
`

// SQLiteStore keeps all tiers in one SQLite database. Tier moves are a
// column update, so archive and listing are transactional.
type SQLiteStore struct {
	db          *sql.DB
	busyTimeout int
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{busyTimeout: defaultBusyTimeoutMS}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("%w: mkdir: %w", ErrStorage, err)
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.busyTimeout))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrStorage, err)
	}
	// One connection serializes writers; the overlap check relies on it.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: schema: %w", ErrStorage, err)
	}
	s.db = db
	return s, nil
}

func (s *SQLiteStore) AppendRaw(ctx context.Context, obs model.RawObservation) error {
	if err := validateRaw(&obs); err != nil {
		return err
	}
	defer observeWrite("append_raw", time.Now())
	obs.Timestamp = obs.Timestamp.UTC()

	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorage, obs.ID, err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_observations WHERE id = ?`, obs.ID).Scan(&n); err != nil {
			return fmt.Errorf("%w: lookup %s: %w", ErrStorage, obs.ID, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: raw observation %s", ErrAlreadyExists, obs.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raw_observations (id, tier, ts, data) VALUES (?, ?, ?, ?)`,
			obs.ID, string(model.TierRecent), obs.Timestamp.UnixNano(), string(data)); err != nil {
			return fmt.Errorf("%w: insert %s: %w", ErrStorage, obs.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListRaw(ctx context.Context, since, until time.Time) iter.Seq2[model.RawObservation, error] {
	return s.listRaw(ctx, model.TierRecent, since, until)
}

func (s *SQLiteStore) ListArchived(ctx context.Context, since, until time.Time) iter.Seq2[model.RawObservation, error] {
	return s.listRaw(ctx, model.TierProcessed, since, until)
}

func (s *SQLiteStore) listRaw(ctx context.Context, tier model.Tier, since, until time.Time) iter.Seq2[model.RawObservation, error] {
	query := `SELECT data FROM raw_observations WHERE tier = ?`
	args := []any{string(tier)}
	if !since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, since.UnixNano())
	}
	if !until.IsZero() {
		query += ` AND ts < ?`
		args = append(args, until.UnixNano())
	}
	query += ` ORDER BY ts, id`
	return decodeRows[model.RawObservation](ctx, s.db, query, args...)
}

func (s *SQLiteStore) AppendCompact(ctx context.Context, summary model.CompactedSummary) error {
	if err := validateCompact(&summary); err != nil {
		return err
	}
	defer observeWrite("append_compact", time.Now())
	summary.StartTime = summary.StartTime.UTC()
	summary.EndTime = summary.EndTime.UTC()
	w := summary.Window()

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorage, summary.ID, err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var start, end int64
		err := tx.QueryRowContext(ctx,
			`SELECT start_ts, end_ts FROM compact_summaries WHERE start_ts < ? AND end_ts > ? LIMIT 1`,
			w.End.UnixNano(), w.Start.UnixNano()).Scan(&start, &end)
		switch {
		case err == nil:
			return duplicateWindow(w, model.Window{Start: time.Unix(0, start).UTC(), End: time.Unix(0, end).UTC()})
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: overlap check: %w", ErrStorage, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO compact_summaries (id, start_ts, end_ts, data) VALUES (?, ?, ?, ?)`,
			summary.ID, w.Start.UnixNano(), w.End.UnixNano(), string(data)); err != nil {
			return fmt.Errorf("%w: insert %s: %w", ErrStorage, summary.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListCompact(ctx context.Context, since, until time.Time) iter.Seq2[model.CompactedSummary, error] {
	query := `SELECT data FROM compact_summaries WHERE 1 = 1`
	var args []any
	if !since.IsZero() {
		query += ` AND end_ts > ?`
		args = append(args, since.UnixNano())
	}
	if !until.IsZero() {
		query += ` AND start_ts < ?`
		args = append(args, until.UnixNano())
	}
	query += ` ORDER BY start_ts, end_ts`
	return decodeRows[model.CompactedSummary](ctx, s.db, query, args...)
}

func (s *SQLiteStore) Archive(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	defer observeWrite("archive", time.Now())

	args := make([]any, 0, len(ids)+2)
	args = append(args, string(model.TierProcessed), string(model.TierRecent))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE raw_observations SET tier = ? WHERE tier = ? AND id IN (`+placeholders+`)`,
			args...); err != nil {
			return fmt.Errorf("%w: archive: %w", ErrStorage, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Counts(ctx context.Context) (TierCounts, error) {
	var c TierCounts
	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM raw_observations GROUP BY tier`)
	if err != nil {
		return c, fmt.Errorf("%w: counts: %w", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return c, fmt.Errorf("%w: counts: %w", ErrStorage, err)
		}
		switch model.Tier(tier) {
		case model.TierRecent:
			c.Recent = n
		case model.TierProcessed:
			c.Processed = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("%w: counts: %w", ErrStorage, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compact_summaries`).Scan(&c.Compact); err != nil {
		return c, fmt.Errorf("%w: counts: %w", ErrStorage, err)
	}
	return c, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStorage, err)
	}
	return nil
}

// decodeRows reads the data column of every row before yielding, so the
// single connection is released before the caller touches the store again.
func decodeRows[T any](ctx context.Context, db *sql.DB, query string, args ...any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(zero, fmt.Errorf("%w: query: %w", ErrStorage, err))
			return
		}
		var payloads []string
		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				_ = rows.Close()
				yield(zero, fmt.Errorf("%w: scan: %w", ErrStorage, err))
				return
			}
			payloads = append(payloads, data)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			yield(zero, fmt.Errorf("%w: rows: %w", ErrStorage, err))
			return
		}

		for _, data := range payloads {
			var v T
			if err := json.Unmarshal([]byte(data), &v); err != nil {
				if !yield(zero, fmt.Errorf("%w: decode: %w", ErrStorage, err)) {
					return
				}
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
