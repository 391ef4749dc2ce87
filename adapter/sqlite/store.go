// Package sqlite persists delivery ledger snapshots in a SQLite database.
//
// Each Save inserts one row into snapshots and one row per delivery record,
// inside a single transaction. Older snapshots can be pruned with Prune.
//
//	store, _ := sqlite.Open(filepath.Join(dataDir, "ledger.db"), "apollo")
//	d, _ := xdispatch.NewDispatcherBuilder().
//	    WithGatewayInstance(gw).
//	    WithSnapshotter(store).
//	    Build()
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xdispatch"
)

//go:embed schema.sql
var schema string

// Store is an xdispatch.Snapshotter backed by SQLite.
type Store struct {
	db        *sql.DB
	path      string
	component string
	clock     xclock.Clock
	logger    *zerolog.Logger
}

var _ xdispatch.Snapshotter = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp snapshots.
func WithClock(c xclock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path, component string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	nop := zerolog.Nop()
	s := &Store{
		db:        db,
		path:      path,
		component: component,
		clock:     xclock.Default(),
		logger:    &nop,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Info().Str("path", path).Msg("sqlite: snapshot store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save implements xdispatch.Snapshotter. The returned location is
// "<path>#<snapshot id>".
func (s *Store) Save(ctx context.Context, records map[string]xdispatch.DeliveryRecord) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (component, taken_at) VALUES (?, ?)`,
		s.component, s.clock.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("sqlite: insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO delivery_records (snapshot_id, message_id, subscription_id, status, attempt_count, last_attempt, delivered_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var delivered sql.NullTime
		if r.DeliveredAt != nil {
			delivered = sql.NullTime{Time: r.DeliveredAt.UTC(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, id, r.MessageID, r.SubscriptionID, string(r.Status),
			r.AttemptCount, r.LastAttempt.UTC(), delivered, r.Error); err != nil {
			return "", fmt.Errorf("sqlite: insert record %s: %w", xdispatch.RecordKey(r.MessageID, r.SubscriptionID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit: %w", err)
	}
	s.logger.Debug().Int64("snapshot_id", id).Int("records", len(records)).Msg("sqlite: snapshot saved")
	return fmt.Sprintf("%s#%d", s.path, id), nil
}

// Snapshot describes one stored snapshot.
type Snapshot struct {
	ID        int64
	Component string
	TakenAt   time.Time
	Records   int
}

// Snapshots lists stored snapshots, newest first.
func (s *Store) Snapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.component, s.taken_at, COUNT(r.message_id)
		FROM snapshots s LEFT JOIN delivery_records r ON r.snapshot_id = s.id
		GROUP BY s.id
		ORDER BY s.id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.Component, &snap.TakenAt, &snap.Records); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Load returns the records of one snapshot keyed by xdispatch.RecordKey.
func (s *Store) Load(ctx context.Context, snapshotID int64) (map[string]xdispatch.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, subscription_id, status, attempt_count, last_attempt, delivered_at, error_message
		FROM delivery_records WHERE snapshot_id = ?
	`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]xdispatch.DeliveryRecord)
	for rows.Next() {
		var (
			r         xdispatch.DeliveryRecord
			status    string
			delivered sql.NullTime
		)
		if err := rows.Scan(&r.MessageID, &r.SubscriptionID, &status, &r.AttemptCount, &r.LastAttempt, &delivered, &r.Error); err != nil {
			return nil, err
		}
		r.Status = xdispatch.DeliveryStatus(status)
		if delivered.Valid {
			t := delivered.Time
			r.DeliveredAt = &t
		}
		out[xdispatch.RecordKey(r.MessageID, r.SubscriptionID)] = r
	}
	return out, rows.Err()
}

// Latest returns the records of the newest snapshot. ok is false when the
// store is empty.
func (s *Store) Latest(ctx context.Context) (records map[string]xdispatch.DeliveryRecord, ok bool, err error) {
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	records, err = s.Load(ctx, id)
	return records, err == nil, err
}

// Prune deletes all but the newest keep snapshots and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
