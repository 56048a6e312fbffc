// Package history keeps a record of controller status changes in SQLite.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zehnder-rf/zehnder-go/pkg/controller"
	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
)

// Sample is one recorded status.
type Sample struct {
	ID                int64
	At                time.Time
	Reported          bool
	Speed             uint8
	Preset            frame.Preset
	OverrideRemaining uint8
	Setting           uint8
	Link              protocol.LinkState
	Healthy           bool
	Failures          int
}

// SampleFromStatus converts a controller status.
func SampleFromStatus(s controller.Status) Sample {
	return Sample{
		At:                s.UpdatedAt,
		Reported:          s.Reported,
		Speed:             s.Speed,
		Preset:            s.Preset,
		OverrideRemaining: s.OverrideRemaining,
		Setting:           s.Setting,
		Link:              s.Link,
		Healthy:           s.Healthy,
		Failures:          s.Failures,
	}
}

// sameAs reports whether two samples carry the same fan and link values.
func (s Sample) sameAs(o Sample) bool {
	return s.Reported == o.Reported && s.Speed == o.Speed && s.Preset == o.Preset &&
		s.OverrideRemaining == o.OverrideRemaining && s.Setting == o.Setting &&
		s.Link == o.Link && s.Healthy == o.Healthy && s.Failures == o.Failures
}

// String returns a one-line summary.
func (s Sample) String() string {
	at := s.At.Format(time.DateTime)
	if !s.Reported {
		return fmt.Sprintf("%s link=%s healthy=%t speed=?", at, s.Link, s.Healthy)
	}
	out := fmt.Sprintf("%s link=%s healthy=%t speed=%d%% preset=%s", at, s.Link, s.Healthy, s.Speed, s.Preset)
	if s.OverrideRemaining > 0 {
		out += fmt.Sprintf(" override=%dmin", s.OverrideRemaining)
	}
	return out
}

// Stats summarizes the samples in a time range.
type Stats struct {
	Count        int
	LinkedCount  int
	LostCount    int
	AverageSpeed float64
	MaxSpeed     uint8
	First        time.Time
	Last         time.Time
}

// Store provides SQLite persistence for status samples.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens the database at dbPath, creating the schema if needed.
// Use ":memory:" for an in-memory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database lives per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at DATETIME NOT NULL,
		reported INTEGER NOT NULL,
		speed INTEGER NOT NULL,
		preset INTEGER NOT NULL,
		override_remaining INTEGER NOT NULL,
		setting INTEGER NOT NULL,
		link INTEGER NOT NULL,
		healthy INTEGER NOT NULL,
		failures INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_recorded_at ON samples(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a sample and returns its id.
func (s *Store) Add(sample Sample) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO samples (recorded_at, reported, speed, preset, override_remaining,
		                     setting, link, healthy, failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sample.At.UTC(), sample.Reported, sample.Speed, sample.Preset, sample.OverrideRemaining,
		sample.Setting, sample.Link, sample.Healthy, sample.Failures)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Recent returns up to limit samples, most recent first.
func (s *Store) Recent(limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(`
		SELECT id, recorded_at, reported, speed, preset, override_remaining,
		       setting, link, healthy, failures
		FROM samples
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, limit)
}

// Range returns the samples recorded in [from, to), oldest first.
func (s *Store) Range(from, to time.Time) ([]Sample, error) {
	return s.query(`
		SELECT id, recorded_at, reported, speed, preset, override_remaining,
		       setting, link, healthy, failures
		FROM samples
		WHERE recorded_at >= ? AND recorded_at < ?
		ORDER BY recorded_at, id
	`, from.UTC(), to.UTC())
}

func (s *Store) query(q string, args ...any) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.ID, &sm.At, &sm.Reported, &sm.Speed, &sm.Preset,
			&sm.OverrideRemaining, &sm.Setting, &sm.Link, &sm.Healthy, &sm.Failures); err != nil {
			return nil, err
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// Stats summarizes the samples recorded in [from, to). Average and maximum
// speed cover reported samples only.
func (s *Store) Stats(from, to time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	var avg sql.NullFloat64
	var maxSpeed sql.NullInt64
	var first, last sql.NullString

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(link = ?), 0),
		       COALESCE(SUM(link = ?), 0),
		       AVG(CASE WHEN reported THEN speed END),
		       MAX(CASE WHEN reported THEN speed END),
		       MIN(recorded_at),
		       MAX(recorded_at)
		FROM samples
		WHERE recorded_at >= ? AND recorded_at < ?
	`, protocol.StateLinked, protocol.StateLost, from.UTC(), to.UTC()).Scan(
		&st.Count, &st.LinkedCount, &st.LostCount, &avg, &maxSpeed, &first, &last,
	)
	if err != nil {
		return Stats{}, err
	}

	if avg.Valid {
		st.AverageSpeed = avg.Float64
	}
	if maxSpeed.Valid {
		st.MaxSpeed = uint8(maxSpeed.Int64)
	}
	if st.Count > 0 {
		// Aggregates come back as text rather than DATETIME.
		if st.First, err = parseTime(first.String); err != nil {
			return Stats{}, err
		}
		if st.Last, err = parseTime(last.String); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// Count returns the number of stored samples.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&count)
	return count, err
}

// Prune deletes samples recorded before cutoff and returns how many went.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM samples WHERE recorded_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func parseTime(v string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", v)
}
