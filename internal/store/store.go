// Package store persists registrations, feedback, certificates and funnel
// events in sqlite.
//
// Timestamps are written by the application as fixed-width UTC text
// (see timeLayout) so that lexical order is chronological and values scan
// into plain strings regardless of driver time handling.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

const driverName = "sqlite"

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("store: not found")

var bindOnce sync.Once

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	bindOnce.Do(func() { sqlx.BindDriver(driverName, sqlx.QUESTION) })

	memory := path == ":memory:"
	db, err := sqlx.Open(driverName, dsn(path, memory))
	if err != nil {
		return nil, xerrors.Wrapf(err, "open sqlite %s", path)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string, memory bool) string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if !memory {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return "file:" + path + "?" + strings.Join(pragmas, "&")
}

func (s *Store) migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return xerrors.Wrapf(err, "apply schema (%s)", firstLine(q))
		}
	}
	return nil
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i > 0 {
		return q[:i]
	}
	return q
}

// Ping backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(err, "ping sqlite")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		full_name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT,
		organization TEXT,
		job_title TEXT,
		experience_level TEXT,
		training_session TEXT NOT NULL,
		expectations TEXT,
		referral_source TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS participants_email_session
		ON participants(email COLLATE NOCASE, training_session)`,
	`CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_name TEXT NOT NULL,
		participant_email TEXT NOT NULL,
		training_session TEXT NOT NULL,
		overall_rating INTEGER NOT NULL CHECK(overall_rating BETWEEN 1 AND 5),
		content_rating INTEGER NOT NULL CHECK(content_rating BETWEEN 1 AND 5),
		instructor_rating INTEGER NOT NULL CHECK(instructor_rating BETWEEN 1 AND 5),
		pace_rating TEXT NOT NULL,
		most_valuable TEXT,
		least_valuable TEXT,
		improvement_suggestions TEXT,
		would_recommend TEXT NOT NULL,
		additional_comments TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS feedback_email_session
		ON feedback(participant_email COLLATE NOCASE, training_session)`,
	`CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		certificate_id TEXT NOT NULL UNIQUE,
		user_email TEXT NOT NULL,
		user_name TEXT NOT NULL,
		training_session TEXT NOT NULL,
		completion_date TEXT NOT NULL,
		instructor_name TEXT NOT NULL,
		filename TEXT NOT NULL,
		pdf_base64 TEXT NOT NULL,
		download_count INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		UNIQUE(user_email, training_session)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_email TEXT NOT NULL,
		event_name TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_name ON events(event_name)`,
	`CREATE TABLE IF NOT EXISTS sign_ins (
		user_email TEXT PRIMARY KEY,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL
	)`,
}
