// Package sqlxrepos implements the repositories on PostgreSQL for
// deployments that already run one. Balances are guarded by row locks and
// CHECK constraints; the duplicate-pending rule is a partial unique index.
package sqlxrepos

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	username          TEXT UNIQUE,
	email             TEXT UNIQUE,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	roles             TEXT[] NOT NULL DEFAULT '{}',
	one_to_one_points INTEGER NOT NULL DEFAULT 100 CHECK (one_to_one_points >= 0),
	group_points      INTEGER NOT NULL DEFAULT 100 CHECK (group_points >= 0),
	password_hash     BYTEA,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	last_login        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS friendships (
	user_id   TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	friend_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	PRIMARY KEY (user_id, friend_id)
);

CREATE TABLE IF NOT EXISTS calls (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	initiator    TEXT NOT NULL REFERENCES users (id),
	teacher      TEXT NOT NULL REFERENCES users (id),
	participants TEXT[] NOT NULL,
	status       TEXT NOT NULL,
	call_id      TEXT NOT NULL UNIQUE,
	points_cost  INTEGER NOT NULL,
	start_time   TIMESTAMPTZ,
	end_time     TIMESTAMPTZ,
	duration     INTEGER,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS calls_participants ON calls USING GIN (participants);
CREATE UNIQUE INDEX IF NOT EXISTS calls_one_pending_per_teacher
	ON calls (initiator, teacher) WHERE status = 'pending';
`

// pendingIdx is matched against pq constraint names to tell a duplicate
// pending request apart from other unique violations.
const pendingIdx = "calls_one_pending_per_teacher"

func Open(conf *core.Config) (*sqlx.DB, error) {
	sslMode := "require"
	if conf.Database.DisableTLS {
		sslMode = "disable"
	}
	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.Database.User, conf.Database.Password),
		Host:     conf.Database.Address(),
		Path:     conf.Database.Name,
		RawQuery: q.Encode(),
	}

	db, err := sqlx.Open("postgres", u.String())
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err = ping(db); err != nil {
		return nil, err
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sqlx.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}
	return errors.Wrap(err, "DB ping timeout")
}

// EnsureSchema creates all tables and indexes. Idempotent.
func EnsureSchema(db *sqlx.DB) error {
	_, err := db.Exec(schema)
	return errors.Wrap(err, "creating schema")
}

// withTx runs fn inside a transaction, rolling back on any error.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// isUniqueViolation reports a pq unique_violation, optionally scoped to one
// constraint name.
func isUniqueViolation(err error, constraint string) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	if !ok || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// isFKViolation reports a pq foreign_key_violation.
func isFKViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == "23503"
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
