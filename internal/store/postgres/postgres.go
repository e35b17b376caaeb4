// Package postgres is the Postgres-backed implementation of store.Store,
// built on pgx/v4 the way the teacher's db-access proxy
// (lib/srv/db/postgres) speaks Postgres on the wire, adapted here to be
// the coordinator's own authoritative storage rather than a proxied
// downstream database.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// Store is the pgx-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// Open connects to Postgres, runs pending migrations, and returns a ready
// Store. dsn is a standard libpq connection string.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	// goose needs a database/sql handle; pgx's stdlib adapter shares the
	// same driver so we don't carry two Postgres client stacks.
	sqlDB := stdlib.OpenDB(*mustParseConfig(dsn).ConnConfig)
	defer sqlDB.Close()
	if err := Migrate(sqlDB); err != nil {
		return nil, trace.Wrap(err, "running migrations")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{pool: pool, log: log.WithField("component", "store")}, nil
}

func mustParseConfig(dsn string) *pgx.ConnConfig {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		// Fatal configuration error per §7: an unparseable DSN cannot be
		// recovered from at runtime.
		logrus.WithError(err).Fatal("invalid Postgres DSN")
	}
	return cfg
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// wrapPgErr turns a unique-violation into apierr.Conflict-compatible
// trace.AlreadyExists, and anything else into a wrapped error. Transient
// errors are returned as-is: the coordinator never retries a DB error
// itself (§7); the caller re-issues.
func wrapPgErr(err error, context string) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows || err == sql.ErrNoRows {
		return trace.NotFound("%s: not found", context)
	}
	if isUniqueViolation(err) {
		return trace.AlreadyExists("%s: already exists", context)
	}
	return trace.Wrap(err, context)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ store.Store = (*Store)(nil)
