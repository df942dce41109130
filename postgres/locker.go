// Package postgres provides a saga.Locker built on PostgreSQL session
// advisory locks, for deployments that keep snapshots in PostgreSQL and have
// no Redis.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"

	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/saga"
)

// Driver names accepted by Open.
const (
	DriverPgx = "pgx"
	DriverPQ  = "postgres"
)

const (
	tryLockQuery = "SELECT pg_try_advisory_lock(hashtext($1))"
	unlockQuery  = "SELECT pg_advisory_unlock(hashtext($1))"
)

// Open opens a connection pool with the pgx or lib/pq driver.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPgx, DriverPQ:
	case "":
		driver = DriverPgx
	default:
		return nil, fmt.Errorf("unsupported postgres driver %q", driver)
	}
	return sql.Open(driver, dsn)
}

// Locker is a saga.Locker on pg_try_advisory_lock. Each held lock pins one
// pooled connection and lives as long as that session: if the process dies
// the session ends and PostgreSQL drops the lock.
type Locker struct {
	db     *sql.DB
	prefix string
	log    *logger.Logger
}

// NewLocker creates a Locker. Lock keys are "<prefix>:<sagaID>" hashed with
// hashtext.
func NewLocker(db *sql.DB, prefix string, log *logger.Logger) *Locker {
	if prefix == "" {
		prefix = "saga"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Locker{db: db, prefix: prefix, log: log.WithComponent("pg-locker")}
}

// Acquire takes the advisory lock for sagaID. It returns saga.ErrSagaLocked
// without waiting if another session holds it. The ttl is not used: the
// lock is held until Release or until the session is lost.
func (l *Locker) Acquire(ctx context.Context, sagaID string, _ time.Duration) (saga.Lease, error) {
	key := l.prefix + ":" + sagaID

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres lock %q: %w", sagaID, classify(err))
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, tryLockQuery, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres lock %q: %w", sagaID, classify(err))
	}
	if !ok {
		conn.Close()
		return nil, saga.ErrSagaLocked
	}
	return &lease{conn: conn, key: key, sagaID: sagaID, log: l.log}, nil
}

type lease struct {
	conn   *sql.Conn
	key    string
	sagaID string
	log    *logger.Logger

	mu       sync.Mutex
	released bool
}

// Renew checks that the pinned session is still alive. A dead session has
// already dropped the advisory lock.
func (ls *lease) Renew(ctx context.Context, _ time.Duration) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.released {
		return saga.ErrLeaseLost
	}
	if err := ls.conn.PingContext(ctx); err != nil {
		return errors.Join(saga.ErrLeaseLost, classify(err))
	}
	return nil
}

func (ls *lease) Release() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.released {
		return
	}
	ls.released = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var unlocked bool
	if err := ls.conn.QueryRowContext(ctx, unlockQuery, ls.key).Scan(&unlocked); err != nil || !unlocked {
		fields := logger.Fields(logger.FieldSagaID, ls.sagaID)
		if err != nil {
			fields[logger.FieldError] = err.Error()
		}
		ls.log.Warn("failed to release saga lock", fields)
	}
	ls.conn.Close()
}

// ErrConnection marks failures in the PostgreSQL connection exception class.
var ErrConnection = errors.New("postgres connection failure")

// classify tags connection-class SQLSTATEs (08xxx) from either driver with
// ErrConnection.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "08" {
		return errors.Join(ErrConnection, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
		return errors.Join(ErrConnection, err)
	}
	return err
}

var _ saga.Locker = (*Locker)(nil)
