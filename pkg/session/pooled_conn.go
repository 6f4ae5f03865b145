package session

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"

	"github.com/jstaube/pgrig/pkg/capability"
)

// PooledConn is one checkout: exclusive use of a pooled session until
// Release. Using it after Release panics; releasing it twice is a no-op.
type PooledConn struct {
	pool *Pool
	res  *puddle.Resource[*slot]
	conn *Conn

	id          uuid.UUID
	sessionUser string
	role        string

	broken   atomic.Bool
	released atomic.Bool

	// severed means Close already terminated the underlying connection and
	// accounted for it. Guarded by pool.mu.
	severed bool
}

// ID identifies this checkout, not the underlying connection. Two checkouts
// of the same physical session have different IDs.
func (c *PooledConn) ID() uuid.UUID {
	return c.id
}

// SessionUser is the identity queries run as: the role for a role-switched
// checkout, otherwise the authenticated user.
func (c *PooledConn) SessionUser() string {
	return c.sessionUser
}

// SID returns the server-side session identifier.
func (c *PooledConn) SID() uint32 {
	return c.get().SID()
}

// ServerVersion reports the server version announced in the handshake.
func (c *PooledConn) ServerVersion() capability.Version {
	return c.get().ServerVersion()
}

// Exec runs a statement that returns no rows.
func (c *PooledConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.get().Exec(ctx, sql, args...)
}

// Query runs a query returning many rows.
func (c *PooledConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.get().Query(ctx, sql, args...)
}

// QueryRow runs a query expected to return at most one row.
func (c *PooledConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.get().QueryRow(ctx, sql, args...)
}

// TxStatus reports the session transaction status byte.
func (c *PooledConn) TxStatus() byte {
	return c.get().TxStatus()
}

// InTransaction reports whether the session is inside a transaction.
func (c *PooledConn) InTransaction() bool {
	return c.get().InTransaction()
}

// MarkBroken tells the pool this session must not be reused. Release evicts
// it instead of returning it to the free set. Call it after any error that
// leaves session state unknown.
func (c *PooledConn) MarkBroken() {
	c.broken.Store(true)
}

// Release returns the session to the pool. A healthy session rejoins the
// free set after its state is normalized; a broken one is closed and its
// capacity freed for a future dial. Safe to call more than once.
func (c *PooledConn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.release(c)
}

func (c *PooledConn) get() *Conn {
	if c.released.Load() {
		panic("session: connection used after release")
	}
	return c.conn
}
