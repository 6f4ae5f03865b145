// Package session establishes and pools authenticated connections to a
// PostgreSQL backend for driving test workloads against it.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jstaube/pgrig/pkg/capability"
	"github.com/jstaube/pgrig/pkg/dberr"
)

// wire is the slice of driver surface a session uses. *pgx.Conn satisfies it
// through pgxWire; pool tests substitute scripted fakes so no server is
// needed.
type wire interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	TxStatus() byte
	IsClosed() bool
	Close(ctx context.Context) error
}

// pgxWire adapts *pgx.Conn to the wire interface. Everything forwards except
// TxStatus, which pgx keeps on the underlying PgConn.
type pgxWire struct {
	*pgx.Conn
}

func (w pgxWire) TxStatus() byte {
	return w.Conn.PgConn().TxStatus()
}

// Transaction status bytes as reported in ReadyForQuery.
const (
	TxStatusIdle   = 'I'
	TxStatusInTx   = 'T'
	TxStatusFailed = 'E'
)

// Conn is a single authenticated session. It records the identity facts
// captured during the handshake so callers can correlate with server-side
// activity views without spending a query.
type Conn struct {
	w             wire
	sid           uint32
	serverVersion capability.Version
	user          string

	closeOnce sync.Once
	closeErr  error
}

// newConn wraps an established wire. sid is the backend process ID from
// BackendKeyData; serverVersion comes from the server_version parameter
// status.
func newConn(w wire, sid uint32, serverVersion capability.Version, user string) *Conn {
	return &Conn{w: w, sid: sid, serverVersion: serverVersion, user: user}
}

// SID returns the server-side session identifier (the backend process ID).
// It is captured at connect time; reading it costs no round trip.
func (c *Conn) SID() uint32 {
	return c.sid
}

// ServerVersion reports the server version announced in the handshake.
func (c *Conn) ServerVersion() capability.Version {
	return c.serverVersion
}

// User returns the username this session authenticated as.
func (c *Conn) User() string {
	return c.user
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s?sid=%d", c.user, c.sid)
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.w.Exec(ctx, sql, args...)
}

// Query runs a query returning many rows.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.w.Query(ctx, sql, args...)
}

// QueryRow runs a query expected to return at most one row.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.w.QueryRow(ctx, sql, args...)
}

// TxStatus reports the session transaction status byte: TxStatusIdle outside
// a transaction, TxStatusInTx inside one, TxStatusFailed inside an aborted
// one.
func (c *Conn) TxStatus() byte {
	return c.w.TxStatus()
}

// InTransaction reports whether the session is inside a transaction,
// aborted or not.
func (c *Conn) InTransaction() bool {
	s := c.TxStatus()
	return s == TxStatusInTx || s == TxStatusFailed
}

// IsClosed reports whether the underlying connection is gone.
func (c *Conn) IsClosed() bool {
	return c.w.IsClosed()
}

// Close terminates the session. Safe to call more than once; later calls
// return the first result.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = dberr.Wrap(dberr.KindNetwork, "close", c.w.Close(ctx))
	})
	return c.closeErr
}
