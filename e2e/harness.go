// Package e2e drives the rig against a live PostgreSQL-wire backend. The
// suite is opt-in: every test skips unless PGRIG_E2E_DSN names a reachable
// server.
package e2e

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/jstaube/pgrig/pkg/session"
)

// Environment variables consulted by the suite.
const (
	// EnvDSN locates the backend and carries the identity to authenticate
	// with. Unset skips the whole suite.
	EnvDSN = "PGRIG_E2E_DSN"

	// EnvProxyRole names a role the DSN identity holds membership in.
	// Unset skips the delegation tests.
	EnvProxyRole = "PGRIG_E2E_PROXY_ROLE"

	// EnvStatsQuery is a one-parameter query returning the cumulative
	// round-trip counter for a session PID. Unset skips the tracker tests;
	// stock PostgreSQL does not expose such a counter.
	EnvStatsQuery = "PGRIG_E2E_STATS_QUERY"
)

// Harness carries the backend location and identity shared by the suite.
type Harness struct {
	t      *testing.T
	dsn    string
	cred   session.Credential
	logger *slog.Logger
}

// NewHarness reads the suite environment, skipping the test when no backend
// is configured.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skipf("%s not set; skipping live-backend suite", EnvDSN)
	}

	cfg, err := pgx.ParseConfig(dsn)
	require.NoError(t, err, "parse %s", EnvDSN)

	return &Harness{
		t:      t,
		dsn:    dsn,
		cred:   session.NewCredential(cfg.User, cfg.Password),
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

// DSN returns the backend connect string.
func (h *Harness) DSN() string {
	return h.dsn
}

// Credential returns the identity extracted from the DSN.
func (h *Harness) Credential() session.Credential {
	return h.cred
}

// Logger returns the suite logger.
func (h *Harness) Logger() *slog.Logger {
	return h.logger
}

// Options returns the connect options the suite dials with.
func (h *Harness) Options() session.Options {
	return session.Options{ApplicationName: "pgrig-e2e"}
}

// Connect opens one session and closes it when the test ends.
func (h *Harness) Connect(ctx context.Context) *session.Conn {
	h.t.Helper()

	conn, err := session.Connect(ctx, h.dsn, h.cred, h.Options())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

// NewPool builds a pool against the live backend. mutate may adjust the
// defaults before construction. The pool force-drains when the test ends.
func (h *Harness) NewPool(ctx context.Context, mutate func(*session.PoolConfig)) *session.Pool {
	h.t.Helper()

	cfg := session.PoolConfig{
		ConnString:        h.dsn,
		Base:              h.cred,
		Options:           h.Options(),
		MinSize:           1,
		MaxSize:           4,
		Increment:         1,
		WaitTimeout:       5 * time.Second,
		RollbackOnRelease: true,
		Drain:             session.DrainForce,
		Logger:            h.logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	pool, err := session.NewPool(ctx, cfg)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return pool
}

// Exec runs one statement on a throwaway session, for setup and teardown.
func (h *Harness) Exec(ctx context.Context, sql string) {
	h.t.Helper()

	conn, err := session.Connect(ctx, h.dsn, h.cred, h.Options())
	require.NoError(h.t, err)
	defer func() { _ = conn.Close(ctx) }()

	_, err = conn.Exec(ctx, sql)
	require.NoError(h.t, err)
}
