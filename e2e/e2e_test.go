package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jstaube/pgrig/pkg/capability"
	"github.com/jstaube/pgrig/pkg/dberr"
	"github.com/jstaube/pgrig/pkg/docstore"
	"github.com/jstaube/pgrig/pkg/roundtrip"
	"github.com/jstaube/pgrig/pkg/script"
	"github.com/jstaube/pgrig/pkg/session"
)

// TestLive_ConnectReportsIdentity verifies the handshake capture matches
// what the server reports about the session.
func TestLive_ConnectReportsIdentity(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	conn := h.Connect(ctx)

	var pid uint32
	require.NoError(t, conn.QueryRow(ctx, "select pg_backend_pid()").Scan(&pid))
	assert.Equal(t, pid, conn.SID())

	var raw string
	require.NoError(t, conn.QueryRow(ctx, "show server_version").Scan(&raw))
	v, err := capability.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, v, conn.ServerVersion())

	assert.False(t, conn.InTransaction())
	require.NoError(t, conn.Close(ctx))
	require.NoError(t, conn.Close(ctx))
}

// TestLive_PoolReusesSessions verifies a released session comes back on the
// next acquire instead of a fresh dial.
func TestLive_PoolReusesSessions(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	pool := h.NewPool(ctx, nil)

	pc, err := pool.Acquire(ctx)
	require.NoError(t, err)
	sid := pc.SID()
	pc.Release()

	pc, err = pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, sid, pc.SID(), "released session must be reused")
	pc.Release()
}

// TestLive_PoolExhaustionFailsFast verifies a zero wait timeout fails
// immediately when every session is checked out.
func TestLive_PoolExhaustionFailsFast(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	pool := h.NewPool(ctx, func(c *session.PoolConfig) {
		c.MinSize = 0
		c.MaxSize = 1
		c.WaitTimeout = 0
	})

	pc, err := pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, dberr.ErrPoolExhausted)
	pc.Release()
}

// TestLive_PoolRollsBackOnRelease verifies a session released inside a
// transaction comes back clean.
func TestLive_PoolRollsBackOnRelease(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	pool := h.NewPool(ctx, func(c *session.PoolConfig) {
		c.MinSize = 1
		c.MaxSize = 1
	})

	pc, err := pool.Acquire(ctx)
	require.NoError(t, err)
	sid := pc.SID()

	_, err = pc.Exec(ctx, "begin")
	require.NoError(t, err)
	assert.True(t, pc.InTransaction())
	pc.Release()

	pc, err = pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, sid, pc.SID(), "rolled-back session must stay pooled")
	assert.False(t, pc.InTransaction())
	pc.Release()
}

// TestLive_ProxyDelegation verifies SET ROLE checkout runs as the proxy
// identity and the session resets on release.
func TestLive_ProxyDelegation(t *testing.T) {
	h := NewHarness(t)
	role := os.Getenv(EnvProxyRole)
	if role == "" {
		t.Skipf("%s not set; skipping delegation test", EnvProxyRole)
	}

	ctx := context.Background()
	pool := h.NewPool(ctx, func(c *session.PoolConfig) {
		c.Heterogeneous = true
		c.MinSize = 1
		c.MaxSize = 2
	})

	pc, err := pool.AcquireAs(ctx, session.NewCredential(role, ""))
	require.NoError(t, err)
	assert.Equal(t, role, pc.SessionUser())

	var current string
	require.NoError(t, pc.QueryRow(ctx, "select current_user").Scan(&current))
	assert.Equal(t, role, current)
	pc.Release()

	pc, err = pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pc.QueryRow(ctx, "select current_user").Scan(&current))
	assert.Equal(t, h.Credential().Username(), current, "role must reset on release")
	pc.Release()
}

// TestLive_Docstore verifies the keyed-document facade against real jsonb
// storage.
func TestLive_Docstore(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	conn := h.Connect(ctx)

	store, err := docstore.Open(conn)
	require.NoError(t, err)

	name := fmt.Sprintf("pgrig_e2e_docs_%d", os.Getpid())
	t.Cleanup(func() {
		h.Exec(context.Background(), "drop table if exists "+name)
	})

	col, err := store.Collection(ctx, name)
	require.NoError(t, err)

	type profile struct {
		Name string `json:"name"`
		Rank int    `json:"rank"`
	}

	require.NoError(t, col.Put(ctx, "ada", profile{Name: "Ada", Rank: 1}))
	require.NoError(t, col.Put(ctx, "grace", profile{Name: "Grace", Rank: 2}))

	var got profile
	require.NoError(t, col.Get(ctx, "ada", &got))
	assert.Equal(t, profile{Name: "Ada", Rank: 1}, got)

	keys, err := col.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ada", "grace"}, keys)

	removed, err := col.Remove(ctx, "ada")
	require.NoError(t, err)
	assert.True(t, removed)

	err = col.Get(ctx, "ada", &got)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	removed, err = col.Remove(ctx, "ada")
	require.NoError(t, err)
	assert.False(t, removed)
}

// TestLive_ScriptRunner verifies a parameterized lab script preflights and
// executes against the live server.
func TestLive_ScriptRunner(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	conn := h.Connect(ctx)

	table := fmt.Sprintf("pgrig_e2e_events_%d", os.Getpid())
	t.Cleanup(func() {
		h.Exec(context.Background(), "drop table if exists "+table)
	})

	src := `create table &events. (
    id bigint generated always as identity primary key,
    label text not null
)
/
insert into &events. (label) values ('&label')
/
insert into &events. (label) values ('&label')
/
`
	fsys := fstest.MapFS{
		"setup.sql": &fstest.MapFile{Data: []byte(src)},
	}
	r := script.Runner{
		Conn:   conn,
		Params: map[string]string{"events": table, "label": "live"},
		Logger: h.Logger(),
	}
	require.NoError(t, r.RunFile(ctx, fsys, "setup.sql"))

	var n int
	require.NoError(t, conn.QueryRow(ctx, "select count(*) from "+table).Scan(&n))
	assert.Equal(t, 2, n)
}

// TestLive_RoundTripTracker verifies delta accounting against a backend
// that exposes a per-session round-trip counter.
func TestLive_RoundTripTracker(t *testing.T) {
	h := NewHarness(t)
	query := os.Getenv(EnvStatsQuery)
	if query == "" {
		t.Skipf("%s not set; skipping tracker test", EnvStatsQuery)
	}

	ctx := context.Background()
	admin := h.Connect(ctx)
	tracked := h.Connect(ctx)

	src, err := roundtrip.NewAdminSource(admin, query)
	require.NoError(t, err)

	tr, err := roundtrip.Track(ctx, tracked, src)
	require.NoError(t, err)

	d, err := tr.Delta(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, d, "quiescent session must report zero")

	_, err = tracked.Exec(ctx, "select 1")
	require.NoError(t, err)

	d, err = tr.Delta(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, d, "one query is one round trip")

	d, err = tr.Delta(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, d)
}
