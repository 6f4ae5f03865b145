package pgtest

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockServer_Handshake(t *testing.T) {
	steps := HandshakeSteps(7777, "18.3 (Debian 18.3-1.pgdg120+1)")
	steps = append(steps, WaitForClose())

	server := NewMockServer(t, steps...)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, server.ConnString())
	require.NoError(t, err)

	assert.EqualValues(t, 7777, conn.PgConn().PID())
	assert.Equal(t, "18.3 (Debian 18.3-1.pgdg120+1)", conn.PgConn().ParameterStatus("server_version"))

	require.NoError(t, conn.Close(ctx))
	require.NoError(t, <-errCh)
}

func TestMockServer_SingleInt8(t *testing.T) {
	const query = "select client_round_trips from pg_stat_session where pid = 42"

	steps := HandshakeSteps(1, "18.0")
	steps = append(steps, SingleInt8Steps(query, "client_round_trips", 7)...)
	steps = append(steps, WaitForClose())

	server := NewMockServer(t, steps...)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, server.ConnString())
	require.NoError(t, err)

	var n int64
	require.NoError(t, conn.QueryRow(ctx, query).Scan(&n))
	assert.EqualValues(t, 7, n)

	require.NoError(t, conn.Close(ctx))
	require.NoError(t, <-errCh)
}

func TestMockServer_RejectStartup(t *testing.T) {
	server := NewMockServer(t, RejectStartupSteps("28P01", "password authentication failed")...)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	_, err := pgx.Connect(context.Background(), server.ConnString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password authentication failed")
	<-errCh
}
