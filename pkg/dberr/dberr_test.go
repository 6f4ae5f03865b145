package dberr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Kind and sentinel behavior
// =============================================================================

// TestError_SentinelMatching verifies that errors.Is matches an *Error against
// the sentinel for its kind and nothing else.
func TestError_SentinelMatching(t *testing.T) {
	err := Wrap(KindPoolExhausted, "acquire", errors.New("no free sessions"))

	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.NotErrorIs(t, err, ErrPoolClosed)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

// TestError_CausePreserved verifies the cause chain survives wrapping.
func TestError_CausePreserved(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Wrap(KindNetwork, "connect", fmt.Errorf("dial tcp: %w", cause))

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connect")
	assert.Contains(t, err.Error(), "network failure")
	assert.Contains(t, err.Error(), "connection reset by peer")
}

// TestWrap_NilCause verifies Wrap passes nil through.
func TestWrap_NilCause(t *testing.T) {
	assert.NoError(t, Wrap(KindNetwork, "connect", nil))
}

// TestKindOf verifies kind extraction through wrapping layers.
func TestKindOf(t *testing.T) {
	inner := Wrap(KindAuthentication, "connect", errors.New("password rejected"))
	outer := fmt.Errorf("pool warmup: %w", inner)

	assert.Equal(t, KindAuthentication, KindOf(outer))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

// =============================================================================
// Classification
// =============================================================================

func pgError(code string) error {
	return &pgconn.PgError{Severity: "FATAL", Code: code, Message: "test error"}
}

// TestClassify_SQLStates verifies the SQLSTATE to kind mapping for the codes
// the rig actually sees from servers.
func TestClassify_SQLStates(t *testing.T) {
	cases := []struct {
		name string
		code string
		want Kind
	}{
		{"invalid password", pgerrcode.InvalidPassword, KindAuthentication},
		{"invalid authorization", pgerrcode.InvalidAuthorizationSpecification, KindAuthentication},
		{"insufficient privilege", pgerrcode.InsufficientPrivilege, KindAuthentication},
		{"invalid role", pgerrcode.InvalidRoleSpecification, KindAuthentication},
		{"unknown database", pgerrcode.InvalidCatalogName, KindConfiguration},
		{"unknown schema", pgerrcode.InvalidSchemaName, KindConfiguration},
		{"syntax error", pgerrcode.SyntaxError, KindConfiguration},
		{"undefined object", pgerrcode.UndefinedObject, KindConfiguration},
		{"undefined table", pgerrcode.UndefinedTable, KindConfiguration},
		{"invalid parameter", pgerrcode.InvalidParameterValue, KindConfiguration},
		{"too many connections", pgerrcode.TooManyConnections, KindNetwork},
		{"admin shutdown", pgerrcode.AdminShutdown, KindNetwork},
		{"crash shutdown", pgerrcode.CrashShutdown, KindNetwork},
		{"connection failure class", pgerrcode.ConnectionFailure, KindNetwork},
		{"unrelated state", pgerrcode.DivisionByZero, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(pgError(tc.code)), "code %s", tc.code)
		})
	}
}

// TestClassify_WrappedPgError verifies classification sees through fmt wrapping.
func TestClassify_WrappedPgError(t *testing.T) {
	err := fmt.Errorf("failed to connect: %w", pgError(pgerrcode.InvalidPassword))
	assert.Equal(t, KindAuthentication, Classify(err))
}

// TestClassify_NetErrors verifies transport failures classify as network.
func TestClassify_NetErrors(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	assert.Equal(t, KindNetwork, Classify(opErr))

	dnsErr := &net.DNSError{Err: "no such host", Name: "db.invalid"}
	assert.Equal(t, KindNetwork, Classify(dnsErr))

	assert.Equal(t, KindNetwork, Classify(context.DeadlineExceeded))
}

// TestClassify_ExistingKindWins verifies an already-classified error keeps its
// kind instead of being reclassified.
func TestClassify_ExistingKindWins(t *testing.T) {
	err := Wrap(KindConfiguration, "parse", pgError(pgerrcode.InvalidPassword))
	assert.Equal(t, KindConfiguration, Classify(err))
}

// TestClassifyDial_Defaults verifies dial-time defaulting: no signal means the
// network, caller cancellation stays unclassified.
func TestClassifyDial_Defaults(t *testing.T) {
	assert.Equal(t, KindNetwork, ClassifyDial(errors.New("EOF")))
	assert.Equal(t, KindAuthentication, ClassifyDial(pgError(pgerrcode.InvalidPassword)))
	assert.Equal(t, KindUnknown, ClassifyDial(context.Canceled))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	assert.Equal(t, KindNetwork, ClassifyDial(ctx.Err()))
}
