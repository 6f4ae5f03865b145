// Package pgtest runs scripted PostgreSQL servers for tests using pgmock.
// A script is the exact message sequence one backend connection will speak;
// anything off-script fails the conversation. No real server is needed.
package pgtest

import (
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// MockServer wraps pgmock.Script with a listener for one scripted
// conversation.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewMockServer creates a scripted server listening on a random local port.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &MockServer{
		Script:   &pgmock.Script{Steps: steps},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the host:port the server is listening on.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// ConnString returns a connect string for the scripted server. TLS is off
// and queries use the simple protocol, so every exchange is a single Query
// message a script can expect verbatim.
func (m *MockServer) ConnString() string {
	return fmt.Sprintf("postgres://%s/pgrigdb?sslmode=disable&default_query_exec_mode=simple_protocol", m.Addr())
}

// Serve accepts a single connection and runs the script against it. Call it
// in a goroutine and collect the error after closing the client side.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// HandshakeSteps scripts a successful startup: any startup message is
// accepted, the server announces the given version, assigns the given
// backend process ID, and becomes ready. The process ID is what connection
// code should capture as the session identifier.
func HandshakeSteps(pid uint32, serverVersion string) []pgmock.Step {
	return []pgmock.Step{
		pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "server_version", Value: serverVersion}),
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: pid, SecretKey: 1}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// RejectStartupSteps scripts a server that refuses the startup with a fatal
// error, the way a wrong password or unknown database surfaces.
func RejectStartupSteps(code, message string) []pgmock.Step {
	return []pgmock.Step{
		pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     code,
			Message:  message,
		}),
	}
}

// ExpectQuery returns a step that expects the given simple query.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// ExpectAnyQuery returns a step that accepts any simple query. Use it when
// the exact text is driver-generated, such as client-side interpolation of
// query arguments.
func ExpectAnyQuery() pgmock.Step {
	return pgmock.ExpectAnyMessage(&pgproto3.Query{})
}

// SendRowDescription returns a step that sends column metadata.
func SendRowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow returns a step that sends one row of values in text format.
func SendDataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete returns a step that sends command completion.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery returns a step that reports readiness with the given
// transaction status: 'I' idle, 'T' in transaction, 'E' failed transaction.
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// SendError returns a step that sends an error response.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// WaitForClose returns a step that waits for the client to hang up.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// SimpleQuerySteps scripts one rowless statement: expect the query, complete
// it, return to idle.
func SimpleQuerySteps(query, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	}
}

// TextColumn describes a single text result column.
func TextColumn(name string) []pgproto3.FieldDescription {
	return []pgproto3.FieldDescription{{
		Name:                 []byte(name),
		DataTypeOID:          25,
		DataTypeSize:         -1,
		TypeModifier:         -1,
		Format:               0,
		TableAttributeNumber: 1,
	}}
}

// Int8Column describes a single bigint result column.
func Int8Column(name string) []pgproto3.FieldDescription {
	return []pgproto3.FieldDescription{{
		Name:                 []byte(name),
		DataTypeOID:          20,
		DataTypeSize:         8,
		TypeModifier:         -1,
		Format:               0,
		TableAttributeNumber: 1,
	}}
}

// SingleInt8Steps scripts a query returning exactly one bigint value.
func SingleInt8Steps(query, column string, value int64) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendRowDescription(Int8Column(column)),
		SendDataRow([][]byte{[]byte(fmt.Sprintf("%d", value))}),
		SendCommandComplete("SELECT 1"),
		SendReadyForQuery('I'),
	}
}
