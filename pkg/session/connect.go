package session

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jstaube/pgrig/pkg/capability"
	"github.com/jstaube/pgrig/pkg/dberr"
)

// Credential holds a username and password for one backend identity.
// The password never appears in logs or string representations.
type Credential struct {
	username string
	password string
}

// NewCredential builds a Credential. An empty password is valid; some
// identities authenticate by other means.
func NewCredential(username, password string) Credential {
	return Credential{username: username, password: password}
}

// Username returns the username.
func (c Credential) Username() string {
	return c.username
}

// Password returns the password. Call it only at the point of
// authentication.
func (c Credential) Password() string {
	return c.password
}

// String returns a safe representation that never includes the password.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{username: %q, password: [REDACTED]}", c.username)
}

// GoString returns a safe string for %#v formatting that never includes the
// password.
func (c Credential) GoString() string {
	return fmt.Sprintf("Credential{username: %q, password: [REDACTED]}", c.username)
}

// Format implements fmt.Formatter to ensure the password is never printed.
func (c Credential) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('+') || f.Flag('#') {
			_, _ = fmt.Fprintf(f, "Credential{username: %q, password: [REDACTED]}", c.username)
		} else {
			_, _ = fmt.Fprintf(f, "{%s [REDACTED]}", c.username)
		}
	default:
		_, _ = fmt.Fprintf(f, "{%s [REDACTED]}", c.username)
	}
}

// MarshalJSON returns a JSON representation that never includes the
// password.
func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"username":%q,"password":"[REDACTED]"}`, c.username)), nil
}

// MarshalText returns a text representation that never includes the
// password.
func (c Credential) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Options are the recognized connect-time settings. There is no passthrough
// map of arbitrary parameters: a setting this struct does not name is not a
// setting, and typos fail at compile time instead of silently configuring
// nothing.
type Options struct {
	// ClientEncoding sets the session character encoding. Empty keeps the
	// server default. Names the server does not know are rejected during the
	// handshake and classify as configuration errors.
	ClientEncoding string

	// ApplicationName labels the session in pg_stat_activity.
	ApplicationName string

	// ConnectTimeout bounds the dial and handshake. Zero keeps the driver
	// default.
	ConnectTimeout time.Duration

	// BeforeConnect may adjust the fully built driver config before dialing.
	BeforeConnect func(ctx context.Context, cfg *pgx.ConnConfig) error

	// AfterConnect runs on the established session before Connect returns.
	// An error closes the session and fails the connect.
	AfterConnect func(ctx context.Context, conn *Conn) error
}

var encodingName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate rejects option values that can never work.
func (o Options) Validate() error {
	if o.ClientEncoding != "" && !encodingName.MatchString(o.ClientEncoding) {
		return dberr.Newf(dberr.KindConfiguration, "options", "client encoding %q is not an encoding name", o.ClientEncoding)
	}
	if o.ConnectTimeout < 0 {
		return dberr.Newf(dberr.KindConfiguration, "options", "connect timeout %s must not be negative", o.ConnectTimeout)
	}
	return nil
}

// Connect establishes one authenticated session. The connect string carries
// everything except identity; cred carries identity. The session identifier
// and server version are captured from the handshake, so a fresh Conn has
// made zero queries.
func Connect(ctx context.Context, connString string, cred Credential, opts Options) (*Conn, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindConfiguration, "connect", err)
	}
	cfg.User = cred.Username()
	if pw := cred.Password(); pw != "" {
		cfg.Password = pw
	}
	if opts.ClientEncoding != "" {
		cfg.RuntimeParams["client_encoding"] = opts.ClientEncoding
	}
	if opts.ApplicationName != "" {
		cfg.RuntimeParams["application_name"] = opts.ApplicationName
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnectTimeout = opts.ConnectTimeout
	}

	if opts.BeforeConnect != nil {
		if err := opts.BeforeConnect(ctx, cfg); err != nil {
			return nil, dberr.Wrap(dberr.KindConfiguration, "before connect", err)
		}
	}

	pgxConn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, dberr.Wrap(dberr.ClassifyDial(err), fmt.Sprintf("connect %s", cred.Username()), err)
	}

	pgConn := pgxConn.PgConn()
	serverVersion, _ := capability.Parse(pgConn.ParameterStatus("server_version"))
	conn := newConn(pgxWire{pgxConn}, pgConn.PID(), serverVersion, cred.Username())

	if opts.AfterConnect != nil {
		if err := opts.AfterConnect(ctx, conn); err != nil {
			_ = conn.Close(ctx)
			return nil, dberr.Wrap(dberr.Classify(err), fmt.Sprintf("after connect %s", cred.Username()), err)
		}
	}

	return conn, nil
}
