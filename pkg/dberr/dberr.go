// Package dberr maps driver, pool, and gate failures onto the small set of
// kinds callers branch on. The kind tells the caller the remedy: fix the
// credential, fix the configuration, look at the network, back off the pool,
// or skip the feature.
package dberr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindNetwork
	KindConfiguration
	KindPoolExhausted
	KindPoolClosed
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication failed"
	case KindNetwork:
		return "network failure"
	case KindConfiguration:
		return "invalid configuration"
	case KindPoolExhausted:
		return "pool exhausted"
	case KindPoolClosed:
		return "pool closed"
	case KindUnsupported:
		return "feature not supported"
	default:
		return "unknown error"
	}
}

// Kind sentinels. errors.Is(err, dberr.ErrPoolClosed) matches any *Error
// carrying that kind, regardless of operation or cause.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNetwork        = errors.New("network failure")
	ErrConfiguration  = errors.New("invalid configuration")
	ErrPoolExhausted  = errors.New("pool exhausted")
	ErrPoolClosed     = errors.New("pool closed")
	ErrUnsupported    = errors.New("feature not supported")
)

func sentinel(k Kind) error {
	switch k {
	case KindAuthentication:
		return ErrAuthentication
	case KindNetwork:
		return ErrNetwork
	case KindConfiguration:
		return ErrConfiguration
	case KindPoolExhausted:
		return ErrPoolExhausted
	case KindPoolClosed:
		return ErrPoolClosed
	case KindUnsupported:
		return ErrUnsupported
	default:
		return nil
	}
}

// Error carries a kind alongside the operation that failed and its cause.
// The cause is never discarded.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var _ error = &Error{}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

// New builds an *Error with no underlying cause.
func New(kind Kind, op string, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to cause. A nil cause returns nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf reports the kind recorded on err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Classify infers a kind from a raw driver or transport error. Server errors
// classify by SQLSTATE class; transport errors by net error shape. Errors with
// no signal (including context.Canceled, which belongs to the caller) report
// KindUnknown and the call site picks its own default.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.InvalidPassword,
			pgerrcode.InvalidAuthorizationSpecification,
			pgerrcode.InsufficientPrivilege,
			pgerrcode.InvalidRoleSpecification:
			return KindAuthentication
		case pgerrcode.InvalidCatalogName,
			pgerrcode.InvalidSchemaName,
			pgerrcode.SyntaxError,
			pgerrcode.UndefinedObject,
			pgerrcode.InvalidParameterValue:
			return KindConfiguration
		case pgerrcode.TooManyConnections:
			return KindNetwork
		}
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return KindAuthentication
		case strings.HasPrefix(pgErr.Code, "42"):
			// Statements referencing objects that do not exist. InsufficientPrivilege
			// is carved out above.
			return KindConfiguration
		case strings.HasPrefix(pgErr.Code, "08"):
			return KindNetwork
		case strings.HasPrefix(pgErr.Code, "57"):
			// Operator intervention: admin shutdown, crash shutdown.
			return KindNetwork
		}
		return KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// ClassifyDial is Classify with dial-time defaults: an error with no other
// signal happened while reaching or handshaking the server, so it reports
// KindNetwork. context.Canceled still passes through as KindUnknown.
func ClassifyDial(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if k := Classify(err); k != KindUnknown {
		return k
	}
	return KindNetwork
}
