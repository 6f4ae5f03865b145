// Package roundtrip measures the network round trips a backend session
// consumes. A tracker watches one session through an independent observer
// connection; sampling the counter over the observed session itself would
// add the measurement queries to the count being measured.
package roundtrip

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/jstaube/pgrig/pkg/dberr"
)

// DefaultStatsQuery reads the cumulative client round-trip counter for one
// backend process. $1 receives the session identifier; the query must
// return a single bigint.
const DefaultStatsQuery = "select client_round_trips from pg_stat_session where pid = $1"

// Session identifies a backend session to observe. Factory connections and
// pool checkouts both qualify.
type Session interface {
	SID() uint32
}

// StatsSource reads the cumulative round-trip counter for a session. The
// counter is non-decreasing for the lifetime of the session; it starts over
// only when the session is torn down and recreated.
type StatsSource interface {
	SessionRoundTrips(ctx context.Context, sid uint32) (int64, error)
}

// AdminConn is the privileged side channel an AdminSource queries. It must
// be a live session of its own so its identity can be checked against the
// tracked one.
type AdminConn interface {
	Session
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AdminSource reads round-trip counters from the backend's statistics views
// over a dedicated privileged connection. The connection carries statistics
// queries only, never application data.
type AdminSource struct {
	conn  AdminConn
	query string
}

// NewAdminSource wraps an administrative connection. An empty query selects
// DefaultStatsQuery; pass a different one for backends that expose the
// counter elsewhere.
func NewAdminSource(conn AdminConn, query string) (*AdminSource, error) {
	if conn == nil {
		return nil, dberr.New(dberr.KindConfiguration, "round trips", "administrative connection is required")
	}
	if query == "" {
		query = DefaultStatsQuery
	}
	return &AdminSource{conn: conn, query: query}, nil
}

// SID returns the observer's own session identifier.
func (s *AdminSource) SID() uint32 {
	return s.conn.SID()
}

// SessionRoundTrips reads the counter for the given session.
func (s *AdminSource) SessionRoundTrips(ctx context.Context, sid uint32) (int64, error) {
	var n int64
	err := s.conn.QueryRow(ctx, s.query, sid).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, dberr.Newf(dberr.KindConfiguration, "round trips", "session %d has no statistics row; it may have exited", sid)
	}
	if err != nil {
		return 0, dberr.Wrap(dberr.Classify(err), "round trips", err)
	}
	return n, nil
}

// Tracker reports the round trips one session consumed between samples.
//
// Key properties:
//   - The tracked session identifier is captured once and held for the
//     tracker's lifetime.
//   - Delta is relative to the previous sample: two calls with no
//     intervening work on the tracked session return 0.
//   - A Tracker serves one caller at a time.
type Tracker struct {
	sid  uint32
	src  StatsSource
	prev int64
}

// Track opens a tracker for the given session and primes the baseline
// sample. The source must observe from a different session than the tracked
// one.
func Track(ctx context.Context, sess Session, src StatsSource) (*Tracker, error) {
	if sess == nil {
		return nil, dberr.New(dberr.KindConfiguration, "round trips", "a session to track is required")
	}
	if src == nil {
		return nil, dberr.New(dberr.KindConfiguration, "round trips", "a statistics source is required")
	}
	if obs, ok := src.(Session); ok && obs.SID() == sess.SID() {
		return nil, dberr.Newf(dberr.KindConfiguration, "round trips",
			"observer shares session %d with the tracked connection; its own statistics queries would be counted", sess.SID())
	}

	sid := sess.SID()
	n, err := src.SessionRoundTrips(ctx, sid)
	if err != nil {
		return nil, err
	}
	return &Tracker{sid: sid, src: src, prev: n}, nil
}

// SID returns the tracked session identifier.
func (t *Tracker) SID() uint32 {
	return t.sid
}

// Delta returns the round trips consumed since the previous sample and
// makes the current reading the new baseline. A counter below the baseline
// means the session was recreated; the reading becomes the new baseline and
// the delta reported is 0.
func (t *Tracker) Delta(ctx context.Context) (int64, error) {
	cur, err := t.src.SessionRoundTrips(ctx, t.sid)
	if err != nil {
		return 0, err
	}
	delta := cur - t.prev
	if delta < 0 {
		delta = 0
	}
	t.prev = cur
	return delta, nil
}
