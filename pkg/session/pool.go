package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/puddle/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jstaube/pgrig/pkg/dberr"
)

// DrainPolicy selects what Close does about connections still checked out.
type DrainPolicy int

const (
	// DrainFailFast refuses to close while connections are checked out. The
	// pool stays open and usable.
	DrainFailFast DrainPolicy = iota

	// DrainForce closes every connection immediately, including ones still
	// checked out. Their holders see network errors on next use.
	DrainForce
)

func (d DrainPolicy) String() string {
	switch d {
	case DrainFailFast:
		return "fail-fast"
	case DrainForce:
		return "force"
	default:
		return fmt.Sprintf("DrainPolicy(%d)", int(d))
	}
}

// releaseTimeout bounds the statements run while returning a connection to
// the free set, and the close of an evicted connection. Release itself takes
// no context.
const releaseTimeout = 5 * time.Second

// ErrSessionsCheckedOut is the cause of a refused Close under the fail-fast
// drain policy. The pool stays open and usable after the refusal.
var ErrSessionsCheckedOut = errors.New("sessions are checked out")

// DialFunc opens one authenticated physical connection. The pool calls it
// outside all locks.
type DialFunc func(ctx context.Context, cred Credential) (*Conn, error)

// PoolConfig configures a Pool. Base and ConnString are required unless a
// custom Dial is supplied.
type PoolConfig struct {
	// ConnString locates the backend. Identity comes from Base, never from
	// the connect string.
	ConnString string

	// Base is the identity the pool dials with. In a heterogeneous pool it
	// is also the identity that must hold membership in any role passed to
	// AcquireAs without a password.
	Base Credential

	// Options apply to every dial.
	Options Options

	// MinSize connections are established before NewPool returns. Zero
	// starts empty.
	MinSize int

	// MaxSize bounds both live connections and concurrent checkouts.
	MaxSize int

	// Increment is how many connections to establish when demand outgrows
	// the free set. The acquirer dials one; the rest warm up in the
	// background. Zero behaves as 1.
	Increment int

	// WaitTimeout is how long Acquire waits for capacity. Zero fails
	// immediately when the pool is exhausted.
	WaitTimeout time.Duration

	// Heterogeneous permits AcquireAs. A homogeneous pool serves exactly one
	// identity.
	Heterogeneous bool

	// RollbackOnRelease rolls back any open transaction when a connection
	// returns to the free set. When disabled, a connection released inside a
	// transaction is evicted instead; the free set never holds a session
	// with transaction state.
	RollbackOnRelease bool

	// Drain selects Close behavior when connections are checked out.
	Drain DrainPolicy

	// Dial replaces the default dialer. Tests use this to run the pool
	// against scripted connections.
	Dial DialFunc

	// Logger receives pool lifecycle events. Nil means slog.Default().
	Logger *slog.Logger
}

// Validate rejects configurations the pool cannot run with.
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("max size %d must be at least 1", c.MaxSize))
	}
	if c.MinSize < 0 {
		errs = append(errs, fmt.Errorf("min size %d must not be negative", c.MinSize))
	}
	if c.MinSize > c.MaxSize {
		errs = append(errs, fmt.Errorf("min size %d must not exceed max size %d", c.MinSize, c.MaxSize))
	}
	if c.Increment < 0 {
		errs = append(errs, fmt.Errorf("increment %d must not be negative", c.Increment))
	}
	if c.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("wait timeout %s must not be negative", c.WaitTimeout))
	}
	if c.Dial == nil && c.ConnString == "" {
		errs = append(errs, errors.New("connect string is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return dberr.Wrap(dberr.KindConfiguration, "pool config", err)
	}
	return nil
}

// slot is one unit of pool capacity. It may hold an established connection
// or be empty; an empty slot is the right to dial.
type slot struct {
	conn *Conn
}

// Pool hands out authenticated sessions up to a fixed capacity.
//
// Key properties:
//   - At most MaxSize connections exist, and at most MaxSize are checked out,
//     at any moment.
//   - Capacity is granted through puddle resources created once up front, so
//     waiting acquirers queue inside puddle and wake on release or close.
//   - A granted resource is a slot that may already hold a connection. The
//     holder dials into an empty slot outside all locks; slow dials never
//     block other acquires or releases.
//   - Broken connections are closed and leave an empty slot behind; the next
//     acquirer of that slot redials. The pool never hands out a connection
//     that failed its release health check.
type Pool struct {
	cfg    PoolConfig
	dial   DialFunc
	logger *slog.Logger

	tickets *puddle.Pool[*slot]

	// closeCtx is canceled when Close commits to closing, waking blocked
	// acquirers.
	closeCtx  context.Context
	closeStop context.CancelFunc

	mu        sync.Mutex
	closed    bool
	checkouts map[*PooledConn]struct{}

	warmers sync.WaitGroup

	liveConns atomic.Int32
	dialing   atomic.Int32
	waiting   atomic.Int32
	evictions atomic.Int64
}

// NewPool establishes MinSize connections and returns a running pool. A dial
// failure during warmup closes everything and reports the classified error;
// bad credentials fail pool creation, not the first acquire.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Increment == 0 {
		cfg.Increment = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:       cfg,
		logger:    logger,
		checkouts: make(map[*PooledConn]struct{}),
	}
	p.dial = cfg.Dial
	if p.dial == nil {
		p.dial = func(ctx context.Context, cred Credential) (*Conn, error) {
			return Connect(ctx, cfg.ConnString, cred, cfg.Options)
		}
	}
	p.closeCtx, p.closeStop = context.WithCancel(context.Background())

	tickets, err := puddle.NewPool(&puddle.Config[*slot]{
		Constructor: func(ctx context.Context) (*slot, error) {
			return &slot{}, nil
		},
		Destructor: func(s *slot) {
			if s.conn != nil {
				closeCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
				_ = s.conn.Close(closeCtx)
				cancel()
				s.conn = nil
			}
		},
		MaxSize: int32(cfg.MaxSize),
	})
	if err != nil {
		p.closeStop()
		return nil, dberr.Wrap(dberr.KindConfiguration, "pool", err)
	}
	p.tickets = tickets

	// Create every slot now. Capacity questions are thereafter answered
	// entirely by acquire and release; the constructor never runs again.
	for i := 0; i < cfg.MaxSize; i++ {
		if err := tickets.CreateResource(ctx); err != nil {
			p.closeStop()
			tickets.Close()
			return nil, dberr.Wrap(dberr.KindConfiguration, "pool", err)
		}
	}

	if err := p.warmup(ctx); err != nil {
		p.closeStop()
		tickets.Close()
		return nil, err
	}

	return p, nil
}

// warmup establishes the initial MinSize connections in parallel.
func (p *Pool) warmup(ctx context.Context) error {
	if p.cfg.MinSize == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MinSize; i++ {
		g.Go(func() error {
			res, err := p.tickets.TryAcquire(gctx)
			if err != nil {
				return dberr.Wrap(dberr.KindConfiguration, "pool warmup", err)
			}
			conn, err := p.dialTracked(gctx, p.cfg.Base)
			if err != nil {
				res.Release()
				return err
			}
			res.Value().conn = conn
			res.Release()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// dialTracked dials and maintains the live and in-flight counters.
func (p *Pool) dialTracked(ctx context.Context, cred Credential) (*Conn, error) {
	p.dialing.Add(1)
	defer p.dialing.Add(-1)

	conn, err := p.dial(ctx, cred)
	if err != nil {
		return nil, err
	}
	p.liveConns.Add(1)
	p.logger.Debug("session established",
		"user", conn.User(),
		"sid", conn.SID(),
		"server_version", conn.ServerVersion())
	return conn, nil
}

// discard closes a connection and counts the eviction.
func (p *Pool) discard(conn *Conn, reason string) {
	closeCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_ = conn.Close(closeCtx)
	p.liveConns.Add(-1)
	p.evictions.Add(1)
	p.logger.Debug("session evicted", "user", conn.User(), "sid", conn.SID(), "reason", reason)
}

// Acquire checks out a session as the pool's base identity. It blocks up to
// WaitTimeout when the pool is at capacity; a zero WaitTimeout fails
// immediately with a pool-exhausted error. Closing the pool wakes blocked
// acquirers with a pool-closed error.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	return p.acquire(ctx, p.cfg.Base, "")
}

// AcquireAs checks out a session running as a different identity, reusing
// the pool's capacity. Only heterogeneous pools permit it.
//
// With an empty password the pool switches an existing base session to the
// named role; the backend must have granted that role to the base identity,
// and a refusal surfaces as an authentication error with pool counts
// unchanged. With a password the pool dedicates a physical connection
// authenticated as that identity, redialing a capacity slot if it currently
// holds a different identity's connection.
func (p *Pool) AcquireAs(ctx context.Context, cred Credential) (*PooledConn, error) {
	if !p.cfg.Heterogeneous {
		return nil, dberr.New(dberr.KindConfiguration, "acquire", "pool is homogeneous; per-acquire identities need a heterogeneous pool")
	}
	if cred.Username() == "" {
		return nil, dberr.New(dberr.KindConfiguration, "acquire", "identity username is empty")
	}
	if cred.Password() == "" {
		return p.acquire(ctx, p.cfg.Base, cred.Username())
	}
	return p.acquire(ctx, cred, "")
}

// acquire wins a capacity slot, makes sure it holds a connection
// authenticated as physCred, and optionally switches it to role.
func (p *Pool) acquire(ctx context.Context, physCred Credential, role string) (*PooledConn, error) {
	if p.isClosed() {
		return nil, dberr.New(dberr.KindPoolClosed, "acquire", "pool is closed")
	}

	res, err := p.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}

	s := res.Value()

	// The slot must hold a connection matching the wanted physical
	// identity. Anything else is closed and redialed.
	if s.conn != nil && (s.conn.User() != physCred.Username() || s.conn.IsClosed()) {
		reason := "identity change"
		if s.conn.IsClosed() {
			reason = "connection lost"
		}
		p.discard(s.conn, reason)
		s.conn = nil
	}

	dialed := false
	if s.conn == nil {
		conn, err := p.dialTracked(ctx, physCred)
		if err != nil {
			res.Release()
			return nil, err
		}
		s.conn = conn
		dialed = true
	}

	conn := s.conn

	if role != "" {
		if err := p.switchRole(ctx, conn, role); err != nil {
			// The base session is untouched and stays pooled. Counts are
			// exactly as they were before the call.
			res.Release()
			return nil, err
		}
	}

	pc := &PooledConn{
		pool:        p,
		res:         res,
		conn:        conn,
		id:          uuid.New(),
		sessionUser: conn.User(),
		role:        role,
	}
	if role != "" {
		pc.sessionUser = role
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Lost the race with Close. Undo everything.
		p.discard(conn, "pool closed")
		s.conn = nil
		res.Release()
		return nil, dberr.New(dberr.KindPoolClosed, "acquire", "pool is closed")
	}
	p.checkouts[pc] = struct{}{}
	p.mu.Unlock()

	if dialed && p.cfg.Increment > 1 {
		p.warmAhead(p.cfg.Increment - 1)
	}

	return pc, nil
}

// acquireSlot wins one capacity unit according to the wait policy.
func (p *Pool) acquireSlot(ctx context.Context) (*puddle.Resource[*slot], error) {
	if p.cfg.WaitTimeout == 0 {
		res, err := p.tickets.TryAcquire(ctx)
		if err != nil {
			return nil, p.slotErr(ctx, err)
		}
		return res, nil
	}

	// Waking on pool close is folded into the acquire context.
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	res, err := p.tickets.Acquire(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.slotErr(ctx, err)
	}
	return res, nil
}

func (p *Pool) slotErr(ctx context.Context, err error) error {
	switch {
	case p.isClosed() || errors.Is(err, puddle.ErrClosedPool):
		return dberr.New(dberr.KindPoolClosed, "acquire", "pool is closed")
	case errors.Is(err, puddle.ErrNotAvailable):
		return dberr.Newf(dberr.KindPoolExhausted, "acquire", "all %d connections are checked out", p.cfg.MaxSize)
	case errors.Is(err, context.DeadlineExceeded):
		return dberr.Newf(dberr.KindPoolExhausted, "acquire", "no capacity within %s", p.cfg.WaitTimeout)
	case errors.Is(err, context.Canceled):
		if ctx.Err() == nil {
			// Canceled by pool close rather than the caller.
			return dberr.New(dberr.KindPoolClosed, "acquire", "pool is closed")
		}
		return err
	default:
		return dberr.Wrap(dberr.KindUnknown, "acquire", err)
	}
}

// switchRole moves an established base session to the named role. Refusals
// classify as authentication errors.
func (p *Pool) switchRole(ctx context.Context, conn *Conn, role string) error {
	sql := "set role " + pgx.Identifier{role}.Sanitize()
	if _, err := conn.Exec(ctx, sql); err != nil {
		kind := dberr.Classify(err)
		if kind == dberr.KindUnknown || kind == dberr.KindConfiguration {
			// Unknown roles and missing grants both mean this identity is
			// not allowed here.
			kind = dberr.KindAuthentication
		}
		return dberr.Wrap(kind, fmt.Sprintf("acquire as %s", role), err)
	}
	return nil
}

// warmAhead establishes up to n base connections in the background,
// stopping early when capacity is taken. Dial failures only log; demand
// that hits an empty slot redials with a live error path.
func (p *Pool) warmAhead(n int) {
	for i := 0; i < n; i++ {
		res, err := p.tickets.TryAcquire(context.Background())
		if err != nil {
			return
		}
		if res.Value().conn != nil {
			res.ReleaseUnused()
			continue
		}
		p.warmers.Add(1)
		go func(res *puddle.Resource[*slot]) {
			defer p.warmers.Done()
			ctx, cancel := context.WithTimeout(p.closeCtx, releaseTimeout)
			defer cancel()
			conn, err := p.dialTracked(ctx, p.cfg.Base)
			if err != nil {
				p.logger.Debug("background dial failed", "error", err)
				res.Release()
				return
			}
			res.Value().conn = conn
			res.Release()
		}(res)
	}
}

// Release returns a checked-out session to the pool. Equivalent to calling
// Release on the connection itself.
func (p *Pool) Release(pc *PooledConn) {
	pc.Release()
}

// release is the single return path. It owns pc.conn exclusively until the
// slot resource is released.
func (p *Pool) release(pc *PooledConn) {
	p.mu.Lock()
	delete(p.checkouts, pc)
	closed := p.closed
	severed := pc.severed
	p.mu.Unlock()

	s := pc.res.Value()
	conn := pc.conn

	if severed {
		// Close already terminated this connection and counted it.
		s.conn = nil
		pc.res.Release()
		return
	}

	evict := func(reason string) {
		p.discard(conn, reason)
		s.conn = nil
		pc.res.Release()
	}

	if closed {
		evict("pool closed")
		return
	}
	if pc.broken.Load() || conn.IsClosed() {
		evict("marked broken")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if conn.InTransaction() {
		if !p.cfg.RollbackOnRelease {
			evict("released inside transaction")
			return
		}
		if _, err := conn.Exec(ctx, "rollback"); err != nil {
			p.logger.Warn("rollback on release failed", "sid", conn.SID(), "error", err)
			evict("rollback failed")
			return
		}
	}
	if pc.role != "" {
		if _, err := conn.Exec(ctx, "reset role"); err != nil {
			p.logger.Warn("role reset on release failed", "sid", conn.SID(), "error", err)
			evict("role reset failed")
			return
		}
	}

	// A close that started during normalization would miss this connection
	// in its sweep; hand it the eviction instead of the free set.
	p.mu.Lock()
	closed = p.closed
	p.mu.Unlock()
	if closed {
		evict("pool closed")
		return
	}

	// The connection rejoins the free set before the capacity unit is
	// handed on.
	pc.res.Release()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close shuts the pool down according to the drain policy.
//
// Fail-fast refuses while sessions are checked out, returning an error and
// leaving the pool open. Force closes every session immediately, including
// checked-out ones; their holders get network errors on next use and their
// releases find the pool closed.
//
// Either way, blocked acquirers wake with a pool-closed error. Close is
// idempotent once it succeeds.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	busy := len(p.checkouts)
	if busy > 0 && p.cfg.Drain == DrainFailFast {
		p.mu.Unlock()
		return dberr.Wrap(dberr.KindConfiguration, "close",
			fmt.Errorf("%w: %d still checked out", ErrSessionsCheckedOut, busy))
	}
	p.closed = true
	var held []*PooledConn
	for pc := range p.checkouts {
		pc.severed = true
		held = append(held, pc)
	}
	p.mu.Unlock()

	// Wake acquirers blocked on capacity.
	p.closeStop()

	// Sever checked-out sessions (force drain only; the fail-fast path got
	// here with none). Their releases see the severed mark and only return
	// capacity.
	for _, pc := range held {
		p.discard(pc.conn, "force close")
	}

	p.warmers.Wait()

	// Drain idle capacity. Holding everything drained until the sweep ends
	// keeps the loop from revisiting slots it just emptied.
	var drained []*puddle.Resource[*slot]
	for {
		res, err := p.tickets.TryAcquire(ctx)
		if err != nil {
			break
		}
		drained = append(drained, res)
	}
	for _, res := range drained {
		if c := res.Value().conn; c != nil {
			p.discard(c, "pool closed")
			res.Value().conn = nil
		}
		res.Release()
	}

	// Slots still out belong to in-flight acquires or releases; their
	// owners see the closed flag and empty them. Shutting the capacity pool
	// down would block on them, so it only happens when none are out.
	if p.tickets.Stat().AcquiredResources() == 0 {
		p.tickets.Close()
	}

	p.logger.Info("pool closed", "drained", busy, "policy", p.cfg.Drain.String())
	return nil
}

// PoolStat is a point-in-time snapshot of pool usage.
type PoolStat struct {
	MaxSize    int32
	Live       int32
	Idle       int32
	CheckedOut int32
	Dialing    int32
	Waiting    int32

	Evictions            int64
	AcquireCount         int64
	EmptyAcquireCount    int64
	CanceledAcquireCount int64
	AcquireDuration      time.Duration
}

// Stat reports usage counters. Idle is derived and momentarily approximate
// while checkouts are in flight.
func (p *Pool) Stat() PoolStat {
	ts := p.tickets.Stat()
	live := p.liveConns.Load()
	checkedOut := ts.AcquiredResources()
	idle := live - checkedOut
	if idle < 0 {
		idle = 0
	}
	return PoolStat{
		MaxSize:              int32(p.cfg.MaxSize),
		Live:                 live,
		Idle:                 idle,
		CheckedOut:           checkedOut,
		Dialing:              p.dialing.Load(),
		Waiting:              p.waiting.Load(),
		Evictions:            p.evictions.Load(),
		AcquireCount:         ts.AcquireCount(),
		EmptyAcquireCount:    ts.EmptyAcquireCount(),
		CanceledAcquireCount: ts.CanceledAcquireCount(),
		AcquireDuration:      ts.AcquireDuration(),
	}
}
