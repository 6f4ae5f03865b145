// Package config interprets the pgrig profile: who to connect as, where, and
// how the pool behaves. Values load from JSON, the environment, or prompts
// through SecretRefs, and resolve once per Resolver.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
)

// Session mode and drain policy names accepted in profiles.
const (
	SessionModeHomogeneous   = "homogeneous"
	SessionModeHeterogeneous = "heterogeneous"

	DrainFailFast = "fail-fast"
	DrainForce    = "force"
)

// Profile is the full pgrig configuration.
type Profile struct {
	// ConnectString locates the backend. An opaque DSN or URL; pgrig never
	// interprets it beyond handing it to the driver.
	ConnectString SecretRef `json:"connect_string,omitzero"`

	// Main is the credential pools and plain connections authenticate with.
	Main UserConfig `json:"main,omitzero"`

	// Proxy is an identity that sessions may run as via Main's delegation
	// rights. Optional.
	Proxy UserConfig `json:"proxy,omitzero"`

	// Admin is a privileged credential for the statistics side channel.
	// Optional.
	Admin UserConfig `json:"admin,omitzero"`

	Pool    PoolDefaults    `json:"pool,omitzero"`
	Connect ConnectDefaults `json:"connect,omitzero"`

	// Prometheus enables the metrics endpoint when present.
	Prometheus *PrometheusConfig `json:"prometheus,omitzero"`

	// FlightRecorder enables execution trace capture when present.
	FlightRecorder *FlightRecorderConfig `json:"flight_recorder,omitzero"`
}

// UserConfig names one credential.
type UserConfig struct {
	Username SecretRef `json:"username,omitzero"`
	Password SecretRef `json:"password,omitzero"`
}

// Resolve produces the username and password for this credential. The role
// names the credential in cache keys and error messages ("main", "proxy",
// "admin"). A missing password ref resolves to the empty string.
func (u UserConfig) Resolve(ctx context.Context, r *Resolver, role string) (username, password string, err error) {
	if u.Username.IsZero() {
		return "", "", fmt.Errorf("%s.username: not configured", role)
	}
	username, err = r.Resolve(ctx, role+".username", u.Username)
	if err != nil {
		return "", "", err
	}
	if !u.Password.IsZero() {
		password, err = r.Resolve(ctx, role+".password", u.Password)
		if err != nil {
			return "", "", err
		}
	}
	return username, password, nil
}

// IsZero reports an entirely unset credential.
func (u UserConfig) IsZero() bool {
	return u.Username.IsZero() && u.Password.IsZero()
}

// IsZero reports an entirely unset ref.
func (r SecretRef) IsZero() bool {
	return r == SecretRef{}
}

// PoolDefaults sizes and governs session pools built from this profile.
type PoolDefaults struct {
	// MinSize connections are opened up front. Default 1.
	MinSize int `json:"min_size,omitzero"`

	// MaxSize bounds live connections and concurrent checkouts. Default 4.
	MaxSize int `json:"max_size,omitzero"`

	// Increment is the growth batch when demand outruns the free set.
	// Default 1.
	Increment int `json:"increment,omitzero"`

	// WaitTimeout bounds how long an acquire waits for a free session.
	// Zero means fail immediately when the pool is exhausted.
	WaitTimeout Duration `json:"wait_timeout,omitzero"`

	// SessionMode is "homogeneous" (default; one identity) or
	// "heterogeneous" (per-acquire proxy identities allowed).
	SessionMode string `json:"session_mode,omitzero"`

	// RollbackOnRelease forces an open transaction back before a session
	// rejoins the free set. Default true.
	RollbackOnRelease *bool `json:"rollback_on_release,omitzero"`

	// DrainPolicy is "fail-fast" (default; close errors while sessions are
	// checked out) or "force" (terminate them).
	DrainPolicy string `json:"drain_policy,omitzero"`
}

func (p PoolDefaults) GetMinSize() int {
	if p.MinSize == 0 {
		return 1
	}
	return p.MinSize
}

func (p PoolDefaults) GetMaxSize() int {
	if p.MaxSize == 0 {
		return 4
	}
	return p.MaxSize
}

func (p PoolDefaults) GetIncrement() int {
	if p.Increment == 0 {
		return 1
	}
	return p.Increment
}

func (p PoolDefaults) GetSessionMode() string {
	if p.SessionMode == "" {
		return SessionModeHomogeneous
	}
	return p.SessionMode
}

func (p PoolDefaults) GetRollbackOnRelease() bool {
	if p.RollbackOnRelease == nil {
		return true
	}
	return *p.RollbackOnRelease
}

func (p PoolDefaults) GetDrainPolicy() string {
	if p.DrainPolicy == "" {
		return DrainFailFast
	}
	return p.DrainPolicy
}

// Validate rejects incoherent pool parameters. All problems are reported
// together.
func (p PoolDefaults) Validate() error {
	var errs []error

	if p.MinSize < 0 {
		errs = append(errs, fmt.Errorf("min_size %d must not be negative", p.MinSize))
	}
	if p.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("max_size %d must not be negative", p.MaxSize))
	}
	if p.GetMaxSize() < 1 {
		errs = append(errs, fmt.Errorf("max_size %d must be at least 1", p.GetMaxSize()))
	}
	if p.GetMinSize() > p.GetMaxSize() {
		errs = append(errs, fmt.Errorf("min_size %d must not exceed max_size %d", p.GetMinSize(), p.GetMaxSize()))
	}
	if p.Increment < 0 {
		errs = append(errs, fmt.Errorf("increment %d must not be negative", p.Increment))
	}
	if p.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("wait_timeout %s must not be negative", p.WaitTimeout))
	}
	switch p.GetSessionMode() {
	case SessionModeHomogeneous, SessionModeHeterogeneous:
	default:
		errs = append(errs, fmt.Errorf("session_mode %q is not one of %q, %q",
			p.SessionMode, SessionModeHomogeneous, SessionModeHeterogeneous))
	}
	switch p.GetDrainPolicy() {
	case DrainFailFast, DrainForce:
	default:
		errs = append(errs, fmt.Errorf("drain_policy %q is not one of %q, %q",
			p.DrainPolicy, DrainFailFast, DrainForce))
	}

	return errors.Join(errs...)
}

// ConnectDefaults are the recognized per-connection options. There is no
// passthrough map: an option the rig does not recognize is a config error at
// parse time, not a silent no-op at runtime.
type ConnectDefaults struct {
	// ClientEncoding sets the session character encoding. Empty keeps the
	// server default.
	ClientEncoding string `json:"client_encoding,omitzero"`

	// ApplicationName labels sessions in server-side activity views.
	ApplicationName string `json:"application_name,omitzero"`

	// ConnectTimeout bounds a single dial. Zero means the driver default.
	ConnectTimeout Duration `json:"connect_timeout,omitzero"`
}

// ParseProfile parses a JSON profile. Unknown fields are rejected.
func ParseProfile(data []byte) (*Profile, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &p, nil
}

// ReadProfileFile reads and parses a profile from the given path.
func ReadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Secrets returns an iterator over the configured refs in the profile, keyed
// by the parameter name used for caching and error messages.
func (p *Profile) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		emit := func(name string, ref SecretRef) bool {
			if ref.IsZero() {
				return true
			}
			return yield(name, ref)
		}
		if !emit("connect_string", p.ConnectString) {
			return
		}
		for _, cred := range []struct {
			role string
			user UserConfig
		}{
			{"main", p.Main},
			{"proxy", p.Proxy},
			{"admin", p.Admin},
		} {
			if !emit(cred.role+".username", cred.user.Username) {
				return
			}
			if !emit(cred.role+".password", cred.user.Password) {
				return
			}
		}
	}
}

// ResolveConnectString resolves the backend location.
func (p *Profile) ResolveConnectString(ctx context.Context, r *Resolver) (string, error) {
	if p.ConnectString.IsZero() {
		return "", fmt.Errorf("connect_string: not configured")
	}
	return r.Resolve(ctx, "connect_string", p.ConnectString)
}

// Validate verifies the profile is coherent and every configured ref
// resolves. It does not stop at the first error; all errors are accumulated
// and returned together. Resolution may prompt, and the answers stay cached
// on the resolver.
func (p *Profile) Validate(ctx context.Context, resolver *Resolver) error {
	var errs []error

	if err := p.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if p.Prometheus != nil {
		if err := p.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}
	if p.FlightRecorder != nil {
		if err := p.FlightRecorder.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flight_recorder: %w", err))
		}
	}

	for path, ref := range p.Secrets() {
		if _, err := resolver.Resolve(ctx, path, ref); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
