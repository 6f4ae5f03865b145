package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jstaube/pgrig/pkg/config"
)

// Recorder keeps a ring buffer of recent execution trace data and writes
// snapshots of it when something interesting happens: a pool acquire that
// stalled, SIGUSR1, or an explicit request over HTTP.
type Recorder struct {
	fr     *trace.FlightRecorder
	cfg    *config.FlightRecorderConfig
	logger *slog.Logger

	mu           sync.Mutex
	lastSnapshot time.Time

	snapshots atomic.Int64
	stopOnce  sync.Once
	done      chan struct{}
}

// RecorderStatus is the JSON shape of the status endpoint.
type RecorderStatus struct {
	Enabled        bool      `json:"enabled"`
	Running        bool      `json:"running"`
	OutputDir      string    `json:"output_dir"`
	MinAge         string    `json:"min_age"`
	MaxBytes       int64     `json:"max_bytes"`
	LastSnapshot   time.Time `json:"last_snapshot,omitzero"`
	SnapshotCount  int64     `json:"snapshot_count"`
	Cooldown       string    `json:"cooldown"`
	OnAcquireStall string    `json:"on_acquire_stall,omitzero"`
}

// NewRecorder builds a recorder from the profile's flight recorder section.
// A nil config means recording is disabled and the returned recorder is
// nil; every method is safe on nil.
func NewRecorder(cfg *config.FlightRecorderConfig, logger *slog.Logger) *Recorder {
	if cfg == nil {
		return nil
	}
	return &Recorder{
		fr: trace.NewFlightRecorder(trace.FlightRecorderConfig{
			MinAge:   cfg.GetMinAge(),
			MaxBytes: uint64(cfg.GetMaxBytes()),
		}),
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins recording into the ring buffer.
func (s *Recorder) Start() error {
	if s == nil {
		return nil
	}
	if err := os.MkdirAll(s.cfg.GetOutputDir(), 0o755); err != nil {
		return fmt.Errorf("flight recorder output dir: %w", err)
	}
	if err := s.fr.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	s.logger.Info("flight recorder started",
		"output_dir", s.cfg.GetOutputDir(),
		"min_age", s.cfg.GetMinAge(),
		"max_bytes", s.cfg.GetMaxBytes(),
	)
	return nil
}

// Stop ends recording. Safe to call more than once.
func (s *Recorder) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.done)
		if s.fr.Enabled() {
			s.fr.Stop()
		}
		s.logger.Info("flight recorder stopped", "snapshot_count", s.snapshots.Load())
	})
}

// Enabled reports whether the recorder is currently running.
func (s *Recorder) Enabled() bool {
	return s != nil && s.fr.Enabled()
}

// TakeSnapshot writes the current ring buffer to a file named after the
// reason and returns its path. Manual snapshots ignore the cooldown.
func (s *Recorder) TakeSnapshot(reason string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("flight recorder not enabled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02T15-04-05")
	filename := fmt.Sprintf("pgrig-%s-%s.trace", timestamp, sanitizeFilename(reason))
	path := filepath.Join(s.cfg.GetOutputDir(), filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := s.fr.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close snapshot file: %w", err)
	}

	s.lastSnapshot = time.Now()
	s.snapshots.Add(1)
	s.logger.Info("flight recorder snapshot captured", "path", path, "reason", reason)
	return path, nil
}

// tryTakeSnapshot captures a snapshot unless the cooldown since the last
// one has not elapsed. Automatic triggers come through here.
func (s *Recorder) tryTakeSnapshot(reason string) (string, bool) {
	if s == nil {
		return "", false
	}

	s.mu.Lock()
	tooSoon := time.Since(s.lastSnapshot) < s.cfg.GetCooldown()
	s.mu.Unlock()
	if tooSoon {
		return "", false
	}

	path, err := s.TakeSnapshot(reason)
	if err != nil {
		s.logger.Error("automatic snapshot failed", "reason", reason, "error", err)
		return "", false
	}
	return path, true
}

// OnAcquireStall captures a snapshot when a pool acquire waited at least
// the configured threshold. The trace buffer then holds the moments that
// led to the stall.
func (s *Recorder) OnAcquireStall(wait time.Duration) {
	if s == nil {
		return
	}
	threshold := s.cfg.OnAcquireStall.Duration()
	if threshold <= 0 || wait < threshold {
		return
	}
	reason := fmt.Sprintf("acquire-stall-%dms", wait.Milliseconds())
	if path, ok := s.tryTakeSnapshot(reason); ok {
		s.logger.Warn("stalled acquire triggered snapshot",
			"wait", wait,
			"threshold", threshold,
			"path", path,
		)
	}
}

// WriteSnapshotTo streams the current ring buffer to w. The HTTP endpoint
// uses this to serve a snapshot without touching disk.
func (s *Recorder) WriteSnapshotTo(w io.Writer) error {
	if s == nil {
		return fmt.Errorf("flight recorder not enabled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fr.WriteTo(w); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.lastSnapshot = time.Now()
	s.snapshots.Add(1)
	return nil
}

// SetupSignalHandler captures a snapshot on SIGUSR1 until ctx ends or the
// recorder stops. Signal snapshots bypass the cooldown.
func (s *Recorder) SetupSignalHandler(ctx context.Context) {
	if s == nil || !s.cfg.GetOnSignal() {
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigCh)
				return
			case <-s.done:
				signal.Stop(sigCh)
				return
			case <-sigCh:
				path, err := s.TakeSnapshot("signal")
				if err != nil {
					s.logger.Error("signal snapshot failed", "error", err)
					continue
				}
				s.logger.Info("signal triggered snapshot", "path", path)
			}
		}
	}()

	s.logger.Info("flight recorder signal handler registered", "signal", "SIGUSR1")
}

// Status reports the recorder's state for the status endpoint.
func (s *Recorder) Status() RecorderStatus {
	if s == nil {
		return RecorderStatus{Enabled: false}
	}

	s.mu.Lock()
	lastSnapshot := s.lastSnapshot
	s.mu.Unlock()

	status := RecorderStatus{
		Enabled:       true,
		Running:       s.fr.Enabled(),
		OutputDir:     s.cfg.GetOutputDir(),
		MinAge:        s.cfg.GetMinAge().String(),
		MaxBytes:      s.cfg.GetMaxBytes(),
		LastSnapshot:  lastSnapshot,
		SnapshotCount: s.snapshots.Load(),
		Cooldown:      s.cfg.GetCooldown().String(),
	}
	if d := s.cfg.OnAcquireStall.Duration(); d > 0 {
		status.OnAcquireStall = d.String()
	}
	return status
}

// RegisterHTTPHandlers mounts the recorder's endpoints:
//
//	GET /debug/flight-recorder/snapshot — download a trace snapshot
//	GET /debug/flight-recorder/status   — recorder state as JSON
func (s *Recorder) RegisterHTTPHandlers(mux *http.ServeMux) {
	if s == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /debug/flight-recorder/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /debug/flight-recorder/status", s.handleStatus)
}

func (s *Recorder) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.Enabled() {
		http.Error(w, "flight recorder not running", http.StatusServiceUnavailable)
		return
	}

	timestamp := time.Now().Format("2006-01-02T15-04-05")
	filename := fmt.Sprintf("pgrig-%s.trace", timestamp)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.WriteSnapshotTo(w); err != nil {
		// The response may be partially written; only log.
		s.logger.Error("snapshot download failed", "error", err)
	}
}

func (s *Recorder) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Error("status encode failed", "error", err)
	}
}

// sanitizeFilename keeps snapshot filenames to a safe character set.
func sanitizeFilename(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		case c == ' ', c == '/', c == '\\':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
