package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/assetcache/internal/metrics"
)

// State is a worker version's position in its lifecycle.
type State int32

const (
	StateUnregistered State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant marks a version whose install failed or that was replaced.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

type version struct {
	handler Handler
	state   atomic.Int32
}

func (v *version) set(s State) { v.state.Store(int32(s)) }

func (v *version) get() State { return State(v.state.Load()) }

// Snapshot describes the registration for health reporting.
type Snapshot struct {
	Active        string `json:"active,omitempty"`
	ActiveState   string `json:"activeState"`
	Pending       string `json:"pending,omitempty"`
	PendingState  string `json:"pendingState,omitempty"`
	LastInstallOK bool   `json:"lastInstallOk"`
	LastError     string `json:"lastError,omitempty"`
}

// Registration controls which worker version serves fetches for one scope.
// Lifecycle transitions are serialised; fetches read the active version
// without locking.
type Registration struct {
	network Doer
	metrics *metrics.Recorder
	logger  *slog.Logger

	mu sync.Mutex

	errMu   sync.RWMutex
	lastErr error

	pending atomic.Pointer[version]
	active  atomic.Pointer[version]
}

// NewRegistration returns an empty registration. Until a version activates,
// every fetch goes straight to network.
func NewRegistration(network Doer, rec *metrics.Recorder, logger *slog.Logger) *Registration {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registration{
		network: network,
		metrics: rec,
		logger:  logger.With(slog.String("agent", "registration")),
	}
}

// Register installs h and, only if that succeeds, activates it and hands it
// control. A failed install leaves the current controller in place and is
// returned to the caller. Sweep failures during activation are logged and
// reported but do not prevent the version from taking control.
func (r *Registration) Register(ctx context.Context, h Handler) (SweepReport, error) {
	if h == nil {
		return SweepReport{}, errors.New("worker: handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	v := &version{handler: h}
	v.set(StateInstalling)
	r.pending.Store(v)
	defer r.pending.Store(nil)
	logger := r.logger.With(slog.String("version", h.Version()))

	start := time.Now()
	if err := h.Install(ctx); err != nil {
		v.set(StateRedundant)
		r.setLastError(err)
		r.metrics.ObserveLifecycle(metrics.EventInstall, metrics.ResultFailed, time.Since(start))
		logger.Error("install failed", slog.Any("error", err))
		return SweepReport{}, err
	}
	v.set(StateInstalled)
	r.metrics.ObserveLifecycle(metrics.EventInstall, metrics.ResultSucceeded, time.Since(start))

	v.set(StateActivating)
	start = time.Now()
	report, err := h.Activate(ctx)
	if err != nil {
		r.metrics.ObserveLifecycle(metrics.EventActivate, metrics.ResultFailed, time.Since(start))
		logger.Warn("activation sweep failed", slog.Any("error", err))
	} else {
		r.metrics.ObserveLifecycle(metrics.EventActivate, metrics.ResultSucceeded, time.Since(start))
	}

	v.set(StateActive)
	if prev := r.active.Swap(v); prev != nil && prev != v {
		prev.set(StateRedundant)
	}
	r.setLastError(nil)
	logger.Info("worker version active")
	return report, nil
}

// Fetch routes req through the active version. The boolean reports whether
// the response came from cache.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, bool, error) {
	start := time.Now()
	var (
		resp *http.Response
		hit  bool
		err  error
	)
	if v := r.active.Load(); v != nil {
		resp, hit, err = v.handler.Fetch(ctx, req)
	} else {
		resp, err = r.network.Do(req)
	}

	source := metrics.SourceNetwork
	if hit {
		source = metrics.SourceCache
	}
	outcome := metrics.FetchOK
	if err != nil {
		outcome = metrics.FetchError
	}
	r.metrics.ObserveFetch(source, outcome, time.Since(start))
	return resp, hit, err
}

// Active returns the controlling version name, if any.
func (r *Registration) Active() (string, bool) {
	v := r.active.Load()
	if v == nil {
		return "", false
	}
	return v.handler.Version(), true
}

// Snapshot reports the active and in-flight versions.
func (r *Registration) Snapshot() Snapshot {
	snap := Snapshot{ActiveState: StateUnregistered.String(), LastInstallOK: true}
	if v := r.active.Load(); v != nil {
		snap.Active = v.handler.Version()
		snap.ActiveState = v.get().String()
	}
	if v := r.pending.Load(); v != nil {
		snap.Pending = v.handler.Version()
		snap.PendingState = v.get().String()
	}
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	if r.lastErr != nil {
		snap.LastInstallOK = false
		snap.LastError = r.lastErr.Error()
	}
	return snap
}

func (r *Registration) setLastError(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.lastErr = err
}
