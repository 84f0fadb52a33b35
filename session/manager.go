// Package session owns the lifecycle of the shared dataset handle and
// tracks client sessions. The handle is opened lazily on first use,
// expires after a configurable idle period, and is reopened transparently
// on the next access.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cevdata/pdtmatch/dataset"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session: manager closed")

// State is the lifecycle position of the managed handle.
type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Expired
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configure a Manager.
type Options struct {
	// Path is where the Parquet dataset lives (or lands after fetching).
	Path string

	// URL, when set, is fetched to Path if no valid local copy exists.
	URL string

	Fetch dataset.FetchOptions
	Open  dataset.Options

	// IdleTimeout expires the handle after this much inactivity. Zero
	// disables expiry.
	IdleTimeout time.Duration

	// OnReplace runs after the handle is dropped or replaced, before the
	// next one is opened. Used to purge result caches that reference the
	// old handle.
	OnReplace func()
}

// Manager serializes access to one dataset handle across all requests.
type Manager struct {
	opts Options

	// initMu serializes the (potentially slow) fetch-and-open path so
	// concurrent cold acquirers trigger a single initialization.
	initMu sync.Mutex

	mu       sync.Mutex
	state    State
	handle   *dataset.Handle
	lastErr  error
	lastUsed time.Time
	closed   bool

	// now is a test hook.
	now func() time.Time
}

// NewManager returns an unstarted manager; the dataset is not touched
// until the first Acquire.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, now: time.Now}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that put the manager into the Failed state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Acquire returns the ready handle, initializing or reviving it as
// needed. Every call counts as activity for idle-expiry purposes. A
// Failed manager retries initialization on the next Acquire.
func (m *Manager) Acquire(ctx context.Context) (*dataset.Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state == Ready {
		if m.opts.IdleTimeout > 0 && m.now().Sub(m.lastUsed) > m.opts.IdleTimeout {
			m.expireLocked()
		} else {
			m.lastUsed = m.now()
			h := m.handle
			m.mu.Unlock()
			return h, nil
		}
	}
	m.mu.Unlock()

	return m.initialize(ctx)
}

// Sweep expires the handle if it has been idle past the timeout, freeing
// its query memory. Reports whether an expiry happened. Intended to be
// called periodically.
func (m *Manager) Sweep() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Ready || m.opts.IdleTimeout <= 0 {
		return false
	}
	if m.now().Sub(m.lastUsed) <= m.opts.IdleTimeout {
		return false
	}
	m.expireLocked()
	slog.Info("dataset handle expired after idle timeout", "idle_timeout", m.opts.IdleTimeout)
	return true
}

// Close releases the handle permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.handle != nil {
		err := m.handle.Close()
		m.handle = nil
		m.state = Uninitialized
		return err
	}
	return nil
}

func (m *Manager) initialize(ctx context.Context) (*dataset.Handle, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	// Another acquirer may have finished initializing while this one
	// waited.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state == Ready {
		m.lastUsed = m.now()
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	m.state = Loading
	m.mu.Unlock()

	if m.opts.URL != "" {
		if err := dataset.Fetch(ctx, m.opts.URL, m.opts.Path, m.opts.Fetch); err != nil {
			m.fail(err)
			return nil, err
		}
	}

	h, err := dataset.Open(m.opts.Path, m.opts.Open)
	if err != nil {
		m.fail(err)
		return nil, err
	}

	m.mu.Lock()
	m.handle = h
	m.state = Ready
	m.lastErr = nil
	m.lastUsed = m.now()
	m.mu.Unlock()

	slog.Info("dataset handle ready", "path", m.opts.Path)
	return h, nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = Failed
	m.lastErr = err
	m.mu.Unlock()
	slog.Error("dataset initialization failed", "error", err)
}

// expireLocked drops the handle; the caller holds m.mu.
func (m *Manager) expireLocked() {
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	m.state = Expired
	if m.opts.OnReplace != nil {
		// Runs under the lock; hooks must not call back into the manager.
		m.opts.OnReplace()
	}
}
