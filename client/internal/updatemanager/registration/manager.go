package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
)

const revalidateKey = "revalidate"

var (
	// ErrRegistrationUnsupported is returned when the host cannot run background agents.
	ErrRegistrationUnsupported = errors.New("background agent registration unsupported")
	// ErrRegistrationFailed wraps any host error raised while registering or looking up.
	ErrRegistrationFailed = errors.New("background agent registration failed")
	// ErrRevalidation wraps any host error raised by an update check.
	ErrRevalidation = errors.New("revalidation failed")
)

// Mode selects how the handle is obtained.
type Mode int

const (
	// ModeRegister registers the agent bundle at the configured endpoint.
	ModeRegister Mode = iota
	// ModeLookup only retrieves a registration some other party already made.
	ModeLookup
)

func (m Mode) String() string {
	if m == ModeLookup {
		return "lookup"
	}
	return "register"
}

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "register":
		return ModeRegister, nil
	case "lookup":
		return ModeLookup, nil
	default:
		return ModeRegister, fmt.Errorf("unknown registration mode %q", s)
	}
}

// Options configure the registration call.
type Options struct {
	Mode     Mode
	Endpoint string
	platform.RegisterOptions
}

// Manager obtains and retains the registration handle of the session and exposes the
// revalidation primitive on it.
type Manager struct {
	platform platform.Platform
	opts     Options

	// acquireMu serializes Acquire, mu guards the fields below it
	acquireMu sync.Mutex
	mu        sync.Mutex
	handle    platform.Registration
	// pending counts revalidations whose outcome was not delivered yet
	pending  int
	settling bool
	settled  []func()

	group singleflight.Group
}

// NewManager creates a Manager. Nothing is registered until Acquire is called.
func NewManager(p platform.Platform, opts Options) *Manager {
	return &Manager{
		platform: p,
		opts:     opts,
	}
}

// Acquire registers the agent or looks up an existing registration, depending on the
// configured mode. A handle that was acquired once is returned again without another
// host call. Failures are never retried here.
func (m *Manager) Acquire(ctx context.Context) (platform.Registration, error) {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	if handle := m.Handle(); handle != nil {
		return handle, nil
	}

	if m.platform == nil || !m.platform.Supported() {
		return nil, ErrRegistrationUnsupported
	}

	var (
		handle platform.Registration
		err    error
	)
	switch m.opts.Mode {
	case ModeLookup:
		handle, err = m.platform.Lookup(ctx)
		if err == nil && handle == nil {
			err = errors.New("no active registration for origin")
		}
	default:
		if m.opts.Endpoint == "" {
			return nil, fmt.Errorf("%w: endpoint not configured", ErrRegistrationFailed)
		}
		handle, err = m.platform.Register(ctx, m.opts.Endpoint, m.opts.RegisterOptions)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	log.Debugf("background agent registration acquired, mode: %s, endpoint: %s", m.opts.Mode, m.opts.Endpoint)
	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()
	return handle, nil
}

// Handle returns the acquired registration or nil.
func (m *Manager) Handle() platform.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Revalidate asks the host to look for a newer agent bundle. It does not block: the
// returned channel receives the outcome once. Requests issued while a check is already
// running share that check instead of starting another one. Without a handle, while the
// host is offline or once Settle was called, the request completes immediately with a nil
// error.
func (m *Manager) Revalidate(ctx context.Context) <-chan error {
	res := make(chan error, 1)

	handle := m.Handle()
	if handle == nil {
		log.Tracef("skipping revalidation, no registration")
		res <- nil
		return res
	}

	if !m.platform.Online() {
		log.Tracef("skipping revalidation, host is offline")
		res <- nil
		return res
	}

	m.mu.Lock()
	if m.settling {
		m.mu.Unlock()
		log.Tracef("skipping revalidation, registration is settling")
		res <- nil
		return res
	}
	m.pending++
	m.mu.Unlock()

	ch := m.group.DoChan(revalidateKey, func() (interface{}, error) {
		return nil, handle.Update(ctx)
	})

	go func() {
		r := <-ch
		m.complete()
		if r.Err != nil {
			res <- fmt.Errorf("%w: %v", ErrRevalidation, r.Err)
			return
		}
		res <- nil
	}()

	return res
}

// Settle stops accepting revalidations and runs fn once every revalidation issued so far
// has completed. Without pending revalidations fn runs before Settle returns, otherwise it
// runs on the goroutine that completes the last one. Settle never blocks, so it is safe to
// call from a listener the host invokes while an update is running.
func (m *Manager) Settle(fn func()) {
	m.mu.Lock()
	m.settling = true
	if m.pending > 0 {
		m.settled = append(m.settled, fn)
		pending := m.pending
		m.mu.Unlock()
		log.Debugf("waiting for %d pending revalidations to settle", pending)
		return
	}
	m.mu.Unlock()

	fn()
}

func (m *Manager) complete() {
	m.mu.Lock()
	m.pending--
	var fns []func()
	if m.pending == 0 {
		fns = m.settled
		m.settled = nil
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
