package updatemanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/swupdate/client/internal/metrics"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/registration"
)

// Coordinator owns the update-available flag of one session. It listens to the lifecycle
// of agents installing against the registration handle, arbitrates the sources of update
// checks and drives the activation of a waiting candidate.
//
// All state changes go through Transition under a single lock in the order the events
// arrive. Side effects run after the lock was released.
type Coordinator struct {
	cfg          Config
	platform     platform.Platform
	registration *registration.Manager
	metrics      *metrics.UpdateMetrics
	log          *log.Entry

	mu          sync.Mutex
	state       State
	started     bool
	stopped     bool
	unsubscribe func()
	regErr      error
	lastTrigger string
	hasTrigger  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}
}

// NewCoordinator creates a session against the given platform. Nothing happens until Start.
func NewCoordinator(p platform.Platform, cfg Config) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		platform:     p,
		registration: registration.NewManager(p, cfg.registrationOptions()),
		log:          log.WithField("session", xid.New().String()),
		ready:        make(chan struct{}),
	}
}

// WithMetrics attaches a metrics recorder. Must be called before Start.
func (c *Coordinator) WithMetrics(m *metrics.UpdateMetrics) *Coordinator {
	c.metrics = m
	return c
}

// Start acquires the registration in the background, attaches the lifecycle listener and
// starts the periodic check. It never blocks and never fails: registration errors are
// logged and leave the session with updates disabled.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.log.Errorf("update coordinator already started")
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(runCtx)
}

// Ready is closed once the registration attempt finished, successfully or not.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Stop detaches the lifecycle listener, stops the timer and waits for pending checks.
// Events arriving afterwards are ignored.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
	c.log.Debugf("update coordinator stopped")
}

// NeedsRefresh reports whether an update is waiting for the caller's consent.
func (c *Coordinator) NeedsRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.NeedRefresh
}

// OfflineReady reports whether the first agent finished installing in this session.
func (c *Coordinator) OfflineReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.OfflineReady
}

// Snapshot returns a copy of the session state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegistrationErr returns the error of the registration attempt, if any.
func (c *Coordinator) RegistrationErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regErr
}

// Dismiss hides the notification without activating. The candidate stays parked.
func (c *Coordinator) Dismiss() {
	c.dispatch(Event{Kind: EventDismiss})
}

// Apply tells the waiting candidate to take control. With reload the application is
// reloaded once the platform reports the handoff, otherwise the flag is cleared right away
// and reloading is left to the caller. Without a waiting candidate Apply does nothing.
func (c *Coordinator) Apply(reload bool) {
	c.dispatch(Event{Kind: EventApply, Reload: reload})
}

// RevalidateNow asks for an update check regardless of the Enabled switch.
func (c *Coordinator) RevalidateNow() {
	c.revalidate(metrics.SourceManual)
}

// Trigger checks for an update when key differs from the key of the previous call, e.g.
// on a route change. The first key only primes the comparison.
func (c *Coordinator) Trigger(key string) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	changed := c.hasTrigger && c.lastTrigger != key
	c.lastTrigger = key
	c.hasTrigger = true
	c.mu.Unlock()

	if changed {
		c.revalidate(metrics.SourceTrigger)
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	handle, err := c.registration.Acquire(ctx)
	if err != nil {
		c.registrationFailed(ctx, err)
		close(c.ready)
		return
	}

	if !c.attach(handle) {
		close(c.ready)
		return
	}
	c.metrics.RecordRegistration(ctx, metrics.RegistrationOK)

	if c.cfg.OnRegistered != nil {
		c.cfg.OnRegistered(handle)
	}

	if waiting := handle.Waiting(); waiting != nil {
		c.log.Debugf("agent %s already waiting at registration", waiting.ID())
		c.dispatch(Event{Kind: EventInstalled, AgentID: waiting.ID(), HadController: c.platform.Controlled()})
	}
	close(c.ready)

	if !c.cfg.Enabled {
		return
	}

	ticker := time.NewTicker(c.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.revalidate(metrics.SourceTimer)
		}
	}
}

func (c *Coordinator) attach(handle platform.Registration) bool {
	unsubscribe := handle.Subscribe(c.handlePlatformEvent)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		unsubscribe()
		return false
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	return true
}

func (c *Coordinator) registrationFailed(ctx context.Context, err error) {
	c.mu.Lock()
	c.regErr = err
	c.mu.Unlock()

	if errors.Is(err, registration.ErrRegistrationUnsupported) {
		c.log.Infof("background agents are not supported, update detection disabled")
		c.metrics.RecordRegistration(ctx, metrics.RegistrationUnsupported)
	} else {
		c.log.Errorf("background agent registration error: %v", err)
		c.metrics.RecordRegistration(ctx, metrics.RegistrationFailed)
	}

	if c.cfg.OnRegisterError != nil {
		c.cfg.OnRegisterError(err)
	}
}

func (c *Coordinator) handlePlatformEvent(pe platform.Event) {
	ev := Event{AgentID: pe.AgentID, HadController: pe.HadController}
	switch pe.Kind {
	case platform.EventInstalling:
		ev.Kind = EventInstalling
	case platform.EventInstalled:
		ev.Kind = EventInstalled
	case platform.EventRedundant:
		ev.Kind = EventRedundant
	case platform.EventControllerChange:
		ev.Kind = EventControllerChange
	default:
		c.log.Tracef("ignoring platform event %s", pe.Kind)
		return
	}
	c.dispatch(ev)
}

func (c *Coordinator) dispatch(ev Event) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	prev := c.state
	next, effects := Transition(prev, ev)
	c.state = next
	c.mu.Unlock()

	if prev.Phase != next.Phase {
		c.log.Debugf("update state %s -> %s on %s", prev.Phase, next.Phase, ev.Kind)
	}

	for _, effect := range effects {
		c.execute(effect)
	}
}

func (c *Coordinator) execute(effect Effect) {
	ctx := c.context()

	switch effect.Kind {
	case EffectSkipWaiting:
		c.skipWaiting(ctx, effect)
	case EffectReload:
		// pending update checks finish before the session ends
		c.registration.Settle(func() {
			c.metrics.RecordReload(ctx)
			c.log.Infof("controller handed off to agent %s, reloading", effect.AgentID)
			c.platform.Reload()
		})
	case EffectNotifyNeedRefresh:
		c.metrics.RecordUpdateDetected(ctx)
		c.log.Infof("new version available, agent %s is waiting", effect.AgentID)
		if c.cfg.OnNeedRefresh != nil {
			c.cfg.OnNeedRefresh()
		}
	case EffectNotifyOfflineReady:
		c.log.Debugf("agent %s installed, application ready to work offline", effect.AgentID)
		if c.cfg.OnOfflineReady != nil {
			c.cfg.OnOfflineReady()
		}
	}
}

func (c *Coordinator) skipWaiting(ctx context.Context, effect Effect) {
	var agent platform.Agent
	if handle := c.registration.Handle(); handle != nil {
		agent = handle.Waiting()
	}

	if agent == nil || agent.ID() != effect.AgentID {
		c.log.Warnf("agent %s is no longer waiting, activation skipped", effect.AgentID)
		c.dispatch(Event{Kind: EventActivationFailed, AgentID: effect.AgentID})
		return
	}

	c.metrics.RecordActivation(ctx, effect.Reload)
	if err := agent.SkipWaiting(); err != nil {
		c.log.Errorf("failed to activate agent %s: %v", effect.AgentID, err)
		c.dispatch(Event{Kind: EventActivationFailed, AgentID: effect.AgentID})
	}
}

func (c *Coordinator) revalidate(source metrics.RevalidationSource) {
	if c.registration.Handle() == nil {
		c.log.Tracef("update check from %s skipped, no registration", source)
		return
	}

	c.mu.Lock()
	if c.stopped || c.state.Phase == PhaseReloading {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.wg.Add(1)
	c.mu.Unlock()

	errCh := c.registration.Revalidate(ctx)
	go func() {
		defer c.wg.Done()
		err := <-errCh
		if err != nil {
			c.log.Debugf("update check from %s failed: %v", source, err)
		}
		c.metrics.RecordRevalidation(ctx, source, err != nil)
	}()
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}
