// Package mock provides an in-memory platform that tests drive by hand.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
)

// Platform is a scriptable platform.Platform.
type Platform struct {
	mu            sync.Mutex
	unsupported   bool
	offline       bool
	controlled    bool
	registered    bool
	registerErr   error
	registerCalls int
	reloads       int
	registration  *Registration
}

// NewPlatform returns a supported, online platform. controlled tells whether an agent
// controls the page from the start.
func NewPlatform(controlled bool) *Platform {
	return &Platform{
		controlled:   controlled,
		registration: &Registration{listeners: make(map[int]func(platform.Event))},
	}
}

// NewUnsupportedPlatform returns a platform without background agent support.
func NewUnsupportedPlatform() *Platform {
	p := NewPlatform(false)
	p.unsupported = true
	return p
}

func (p *Platform) Supported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unsupported
}

func (p *Platform) Register(ctx context.Context, _ string, _ platform.RegisterOptions) (platform.Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerCalls++
	if p.registerErr != nil {
		return nil, p.registerErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.registered = true
	return p.registration, nil
}

func (p *Platform) Lookup(_ context.Context) (platform.Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.registered {
		return nil, nil
	}
	return p.registration, nil
}

func (p *Platform) Controlled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.controlled
}

func (p *Platform) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.offline
}

func (p *Platform) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
}

// SetRegisterError makes every following Register call fail with err.
func (p *Platform) SetRegisterError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerErr = err
}

// SetOffline toggles the reported network state.
func (p *Platform) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = offline
}

// MarkRegistered makes Lookup find the registration without a Register call.
func (p *Platform) MarkRegistered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = true
}

func (p *Platform) RegisterCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registerCalls
}

func (p *Platform) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Registration returns the single registration of the platform.
func (p *Platform) Registration() *Registration {
	return p.registration
}

// Registration is a scriptable platform.Registration.
type Registration struct {
	mu         sync.Mutex
	updates    int
	updateErr  error
	onUpdate   func()
	block      chan struct{}
	entered    chan struct{}
	waiting    *Agent
	listeners  map[int]func(platform.Event)
	nextID     int
	activating bool
}

func (r *Registration) Update(ctx context.Context) error {
	r.mu.Lock()
	r.updates++
	block := r.block
	entered := r.entered
	err := r.updateErr
	onUpdate := r.onUpdate
	r.mu.Unlock()

	if onUpdate != nil {
		onUpdate()
	}

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *Registration) Waiting() platform.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return nil
	}
	return r.waiting
}

func (r *Registration) Subscribe(fn func(platform.Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.listeners, id)
		})
	}
}

// Updates returns the number of Update calls that reached the registration.
func (r *Registration) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// Listeners returns the number of attached lifecycle listeners.
func (r *Registration) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// SetUpdateError makes every following Update call fail with err.
func (r *Registration) SetUpdateError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr = err
}

// OnUpdate runs fn inside every following Update call, before it returns.
func (r *Registration) OnUpdate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

// BlockUpdates holds every Update call until the returned release function is called.
// The entered channel receives a value whenever an Update call starts.
func (r *Registration) BlockUpdates() (entered <-chan struct{}, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block = make(chan struct{})
	r.entered = make(chan struct{}, 16)
	block := r.block

	var once sync.Once
	return r.entered, func() {
		once.Do(func() { close(block) })
	}
}

// ActivateOnSkipWaiting makes SkipWaiting hand control to the agent and raise the
// controller change right away, as a browser would.
func (r *Registration) ActivateOnSkipWaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activating = true
}

// Emit delivers ev synchronously to every listener.
func (r *Registration) Emit(ev platform.Event) {
	r.mu.Lock()
	listeners := make([]func(platform.Event), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Park sets the waiting agent without raising any event.
func (r *Registration) Park(id string) *Agent {
	a := &Agent{id: id, registration: r}
	r.mu.Lock()
	r.waiting = a
	r.mu.Unlock()
	return a
}

// Install raises the installing and installed events for a new agent and parks it.
func (r *Registration) Install(id string, hadController bool) *Agent {
	r.Emit(platform.Event{Kind: platform.EventInstalling, AgentID: id, HadController: hadController})
	a := r.Park(id)
	r.Emit(platform.Event{Kind: platform.EventInstalled, AgentID: id, HadController: hadController})
	return a
}

// Agent is a scriptable platform.Agent.
type Agent struct {
	id           string
	registration *Registration

	mu        sync.Mutex
	skipCalls int
	skipErr   error
}

func (a *Agent) ID() string {
	return a.id
}

func (a *Agent) SkipWaiting() error {
	a.mu.Lock()
	a.skipCalls++
	err := a.skipErr
	a.mu.Unlock()
	if err != nil {
		return err
	}

	r := a.registration
	r.mu.Lock()
	activate := r.activating && r.waiting == a
	if activate {
		r.waiting = nil
	}
	r.mu.Unlock()

	if activate {
		r.Emit(platform.Event{Kind: platform.EventControllerChange, AgentID: a.id, HadController: true})
	}
	return nil
}

// SkipWaitingCalls returns how many activation messages the agent received.
func (a *Agent) SkipWaitingCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.skipCalls
}

// FailSkipWaiting makes the activation message fail.
func (a *Agent) FailSkipWaiting() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipErr = errors.New("agent unreachable")
}
