// Package manifest implements the agent lifecycle on hosts without a browser. Every
// published version behind a plain text endpoint is treated as an agent bundle: a newer
// version installs and parks, activation promotes it to the running controller.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
	"github.com/netbirdio/swupdate/version"
)

// ErrNotWaiting is returned by SkipWaiting when the agent was superseded or already activated.
var ErrNotWaiting = errors.New("agent is not waiting")

// Option configures a Platform.
type Option func(*Platform)

// WithCurrentVersion sets the version running when the platform is created. Without it
// the first published version installs as the initial controller. A value that is not a
// version, e.g. a development build, runs as 0.0.0 and is superseded by any release.
func WithCurrentVersion(v string) Option {
	return func(p *Platform) {
		if v == "" {
			return
		}
		p.controller = version.Parse(v)
		if p.controller.String() != v {
			log.Debugf("running version %q compared as %s", v, p.controller)
		}
	}
}

// WithReloadFunc sets the hook run when the controller handoff requires a reload.
func WithReloadFunc(fn func(version string)) Option {
	return func(p *Platform) {
		p.reload = fn
	}
}

// WithOnlineFunc sets the probe consulted before every update check.
func WithOnlineFunc(fn func() bool) Option {
	return func(p *Platform) {
		p.online = fn
	}
}

// WithFetcherFactory replaces the construction of version fetchers, mostly for custom HTTP clients.
func WithFetcherFactory(fn func(endpoint string) *version.Fetcher) Option {
	return func(p *Platform) {
		p.newFetcher = fn
	}
}

// Platform is a platform.Platform backed by a version endpoint.
type Platform struct {
	newFetcher func(endpoint string) *version.Fetcher
	reload     func(version string)
	online     func() bool

	mu           sync.Mutex
	controller   *goversion.Version
	registration *Registration
}

// New creates a Platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		newFetcher: func(endpoint string) *version.Fetcher {
			return version.NewFetcher(endpoint, nil)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Platform) Supported() bool {
	return true
}

// Register binds the platform to endpoint. Registering again with the same endpoint
// returns the existing registration.
func (p *Platform) Register(ctx context.Context, endpoint string, opts platform.RegisterOptions) (platform.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, errors.New("empty endpoint")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registration != nil {
		if p.registration.fetcher.URL() != endpoint {
			return nil, fmt.Errorf("origin already registered with %s", p.registration.fetcher.URL())
		}
		return p.registration, nil
	}

	log.Debugf("registering version endpoint %s, scope: %q", endpoint, opts.Scope)
	p.registration = &Registration{
		platform:  p,
		fetcher:   p.newFetcher(endpoint),
		listeners: make(map[int]func(platform.Event)),
	}
	return p.registration, nil
}

func (p *Platform) Lookup(_ context.Context) (platform.Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registration == nil {
		return nil, nil
	}
	return p.registration, nil
}

func (p *Platform) Controlled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.controller != nil
}

// Controller returns the version currently in control, or an empty string.
func (p *Platform) Controller() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.controller == nil {
		return ""
	}
	return p.controller.String()
}

func (p *Platform) Online() bool {
	if p.online == nil {
		return true
	}
	return p.online()
}

func (p *Platform) Reload() {
	current := p.Controller()
	if p.reload == nil {
		log.Infof("reload requested, now running %s", current)
		return
	}
	p.reload(current)
}

// promote hands control to v and reports whether a controller existed before.
func (p *Platform) promote(v *goversion.Version) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	had := p.controller != nil
	p.controller = v
	return had
}

func (p *Platform) current() *goversion.Version {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.controller
}

// Registration tracks the newest published version against the running controller.
type Registration struct {
	platform *Platform
	fetcher  *version.Fetcher

	mu        sync.Mutex
	waiting   *Agent
	listeners map[int]func(platform.Event)
	nextID    int
}

// Update fetches the published version. A version newer than both the controller and the
// parked agent installs as a new agent. Without a controller the first agent takes control
// right away.
func (r *Registration) Update(ctx context.Context) error {
	latest, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	controller := r.platform.current()
	if !version.IsNewer(latest, controller) {
		return nil
	}

	r.mu.Lock()
	previous := r.waiting
	if previous != nil && !latest.GreaterThan(previous.version) {
		r.mu.Unlock()
		return nil
	}
	if controller = r.platform.current(); !version.IsNewer(latest, controller) {
		// activated while fetching
		r.mu.Unlock()
		return nil
	}
	agent := &Agent{id: latest.String(), version: latest, registration: r}
	r.mu.Unlock()

	hadController := controller != nil
	log.Debugf("installing agent %s, controller: %v", agent.id, controller)

	r.emit(platform.Event{Kind: platform.EventInstalling, AgentID: agent.id, HadController: hadController})
	if previous != nil {
		r.emit(platform.Event{Kind: platform.EventRedundant, AgentID: previous.id, HadController: hadController})
	}

	r.mu.Lock()
	r.waiting = agent
	r.mu.Unlock()
	r.emit(platform.Event{Kind: platform.EventInstalled, AgentID: agent.id, HadController: hadController})

	if !hadController {
		// the first agent claims the host immediately
		return agent.activate()
	}
	return nil
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

func (r *Registration) emit(ev platform.Event) {
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

// Agent is one published version.
type Agent struct {
	id           string
	version      *goversion.Version
	registration *Registration
}

func (a *Agent) ID() string {
	return a.id
}

// SkipWaiting promotes the agent to controller and raises the controller change.
func (a *Agent) SkipWaiting() error {
	return a.activate()
}

func (a *Agent) activate() error {
	r := a.registration
	r.mu.Lock()
	if r.waiting != a {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWaiting, a.id)
	}
	r.waiting = nil
	r.mu.Unlock()

	had := r.platform.promote(a.version)
	r.emit(platform.Event{Kind: platform.EventControllerChange, AgentID: a.id, HadController: had})
	return nil
}
