//go:build js

// Package serviceworker binds the agent lifecycle to navigator.serviceWorker.
package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall/js"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
)

const skipWaitingMessage = "SKIP_WAITING"

// Platform is a platform.Platform for the browser main thread.
type Platform struct {
	mu           sync.Mutex
	registration *Registration
}

// New creates a Platform.
func New() *Platform {
	return &Platform{}
}

func container() js.Value {
	navigator := js.Global().Get("navigator")
	if navigator.IsUndefined() {
		return js.Undefined()
	}
	return navigator.Get("serviceWorker")
}

func (p *Platform) Supported() bool {
	c := container()
	return !c.IsUndefined() && !c.IsNull()
}

func (p *Platform) Register(ctx context.Context, endpoint string, opts platform.RegisterOptions) (platform.Registration, error) {
	jsOpts := js.Global().Get("Object").New()
	if opts.Scope != "" {
		jsOpts.Set("scope", opts.Scope)
	}
	if opts.UpdateViaCache != "" {
		jsOpts.Set("updateViaCache", opts.UpdateViaCache)
	}
	if opts.Type != "" {
		jsOpts.Set("type", opts.Type)
	}

	value, err := await(ctx, func() js.Value {
		return container().Call("register", endpoint, jsOpts)
	})
	if err != nil {
		return nil, err
	}
	return p.wrap(value), nil
}

func (p *Platform) Lookup(ctx context.Context) (platform.Registration, error) {
	value, err := await(ctx, func() js.Value {
		return container().Call("getRegistration")
	})
	if err != nil {
		return nil, err
	}
	if value.IsUndefined() || value.IsNull() {
		return nil, nil
	}
	return p.wrap(value), nil
}

func (p *Platform) Controlled() bool {
	controller := container().Get("controller")
	return !controller.IsUndefined() && !controller.IsNull()
}

func (p *Platform) Online() bool {
	onLine := js.Global().Get("navigator").Get("onLine")
	if onLine.IsUndefined() {
		return true
	}
	return onLine.Bool()
}

func (p *Platform) Reload() {
	js.Global().Get("location").Call("reload")
}

func (p *Platform) wrap(value js.Value) *Registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registration != nil && p.registration.value.Equal(value) {
		return p.registration
	}
	r := newRegistration(value, p.Controlled())
	r.onClose = p.forget
	p.registration = r
	return r
}

func (p *Platform) forget(r *Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registration == r {
		p.registration = nil
	}
}

// Registration wraps a ServiceWorkerRegistration. Browser callbacks only enqueue events,
// a single goroutine delivers them to the listeners in arrival order. Once the last
// subscriber left, the browser listeners are removed and the delivery goroutine exits.
type Registration struct {
	value   js.Value
	onClose func(*Registration)

	mu         sync.Mutex
	listeners  map[int]func(platform.Event)
	nextID     int
	workers    []worker
	controlled bool
	queue      []platform.Event
	notify     chan struct{}
	bindings   []binding
	closed     bool
}

// binding is a browser event listener owned by the registration.
type binding struct {
	target js.Value
	event  string
	fn     js.Func
}

type worker struct {
	value js.Value
	id    string
}

func newRegistration(value js.Value, controlled bool) *Registration {
	r := &Registration{
		value:      value,
		listeners:  make(map[int]func(platform.Event)),
		controlled: controlled,
		notify:     make(chan struct{}, 1),
	}

	r.listen(value, "updatefound", func() {
		installing := value.Get("installing")
		if installing.IsNull() || installing.IsUndefined() {
			return
		}
		r.track(installing)
	})
	r.listen(container(), "controllerchange", func() {
		controller := container().Get("controller")
		r.mu.Lock()
		had := r.controlled
		r.controlled = true
		r.mu.Unlock()
		r.enqueue(platform.Event{Kind: platform.EventControllerChange, AgentID: r.idFor(controller), HadController: had})
	})

	go r.pump()
	return r
}

func (r *Registration) listen(target js.Value, event string, fn func()) {
	if target.IsUndefined() || target.IsNull() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	jsFn := js.FuncOf(func(js.Value, []js.Value) any {
		fn()
		return nil
	})
	target.Call("addEventListener", event, jsFn)
	r.bindings = append(r.bindings, binding{target: target, event: event, fn: jsFn})
}

// release removes the browser listeners and stops the event delivery.
func (r *Registration) release() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	bindings := r.bindings
	r.bindings = nil
	r.queue = nil
	close(r.notify)
	r.mu.Unlock()

	for _, b := range bindings {
		b.target.Call("removeEventListener", b.event, b.fn)
		b.fn.Release()
	}
	log.Debugf("service worker registration released, %d listeners removed", len(bindings))

	if r.onClose != nil {
		r.onClose(r)
	}
}

// track follows the state changes of a freshly found installing worker.
func (r *Registration) track(sw js.Value) {
	id := r.idFor(sw)
	r.enqueue(platform.Event{Kind: platform.EventInstalling, AgentID: id, HadController: r.isControlled()})

	r.listen(sw, "statechange", func() {
		switch sw.Get("state").String() {
		case "installed":
			r.enqueue(platform.Event{Kind: platform.EventInstalled, AgentID: id, HadController: r.isControlled()})
		case "redundant":
			r.enqueue(platform.Event{Kind: platform.EventRedundant, AgentID: id, HadController: r.isControlled()})
		}
	})
}

func (r *Registration) isControlled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controlled
}

// idFor returns a stable identifier for a ServiceWorker object.
func (r *Registration) idFor(sw js.Value) string {
	if sw.IsNull() || sw.IsUndefined() {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.value.Equal(sw) {
			return w.id
		}
	}
	id := xid.New().String()
	r.workers = append(r.workers, worker{value: sw, id: id})
	return id
}

func (r *Registration) enqueue(ev platform.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.queue = append(r.queue, ev)

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Registration) pump() {
	for range r.notify {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			ev := r.queue[0]
			r.queue = r.queue[1:]
			listeners := make([]func(platform.Event), 0, len(r.listeners))
			for _, fn := range r.listeners {
				listeners = append(listeners, fn)
			}
			r.mu.Unlock()

			log.Tracef("service worker event %s for %s", ev.Kind, ev.AgentID)
			for _, fn := range listeners {
				fn(ev)
			}
		}
	}
}

func (r *Registration) Update(ctx context.Context) error {
	_, err := await(ctx, func() js.Value {
		return r.value.Call("update")
	})
	return err
}

func (r *Registration) Waiting() platform.Agent {
	waiting := r.value.Get("waiting")
	if waiting.IsNull() || waiting.IsUndefined() {
		return nil
	}
	return &Agent{value: waiting, id: r.idFor(waiting)}
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
			delete(r.listeners, id)
			last := len(r.listeners) == 0
			r.mu.Unlock()

			if last {
				r.release()
			}
		})
	}
}

// Agent wraps a waiting ServiceWorker.
type Agent struct {
	value js.Value
	id    string
}

func (a *Agent) ID() string {
	return a.id
}

// SkipWaiting posts the activation message the agent bundle listens for.
func (a *Agent) SkipWaiting() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post message to %s: %v", a.id, r)
		}
	}()

	msg := js.Global().Get("Object").New()
	msg.Set("type", skipWaitingMessage)
	a.value.Call("postMessage", msg)
	return nil
}

// await calls start and waits for the returned promise to settle.
func await(ctx context.Context, start func() js.Value) (js.Value, error) {
	resultCh := make(chan js.Value, 1)
	errCh := make(chan error, 1)

	onResolve := js.FuncOf(func(_ js.Value, args []js.Value) any {
		if len(args) > 0 {
			resultCh <- args[0]
		} else {
			resultCh <- js.Undefined()
		}
		return nil
	})
	onReject := js.FuncOf(func(_ js.Value, args []js.Value) any {
		msg := "promise rejected"
		if len(args) > 0 && !args[0].IsUndefined() && !args[0].IsNull() {
			msg = args[0].Call("toString").String()
		}
		errCh <- errors.New(msg)
		return nil
	})
	release := func() {
		onResolve.Release()
		onReject.Release()
	}

	if err := invoke(func() {
		start().Call("then", onResolve).Call("catch", onReject)
	}); err != nil {
		release()
		return js.Undefined(), err
	}

	select {
	case v := <-resultCh:
		release()
		return v, nil
	case err := <-errCh:
		release()
		return js.Undefined(), err
	case <-ctx.Done():
		// the promise still settles later, keep the callbacks alive until then
		go func() {
			select {
			case <-resultCh:
			case <-errCh:
			}
			release()
		}()
		return js.Undefined(), ctx.Err()
	}
}

// invoke turns a thrown JS exception into an error.
func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("js exception: %v", r)
		}
	}()
	fn()
	return nil
}
