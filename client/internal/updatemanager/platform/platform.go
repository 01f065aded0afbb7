// Package platform describes the host subsystem that runs background update agents.
//
// In a browser this is the service worker container of the current origin. Native hosts
// provide an equivalent built on a version manifest. The update manager only talks to
// these interfaces and never to a concrete host.
package platform

import "context"

// EventKind identifies a lifecycle notification raised by the host.
type EventKind int

const (
	// EventInstalling is raised when a new agent starts installing against a registration.
	EventInstalling EventKind = iota
	// EventInstalled is raised when the installing agent finished and is parked as waiting.
	EventInstalled
	// EventRedundant is raised when an agent was discarded before or after waiting.
	EventRedundant
	// EventControllerChange is raised when a new agent took control of the page.
	EventControllerChange
)

func (k EventKind) String() string {
	switch k {
	case EventInstalling:
		return "installing"
	case EventInstalled:
		return "installed"
	case EventRedundant:
		return "redundant"
	case EventControllerChange:
		return "controllerchange"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle notification.
type Event struct {
	Kind EventKind
	// AgentID identifies the agent the event is about. For controller changes it is the
	// new controller.
	AgentID string
	// HadController reports whether the page was already controlled before the event.
	HadController bool
}

// Agent is a background agent instance known to a registration.
type Agent interface {
	ID() string
	// SkipWaiting tells a waiting agent to take control.
	SkipWaiting() error
}

// RegisterOptions are passed through to the host when registering an agent.
type RegisterOptions struct {
	Scope          string
	UpdateViaCache string
	Type           string
}

// Registration is the handle to the background agent context of the current origin.
type Registration interface {
	// Update asks the host to check the server for a newer agent bundle.
	Update(ctx context.Context) error
	// Waiting returns the parked agent, or nil.
	Waiting() Agent
	// Subscribe delivers lifecycle events in the order the host raises them. The returned
	// function detaches the listener.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Platform is the host's background agent subsystem.
type Platform interface {
	// Supported reports whether the host can run background agents at all.
	Supported() bool
	Register(ctx context.Context, endpoint string, opts RegisterOptions) (Registration, error)
	// Lookup returns the registration already active for the origin, or nil.
	Lookup(ctx context.Context) (Registration, error)
	// Controlled reports whether an agent currently controls the page.
	Controlled() bool
	// Online reports whether the host believes the network is reachable.
	Online() bool
	// Reload performs a full reload of the visible application.
	Reload()
}
