package updatemanager

// Phase is the position of a session in the update lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCandidateInstalling
	PhaseUpdateAvailable
	PhaseActivating
	// PhaseReloading is terminal, the reload ends the session.
	PhaseReloading
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCandidateInstalling:
		return "candidate-installing"
	case PhaseUpdateAvailable:
		return "update-available"
	case PhaseActivating:
		return "activating"
	case PhaseReloading:
		return "reloading"
	default:
		return "unknown"
	}
}

// EventKind identifies an input of the transition function.
type EventKind int

const (
	EventInstalling EventKind = iota
	EventInstalled
	EventRedundant
	EventControllerChange
	EventApply
	EventDismiss
	// EventActivationFailed is raised when the skip-waiting message could not be delivered.
	EventActivationFailed
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
	case EventApply:
		return "apply"
	case EventDismiss:
		return "dismiss"
	case EventActivationFailed:
		return "activation-failed"
	default:
		return "unknown"
	}
}

// Event is delivered into Transition.
type Event struct {
	Kind          EventKind
	AgentID       string
	HadController bool
	// Reload is only meaningful for EventApply.
	Reload bool
}

// EffectKind identifies a side effect requested by Transition.
type EffectKind int

const (
	// EffectSkipWaiting sends the one-shot activation message to the waiting candidate.
	EffectSkipWaiting EffectKind = iota
	// EffectReload reloads the visible application.
	EffectReload
	EffectNotifyNeedRefresh
	EffectNotifyOfflineReady
)

func (k EffectKind) String() string {
	switch k {
	case EffectSkipWaiting:
		return "skip-waiting"
	case EffectReload:
		return "reload"
	case EffectNotifyNeedRefresh:
		return "notify-need-refresh"
	case EffectNotifyOfflineReady:
		return "notify-offline-ready"
	default:
		return "unknown"
	}
}

// Effect is executed by the Coordinator after a transition was committed.
type Effect struct {
	Kind    EffectKind
	AgentID string
	// Reload tells whether an EffectSkipWaiting was requested with a reload.
	Reload bool
}

// State is the complete state of one session.
type State struct {
	Phase Phase
	// Candidate is the newest agent observed installing or waiting.
	Candidate string
	// Waiting is set while Candidate is parked and has not been told to activate.
	Waiting bool

	NeedRefresh  bool
	OfflineReady bool

	// ReloadOnHandoff is armed by Apply(reload=true) and consumed by the controller change.
	ReloadOnHandoff bool
}

// Transition computes the next state and the side effects for a single event. It never
// mutates its input and has no side effects of its own.
func Transition(s State, ev Event) (State, []Effect) {
	if s.Phase == PhaseReloading {
		return s, nil
	}

	switch ev.Kind {
	case EventInstalling:
		return onInstalling(s, ev)
	case EventInstalled:
		return onInstalled(s, ev)
	case EventRedundant:
		return onRedundant(s, ev)
	case EventControllerChange:
		return onControllerChange(s, ev)
	case EventApply:
		return onApply(s, ev)
	case EventDismiss:
		return onDismiss(s)
	case EventActivationFailed:
		return onActivationFailed(s, ev)
	}

	return s, nil
}

// onInstalling tracks the newest candidate, there is no queue of missed updates.
func onInstalling(s State, ev Event) (State, []Effect) {
	s.Phase = PhaseCandidateInstalling
	s.Candidate = ev.AgentID
	s.Waiting = false
	s.NeedRefresh = false
	return s, nil
}

func onInstalled(s State, ev Event) (State, []Effect) {
	if s.Candidate != "" && s.Candidate != ev.AgentID {
		// stale agent superseded by a newer candidate
		return s, nil
	}

	switch s.Phase {
	case PhaseIdle, PhaseCandidateInstalling:
	default:
		return s, nil
	}

	if !ev.HadController {
		// first install, nothing to update
		s.Phase = PhaseIdle
		s.Candidate = ""
		s.Waiting = false
		if s.OfflineReady {
			return s, nil
		}
		s.OfflineReady = true
		return s, []Effect{{Kind: EffectNotifyOfflineReady, AgentID: ev.AgentID}}
	}

	if s.Phase == PhaseIdle && s.Waiting && s.Candidate == ev.AgentID {
		// already parked and dismissed, dismissal is not undone by a repeated report
		return s, nil
	}

	s.Phase = PhaseUpdateAvailable
	s.Candidate = ev.AgentID
	s.Waiting = true
	s.NeedRefresh = true
	return s, []Effect{{Kind: EffectNotifyNeedRefresh, AgentID: ev.AgentID}}
}

func onRedundant(s State, ev Event) (State, []Effect) {
	if s.Candidate == "" || s.Candidate != ev.AgentID {
		return s, nil
	}

	s.Phase = PhaseIdle
	s.Candidate = ""
	s.Waiting = false
	s.NeedRefresh = false
	s.ReloadOnHandoff = false
	return s, nil
}

func onControllerChange(s State, ev Event) (State, []Effect) {
	if s.ReloadOnHandoff && ev.HadController {
		s.Phase = PhaseReloading
		s.ReloadOnHandoff = false
		return s, []Effect{{Kind: EffectReload, AgentID: ev.AgentID}}
	}

	if s.Phase == PhaseActivating || (s.Waiting && s.Candidate == ev.AgentID) {
		// handoff completed without a reload request, or another context activated our candidate
		s.Phase = PhaseIdle
		s.Candidate = ""
		s.Waiting = false
		s.NeedRefresh = false
		s.ReloadOnHandoff = false
	}

	return s, nil
}

func onApply(s State, ev Event) (State, []Effect) {
	if s.Phase == PhaseActivating || !s.Waiting {
		return s, nil
	}

	s.Phase = PhaseActivating
	s.Waiting = false
	s.ReloadOnHandoff = ev.Reload
	if !ev.Reload {
		s.NeedRefresh = false
	}
	return s, []Effect{{Kind: EffectSkipWaiting, AgentID: s.Candidate, Reload: ev.Reload}}
}

// onDismiss only hides the notification, the candidate stays parked and can still be applied.
func onDismiss(s State) (State, []Effect) {
	s.NeedRefresh = false
	s.OfflineReady = false
	if s.Phase == PhaseUpdateAvailable {
		s.Phase = PhaseIdle
	}
	return s, nil
}

func onActivationFailed(s State, ev Event) (State, []Effect) {
	if s.Phase != PhaseActivating || s.Candidate != ev.AgentID {
		return s, nil
	}

	s.Phase = PhaseUpdateAvailable
	s.Waiting = true
	s.NeedRefresh = true
	s.ReloadOnHandoff = false
	return s, nil
}
