package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateServing  State = "serving"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const (
	EventStart   Event = "start"
	EventReady   Event = "ready"
	EventStop    Event = "stop"
	EventStopped Event = "stopped"
	EventFail    Event = "fail"
)

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateStarting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStarting:
		switch event {
		case EventReady:
			return StateServing, nil
		case EventFail:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateServing:
		switch event {
		case EventStop:
			return StateStopping, nil
		case EventFail:
			return StateStopping, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStopping:
		switch event {
		case EventStopped:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStopped, StateFailed:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

// Serving reports whether the daemon accepts and answers requests in state.
func Serving(state State) bool {
	return state == StateServing
}

// Terminal reports whether no further transition is possible from state.
func Terminal(state State) bool {
	return state == StateStopped || state == StateFailed
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
