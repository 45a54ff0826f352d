package voice

import "fmt"

// ConnectionState is the recognition path the service is using or trying.
type ConnectionState int

const (
	// StateIdle is the state of a service that never listened.
	StateIdle ConnectionState = iota

	// StateConnectingPrimary means the local engine is starting.
	StateConnectingPrimary

	// StateConnectedPrimary means the local engine is transcribing.
	StateConnectedPrimary

	// StateConnectingSecondary means the cloud handshake is in progress.
	StateConnectingSecondary

	// StateConnectedSecondary means the cloud service is transcribing.
	StateConnectedSecondary

	// StateConnectedFallback means the simulated path is active.
	StateConnectedFallback

	// StateStopped means listening ended.
	StateStopped
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectingPrimary:
		return "connecting_primary"
	case StateConnectedPrimary:
		return "connected_primary"
	case StateConnectingSecondary:
		return "connecting_secondary"
	case StateConnectedSecondary:
		return "connected_secondary"
	case StateConnectedFallback:
		return "connected_fallback"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// event drives state transitions.
type event int

const (
	eventConnectPrimary event = iota
	eventConnectSecondary
	eventConnected
	eventFallback
	eventStop
)

func (e event) String() string {
	switch e {
	case eventConnectPrimary:
		return "connect_primary"
	case eventConnectSecondary:
		return "connect_secondary"
	case eventConnected:
		return "connected"
	case eventFallback:
		return "fallback"
	case eventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transition returns the state that follows from on ev, or an error if ev is
// not allowed in from.
func transition(from ConnectionState, ev event) (ConnectionState, error) {
	switch ev {
	case eventStop:
		return StateStopped, nil
	case eventConnectPrimary:
		if from == StateIdle || from == StateStopped {
			return StateConnectingPrimary, nil
		}
	case eventConnectSecondary:
		switch from {
		case StateIdle, StateStopped, StateConnectingPrimary, StateConnectedPrimary:
			return StateConnectingSecondary, nil
		}
	case eventConnected:
		switch from {
		case StateConnectingPrimary:
			return StateConnectedPrimary, nil
		case StateConnectingSecondary:
			return StateConnectedSecondary, nil
		}
	case eventFallback:
		switch from {
		case StateIdle, StateStopped, StateConnectingPrimary, StateConnectedPrimary,
			StateConnectingSecondary, StateConnectedSecondary:
			return StateConnectedFallback, nil
		}
	}
	return from, fmt.Errorf("voice: illegal transition %s on %s", from, ev)
}
