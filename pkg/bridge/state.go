package bridge

// Phase is one of the three connection phases the bridge moves through.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "invalid"
	}
}

// Event is a connection lifecycle occurrence fed to Transition.
type Event int

const (
	// EventDial means a connection attempt is starting.
	EventDial Event = iota
	// EventEstablished means both legs connected and the subscription is
	// live.
	EventEstablished
	// EventTransportError means either leg failed or dropped.
	EventTransportError
)

// ConnectionState is the bridge's externally visible connection state.
type ConnectionState struct {
	Phase     Phase
	LastError string
}

// Transition returns the state after applying one event. It is a pure
// function so the retry policy is testable without a network: the reconnect
// loop feeds it events and sleeps between dial attempts.
func Transition(state ConnectionState, event Event, err error) ConnectionState {
	switch event {
	case EventDial:
		state.Phase = PhaseConnecting
	case EventEstablished:
		state.Phase = PhaseConnected
		state.LastError = ""
	case EventTransportError:
		state.Phase = PhaseDisconnected
		if err != nil {
			state.LastError = err.Error()
		}
	}
	return state
}
