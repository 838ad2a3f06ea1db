// Package link: shared contract for the per-transport connection managers
// (BLE, Classic, WiFi) plus the observable values they feed.
package link

// State of one physical link. Owned by its transport manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// CanTransition reports whether from -> to is a legal edge. Disconnected is
// always reachable; Reconnecting is only entered from a broken link.
func CanTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateError
	case StateConnected:
		return to == StateError || to == StateReconnecting
	case StateReconnecting:
		return to == StateConnecting || to == StateError
	case StateError:
		return to == StateConnecting || to == StateReconnecting
	}
	return false
}
