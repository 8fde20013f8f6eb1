package session

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateDiscoveringService
	StateDiscoveringCharacteristic
	StateSubscribingNotifications
	StateAwaitingPeerReady
	StateReady
	StateDisconnecting
	StateDisconnected
	StateAdvertising
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringService:
		return "discovering-service"
	case StateDiscoveringCharacteristic:
		return "discovering-characteristic"
	case StateSubscribingNotifications:
		return "subscribing-notifications"
	case StateAwaitingPeerReady:
		return "awaiting-peer-ready"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateAdvertising:
		return "advertising"
	default:
		return "unknown"
	}
}

// establishing reports whether a central connect attempt is in flight.
func (s State) establishing() bool {
	switch s {
	case StateConnecting, StateDiscoveringService, StateDiscoveringCharacteristic,
		StateSubscribingNotifications, StateAwaitingPeerReady:
		return true
	}
	return false
}
