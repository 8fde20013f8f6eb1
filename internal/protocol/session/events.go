package session

import (
	"time"

	"github.com/danmuck/blelink/internal/protocol"
)

type EventType string

const (
	EventConnectingToPeer      EventType = "connecting-to-peer"
	EventConnectedToPeer       EventType = "connected-to-peer"
	EventDisconnectingFromPeer EventType = "disconnecting-from-peer"
	EventDisconnectedFromPeer  EventType = "disconnected-from-peer"
	EventClientConnected       EventType = "client-connected"
	EventClientDisconnected    EventType = "client-disconnected"
	EventSendingMessage        EventType = "sending-message"
	EventMessageSent           EventType = "message-sent"
	EventMessageReceiveStarted EventType = "message-receive-started"
	EventMessageReceived       EventType = "message-received"
)

var wireNames = map[EventType]string{
	EventMessageReceived:       "ble-message-received",
	EventMessageReceiveStarted: "ble-started-message-receive",
	EventConnectingToPeer:      "ble-connecting-to-server",
	EventConnectedToPeer:       "ble-connected-to-server",
	EventDisconnectingFromPeer: "ble-disconnecting-from-server",
	EventDisconnectedFromPeer:  "ble-disconnected-from-server",
	EventClientConnected:       "ble-device-connected",
	EventClientDisconnected:    "ble-device-disconnected",
	EventSendingMessage:        "ble-sending-message",
	EventMessageSent:           "ble-message-sent",
}

// WireName returns the event name used by mobile host bridges.
func (t EventType) WireName() string {
	if name, ok := wireNames[t]; ok {
		return name
	}
	return string(t)
}

// EventTypes lists every event in declaration order.
func EventTypes() []EventType {
	return []EventType{
		EventConnectingToPeer,
		EventConnectedToPeer,
		EventDisconnectingFromPeer,
		EventDisconnectedFromPeer,
		EventClientConnected,
		EventClientDisconnected,
		EventSendingMessage,
		EventMessageSent,
		EventMessageReceiveStarted,
		EventMessageReceived,
	}
}

// Event is one lifecycle or data notification from a session.
type Event struct {
	Type      EventType
	Role      protocol.Role
	Peer      string
	Payload   string
	Err       error
	Timestamp time.Time
}

// Listener receives session events. OnEvent runs while the session holds its
// lock: it must not block and must not call back into the session.
type Listener interface {
	OnEvent(ev Event)
}

type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}
