package session

// FrameWriter is the outbound half of one GATT link.
type FrameWriter interface {
	// TryWrite attempts one frame. It returns nil when the frame was
	// accepted, protocol.ErrBusy when the link cannot take it yet (a
	// WriteReady event follows), or any other error on link failure.
	TryWrite(frame []byte) error
}

// LinkHandler receives driver events for one link.
type LinkHandler func(ev LinkEvent)

// CentralDriver opens client links to remote peripherals.
type CentralDriver interface {
	Open(peerID string, h LinkHandler) (CentralLink, error)
}

// CentralLink is one client-side GATT link. Each method starts an operation
// and returns an error only when it could not be started; results arrive as
// LinkEvent values on the handler passed to Open.
type CentralLink interface {
	FrameWriter
	Connect() error
	DiscoverService(uuid string) error
	DiscoverCharacteristic(uuid string) error
	RequestMTU(mtu int) error
	Subscribe() error
	Close() error
}

// PeripheralHost serves the GATT characteristic and advertises it.
type PeripheralHost interface {
	Attach(h LinkHandler)
	StartAdvertising(bleID string) error
	StopAdvertising() error
	// Disconnect drops the given client's subscription.
	Disconnect(clientID string) error
}

// LinkEvent is a closed set of driver-originated events.
type LinkEvent interface {
	linkEvent()
}

// Connected reports an established central link.
type Connected struct{}

// ServiceDiscovered reports the result of DiscoverService.
type ServiceDiscovered struct {
	Found bool
	Err   error
}

// CharacteristicDiscovered reports the result of DiscoverCharacteristic.
type CharacteristicDiscovered struct {
	Found bool
	Err   error
}

// MTUChanged reports the negotiated ATT MTU, or Err when negotiation failed.
type MTUChanged struct {
	MTU int
	Err error
}

// Subscribed acknowledges (or rejects) notification enablement.
type Subscribed struct {
	Err error
}

// LinkLost reports that the link went down. Err is nil for requested closes.
type LinkLost struct {
	Err error
}

// FrameReceived carries one inbound frame. ClientID is empty on central links.
type FrameReceived struct {
	ClientID string
	Data     []byte
}

// WriteReady signals that a previously busy writer can accept frames again.
type WriteReady struct {
	ClientID string
}

// WriteFailed reports a frame the writer accepted but could not deliver while
// the link stayed up.
type WriteFailed struct {
	ClientID string
	Err      error
}

// ClientSubscribed reports a central subscribing to the characteristic.
// MaxPayload is the largest notification the link carries; zero means unknown.
type ClientSubscribed struct {
	ClientID   string
	Writer     FrameWriter
	MaxPayload int
}

// ClientUnsubscribed reports a central unsubscribing or disconnecting.
type ClientUnsubscribed struct {
	ClientID string
}

func (Connected) linkEvent()                {}
func (ServiceDiscovered) linkEvent()        {}
func (CharacteristicDiscovered) linkEvent() {}
func (MTUChanged) linkEvent()               {}
func (Subscribed) linkEvent()               {}
func (LinkLost) linkEvent()                 {}
func (FrameReceived) linkEvent()            {}
func (WriteReady) linkEvent()               {}
func (WriteFailed) linkEvent()              {}
func (ClientSubscribed) linkEvent()         {}
func (ClientUnsubscribed) linkEvent()       {}
