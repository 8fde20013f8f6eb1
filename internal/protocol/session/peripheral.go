package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/blelink/internal/protocol"
)

var ErrEmptyBleID = errors.New("session: ble id is required")

// Peripheral serves the characteristic to at most one subscribed client.
// A new subscription replaces the previous client.
type Peripheral struct {
	mu   sync.Mutex
	core core
	host PeripheralHost

	advertising bool
	bleID       string
}

// NewPeripheral attaches the session to host so subscription and frame
// events flow into Apply.
func NewPeripheral(host PeripheralHost, cfg Config, listener Listener) *Peripheral {
	p := &Peripheral{
		core: newCore(protocol.RolePeripheral, cfg, listener),
		host: host,
	}
	host.Attach(p.Apply)
	return p
}

func (p *Peripheral) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core.state
}

// Client returns the subscribed client id, or "" when none.
func (p *Peripheral) Client() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.core.state != StateReady {
		return ""
	}
	return p.core.peer
}

func (p *Peripheral) Ready() bool {
	return p.State() == StateReady
}

// Advertising reports whether an advertisement is active.
func (p *Peripheral) Advertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

// BleID returns the identifier last advertised.
func (p *Peripheral) BleID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bleID
}

// Advertise stops any previous advertisement and starts advertising bleID.
// It blocks until the host confirms, the step timeout expires, or ctx is done.
func (p *Peripheral) Advertise(ctx context.Context, bleID string) error {
	if bleID == "" {
		return ErrEmptyBleID
	}
	p.mu.Lock()
	wasAdvertising := p.advertising
	p.advertising = false
	p.syncStateLocked()
	timeout := p.core.cfg.StepTimeout
	p.mu.Unlock()

	if wasAdvertising {
		if err := p.host.StopAdvertising(); err != nil {
			p.core.logger.Debug().Err(err).Msg("stop previous advertisement")
		}
	}

	result := make(chan error, 1)
	go func() {
		result <- p.host.StartAdvertising(bleID)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("session: start advertising: %w", err)
		}
	case <-timer.C:
		go p.abandonAdvertise(result)
		return fmt.Errorf("%w: %w: start advertising", protocol.ErrTransportFailure, protocol.ErrTimeout)
	case <-ctx.Done():
		go p.abandonAdvertise(result)
		return ctx.Err()
	}

	p.mu.Lock()
	p.bleID = bleID
	if p.core.state == StateReady {
		// A client subscribed while the host was starting; it owns the link.
		client := p.core.peer
		p.mu.Unlock()
		if err := p.host.StopAdvertising(); err != nil {
			p.core.logger.Warn().Err(err).Msg("stop advertising on client connect")
		}
		p.core.logger.Info().Str("ble_id", bleID).Str("client", client).Msg("client connected during advertise start")
		return nil
	}
	p.advertising = true
	p.syncStateLocked()
	p.mu.Unlock()
	p.core.logger.Info().Str("ble_id", bleID).Msg("advertising")
	return nil
}

// abandonAdvertise stops an advertisement that started after its caller
// gave up waiting.
func (p *Peripheral) abandonAdvertise(result <-chan error) {
	if err := <-result; err == nil {
		if err := p.host.StopAdvertising(); err != nil {
			p.core.logger.Debug().Err(err).Msg("stop abandoned advertisement")
		}
	}
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	p.advertising = false
	p.syncStateLocked()
	p.mu.Unlock()
	if err := p.host.StopAdvertising(); err != nil {
		return fmt.Errorf("session: stop advertising: %w", err)
	}
	return nil
}

// DropClient tears down the current client session and asks the host to
// disconnect it.
func (p *Peripheral) DropClient() error {
	p.mu.Lock()
	if p.core.state != StateReady {
		p.mu.Unlock()
		return nil
	}
	client := p.core.peer
	p.releaseClientLocked(protocol.ErrSessionClosed)
	p.mu.Unlock()
	if err := p.host.Disconnect(client); err != nil {
		return fmt.Errorf("session: disconnect client %s: %w", client, err)
	}
	return nil
}

// Send queues message for the subscribed client and blocks until its last
// frame is accepted.
func (p *Peripheral) Send(ctx context.Context, message string) error {
	p.mu.Lock()
	if p.core.state != StateReady {
		p.mu.Unlock()
		return protocol.ErrNotReady
	}
	result := p.core.sendMessage(message)
	p.mu.Unlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply feeds one host event into the peripheral state machine.
func (p *Peripheral) Apply(ev LinkEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := ev.(type) {
	case ClientSubscribed:
		if p.core.state == StateReady {
			p.releaseClientLocked(protocol.ErrSessionClosed)
		}
		p.admitLocked(ev)

	case ClientUnsubscribed:
		if p.core.state != StateReady || ev.ClientID != p.core.peer {
			return
		}
		p.releaseClientLocked(protocol.ErrSessionClosed)

	case FrameReceived:
		if p.core.state != StateReady || ev.ClientID != p.core.peer {
			p.core.logger.Debug().Str("client", ev.ClientID).Msg("dropped frame from inactive client")
			return
		}
		if msg, ok := p.core.receive(ev.Data, true); ok {
			p.core.deliver(msg)
		}

	case WriteReady:
		if p.core.state == StateReady && ev.ClientID == p.core.peer {
			p.core.writeReady()
		}

	case WriteFailed:
		if p.core.state == StateReady && ev.ClientID == p.core.peer {
			p.core.writeFailed(ev.Err)
		}

	default:
		p.core.logger.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("ignored event")
	}
}

// admitLocked installs a new client: connected event, advertising stops,
// then the handshake goes out through the normal send path.
func (p *Peripheral) admitLocked(ev ClientSubscribed) {
	p.core.peer = ev.ClientID
	p.core.chunkLen = p.core.cfg.MaxChunkLength
	if ev.MaxPayload > 0 && ev.MaxPayload < p.core.chunkLen {
		p.core.chunkLen = ev.MaxPayload
	}
	p.core.bind(ev.Writer)
	p.core.setState(StateReady)
	p.core.emit(EventClientConnected, "", nil)

	if p.advertising {
		p.advertising = false
		if err := p.host.StopAdvertising(); err != nil {
			p.core.logger.Warn().Err(err).Msg("stop advertising on client connect")
		}
	}

	token := p.core.cfg.HandshakeToken
	client := ev.ClientID
	if err := p.core.enqueue(token, func(err error) {
		if err != nil {
			p.core.logger.Warn().Err(err).Str("client", client).Msg("handshake not delivered")
		}
	}); err != nil {
		p.core.logger.Warn().Err(err).Msg("queue handshake")
	}
}

// releaseClientLocked drops buffers, rejects pending sends and emits
// client-disconnected.
func (p *Peripheral) releaseClientLocked(err error) {
	p.core.release(err)
	p.core.emit(EventClientDisconnected, "", nil)
	p.core.setState(p.restingStateLocked())
}

// syncStateLocked derives Idle/Advertising when no client is subscribed.
func (p *Peripheral) syncStateLocked() {
	if p.core.state != StateReady {
		p.core.setState(p.restingStateLocked())
	}
}

func (p *Peripheral) restingStateLocked() State {
	if p.advertising {
		return StateAdvertising
	}
	return StateIdle
}
