package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/frame"
)

// Central drives the client side of one link at a time: connect, discover,
// subscribe, wait for the peer's handshake, exchange messages, tear down.
type Central struct {
	mu     sync.Mutex
	core   core
	driver CentralDriver

	link CentralLink
	// attempt increments on every connect so stale driver events and
	// timers from a previous link are ignored.
	attempt   uint64
	timer     *time.Timer
	timerSeq  uint64
	mtuAsked  bool
	lastErr   error
	connectCh chan error
	closeCh   chan struct{}
}

func NewCentral(driver CentralDriver, cfg Config, listener Listener) *Central {
	return &Central{
		core:   newCore(protocol.RoleCentral, cfg, listener),
		driver: driver,
	}
}

func (c *Central) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.core.state
}

// Peer returns the current or last peer id.
func (c *Central) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.core.peer
}

// Ready reports whether messages can be sent.
func (c *Central) Ready() bool {
	return c.State() == StateReady
}

// LastError returns the error that ended the previous link, if any.
func (c *Central) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect establishes a link to peerID and blocks until the peer's handshake
// arrives, the attempt fails, or ctx is done. Connecting to the peer that is
// already ready returns immediately; any other active link is torn down first.
func (c *Central) Connect(ctx context.Context, peerID string) error {
	c.mu.Lock()
	if c.core.state == StateReady && c.core.peer == peerID {
		c.mu.Unlock()
		return nil
	}
	if c.core.state.establishing() || c.core.state == StateReady || c.core.state == StateDisconnecting {
		c.teardownLocked(protocol.ErrSessionClosed, nil)
	}

	c.attempt++
	attempt := c.attempt
	done := make(chan error, 1)
	c.connectCh = done
	c.lastErr = nil
	c.mtuAsked = false
	c.core.peer = peerID
	c.core.chunkLen = protocol.MinChunkLength
	c.core.reasm.Reset()
	c.core.setState(StateConnecting)
	c.core.emit(EventConnectingToPeer, "", nil)

	link, err := c.driver.Open(peerID, c.handlerFor(attempt))
	if err != nil {
		c.failLocked(fmt.Errorf("%w: open %s: %w", protocol.ErrTransportFailure, peerID, err))
		c.mu.Unlock()
		return <-done
	}
	c.link = link
	c.core.bind(link)
	c.armLocked()
	if err := link.Connect(); err != nil {
		c.failLocked(fmt.Errorf("%w: connect %s: %w", protocol.ErrTransportFailure, peerID, err))
	}
	c.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if c.attempt == attempt && c.core.state.establishing() {
			c.failLocked(ctx.Err())
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Disconnect closes the current link and waits for the driver to confirm,
// bounded by the step timeout and ctx. Idle sessions return nil.
func (c *Central) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.core.state == StateIdle || c.core.state == StateDisconnected:
		c.mu.Unlock()
		return nil
	case c.core.state == StateDisconnecting:
		closed := c.closeCh
		c.mu.Unlock()
		return waitClosed(ctx, closed)
	case c.core.state.establishing():
		c.core.emit(EventDisconnectingFromPeer, "", nil)
		c.failLocked(protocol.ErrSessionClosed)
		c.mu.Unlock()
		return nil
	}

	c.core.setState(StateDisconnecting)
	c.core.emit(EventDisconnectingFromPeer, "", nil)
	c.core.release(protocol.ErrSessionClosed)
	closed := make(chan struct{})
	c.closeCh = closed
	c.armLocked()
	if err := c.link.Close(); err != nil {
		c.core.logger.Warn().Err(err).Msg("close link")
		c.finishCloseLocked(nil)
	}
	c.mu.Unlock()
	return waitClosed(ctx, closed)
}

func waitClosed(ctx context.Context, closed <-chan struct{}) error {
	if closed == nil {
		return nil
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues message for the connected peer and blocks until its last frame
// is accepted. Cancelling ctx stops the wait; queued frames still drain.
func (c *Central) Send(ctx context.Context, message string) error {
	c.mu.Lock()
	if c.core.state != StateReady {
		c.mu.Unlock()
		return protocol.ErrNotReady
	}
	result := c.core.sendMessage(message)
	c.mu.Unlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply feeds one driver event into the current link's state machine.
func (c *Central) Apply(ev LinkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(ev)
}

func (c *Central) handlerFor(attempt uint64) LinkHandler {
	return func(ev LinkEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.attempt != attempt {
			return
		}
		c.applyLocked(ev)
	}
}

func (c *Central) applyLocked(ev LinkEvent) {
	state := c.core.state
	switch ev := ev.(type) {
	case Connected:
		if state != StateConnecting {
			return
		}
		c.core.setState(StateDiscoveringService)
		c.armLocked()
		if err := c.link.DiscoverService(c.core.cfg.ServiceUUID); err != nil {
			c.failLocked(fmt.Errorf("%w: discover service: %w", protocol.ErrTransportFailure, err))
		}

	case ServiceDiscovered:
		if state != StateDiscoveringService {
			return
		}
		if ev.Err != nil {
			c.failLocked(fmt.Errorf("%w: discover service: %w", protocol.ErrTransportFailure, ev.Err))
			return
		}
		if !ev.Found {
			c.failLocked(fmt.Errorf("%w: service %s not found", protocol.ErrTransportFailure, c.core.cfg.ServiceUUID))
			return
		}
		c.core.setState(StateDiscoveringCharacteristic)
		c.armLocked()
		if err := c.link.DiscoverCharacteristic(c.core.cfg.CharacteristicUUID); err != nil {
			c.failLocked(fmt.Errorf("%w: discover characteristic: %w", protocol.ErrTransportFailure, err))
		}

	case CharacteristicDiscovered:
		if state != StateDiscoveringCharacteristic {
			return
		}
		if ev.Err != nil {
			c.failLocked(fmt.Errorf("%w: discover characteristic: %w", protocol.ErrTransportFailure, ev.Err))
			return
		}
		if !ev.Found {
			c.failLocked(fmt.Errorf("%w: characteristic %s not found", protocol.ErrTransportFailure, c.core.cfg.CharacteristicUUID))
			return
		}
		c.core.setState(StateSubscribingNotifications)
		c.armLocked()
		c.mtuAsked = true
		if err := c.link.RequestMTU(c.core.cfg.RequestedMTU); err != nil {
			c.core.logger.Warn().Err(err).Msg("mtu request failed, using minimum chunk length")
			c.subscribeLocked()
		}

	case MTUChanged:
		if state != StateSubscribingNotifications || !c.mtuAsked {
			return
		}
		c.mtuAsked = false
		if ev.Err != nil {
			c.core.logger.Warn().Err(ev.Err).Msg("mtu negotiation failed, using minimum chunk length")
			c.core.chunkLen = protocol.MinChunkLength
		} else {
			c.core.chunkLen = protocol.ChunkLengthForMTU(ev.MTU, c.core.cfg.MaxChunkLength)
			c.core.logger.Debug().Int("mtu", ev.MTU).Int("chunk", c.core.chunkLen).Msg("mtu negotiated")
		}
		c.subscribeLocked()

	case Subscribed:
		if state != StateSubscribingNotifications {
			return
		}
		if ev.Err != nil {
			c.failLocked(fmt.Errorf("%w: subscribe: %w", protocol.ErrTransportFailure, ev.Err))
			return
		}
		c.core.setState(StateAwaitingPeerReady)
		c.armLocked()

	case FrameReceived:
		switch state {
		case StateSubscribingNotifications, StateAwaitingPeerReady:
			msg, ok := c.core.receive(ev.Data, false)
			if !ok {
				return
			}
			if frame.Trim(msg) != c.core.cfg.HandshakeToken {
				c.core.logger.Warn().Str("message", msg).Msg("dropped message before handshake")
				return
			}
			c.readyLocked()
		case StateReady:
			if msg, ok := c.core.receive(ev.Data, true); ok {
				c.core.deliver(msg)
			}
		}

	case WriteReady:
		if state == StateReady {
			c.core.writeReady()
		}

	case WriteFailed:
		if state == StateReady {
			c.core.writeFailed(ev.Err)
		}

	case LinkLost:
		switch {
		case state == StateDisconnecting:
			c.finishCloseLocked(nil)
		case state.establishing():
			c.failLocked(fmt.Errorf("%w: link lost: %w", protocol.ErrTransportFailure, linkLostCause(ev.Err)))
		case state == StateReady:
			err := fmt.Errorf("%w: link lost: %w", protocol.ErrTransportFailure, linkLostCause(ev.Err))
			c.teardownLocked(err, err)
		}

	default:
		c.core.logger.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("ignored event")
	}
}

func linkLostCause(err error) error {
	if err == nil {
		return protocol.ErrSessionClosed
	}
	return err
}

func (c *Central) subscribeLocked() {
	if err := c.link.Subscribe(); err != nil {
		c.failLocked(fmt.Errorf("%w: subscribe: %w", protocol.ErrTransportFailure, err))
	}
}

func (c *Central) readyLocked() {
	c.stopTimerLocked()
	c.core.setState(StateReady)
	c.core.emit(EventConnectedToPeer, "", nil)
	c.resolveConnectLocked(nil)
}

// failLocked ends a connect attempt with err and moves to Disconnected.
func (c *Central) failLocked(err error) {
	c.core.logger.Warn().Err(err).Str("peer", c.core.peer).Str("state", c.core.state.String()).Msg("link failed")
	c.teardownLocked(err, err)
}

// teardownLocked closes the link, rejects pending work with err and emits
// disconnected-from-peer carrying cause.
func (c *Central) teardownLocked(err, cause error) {
	c.stopTimerLocked()
	if c.link != nil {
		if cerr := c.link.Close(); cerr != nil {
			c.core.logger.Debug().Err(cerr).Msg("close link")
		}
		c.link = nil
	}
	c.core.release(err)
	c.resolveConnectLocked(err)
	c.lastErr = cause
	c.attempt++
	c.core.setState(StateDisconnected)
	c.core.emit(EventDisconnectedFromPeer, "", cause)
	if c.closeCh != nil {
		close(c.closeCh)
		c.closeCh = nil
	}
}

// finishCloseLocked completes a requested disconnect.
func (c *Central) finishCloseLocked(cause error) {
	c.stopTimerLocked()
	c.link = nil
	c.core.release(protocol.ErrSessionClosed)
	c.lastErr = cause
	c.attempt++
	c.core.setState(StateDisconnected)
	c.core.emit(EventDisconnectedFromPeer, "", cause)
	if c.closeCh != nil {
		close(c.closeCh)
		c.closeCh = nil
	}
}

func (c *Central) resolveConnectLocked(err error) {
	if c.connectCh == nil {
		return
	}
	c.connectCh <- err
	c.connectCh = nil
}

// armLocked starts the step timer for the current state.
func (c *Central) armLocked() {
	c.stopTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	state := c.core.state
	c.timer = time.AfterFunc(c.core.cfg.StepTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.timerSeq != seq || c.core.state != state {
			return
		}
		c.timer = nil
		if state == StateDisconnecting {
			c.core.logger.Warn().Str("peer", c.core.peer).Msg("disconnect not confirmed, forcing")
			c.finishCloseLocked(nil)
			return
		}
		c.failLocked(fmt.Errorf("%w: %w: %s", protocol.ErrTransportFailure, protocol.ErrTimeout, state))
	})
}

func (c *Central) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}
