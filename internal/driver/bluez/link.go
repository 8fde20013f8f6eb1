package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
)

const closeTimeout = 5 * time.Second

// Link is one BlueZ client connection. Every operation runs on its own
// goroutine and reports back through the handler given to Open.
type Link struct {
	driver     *Driver
	peerID     string
	devicePath dbus.ObjectPath
	handler    session.LinkHandler
	ctx        context.Context
	cancel     context.CancelFunc

	mu          sync.Mutex
	servicePath dbus.ObjectPath
	charPath    dbus.ObjectPath
	writing     bool
	owesReady   bool
	finished    bool
}

var _ session.CentralLink = (*Link)(nil)

func (l *Link) device() dbus.BusObject {
	return l.driver.conn.Object(bluezBus, l.devicePath)
}

func (l *Link) Connect() error {
	go func() {
		call := l.device().CallWithContext(l.ctx, bluezDevice1+".Connect", 0)
		if call.Err != nil {
			l.lost(mapDBusError("connect "+l.peerID, call.Err))
			return
		}
		l.emit(session.Connected{})
	}()
	return nil
}

// DiscoverService waits for BlueZ to resolve services, then looks uuid up
// below the device.
func (l *Link) DiscoverService(uuid string) error {
	go func() {
		if err := l.waitResolved(); err != nil {
			l.emit(session.ServiceDiscovered{Err: err})
			return
		}
		objects, err := l.driver.managedObjects(l.ctx)
		if err != nil {
			l.emit(session.ServiceDiscovered{Err: err})
			return
		}
		path, found := findObject(objects, l.devicePath, bluezGattService, uuid)
		if found {
			l.mu.Lock()
			l.servicePath = path
			l.mu.Unlock()
		}
		l.emit(session.ServiceDiscovered{Found: found})
	}()
	return nil
}

func (l *Link) waitResolved() error {
	ticker := time.NewTicker(l.driver.cfg.PollInterval)
	defer ticker.Stop()
	for {
		v, err := l.driver.property(l.ctx, l.devicePath, bluezDevice1, "ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-l.ctx.Done():
			return fmt.Errorf("%w: bluez: service resolution: %w", protocol.ErrTransportFailure, l.ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Link) DiscoverCharacteristic(uuid string) error {
	l.mu.Lock()
	service := l.servicePath
	l.mu.Unlock()
	if service == "" {
		return fmt.Errorf("%w: bluez: service not discovered", protocol.ErrProtocolViolation)
	}
	go func() {
		objects, err := l.driver.managedObjects(l.ctx)
		if err != nil {
			l.emit(session.CharacteristicDiscovered{Err: err})
			return
		}
		path, found := findObject(objects, service, bluezGattChar, uuid)
		if found {
			l.mu.Lock()
			l.charPath = path
			l.mu.Unlock()
		}
		l.emit(session.CharacteristicDiscovered{Found: found})
	}()
	return nil
}

// RequestMTU reports the MTU BlueZ negotiated on connect. BlueZ exchanges
// the MTU itself, so the requested value is only logged.
func (l *Link) RequestMTU(mtu int) error {
	char, err := l.characteristic()
	if err != nil {
		return err
	}
	go func() {
		v, err := l.driver.property(l.ctx, char, bluezGattChar, "MTU")
		if err != nil {
			l.emit(session.MTUChanged{Err: err})
			return
		}
		got, ok := v.Value().(uint16)
		if !ok {
			l.emit(session.MTUChanged{Err: fmt.Errorf("%w: bluez: MTU has type %T", protocol.ErrTransportFailure, v.Value())})
			return
		}
		log.Debug().Str("peer", l.peerID).Int("requested", mtu).Int("mtu", int(got)).Msg("mtu")
		l.emit(session.MTUChanged{MTU: int(got)})
	}()
	return nil
}

func (l *Link) Subscribe() error {
	char, err := l.characteristic()
	if err != nil {
		return err
	}
	go func() {
		call := l.driver.conn.Object(bluezBus, char).CallWithContext(l.ctx, bluezGattChar+".StartNotify", 0)
		l.emit(session.Subscribed{Err: mapDBusError("start notify", call.Err)})
	}()
	return nil
}

// TryWrite keeps one WriteValue in flight. A second frame is refused with
// protocol.ErrBusy and a WriteReady follows once the first completes.
func (l *Link) TryWrite(frame []byte) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return fmt.Errorf("%w: bluez: link closed", protocol.ErrTransportFailure)
	}
	if l.charPath == "" {
		l.mu.Unlock()
		return fmt.Errorf("%w: bluez: characteristic not discovered", protocol.ErrProtocolViolation)
	}
	if l.writing {
		l.owesReady = true
		l.mu.Unlock()
		return protocol.ErrBusy
	}
	l.writing = true
	char := l.charPath
	l.mu.Unlock()

	data := append([]byte(nil), frame...)
	go func() {
		opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
		call := l.driver.conn.Object(bluezBus, char).CallWithContext(l.ctx, bluezGattChar+".WriteValue", 0, data, opts)

		l.mu.Lock()
		l.writing = false
		notify := l.owesReady
		l.owesReady = false
		l.mu.Unlock()

		if call.Err != nil {
			err := mapDBusError("write value", call.Err)
			if linkDropped(call.Err) {
				l.lost(err)
				return
			}
			log.Warn().Err(err).Str("peer", l.peerID).Msg("bluez write failed")
			l.emit(session.WriteFailed{Err: err})
			return
		}
		if notify {
			l.emit(session.WriteReady{})
		}
	}()
	return nil
}

// Close stops notifications, disconnects the device and reports LinkLost
// with a nil error.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return nil
	}
	l.finished = true
	char := l.charPath
	l.mu.Unlock()
	l.cancel()
	l.driver.forget(l)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if char != "" {
			if call := l.driver.conn.Object(bluezBus, char).CallWithContext(ctx, bluezGattChar+".StopNotify", 0); call.Err != nil {
				log.Debug().Err(call.Err).Str("peer", l.peerID).Msg("stop notify")
			}
		}
		if call := l.device().CallWithContext(ctx, bluezDevice1+".Disconnect", 0); call.Err != nil {
			log.Warn().Err(call.Err).Str("peer", l.peerID).Msg("bluez disconnect")
		}
		l.handler(session.LinkLost{})
	}()
	return nil
}

func (l *Link) characteristic() (dbus.ObjectPath, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.charPath == "" {
		return "", fmt.Errorf("%w: bluez: characteristic not discovered", protocol.ErrProtocolViolation)
	}
	return l.charPath, nil
}

func (l *Link) owns(path dbus.ObjectPath) bool {
	return path == l.devicePath || strings.HasPrefix(string(path), string(l.devicePath)+"/")
}

func (l *Link) isCharacteristic(path dbus.ObjectPath) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return path == l.charPath
}

// emit forwards ev unless the link has already finished.
func (l *Link) emit(ev session.LinkEvent) {
	l.mu.Lock()
	finished := l.finished
	l.mu.Unlock()
	if finished {
		return
	}
	l.handler(ev)
}

// lost finishes the link after a platform failure.
func (l *Link) lost(err error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.mu.Unlock()
	l.cancel()
	l.driver.forget(l)
	log.Warn().Err(err).Str("peer", l.peerID).Msg("bluez link lost")
	l.handler(session.LinkLost{Err: err})
}

// detach silences a link replaced by a newer Open for the same device.
func (l *Link) detach() {
	l.mu.Lock()
	l.finished = true
	l.mu.Unlock()
	l.cancel()
}
