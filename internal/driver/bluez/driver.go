// Package bluez drives the central role and scanning through BlueZ over the
// system D-Bus.
package bluez

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
)

type Config struct {
	Adapter      string
	PollInterval time.Duration
	// ServiceUUID limits discovery to devices advertising it. Empty scans
	// every LE device.
	ServiceUUID string
	// StartAttempts bounds StartDiscovery retries while the adapter is busy.
	StartAttempts int
	Backoff       session.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Adapter:       "hci0",
		ServiceUUID:   protocol.ServiceUUID,
		PollInterval:  500 * time.Millisecond,
		StartAttempts: 5,
		Backoff:       session.DefaultConfig().Backoff,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Adapter == "" {
		c.Adapter = def.Adapter
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StartAttempts <= 0 {
		c.StartAttempts = def.StartAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Driver implements session.CentralDriver and link.Scanner.
type Driver struct {
	cfg  Config
	conn *dbus.Conn
	rng  *rand.Rand

	mu    sync.Mutex
	links map[dbus.ObjectPath]*Link

	signals chan *dbus.Signal
	stop    chan struct{}
	done    chan struct{}
}

var (
	_ session.CentralDriver = (*Driver)(nil)
	_ link.Scanner          = (*Driver)(nil)
)

// New connects to the system bus and starts routing BlueZ property signals.
func New(cfg Config) (*Driver, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: bluez: system bus: %w", protocol.ErrTransportFailure, err)
	}
	cfg = cfg.withDefaults()

	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged'", bluezBus, dbusProperties)
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return nil, mapDBusError("add match", call.Err)
	}

	d := &Driver{
		cfg:     cfg,
		conn:    conn,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		links:   make(map[dbus.ObjectPath]*Link),
		signals: make(chan *dbus.Signal, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	conn.Signal(d.signals)
	go d.signalLoop()

	if _, err := d.adapterPowered(); err != nil {
		d.Close()
		return nil, err
	}
	log.Info().Str("adapter", cfg.Adapter).Msg("bluez driver ready")
	return d, nil
}

// Close stops signal routing. The shared system bus connection stays open.
func (d *Driver) Close() error {
	select {
	case <-d.stop:
		return nil
	default:
	}
	close(d.stop)
	d.conn.RemoveSignal(d.signals)
	<-d.done
	return nil
}

// Open prepares a link to peerID, a device address reported by Scan.
func (d *Driver) Open(peerID string, h session.LinkHandler) (session.CentralLink, error) {
	if peerID == "" {
		return nil, fmt.Errorf("%w: bluez: empty peer id", protocol.ErrPeerNotFound)
	}
	path := adapterDevicePath(d.cfg.Adapter, peerID)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		driver:     d,
		peerID:     peerID,
		devicePath: path,
		handler:    h,
		ctx:        ctx,
		cancel:     cancel,
	}

	d.mu.Lock()
	if old, ok := d.links[path]; ok {
		old.detach()
	}
	d.links[path] = l
	d.mu.Unlock()
	return l, nil
}

func (d *Driver) forget(l *Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.links[l.devicePath] == l {
		delete(d.links, l.devicePath)
	}
}

func (d *Driver) signalLoop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case sig, ok := <-d.signals:
			if !ok {
				return
			}
			d.route(sig)
		}
	}
}

// route delivers a PropertiesChanged signal to the link owning its path.
func (d *Driver) route(sig *dbus.Signal) {
	iface, changed, ok := decodePropertiesChanged(sig)
	if !ok {
		return
	}
	d.mu.Lock()
	var target *Link
	for _, l := range d.links {
		if l.owns(sig.Path) {
			target = l
			break
		}
	}
	d.mu.Unlock()
	if target == nil {
		return
	}

	switch iface {
	case bluezGattChar:
		v, ok := changed["Value"]
		if !ok || !target.isCharacteristic(sig.Path) {
			return
		}
		if data, ok := v.Value().([]byte); ok {
			target.emit(session.FrameReceived{Data: append([]byte(nil), data...)})
		}
	case bluezDevice1:
		if connected, ok := boolProp(changed, "Connected"); ok && !connected && sig.Path == target.devicePath {
			target.lost(fmt.Errorf("%w: bluez: %s disconnected", protocol.ErrTransportFailure, target.peerID))
		}
	}
}

func (d *Driver) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	call := d.conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, mapDBusError("get managed objects", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("%w: bluez: decode managed objects: %w", protocol.ErrTransportFailure, err)
	}
	return objects, nil
}

func (d *Driver) adapterPowered() (bool, error) {
	v, err := d.conn.Object(bluezBus, adapterPath(d.cfg.Adapter)).GetProperty(bluezAdapter1 + ".Powered")
	if err != nil {
		return false, mapDBusError("adapter "+d.cfg.Adapter, err)
	}
	powered, _ := v.Value().(bool)
	return powered, nil
}

func (d *Driver) property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := d.conn.Object(bluezBus, path).CallWithContext(ctx, dbusProperties+".Get", 0, iface, name)
	if call.Err != nil {
		return v, mapDBusError("get "+name, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return v, fmt.Errorf("%w: bluez: decode %s: %w", protocol.ErrTransportFailure, name, err)
	}
	return v, nil
}
