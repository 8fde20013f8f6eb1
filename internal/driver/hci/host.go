// Package hci serves the peripheral role on a raw HCI socket using go-ble.
package hci

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
)

// Advertising modes.
const (
	AdvertiseName         = "name"
	AdvertiseManufacturer = "manufacturer"
)

type Config struct {
	DeviceID           int
	AdvertiseMode      string
	ServiceUUID        string
	CharacteristicUUID string
}

func DefaultConfig() Config {
	return Config{
		DeviceID:           0,
		AdvertiseMode:      AdvertiseName,
		ServiceUUID:        protocol.ServiceUUID,
		CharacteristicUUID: protocol.CharacteristicUUID,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AdvertiseMode == "" {
		c.AdvertiseMode = def.AdvertiseMode
	}
	if c.ServiceUUID == "" {
		c.ServiceUUID = def.ServiceUUID
	}
	if c.CharacteristicUUID == "" {
		c.CharacteristicUUID = def.CharacteristicUUID
	}
	return c
}

// radio is the advertising surface of *hci.HCI.
type radio interface {
	AdvertiseNameAndServices(name string, uuids ...ble.UUID) error
	AdvertiseMfgData(id uint16, md []byte) error
	StopAdvertising() error
}

// Host implements session.PeripheralHost and link.Scanner on one HCI device.
type Host struct {
	cfg     Config
	dev     *linux.Device
	radio   radio
	service ble.UUID

	mu      sync.Mutex
	handler session.LinkHandler
	clients map[string]*client
}

var (
	_ session.PeripheralHost = (*Host)(nil)
	_ link.Scanner           = (*Host)(nil)
)

// New opens the HCI device and registers the GATT service.
func New(cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()
	svcUUID, err := ble.Parse(cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("hci: service uuid %q: %w", cfg.ServiceUUID, err)
	}
	charUUID, err := ble.Parse(cfg.CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("hci: characteristic uuid %q: %w", cfg.CharacteristicUUID, err)
	}
	if cfg.AdvertiseMode != AdvertiseName && cfg.AdvertiseMode != AdvertiseManufacturer {
		return nil, fmt.Errorf("hci: unknown advertise mode %q", cfg.AdvertiseMode)
	}

	dev, err := linux.NewDevice(ble.OptDeviceID(cfg.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("%w: hci: open device %d: %w", protocol.ErrTransportFailure, cfg.DeviceID, err)
	}
	h := newHost(cfg, dev.HCI, svcUUID)
	h.dev = dev

	svc := ble.NewService(svcUUID)
	char := svc.NewCharacteristic(charUUID)
	char.HandleWrite(ble.WriteHandlerFunc(h.serveWrite))
	char.HandleNotify(ble.NotifyHandlerFunc(h.serveNotify))
	if err := dev.AddService(svc); err != nil {
		dev.Stop()
		return nil, fmt.Errorf("%w: hci: add service: %w", protocol.ErrTransportFailure, err)
	}
	log.Info().Int("device", cfg.DeviceID).Str("service", cfg.ServiceUUID).Msg("hci host ready")
	return h, nil
}

func newHost(cfg Config, r radio, service ble.UUID) *Host {
	return &Host{
		cfg:     cfg,
		radio:   r,
		service: service,
		clients: make(map[string]*client),
	}
}

// Close drops every client and releases the HCI device.
func (h *Host) Close() error {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	if h.dev == nil {
		return nil
	}
	return h.dev.Stop()
}

func (h *Host) Attach(fn session.LinkHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// StartAdvertising puts bleID on air as the local name or as manufacturer
// data, depending on the configured mode.
func (h *Host) StartAdvertising(bleID string) error {
	var err error
	switch h.cfg.AdvertiseMode {
	case AdvertiseManufacturer:
		err = h.radio.AdvertiseMfgData(protocol.ManufacturerID, []byte(bleID))
	default:
		err = h.radio.AdvertiseNameAndServices(bleID, h.service)
	}
	if err != nil {
		return fmt.Errorf("%w: hci: advertise: %w", protocol.ErrTransportFailure, err)
	}
	return nil
}

func (h *Host) StopAdvertising() error {
	if err := h.radio.StopAdvertising(); err != nil {
		return fmt.Errorf("%w: hci: stop advertising: %w", protocol.ErrTransportFailure, err)
	}
	return nil
}

// Disconnect closes the client's connection. The unsubscribe that follows is
// reported like any other.
func (h *Host) Disconnect(clientID string) error {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return c.close()
}

// Scan reports advertisements seen by the HCI device until ctx is done.
func (h *Host) Scan(ctx context.Context, fn func(link.Advertisement)) error {
	if h.dev == nil {
		return fmt.Errorf("%w: hci: no device", protocol.ErrTransportFailure)
	}
	err := h.dev.Scan(ctx, true, func(a ble.Advertisement) {
		fn(toAdvertisement(a))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: hci: scan: %w", protocol.ErrTransportFailure, err)
}

func (h *Host) serveWrite(req ble.Request, rsp ble.ResponseWriter) {
	h.frame(clientID(req.Conn().RemoteAddr()), req.Data())
}

// serveNotify runs for the lifetime of one subscription.
func (h *Host) serveNotify(req ble.Request, n ble.Notifier) {
	conn := req.Conn()
	h.subscribe(clientID(conn.RemoteAddr()), n, conn)
}

func (h *Host) frame(id string, data []byte) {
	h.emit(session.FrameReceived{ClientID: id, Data: append([]byte(nil), data...)})
}

// subscribe registers the client, pumps its notifications until the
// subscription context ends, then reports the unsubscribe.
func (h *Host) subscribe(id string, n notifier, conn io.Closer) {
	c := newClient(h, id, n, conn)
	h.mu.Lock()
	old := h.clients[id]
	h.clients[id] = c
	h.mu.Unlock()
	if old != nil {
		old.stop()
	}

	log.Debug().Str("client", id).Int("cap", n.Cap()).Msg("client subscribed")
	h.emit(session.ClientSubscribed{ClientID: id, Writer: c, MaxPayload: n.Cap()})
	c.run()

	h.mu.Lock()
	current := h.clients[id] == c
	if current {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if !current {
		return
	}
	log.Debug().Str("client", id).Msg("client unsubscribed")
	h.emit(session.ClientUnsubscribed{ClientID: id})
}

func (h *Host) emit(ev session.LinkEvent) {
	h.mu.Lock()
	fn := h.handler
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func clientID(addr ble.Addr) string {
	if addr == nil {
		return ""
	}
	return strings.ToUpper(addr.String())
}

// advertisement is the part of ble.Advertisement the scanner reads.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	RSSI() int
	Addr() ble.Addr
}

func toAdvertisement(a advertisement) link.Advertisement {
	return link.Advertisement{
		PeerID:           clientID(a.Addr()),
		LocalName:        a.LocalName(),
		ManufacturerData: append([]byte(nil), a.ManufacturerData()...),
		RSSI:             a.RSSI(),
	}
}
