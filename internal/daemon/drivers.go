package daemon

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/driver/bluez"
	"github.com/danmuck/blelink/internal/driver/hci"
	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/protocol/session"
)

// Drivers are the platform backends handed to the link manager. Any field
// may be nil.
type Drivers struct {
	Central    session.CentralDriver
	Peripheral session.PeripheralHost
	Scanner    link.Scanner
	closers    []io.Closer
}

// Close releases every opened backend.
func (d Drivers) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenDrivers opens BlueZ for the central role and raw HCI for the
// peripheral role, as enabled in cfg.
func OpenDrivers(cfg ServiceConfig) (Drivers, error) {
	var d Drivers
	var central *bluez.Driver
	var host *hci.Host

	if cfg.Central.Enabled {
		bcfg := bluez.DefaultConfig()
		bcfg.Adapter = cfg.Central.Adapter
		bcfg.PollInterval = cfg.Central.PollInterval
		bcfg.Backoff = cfg.Session.Backoff
		if cfg.Central.ScanAllDevices {
			bcfg.ServiceUUID = ""
		} else {
			bcfg.ServiceUUID = cfg.Session.WithDefaults().ServiceUUID
		}
		drv, err := bluez.New(bcfg)
		if err != nil {
			return Drivers{}, fmt.Errorf("daemon: central driver: %w", err)
		}
		central = drv
		d.Central = drv
		d.closers = append(d.closers, drv)
	}

	if cfg.Peripheral.Enabled {
		sess := cfg.Session.WithDefaults()
		h, err := hci.New(hci.Config{
			DeviceID:           cfg.Peripheral.DeviceID,
			AdvertiseMode:      cfg.Peripheral.AdvertiseMode,
			ServiceUUID:        sess.ServiceUUID,
			CharacteristicUUID: sess.CharacteristicUUID,
		})
		if err != nil {
			d.Close()
			return Drivers{}, fmt.Errorf("daemon: peripheral host: %w", err)
		}
		host = h
		d.Peripheral = h
		d.closers = append(d.closers, h)
	}

	switch cfg.Scanner {
	case "bluez":
		if central != nil {
			d.Scanner = central
		}
	case "hci":
		if host != nil {
			d.Scanner = host
		}
	}
	if d.Scanner == nil && cfg.Scanner != "none" && cfg.Scanner != "" {
		log.Warn().Str("scanner", cfg.Scanner).Msg("scanner backend not enabled, scanning unavailable")
	}
	return d, nil
}
