package bluez

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
)

// Scan runs LE discovery on the adapter and reports every known device on
// each poll until ctx is done.
func (d *Driver) Scan(ctx context.Context, h func(link.Advertisement)) error {
	powered, err := d.adapterPowered()
	if err != nil {
		return err
	}
	if !powered {
		return fmt.Errorf("%w: bluez: adapter %s is powered off", protocol.ErrTransportFailure, d.cfg.Adapter)
	}

	adapter := d.conn.Object(bluezBus, adapterPath(d.cfg.Adapter))
	filter := discoveryFilter(d.cfg.ServiceUUID)
	if call := adapter.CallWithContext(ctx, bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return mapDBusError("set discovery filter", call.Err)
	}
	if err := d.startDiscovery(ctx, adapter); err != nil {
		return err
	}
	defer func() {
		if call := adapter.Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
			log.Debug().Err(call.Err).Msg("stop discovery")
		}
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		objects, err := d.managedObjects(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, ad := range d.advertisements(objects) {
			h(ad)
		}
	}
}

func (d *Driver) startDiscovery(ctx context.Context, adapter dbus.BusObject) error {
	var err error
	for attempt := 1; attempt <= d.cfg.StartAttempts; attempt++ {
		call := adapter.CallWithContext(ctx, bluezAdapter1+".StartDiscovery", 0)
		if call.Err == nil {
			return nil
		}
		err = call.Err
		if !retryable(err) {
			break
		}
		delay := session.NextBackoffDelay(d.cfg.Backoff, attempt, d.rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("start discovery retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return mapDBusError("start discovery", err)
}

func discoveryFilter(serviceUUID string) map[string]dbus.Variant {
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if serviceUUID != "" {
		filter["UUIDs"] = dbus.MakeVariant([]string{strings.ToLower(serviceUUID)})
	}
	return filter
}

// advertisements extracts devices below this adapter from a managed object
// snapshot. Devices without an RSSI were not heard in this discovery and are
// skipped.
func (d *Driver) advertisements(objects managedObjects) []link.Advertisement {
	prefix := string(adapterPath(d.cfg.Adapter)) + "/"
	var out []link.Advertisement
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if _, heard := props["RSSI"]; !heard {
			continue
		}
		if ad, ok := parseAdvertisement(props); ok {
			out = append(out, ad)
		}
	}
	return out
}
