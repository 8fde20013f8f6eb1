package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/protocol"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService  = "org.bluez.GattService1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	propertiesChanged = dbusProperties + ".PropertiesChanged"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterPath returns the BlueZ object path of an adapter, e.g. /org/bluez/hci0.
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// adapterDevicePath converts "AA:BB:CC:DD:EE:FF" into
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func adapterDevicePath(adapter, address string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}

// findObject returns the first object below parent that implements iface and
// whose UUID property matches uuid case-insensitively.
func findObject(objects managedObjects, parent dbus.ObjectPath, iface, uuid string) (dbus.ObjectPath, bool) {
	prefix := string(parent) + "/"
	paths := make([]string, 0, len(objects))
	for path := range objects {
		if strings.HasPrefix(string(path), prefix) {
			paths = append(paths, string(path))
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		props, ok := objects[dbus.ObjectPath(path)][iface]
		if !ok {
			continue
		}
		got, ok := stringProp(props, "UUID")
		if ok && strings.EqualFold(got, uuid) {
			return dbus.ObjectPath(path), true
		}
	}
	return "", false
}

// parseAdvertisement builds a link.Advertisement from Device1 properties.
// Devices without an address are skipped.
func parseAdvertisement(props map[string]dbus.Variant) (link.Advertisement, bool) {
	addr, ok := stringProp(props, "Address")
	if !ok || addr == "" {
		return link.Advertisement{}, false
	}
	ad := link.Advertisement{PeerID: addr}
	if name, ok := stringProp(props, "Name"); ok {
		ad.LocalName = name
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			ad.RSSI = int(rssi)
		}
	}
	if v, ok := props["ManufacturerData"]; ok {
		if data, ok := v.Value().(map[uint16]dbus.Variant); ok {
			ad.ManufacturerData = pickManufacturerData(data)
		}
	}
	return ad, true
}

// pickManufacturerData prefers the protocol's company id and otherwise takes
// the lowest id present.
func pickManufacturerData(data map[uint16]dbus.Variant) []byte {
	if len(data) == 0 {
		return nil
	}
	ids := make([]int, 0, len(data))
	for id := range data {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	chosen := uint16(ids[0])
	if _, ok := data[protocol.ManufacturerID]; ok {
		chosen = protocol.ManufacturerID
	}
	payload, ok := data[chosen].Value().([]byte)
	if !ok {
		return nil
	}
	return link.EncodeManufacturerData(chosen, payload)
}

// decodePropertiesChanged unpacks a PropertiesChanged signal body.
func decodePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}

// mapDBusError classifies BlueZ errors. Authorization failures become
// protocol.ErrPermissionDenied; everything else is a transport failure.
func mapDBusError(op string, err error) error {
	if err == nil {
		return nil
	}
	name := dbusErrorName(err)
	switch name {
	case "org.bluez.Error.NotPermitted",
		"org.bluez.Error.NotAuthorized",
		"org.freedesktop.DBus.Error.AccessDenied":
		return fmt.Errorf("%w: bluez: %s: %w", protocol.ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: bluez: %s: %w", protocol.ErrTransportFailure, op, err)
}

// retryable reports BlueZ errors that clear up on their own.
func retryable(err error) bool {
	switch dbusErrorName(err) {
	case "org.bluez.Error.InProgress", "org.bluez.Error.NotReady":
		return true
	}
	return false
}

// linkDropped reports write errors that mean the device is gone rather than
// a single failed request.
func linkDropped(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch dbusErrorName(err) {
	case "org.bluez.Error.NotConnected",
		"org.freedesktop.DBus.Error.UnknownObject",
		"org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.Disconnected":
		return true
	}
	return false
}

func dbusErrorName(err error) string {
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name
	}
	return ""
}

func stringProp(props map[string]dbus.Variant, name string) (string, bool) {
	v, ok := props[name]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func boolProp(props map[string]dbus.Variant, name string) (bool, bool) {
	v, ok := props[name]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}
