package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon", "blelinkd":
		return daemonTemplate, nil
	case "peripheral":
		return peripheralTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "blelinkd"
addr = ":7420"
cors_origins = ["http://localhost:3000"]
scanner = "bluez"

[ble]
service_uuid = "6E33748B-D176-4D38-A962-8947ECEC8271"
characteristic_uuid = "F026CBE5-A1DB-44FB-9E2F-E55FDB94B293"
handshake_token = "ready"
max_chunk_length = 180
requested_mtu = 185
step_timeout = "10s"
scan_timeout = "30s"
cache_size = 256

[central]
enabled = true
adapter = "hci0"
poll_interval = "500ms"
scan_all_devices = false

[peripheral]
enabled = true
device_id = 1
advertise_mode = "name"
`

const peripheralTemplate = `name = "blelinkd"
addr = ":7420"
scanner = "none"

[ble]
step_timeout = "10s"

[central]
enabled = false

[peripheral]
enabled = true
device_id = 0
advertise_mode = "manufacturer"
`
