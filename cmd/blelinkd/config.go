package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/blelink/internal/config"
	"github.com/danmuck/blelink/internal/daemon"
)

type fileConfig struct {
	Name        string         `toml:"name"`
	Addr        string         `toml:"addr"`
	CorsOrigins []string       `toml:"cors_origins"`
	Scanner     string         `toml:"scanner"`
	BLE         fileBLE        `toml:"ble"`
	Central     fileCentral    `toml:"central"`
	Peripheral  filePeripheral `toml:"peripheral"`
}

type fileBLE struct {
	ServiceUUID        string `toml:"service_uuid"`
	CharacteristicUUID string `toml:"characteristic_uuid"`
	HandshakeToken     string `toml:"handshake_token"`
	MaxChunkLength     int    `toml:"max_chunk_length"`
	RequestedMTU       int    `toml:"requested_mtu"`
	StepTimeout        string `toml:"step_timeout"`
	ScanTimeout        string `toml:"scan_timeout"`
	CacheSize          int    `toml:"cache_size"`
}

type fileCentral struct {
	Enabled        bool   `toml:"enabled"`
	Adapter        string `toml:"adapter"`
	PollInterval   string `toml:"poll_interval"`
	ScanAllDevices bool   `toml:"scan_all_devices"`
}

type filePeripheral struct {
	Enabled       bool   `toml:"enabled"`
	DeviceID      int    `toml:"device_id"`
	AdvertiseMode string `toml:"advertise_mode"`
}

func loadServiceConfig(path string) (daemon.ServiceConfig, error) {
	cfg := daemon.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load blelinkd config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("scanner") {
		cfg.Scanner = strings.TrimSpace(raw.Scanner)
	}

	if meta.IsDefined("ble", "service_uuid") {
		u, err := config.NormalizeUUID(raw.BLE.ServiceUUID)
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("parse ble.service_uuid: %w", err)
		}
		cfg.Session.ServiceUUID = u
	}
	if meta.IsDefined("ble", "characteristic_uuid") {
		u, err := config.NormalizeUUID(raw.BLE.CharacteristicUUID)
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("parse ble.characteristic_uuid: %w", err)
		}
		cfg.Session.CharacteristicUUID = u
	}
	if meta.IsDefined("ble", "handshake_token") {
		cfg.Session.HandshakeToken = raw.BLE.HandshakeToken
	}
	if meta.IsDefined("ble", "max_chunk_length") {
		cfg.Session.MaxChunkLength = raw.BLE.MaxChunkLength
	}
	if meta.IsDefined("ble", "requested_mtu") {
		cfg.Session.RequestedMTU = raw.BLE.RequestedMTU
	}
	if meta.IsDefined("ble", "step_timeout") {
		d, err := parseDuration("ble.step_timeout", raw.BLE.StepTimeout)
		if err != nil {
			return daemon.ServiceConfig{}, err
		}
		cfg.Session.StepTimeout = d
	}
	if meta.IsDefined("ble", "scan_timeout") {
		d, err := parseDuration("ble.scan_timeout", raw.BLE.ScanTimeout)
		if err != nil {
			return daemon.ServiceConfig{}, err
		}
		cfg.ScanTimeout = d
	}
	if meta.IsDefined("ble", "cache_size") {
		cfg.CacheSize = raw.BLE.CacheSize
	}

	if meta.IsDefined("central", "enabled") {
		cfg.Central.Enabled = raw.Central.Enabled
	}
	if meta.IsDefined("central", "adapter") {
		cfg.Central.Adapter = strings.TrimSpace(raw.Central.Adapter)
	}
	if meta.IsDefined("central", "poll_interval") {
		d, err := parseDuration("central.poll_interval", raw.Central.PollInterval)
		if err != nil {
			return daemon.ServiceConfig{}, err
		}
		cfg.Central.PollInterval = d
	}
	if meta.IsDefined("central", "scan_all_devices") {
		cfg.Central.ScanAllDevices = raw.Central.ScanAllDevices
	}

	if meta.IsDefined("peripheral", "enabled") {
		cfg.Peripheral.Enabled = raw.Peripheral.Enabled
	}
	if meta.IsDefined("peripheral", "device_id") {
		cfg.Peripheral.DeviceID = raw.Peripheral.DeviceID
	}
	if meta.IsDefined("peripheral", "advertise_mode") {
		cfg.Peripheral.AdvertiseMode = strings.TrimSpace(raw.Peripheral.AdvertiseMode)
	}

	return cfg, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
