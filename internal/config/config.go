package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	uuid "github.com/satori/go.uuid"

	"github.com/danmuck/blelink/internal/protocol"
)

// Scanner backends.
const (
	ScannerBluez = "bluez"
	ScannerHCI   = "hci"
	ScannerNone  = "none"
)

type DaemonConfig struct {
	Name        string           `toml:"name"`
	Addr        string           `toml:"addr"`
	CorsOrigins []string         `toml:"cors_origins"`
	Scanner     string           `toml:"scanner"`
	BLE         BLEConfig        `toml:"ble"`
	Central     CentralConfig    `toml:"central"`
	Peripheral  PeripheralConfig `toml:"peripheral"`
}

type BLEConfig struct {
	ServiceUUID        string `toml:"service_uuid"`
	CharacteristicUUID string `toml:"characteristic_uuid"`
	HandshakeToken     string `toml:"handshake_token"`
	MaxChunkLength     int    `toml:"max_chunk_length"`
	RequestedMTU       int    `toml:"requested_mtu"`
	StepTimeout        string `toml:"step_timeout"`
	ScanTimeout        string `toml:"scan_timeout"`
	CacheSize          int    `toml:"cache_size"`
}

type CentralConfig struct {
	Enabled      bool   `toml:"enabled"`
	Adapter      string `toml:"adapter"`
	PollInterval string `toml:"poll_interval"`
	// ScanAllDevices drops the service UUID discovery filter so peers
	// advertising only manufacturer data are found.
	ScanAllDevices bool `toml:"scan_all_devices"`
}

type PeripheralConfig struct {
	Enabled       bool   `toml:"enabled"`
	DeviceID      int    `toml:"device_id"`
	AdvertiseMode string `toml:"advertise_mode"`
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "blelinkd"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":7420"
	}
	if cfg.Scanner == "" {
		cfg.Scanner = ScannerBluez
	}
	if cfg.BLE.ServiceUUID == "" {
		cfg.BLE.ServiceUUID = protocol.ServiceUUID
	}
	if cfg.BLE.CharacteristicUUID == "" {
		cfg.BLE.CharacteristicUUID = protocol.CharacteristicUUID
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("daemon config missing addr")
	}
	switch cfg.Scanner {
	case ScannerBluez:
		if !cfg.Central.Enabled {
			return fmt.Errorf("scanner %q requires [central] enabled", cfg.Scanner)
		}
	case ScannerHCI:
		if !cfg.Peripheral.Enabled {
			return fmt.Errorf("scanner %q requires [peripheral] enabled", cfg.Scanner)
		}
	case ScannerNone:
	default:
		return fmt.Errorf("unknown scanner %q", cfg.Scanner)
	}
	if err := ValidateBLE(cfg.BLE); err != nil {
		return fmt.Errorf("ble invalid: %w", err)
	}
	if cfg.Central.Enabled {
		if err := checkDuration("poll_interval", cfg.Central.PollInterval); err != nil {
			return fmt.Errorf("central invalid: %w", err)
		}
	}
	if cfg.Peripheral.Enabled {
		if cfg.Peripheral.DeviceID < 0 {
			return fmt.Errorf("peripheral invalid: device_id must be >= 0")
		}
		switch cfg.Peripheral.AdvertiseMode {
		case "", "name", "manufacturer":
		default:
			return fmt.Errorf("peripheral invalid: unknown advertise_mode %q", cfg.Peripheral.AdvertiseMode)
		}
	}
	return nil
}

func ValidateBLE(cfg BLEConfig) error {
	if _, err := NormalizeUUID(cfg.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	if _, err := NormalizeUUID(cfg.CharacteristicUUID); err != nil {
		return fmt.Errorf("characteristic_uuid: %w", err)
	}
	if cfg.MaxChunkLength != 0 && cfg.MaxChunkLength < protocol.MinChunkLength {
		return fmt.Errorf("max_chunk_length must be >= %d", protocol.MinChunkLength)
	}
	if cfg.RequestedMTU != 0 && cfg.RequestedMTU < protocol.DefaultMTU {
		return fmt.Errorf("requested_mtu must be >= %d", protocol.DefaultMTU)
	}
	if cfg.CacheSize < 0 {
		return fmt.Errorf("cache_size must be >= 0")
	}
	if strings.ContainsRune(cfg.HandshakeToken, 0) {
		return fmt.Errorf("handshake_token must not contain NUL")
	}
	if err := checkDuration("step_timeout", cfg.StepTimeout); err != nil {
		return err
	}
	return checkDuration("scan_timeout", cfg.ScanTimeout)
}

// NormalizeUUID parses s and returns its canonical upper-case form.
func NormalizeUUID(s string) (string, error) {
	u, err := uuid.FromString(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return strings.ToUpper(u.String()), nil
}

func checkDuration(name, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}
