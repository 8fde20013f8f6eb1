package link

import (
	"context"
	"encoding/binary"
	"time"
	"unicode/utf8"

	"github.com/danmuck/blelink/internal/protocol"
)

// Advertisement is one discovered peer as reported by a Scanner.
type Advertisement struct {
	PeerID    string
	LocalName string
	// ManufacturerData is the raw AD payload, starting with the 2-byte
	// little-endian company identifier.
	ManufacturerData []byte
	RSSI             int
}

// Scanner reports advertisements until ctx is done or scanning fails.
type Scanner interface {
	Scan(ctx context.Context, h func(Advertisement)) error
}

// ScanFilter matches advertisements against a target ble id, first by
// broadcast name and then by manufacturer payload.
type ScanFilter struct {
	BleID          string
	ManufacturerID uint16
}

func NewScanFilter(bleID string) ScanFilter {
	return ScanFilter{BleID: bleID, ManufacturerID: protocol.ManufacturerID}
}

func (f ScanFilter) Match(ad Advertisement) bool {
	if f.BleID == "" {
		return false
	}
	if ad.LocalName == f.BleID {
		return true
	}
	payload, ok := ManufacturerPayload(ad.ManufacturerData, f.ManufacturerID)
	if !ok || !utf8.Valid(payload) {
		return false
	}
	return string(payload) == f.BleID
}

// ManufacturerPayload strips the company identifier from raw manufacturer
// data. It reports false when data is too short or belongs to another vendor.
func ManufacturerPayload(data []byte, companyID uint16) ([]byte, bool) {
	if len(data) < 2 {
		return nil, false
	}
	if binary.LittleEndian.Uint16(data[:2]) != companyID {
		return nil, false
	}
	return data[2:], true
}

// EncodeManufacturerData prefixes payload with the little-endian company id.
func EncodeManufacturerData(companyID uint16, payload []byte) []byte {
	out := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(out, companyID)
	return append(out, payload...)
}

// Peer is one scan cache entry.
type Peer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

// ScanRequest parameterizes Manager.Scan.
type ScanRequest struct {
	FilterBleID string
	// StopIfFound ends scanning on the first match; otherwise scanning
	// continues in the background, caching further matches.
	StopIfFound bool
	Timeout     time.Duration
}
