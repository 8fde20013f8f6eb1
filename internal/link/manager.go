package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
)

var (
	ErrRoleUnavailable = errors.New("link: role not available")
	ErrEmptyFilter     = errors.New("link: filter ble id is required")
	errScannerStopped  = errors.New("link: scanner stopped")
)

const (
	DefaultCacheSize   = 256
	DefaultScanTimeout = 30 * time.Second
)

// Options wires platform drivers into a Manager. Any driver may be nil when
// the host lacks that capability.
type Options struct {
	Central     session.CentralDriver
	Peripheral  session.PeripheralHost
	Scanner     Scanner
	Session     session.Config
	CacheSize   int
	ScanTimeout time.Duration
	Listener    session.Listener
}

// Manager owns at most one session per role plus the scan cache, and routes
// sends to whichever session is ready.
type Manager struct {
	central     *session.Central
	peripheral  *session.Peripheral
	scanner     Scanner
	cache       *lru.Cache
	scanTimeout time.Duration

	mu         sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	rng        *rand.Rand
}

func NewManager(opts Options) (*Manager, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("link: scan cache: %w", err)
	}
	m := &Manager{
		scanner:     opts.Scanner,
		cache:       cache,
		scanTimeout: opts.ScanTimeout,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if m.scanTimeout <= 0 {
		m.scanTimeout = DefaultScanTimeout
	}
	cfg := opts.Session.WithDefaults()
	if opts.Central != nil {
		m.central = session.NewCentral(opts.Central, cfg, opts.Listener)
	}
	if opts.Peripheral != nil {
		m.peripheral = session.NewPeripheral(opts.Peripheral, cfg, opts.Listener)
	}
	return m, nil
}

// GenerateBleID returns a random four digit identifier for advertising.
func (m *Manager) GenerateBleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.Itoa(1000 + m.rng.Intn(9000))
}

// Scan looks for a peer advertising req.FilterBleID and returns its peer id.
// Any previous scan is stopped first.
func (m *Manager) Scan(ctx context.Context, req ScanRequest) (string, error) {
	if m.scanner == nil {
		return "", fmt.Errorf("%w: scanner", ErrRoleUnavailable)
	}
	if req.FilterBleID == "" {
		return "", ErrEmptyFilter
	}
	m.StopScan()

	filter := NewScanFilter(req.FilterBleID)
	scanCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	found := make(chan string, 1)
	failed := make(chan error, 1)

	m.mu.Lock()
	m.scanCancel = cancel
	m.scanDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		err := m.scanner.Scan(scanCtx, func(ad Advertisement) {
			if !filter.Match(ad) {
				return
			}
			m.remember(ad)
			log.Debug().Str("peer", ad.PeerID).Str("ble_id", req.FilterBleID).Msg("scan match")
			select {
			case found <- ad.PeerID:
			default:
			}
			if req.StopIfFound {
				cancel()
			}
		})
		if scanCtx.Err() != nil {
			return
		}
		if err == nil {
			err = errScannerStopped
		}
		failed <- err
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.scanTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-found:
		return id, nil
	case err := <-failed:
		m.StopScan()
		if errors.Is(err, protocol.ErrPermissionDenied) {
			return "", err
		}
		return "", fmt.Errorf("%w: scan: %w", protocol.ErrTransportFailure, err)
	case <-timer.C:
		m.StopScan()
		return "", fmt.Errorf("%w: no peer advertising %q", protocol.ErrTimeout, req.FilterBleID)
	case <-ctx.Done():
		m.StopScan()
		return "", ctx.Err()
	}
}

// StopScan cancels any running scan and waits for the scanner to return.
func (m *Manager) StopScan() {
	m.mu.Lock()
	cancel, done := m.scanCancel, m.scanDone
	m.scanCancel, m.scanDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Scanning reports whether a scan goroutine is still running.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	done := m.scanDone
	m.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (m *Manager) remember(ad Advertisement) {
	m.cache.Add(ad.PeerID, Peer{
		ID:       ad.PeerID,
		Name:     ad.LocalName,
		RSSI:     ad.RSSI,
		LastSeen: time.Now().UTC(),
	})
}

// Peers returns the scan cache from oldest to newest.
func (m *Manager) Peers() []Peer {
	keys := m.cache.Keys()
	out := make([]Peer, 0, len(keys))
	for _, k := range keys {
		if v, ok := m.cache.Peek(k); ok {
			out = append(out, v.(Peer))
		}
	}
	return out
}

// Connect opens a central link to a previously scanned peer.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	if m.central == nil {
		return fmt.Errorf("%w: central", ErrRoleUnavailable)
	}
	if _, ok := m.cache.Get(peerID); !ok {
		return fmt.Errorf("%w: %s", protocol.ErrPeerNotFound, peerID)
	}
	return m.central.Connect(ctx, peerID)
}

// Disconnect closes the central link, if any.
func (m *Manager) Disconnect(ctx context.Context) error {
	if m.central == nil {
		return nil
	}
	return m.central.Disconnect(ctx)
}

func (m *Manager) Advertise(ctx context.Context, bleID string) error {
	if m.peripheral == nil {
		return fmt.Errorf("%w: peripheral", ErrRoleUnavailable)
	}
	return m.peripheral.Advertise(ctx, bleID)
}

func (m *Manager) StopAdvertising() error {
	if m.peripheral == nil {
		return nil
	}
	return m.peripheral.StopAdvertising()
}

// Send routes message to the ready central link, else to the subscribed
// client, else fails with ErrNoPeerToSendTo.
func (m *Manager) Send(ctx context.Context, message string) error {
	var err error
	switch {
	case m.central != nil && m.central.Ready():
		err = m.central.Send(ctx, message)
	case m.peripheral != nil && m.peripheral.Ready():
		err = m.peripheral.Send(ctx, message)
	default:
		return protocol.ErrNoPeerToSendTo
	}
	if errors.Is(err, protocol.ErrNotReady) {
		return fmt.Errorf("%w: %w", protocol.ErrNoPeerToSendTo, err)
	}
	return err
}

// Finish tears everything down: central link, peripheral client, scan,
// advertisement and the scan cache.
func (m *Manager) Finish(ctx context.Context) error {
	var errs []error
	if m.central != nil {
		if err := m.central.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.peripheral != nil {
		if err := m.peripheral.DropClient(); err != nil {
			errs = append(errs, err)
		}
		if err := m.peripheral.StopAdvertising(); err != nil {
			errs = append(errs, err)
		}
	}
	m.StopScan()
	m.cache.Purge()
	return errors.Join(errs...)
}

type CentralStatus struct {
	Available bool   `json:"available"`
	State     string `json:"state"`
	Peer      string `json:"peer,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type PeripheralStatus struct {
	Available   bool   `json:"available"`
	State       string `json:"state"`
	Client      string `json:"client,omitempty"`
	BleID       string `json:"ble_id,omitempty"`
	Advertising bool   `json:"advertising"`
}

// Status is a point-in-time snapshot of both roles and the scan cache.
type Status struct {
	Central     CentralStatus    `json:"central"`
	Peripheral  PeripheralStatus `json:"peripheral"`
	Scanning    bool             `json:"scanning"`
	CachedPeers int              `json:"cached_peers"`
}

func (m *Manager) Status() Status {
	st := Status{
		Scanning:    m.Scanning(),
		CachedPeers: m.cache.Len(),
	}
	if m.central != nil {
		st.Central = CentralStatus{
			Available: true,
			State:     m.central.State().String(),
			Peer:      m.central.Peer(),
		}
		if err := m.central.LastError(); err != nil {
			st.Central.LastError = err.Error()
		}
	}
	if m.peripheral != nil {
		st.Peripheral = PeripheralStatus{
			Available:   true,
			State:       m.peripheral.State().String(),
			Client:      m.peripheral.Client(),
			BleID:       m.peripheral.BleID(),
			Advertising: m.peripheral.Advertising(),
		}
	}
	return st
}

// Central exposes the central session for drivers and tests.
func (m *Manager) Central() *session.Central {
	return m.central
}

// Peripheral exposes the peripheral session for drivers and tests.
func (m *Manager) Peripheral() *session.Peripheral {
	return m.peripheral
}
