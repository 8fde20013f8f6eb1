package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
	"github.com/danmuck/blelink/internal/testutil/testlog"
)

type fakeScanner struct {
	ads []link.Advertisement
}

func (s *fakeScanner) Scan(ctx context.Context, h func(link.Advertisement)) error {
	for _, ad := range s.ads {
		h(ad)
	}
	<-ctx.Done()
	return ctx.Err()
}

// cooperativeDriver answers every central step right away, including the
// peer's ready handshake.
type cooperativeDriver struct {
	mu     sync.Mutex
	frames [][]byte
}

func (d *cooperativeDriver) Open(peerID string, h session.LinkHandler) (session.CentralLink, error) {
	return &cooperativeLink{driver: d, h: h}, nil
}

func (d *cooperativeDriver) written() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

type cooperativeLink struct {
	driver *cooperativeDriver
	h      session.LinkHandler
}

func (l *cooperativeLink) Connect() error {
	go l.h(session.Connected{})
	return nil
}

func (l *cooperativeLink) DiscoverService(string) error {
	go l.h(session.ServiceDiscovered{Found: true})
	return nil
}

func (l *cooperativeLink) DiscoverCharacteristic(string) error {
	go l.h(session.CharacteristicDiscovered{Found: true})
	return nil
}

func (l *cooperativeLink) RequestMTU(int) error {
	go l.h(session.MTUChanged{MTU: 185})
	return nil
}

func (l *cooperativeLink) Subscribe() error {
	go func() {
		l.h(session.Subscribed{})
		l.h(session.FrameReceived{Data: []byte(protocol.HandshakeToken + "\x00")})
	}()
	return nil
}

func (l *cooperativeLink) Close() error {
	go l.h(session.LinkLost{})
	return nil
}

func (l *cooperativeLink) TryWrite(frame []byte) error {
	l.driver.mu.Lock()
	defer l.driver.mu.Unlock()
	l.driver.frames = append(l.driver.frames, append([]byte(nil), frame...))
	return nil
}

type idleHost struct{}

func (idleHost) Attach(session.LinkHandler)    {}
func (idleHost) StartAdvertising(string) error { return nil }
func (idleHost) StopAdvertising() error        { return nil }
func (idleHost) Disconnect(string) error       { return nil }

func testService(t *testing.T, drivers Drivers) *Service {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.Session.StepTimeout = 2 * time.Second
	cfg.ScanTimeout = time.Second
	svc, err := New(cfg, drivers)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func do(t *testing.T, svc *Service, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	svc.HTTPRouter().ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, out
}

func TestHealthAndBleID(t *testing.T) {
	testlog.Start(t)
	svc := testService(t, Drivers{})

	code, body := do(t, svc, http.MethodGet, "/health", "")
	if code != http.StatusOK || body["status"] != "ok" || body["service"] != "blelinkd" {
		t.Fatalf("health got=%d %v", code, body)
	}
	code, body = do(t, svc, http.MethodGet, "/ble/id", "")
	id, _ := body["ble_id"].(string)
	if code != http.StatusOK || len(id) != 4 {
		t.Fatalf("ble id got=%d %v", code, body)
	}
}

func TestScanConnectSendFinish(t *testing.T) {
	testlog.Start(t)
	driver := &cooperativeDriver{}
	scanner := &fakeScanner{ads: []link.Advertisement{
		{PeerID: "11:22", LocalName: "9999"},
		{PeerID: "AA:BB", LocalName: "4821", RSSI: -50},
	}}
	svc := testService(t, Drivers{Central: driver, Peripheral: idleHost{}, Scanner: scanner})

	code, body := do(t, svc, http.MethodPost, "/ble/scan", `{"filter_ble_id":"4821","stop_if_found":true}`)
	if code != http.StatusOK || body["peer_id"] != "AA:BB" {
		t.Fatalf("scan got=%d %v", code, body)
	}
	code, body = do(t, svc, http.MethodGet, "/ble/peers", "")
	peers, _ := body["peers"].([]any)
	if code != http.StatusOK || len(peers) != 1 {
		t.Fatalf("peers got=%d %v", code, body)
	}

	code, body = do(t, svc, http.MethodPost, "/ble/connect", `{"peer_id":"AA:BB"}`)
	if code != http.StatusOK {
		t.Fatalf("connect got=%d %v", code, body)
	}
	code, body = do(t, svc, http.MethodPost, "/ble/messages", `{"message":"hello"}`)
	if code != http.StatusOK || body["status"] != "sent" {
		t.Fatalf("send got=%d %v", code, body)
	}
	if driver.written() != 1 {
		t.Fatalf("frames got=%d want=1", driver.written())
	}

	code, body = do(t, svc, http.MethodGet, "/ble/status", "")
	status, _ := body["status"].(map[string]any)
	central, _ := status["central"].(map[string]any)
	if code != http.StatusOK || central["state"] != session.StateReady.String() || central["peer"] != "AA:BB" {
		t.Fatalf("status got=%d %v", code, body)
	}

	code, body = do(t, svc, http.MethodPost, "/ble/finish", "")
	if code != http.StatusOK {
		t.Fatalf("finish got=%d %v", code, body)
	}
	if svc.Manager().Central().Ready() || len(svc.Manager().Peers()) != 0 {
		t.Fatalf("finish left central ready or peers cached")
	}
}

func TestErrorStatuses(t *testing.T) {
	testlog.Start(t)
	svc := testService(t, Drivers{Central: &cooperativeDriver{}, Peripheral: idleHost{}, Scanner: &fakeScanner{}})

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/ble/messages", `{"message":"x"}`, http.StatusConflict},
		{http.MethodPost, "/ble/connect", `{"peer_id":"never-scanned"}`, http.StatusNotFound},
		{http.MethodPost, "/ble/connect", `{"peer_id":" "}`, http.StatusBadRequest},
		{http.MethodPost, "/ble/connect", `{not json`, http.StatusBadRequest},
		{http.MethodPost, "/ble/advertise", `{"ble_id":""}`, http.StatusBadRequest},
		{http.MethodPost, "/ble/scan", `{"filter_ble_id":""}`, http.StatusBadRequest},
		{http.MethodPost, "/ble/scan", `{"filter_ble_id":"1","timeout":"soon"}`, http.StatusBadRequest},
		{http.MethodPost, "/ble/scan", `{"filter_ble_id":"1","timeout":"30ms"}`, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		code, body := do(t, svc, tc.method, tc.path, tc.body)
		if code != tc.want {
			t.Fatalf("%s %s %s: status got=%d want=%d body=%v", tc.method, tc.path, tc.body, code, tc.want, body)
		}
		if _, ok := body["error"]; !ok {
			t.Fatalf("%s %s: missing error body", tc.method, tc.path)
		}
	}
}

func TestMissingRolesReportNotImplemented(t *testing.T) {
	testlog.Start(t)
	svc := testService(t, Drivers{})
	for _, path := range []string{"/ble/connect", "/ble/advertise", "/ble/scan"} {
		body := `{"peer_id":"x","ble_id":"1234","filter_ble_id":"1234"}`
		if code, _ := do(t, svc, http.MethodPost, path, body); code != http.StatusNotImplemented {
			t.Fatalf("%s status got=%d want=%d", path, code, http.StatusNotImplemented)
		}
	}
	if code, _ := do(t, svc, http.MethodPost, "/ble/finish", ""); code != http.StatusOK {
		t.Fatalf("finish without drivers got=%d", code)
	}
}

func TestStatusFor(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", protocol.ErrPeerNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: %w", protocol.ErrNoPeerToSendTo, protocol.ErrNotReady), http.StatusConflict},
		{fmt.Errorf("%w: %w: connecting", protocol.ErrTransportFailure, protocol.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: gatt", protocol.ErrTransportFailure), http.StatusBadGateway},
		{protocol.ErrPermissionDenied, http.StatusForbidden},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) got=%d want=%d", tc.err, got, tc.want)
		}
	}
}

func TestNewRejectsEmptyAddr(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Addr = " "
	if _, err := New(cfg, Drivers{}); !errors.Is(err, ErrInvalidAddr) {
		t.Fatalf("new err got=%v want=%v", err, ErrInvalidAddr)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Addr = "127.0.0.1:0"
	svc, err := New(cfg, Drivers{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
