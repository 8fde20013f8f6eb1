package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/testutil/testlog"
)

type fakeCentralDriver struct {
	opened  chan *fakeCentralLink
	openErr error
}

func newFakeCentralDriver() *fakeCentralDriver {
	return &fakeCentralDriver{opened: make(chan *fakeCentralLink, 4)}
}

func (d *fakeCentralDriver) Open(peerID string, h LinkHandler) (CentralLink, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	l := &fakeCentralLink{
		gateWriter: newGateWriter(true),
		peer:       peerID,
		handler:    h,
		calls:      make(chan string, 64),
	}
	d.opened <- l
	return l, nil
}

type fakeCentralLink struct {
	*gateWriter
	peer    string
	handler LinkHandler
	calls   chan string
	mtuErr  error
}

func (l *fakeCentralLink) Connect() error               { l.calls <- "connect"; return nil }
func (l *fakeCentralLink) DiscoverService(string) error { l.calls <- "service"; return nil }
func (l *fakeCentralLink) DiscoverCharacteristic(string) error {
	l.calls <- "characteristic"
	return nil
}
func (l *fakeCentralLink) Subscribe() error { l.calls <- "subscribe"; return nil }
func (l *fakeCentralLink) Close() error     { l.calls <- "close"; return nil }

func (l *fakeCentralLink) RequestMTU(int) error {
	l.calls <- "mtu"
	return l.mtuErr
}

func (l *fakeCentralLink) expect(t *testing.T, call string) {
	t.Helper()
	select {
	case got := <-l.calls:
		if got != call {
			t.Fatalf("link call got=%q want=%q", got, call)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for link call %q", call)
	}
}

func awaitLink(t *testing.T, d *fakeCentralDriver) *fakeCentralLink {
	t.Helper()
	select {
	case l := <-d.opened:
		return l
	case <-time.After(2 * time.Second):
		t.Fatalf("driver was never opened")
		return nil
	}
}

// establish walks a fake link through discovery and subscription, then
// delivers the peer's handshake.
func establish(t *testing.T, l *fakeCentralLink, mtu int) {
	t.Helper()
	l.expect(t, "connect")
	l.handler(Connected{})
	l.expect(t, "service")
	l.handler(ServiceDiscovered{Found: true})
	l.expect(t, "characteristic")
	l.handler(CharacteristicDiscovered{Found: true})
	l.expect(t, "mtu")
	l.handler(MTUChanged{MTU: mtu})
	l.expect(t, "subscribe")
	l.handler(Subscribed{})
	l.handler(FrameReceived{Data: []byte("ready\x00")})
}

func connectAsync(c *Central, peer string) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), peer) }()
	return errc
}

func awaitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("operation did not resolve")
		return nil
	}
}

func TestCentralHandshakeIsConsumed(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	d := newFakeCentralDriver()
	c := NewCentral(d, testConfig(), rec)

	errc := connectAsync(c, "AA:BB")
	l := awaitLink(t, d)
	establish(t, l, 185)
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state got=%v want=%v", c.State(), StateReady)
	}
	if rec.count(EventMessageReceived) != 0 {
		t.Fatalf("handshake leaked as message: %v", rec.payloads(EventMessageReceived))
	}
	types := rec.types()
	if len(types) != 2 || types[0] != EventConnectingToPeer || types[1] != EventConnectedToPeer {
		t.Fatalf("events got=%v", types)
	}

	l.handler(FrameReceived{Data: []byte("hel")})
	l.handler(FrameReceived{Data: []byte("lo\x00")})
	got := rec.payloads(EventMessageReceived)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("received got=%v want=[hello]", got)
	}
	types = rec.types()
	if types[len(types)-2] != EventMessageReceiveStarted {
		t.Fatalf("started not emitted before received: %v", types)
	}
}

func TestCentralDropsMessageBeforeHandshake(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	d := newFakeCentralDriver()
	c := NewCentral(d, testConfig(), rec)

	errc := connectAsync(c, "peer")
	l := awaitLink(t, d)
	l.expect(t, "connect")
	l.handler(Connected{})
	l.expect(t, "service")
	l.handler(ServiceDiscovered{Found: true})
	l.expect(t, "characteristic")
	l.handler(CharacteristicDiscovered{Found: true})
	l.expect(t, "mtu")
	l.handler(MTUChanged{MTU: 185})
	l.expect(t, "subscribe")
	l.handler(Subscribed{})

	l.handler(FrameReceived{Data: []byte("early\x00")})
	if c.State() != StateAwaitingPeerReady {
		t.Fatalf("state got=%v want=%v", c.State(), StateAwaitingPeerReady)
	}
	l.handler(FrameReceived{Data: []byte(" ready \x00")})
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if rec.count(EventMessageReceived) != 0 {
		t.Fatalf("pre-handshake message delivered")
	}
}

func TestCentralFailureEdgesDisconnect(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("le-connection-abort-by-local")
	toService := func(t *testing.T, l *fakeCentralLink) {
		l.expect(t, "connect")
		l.handler(Connected{})
		l.expect(t, "service")
	}
	toCharacteristic := func(t *testing.T, l *fakeCentralLink) {
		toService(t, l)
		l.handler(ServiceDiscovered{Found: true})
		l.expect(t, "characteristic")
	}
	toSubscribe := func(t *testing.T, l *fakeCentralLink) {
		toCharacteristic(t, l)
		l.handler(CharacteristicDiscovered{Found: true})
		l.expect(t, "mtu")
		l.handler(MTUChanged{MTU: 185})
		l.expect(t, "subscribe")
	}
	cases := []struct {
		name  string
		drive func(t *testing.T, l *fakeCentralLink)
		cause error
	}{
		{
			name: "link lost while connecting",
			drive: func(t *testing.T, l *fakeCentralLink) {
				l.expect(t, "connect")
				l.handler(LinkLost{Err: cause})
			},
			cause: cause,
		},
		{
			name: "service discovery error",
			drive: func(t *testing.T, l *fakeCentralLink) {
				toService(t, l)
				l.handler(ServiceDiscovered{Err: cause})
			},
			cause: cause,
		},
		{
			name: "service missing",
			drive: func(t *testing.T, l *fakeCentralLink) {
				toService(t, l)
				l.handler(ServiceDiscovered{Found: false})
			},
		},
		{
			name: "characteristic missing",
			drive: func(t *testing.T, l *fakeCentralLink) {
				toCharacteristic(t, l)
				l.handler(CharacteristicDiscovered{Found: false})
			},
		},
		{
			name: "subscribe rejected",
			drive: func(t *testing.T, l *fakeCentralLink) {
				toSubscribe(t, l)
				l.handler(Subscribed{Err: cause})
			},
			cause: cause,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			rec := &recorder{}
			d := newFakeCentralDriver()
			c := NewCentral(d, testConfig(), rec)

			errc := connectAsync(c, "peer")
			l := awaitLink(t, d)
			tc.drive(t, l)

			err := awaitErr(t, errc)
			if !errors.Is(err, protocol.ErrTransportFailure) {
				t.Fatalf("connect err got=%v want=%v", err, protocol.ErrTransportFailure)
			}
			if tc.cause != nil && !errors.Is(err, tc.cause) {
				t.Fatalf("connect err got=%v want cause=%v", err, tc.cause)
			}
			if c.State() != StateDisconnected {
				t.Fatalf("state got=%v want=%v", c.State(), StateDisconnected)
			}
			l.expect(t, "close")
			if got := rec.count(EventDisconnectedFromPeer); got != 1 {
				t.Fatalf("disconnected events got=%d want=1", got)
			}
			if rec.count(EventConnectedToPeer) != 0 {
				t.Fatalf("connected emitted on a failed attempt: %v", rec.types())
			}
		})
	}
}

func TestCentralOpenFailureWrapsCause(t *testing.T) {
	testlog.Start(t)
	d := newFakeCentralDriver()
	cause := errors.New("adapter off")
	d.openErr = cause
	c := NewCentral(d, testConfig(), nil)

	err := c.Connect(context.Background(), "peer")
	if !errors.Is(err, protocol.ErrTransportFailure) || !errors.Is(err, cause) {
		t.Fatalf("connect err got=%v", err)
	}
}

func TestCentralStepTimeout(t *testing.T) {
	testlog.Start(t)
	d := newFakeCentralDriver()
	cfg := testConfig()
	cfg.StepTimeout = 30 * time.Millisecond
	c := NewCentral(d, cfg, nil)

	errc := connectAsync(c, "peer")
	awaitLink(t, d)
	err := awaitErr(t, errc)
	if !errors.Is(err, protocol.ErrTimeout) || !errors.Is(err, protocol.ErrTransportFailure) {
		t.Fatalf("connect err got=%v want timeout", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state got=%v", c.State())
	}
}

func TestCentralMTUFailureFallsBackToMinimumChunk(t *testing.T) {
	testlog.Start(t)
	d := newFakeCentralDriver()
	c := NewCentral(d, testConfig(), nil)

	errc := connectAsync(c, "peer")
	l := awaitLink(t, d)
	l.expect(t, "connect")
	l.handler(Connected{})
	l.expect(t, "service")
	l.handler(ServiceDiscovered{Found: true})
	l.expect(t, "characteristic")
	l.handler(CharacteristicDiscovered{Found: true})
	l.expect(t, "mtu")
	l.handler(MTUChanged{Err: errors.New("not supported")})
	l.expect(t, "subscribe")
	l.handler(Subscribed{})
	l.handler(FrameReceived{Data: []byte("ready\x00")})
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}

	msg := strings.Repeat("m", 50)
	if err := c.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i, f := range l.written() {
		if len(f) > protocol.MinChunkLength {
			t.Fatalf("frame %d len=%d exceeds %d", i, len(f), protocol.MinChunkLength)
		}
	}
	if got := strings.TrimRight(string(l.joined()), "\x00"); got != msg {
		t.Fatalf("wire got=%q", got)
	}
}

func TestCentralSendFlowControl(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	d := newFakeCentralDriver()
	cfg := testConfig()
	cfg.MaxChunkLength = 4
	c := NewCentral(d, cfg, rec)

	errc := connectAsync(c, "peer")
	l := awaitLink(t, d)
	establish(t, l, 185)
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}

	l.setStepped(true)
	sent := make(chan error, 1)
	go func() { sent <- c.Send(context.Background(), "abcdefghij") }()

	waitFor(t, "first frame", func() bool { return len(l.written()) == 1 })
	for i := 0; i < 2; i++ {
		select {
		case err := <-sent:
			t.Fatalf("send resolved early after %d readies: %v", i, err)
		default:
		}
		l.setOpen(true)
		l.handler(WriteReady{})
	}
	if err := awaitErr(t, sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := string(l.joined()); got != "abcdefghij\x00" {
		t.Fatalf("wire got=%q", got)
	}
	if rec.count(EventSendingMessage) != 1 || rec.count(EventMessageSent) != 1 {
		t.Fatalf("send events got=%v", rec.types())
	}
}

func TestCentralSendRequiresReady(t *testing.T) {
	testlog.Start(t)
	c := NewCentral(newFakeCentralDriver(), testConfig(), nil)
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, protocol.ErrNotReady) {
		t.Fatalf("send err got=%v want=%v", err, protocol.ErrNotReady)
	}
}

func TestCentralDisconnectEmitsLifecycle(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	d := newFakeCentralDriver()
	c := NewCentral(d, testConfig(), rec)

	errc := connectAsync(c, "peer")
	l := awaitLink(t, d)
	establish(t, l, 185)
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.handler(FrameReceived{Data: []byte("partial")})

	done := make(chan error, 1)
	go func() { done <- c.Disconnect(context.Background()) }()
	l.expect(t, "close")
	l.handler(LinkLost{})
	if err := awaitErr(t, done); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	types := rec.types()
	n := len(types)
	if types[n-2] != EventDisconnectingFromPeer || types[n-1] != EventDisconnectedFromPeer {
		t.Fatalf("events got=%v", types)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state got=%v", c.State())
	}
	c.mu.Lock()
	buffered := c.core.reasm.Buffered()
	c.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("reassembly buffer survived disconnect: %d bytes", buffered)
	}
}

func TestCentralLinkLossRejectsPendingSend(t *testing.T) {
	testlog.Start(t)
	d := newFakeCentralDriver()
	c := NewCentral(d, testConfig(), nil)

	errc := connectAsync(c, "peer")
	l := awaitLink(t, d)
	establish(t, l, 185)
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}

	l.setOpen(false)
	sent := make(chan error, 1)
	go func() { sent <- c.Send(context.Background(), "queued") }()
	waitFor(t, "busy refusal", func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.busy > 0
	})
	l.handler(LinkLost{Err: errors.New("supervision timeout")})

	err := awaitErr(t, sent)
	if !errors.Is(err, protocol.ErrTransportFailure) {
		t.Fatalf("send err got=%v want transport failure", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state got=%v", c.State())
	}
	if c.LastError() == nil {
		t.Fatalf("last error not recorded")
	}
}

func TestCentralWriteFailureKeepsLink(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	d := newFakeCentralDriver()
	cfg := testConfig()
	cfg.MaxChunkLength = 4
	c := NewCentral(d, cfg, rec)

	errc := connectAsync(c, "peer")
	l := awaitLink(t, d)
	establish(t, l, 185)
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}

	l.setStepped(true)
	sent := make(chan error, 1)
	go func() { sent <- c.Send(context.Background(), "abcdefghij") }()
	waitFor(t, "first frame", func() bool { return len(l.written()) == 1 })
	waitFor(t, "busy refusal", func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.busy > 0
	})

	cause := errors.New("att error 0x0e")
	l.handler(WriteFailed{Err: cause})
	err := awaitErr(t, sent)
	if !errors.Is(err, protocol.ErrTransportFailure) || !errors.Is(err, cause) {
		t.Fatalf("send err got=%v want transport failure wrapping %v", err, cause)
	}
	if c.State() != StateReady {
		t.Fatalf("state got=%v want=%v", c.State(), StateReady)
	}
	if rec.count(EventDisconnectedFromPeer) != 0 {
		t.Fatalf("write failure tore the link down: %v", rec.types())
	}

	l.setStepped(false)
	l.setOpen(true)
	l.handler(WriteReady{})
	if err := c.Send(context.Background(), "ok"); err != nil {
		t.Fatalf("send after failure: %v", err)
	}
	if got := string(l.joined()); got != "abcd\x00ok\x00" {
		t.Fatalf("wire got=%q want=%q", got, "abcd\x00ok\x00")
	}
	if got := rec.payloads(EventMessageSent); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("sent events got=%v want=[ok]", got)
	}
}

func TestCentralReconnectSamePeerIsImmediate(t *testing.T) {
	testlog.Start(t)
	d := newFakeCentralDriver()
	c := NewCentral(d, testConfig(), nil)

	errc := connectAsync(c, "peer")
	establish(t, awaitLink(t, d), 185)
	if err := awaitErr(t, errc); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background(), "peer"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	select {
	case <-d.opened:
		t.Fatalf("reconnect to the ready peer opened a new link")
	default:
	}
}

func TestCentralNewConnectTearsDownPrevious(t *testing.T) {
	testlog.Start(t)
	d := newFakeCentralDriver()
	c := NewCentral(d, testConfig(), nil)

	first := connectAsync(c, "one")
	oldLink := awaitLink(t, d)
	oldLink.expect(t, "connect")

	second := connectAsync(c, "two")
	if err := awaitErr(t, first); !errors.Is(err, protocol.ErrSessionClosed) {
		t.Fatalf("first connect err got=%v want=%v", err, protocol.ErrSessionClosed)
	}
	oldLink.expect(t, "close")
	newLink := awaitLink(t, d)

	// events from the abandoned link are ignored
	oldLink.handler(Connected{})
	establish(t, newLink, 185)
	if err := awaitErr(t, second); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if c.Peer() != "two" {
		t.Fatalf("peer got=%q want=two", c.Peer())
	}
}

func TestEventWireNames(t *testing.T) {
	testlog.Start(t)
	seen := map[string]bool{}
	for _, typ := range EventTypes() {
		name := typ.WireName()
		if !strings.HasPrefix(name, "ble-") {
			t.Fatalf("wire name %q for %s lacks ble- prefix", name, typ)
		}
		if seen[name] {
			t.Fatalf("duplicate wire name %q", name)
		}
		seen[name] = true
	}
	if got := EventClientConnected.WireName(); got != "ble-device-connected" {
		t.Fatalf("client-connected wire name got=%q", got)
	}
}
