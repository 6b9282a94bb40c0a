package server

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mydia/relay/internal/config"
	"github.com/mydia/relay/internal/domain"
	"github.com/mydia/relay/internal/relay"
	"github.com/mydia/relay/internal/relayproto"
	"github.com/mydia/relay/internal/store/sqlite"
)

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	svc   *relay.Service
	store *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.ServerConfig{
		HeartbeatTimeout: 5 * time.Second,
		RateLimitWindow:  time.Minute,
		RateLimitMax:     1000,
		MaxFrameBytes:    1 << 20,
	})
}

func newTestEnvWithConfig(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()
	store, err := sqlite.Open("file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := relay.NewService(store, logger, 0)
	srv := New(cfg, svc, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, svc: svc, store: store}
}

func (e *testEnv) dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) relayproto.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f relayproto.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f relayproto.Frame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func testKeyB64() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, domain.PublicKeySize))
}

func registerInstanceWS(t *testing.T, e *testEnv, instanceID string) *websocket.Conn {
	t.Helper()
	conn := e.dialWS(t, "/relay/socket/instance")
	writeFrame(t, conn, relayproto.Frame{
		Type:             relayproto.TypeRegister,
		InstanceID:       instanceID,
		PublicKeyB64:     testKeyB64(),
		DirectURLs:       []string{"http://10.0.0.2:8096"},
		ProtocolVersions: map[string][]int{relayproto.VersionKey: {1}},
	})
	reply := readFrame(t, conn)
	if reply.Type != relayproto.TypeRegistered {
		t.Fatalf("expected registered frame, got %q (%s)", reply.Type, reply.Message)
	}
	if reply.RelayProtocol != 1 {
		t.Fatalf("expected negotiated protocol 1, got %d", reply.RelayProtocol)
	}
	return conn
}

func TestRelaySessionBidirectional(t *testing.T) {
	e := newTestEnv(t)

	instConn := registerInstanceWS(t, e, "inst-1")

	clientConn := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeConnect, InstanceID: "inst-1"})

	notice := readFrame(t, instConn)
	if notice.Type != relayproto.TypeConnection {
		t.Fatalf("expected connection frame on instance socket, got %q", notice.Type)
	}
	if notice.SessionID == "" {
		t.Fatal("expected a session id in the connection frame")
	}

	connected := readFrame(t, clientConn)
	if connected.Type != relayproto.TypeConnected {
		t.Fatalf("expected connected frame, got %q (%s)", connected.Type, connected.Message)
	}
	if connected.SessionID != notice.SessionID {
		t.Fatalf("session id mismatch: client %q, instance %q", connected.SessionID, notice.SessionID)
	}
	if connected.InstanceID != "inst-1" {
		t.Fatalf("expected instance inst-1, got %q", connected.InstanceID)
	}
	if connected.PublicKeyB64 != testKeyB64() {
		t.Fatalf("expected instance public key to round-trip, got %q", connected.PublicKeyB64)
	}
	if connected.RelayProtocol != 1 {
		t.Fatalf("expected relay protocol 1, got %d", connected.RelayProtocol)
	}

	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeMessage, PayloadB64: "aGVsbG8="})
	forwarded := readFrame(t, instConn)
	if forwarded.Type != relayproto.TypeRelayMessage {
		t.Fatalf("expected relay_message on instance socket, got %q", forwarded.Type)
	}
	if forwarded.SessionID != notice.SessionID {
		t.Fatalf("expected session %q, got %q", notice.SessionID, forwarded.SessionID)
	}
	if forwarded.PayloadB64 != "aGVsbG8=" {
		t.Fatalf("expected payload to pass through opaque, got %q", forwarded.PayloadB64)
	}

	writeFrame(t, instConn, relayproto.Frame{
		Type:       relayproto.TypeRelayMessage,
		SessionID:  notice.SessionID,
		PayloadB64: "d29ybGQ=",
	})
	delivered := readFrame(t, clientConn)
	if delivered.Type != relayproto.TypeMessage {
		t.Fatalf("expected message frame on client socket, got %q", delivered.Type)
	}
	if delivered.PayloadB64 != "d29ybGQ=" {
		t.Fatalf("expected payload to pass through opaque, got %q", delivered.PayloadB64)
	}
}

func TestConnectToOfflineInstance(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.svc.RegisterInstanceRecord(t.Context(), "inst-off", bytes.Repeat([]byte{1}, domain.PublicKeySize), nil, ""); err != nil {
		t.Fatal(err)
	}

	clientConn := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeConnect, InstanceID: "inst-off"})
	reply := readFrame(t, clientConn)
	if reply.Type != relayproto.TypeError {
		t.Fatalf("expected error frame, got %q", reply.Type)
	}
	if !strings.Contains(reply.Message, "offline") {
		t.Fatalf("expected offline error, got %q", reply.Message)
	}

	// The socket stays usable; an unknown instance is a distinct failure.
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeConnect, InstanceID: "nope"})
	reply = readFrame(t, clientConn)
	if reply.Type != relayproto.TypeError || !strings.Contains(reply.Message, "unknown instance") {
		t.Fatalf("expected unknown instance error, got %q (%s)", reply.Type, reply.Message)
	}
}

func TestInstanceDisconnectNotifiesPairedClient(t *testing.T) {
	e := newTestEnv(t)

	instConn := registerInstanceWS(t, e, "inst-2")

	clientConn := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeConnect, InstanceID: "inst-2"})
	if f := readFrame(t, instConn); f.Type != relayproto.TypeConnection {
		t.Fatalf("expected connection frame, got %q", f.Type)
	}
	if f := readFrame(t, clientConn); f.Type != relayproto.TypeConnected {
		t.Fatalf("expected connected frame, got %q", f.Type)
	}

	_ = instConn.Close()

	reply := readFrame(t, clientConn)
	if reply.Type != relayproto.TypeError {
		t.Fatalf("expected error frame after instance disconnect, got %q", reply.Type)
	}
	if !strings.Contains(reply.Message, "disconnected") {
		t.Fatalf("unexpected disconnect message %q", reply.Message)
	}

	// The error frame can arrive before teardown finishes persisting the
	// offline flag, so poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := e.svc.ConnectionInfo(t.Context(), "inst-2")
		if err != nil {
			t.Fatal(err)
		}
		if !info.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected instance to be marked offline after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClaimFlowOverSockets(t *testing.T) {
	e := newTestEnv(t)

	instConn := registerInstanceWS(t, e, "inst-3")

	writeFrame(t, instConn, relayproto.Frame{
		Type:       relayproto.TypeCreateClaim,
		UserID:     "user-7",
		TTLSeconds: 60,
		RequestID:  "rq-1",
	})
	created := readFrame(t, instConn)
	if created.Type != relayproto.TypeClaimCreated {
		t.Fatalf("expected claim_created, got %q (%s)", created.Type, created.Message)
	}
	if created.RequestID != "rq-1" {
		t.Fatalf("expected request id rq-1, got %q", created.RequestID)
	}
	if created.Code == "" || created.ExpiresAt == nil {
		t.Fatalf("expected code and expiry, got %+v", created)
	}

	// Codes may be typed with display dashes and any casing.
	typed := strings.ToUpper(created.Code[:3] + "-" + created.Code[3:6] + "-" + created.Code[6:])

	clientConn := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeConnect, ClaimCode: typed})
	if f := readFrame(t, instConn); f.Type != relayproto.TypeConnection {
		t.Fatalf("expected connection frame, got %q", f.Type)
	}
	connected := readFrame(t, clientConn)
	if connected.Type != relayproto.TypeConnected {
		t.Fatalf("expected connected frame, got %q (%s)", connected.Type, connected.Message)
	}
	if connected.UserID != "user-7" {
		t.Fatalf("expected bound user id, got %q", connected.UserID)
	}
	if connected.ClaimID == "" {
		t.Fatal("expected claim id in connected frame")
	}

	second := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, second, relayproto.Frame{Type: relayproto.TypeConnect, ClaimCode: created.Code})
	reply := readFrame(t, second)
	if reply.Type != relayproto.TypeError || !strings.Contains(reply.Message, "already redeemed") {
		t.Fatalf("expected already redeemed error, got %q (%s)", reply.Type, reply.Message)
	}
}

func TestRegisterSupersedesPreviousSocket(t *testing.T) {
	e := newTestEnv(t)

	first := registerInstanceWS(t, e, "inst-4")
	second := registerInstanceWS(t, e, "inst-4")

	// The first socket is kicked; its reads fail once the relay closes it.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f relayproto.Frame
	if err := first.ReadJSON(&f); err == nil {
		t.Fatalf("expected superseded socket to be closed, read %+v", f)
	}

	// The replacement stays registered and keeps the instance online.
	clientConn := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeConnect, InstanceID: "inst-4"})
	if f := readFrame(t, second); f.Type != relayproto.TypeConnection {
		t.Fatalf("expected connection frame on replacement socket, got %q", f.Type)
	}
	if f := readFrame(t, clientConn); f.Type != relayproto.TypeConnected {
		t.Fatalf("expected connected frame, got %q (%s)", f.Type, f.Message)
	}
}

func TestRegisterRejectsUnsupportedVersion(t *testing.T) {
	e := newTestEnv(t)

	conn := e.dialWS(t, "/relay/socket/instance")
	writeFrame(t, conn, relayproto.Frame{
		Type:             relayproto.TypeRegister,
		InstanceID:       "inst-5",
		PublicKeyB64:     testKeyB64(),
		ProtocolVersions: map[string][]int{relayproto.VersionKey: {99}},
	})
	reply := readFrame(t, conn)
	if reply.Type != relayproto.TypeError {
		t.Fatalf("expected error frame, got %q", reply.Type)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f relayproto.Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("expected socket to close after failed negotiation, read %+v", f)
	}
}

func TestIdleInstanceKeepsSessionAlive(t *testing.T) {
	e := newTestEnv(t)

	instConn := registerInstanceWS(t, e, "inst-idle")

	clientConn := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeConnect, InstanceID: "inst-idle"})
	if f := readFrame(t, instConn); f.Type != relayproto.TypeConnection {
		t.Fatalf("expected connection frame, got %q", f.Type)
	}
	connected := readFrame(t, clientConn)
	if connected.Type != relayproto.TypeConnected {
		t.Fatalf("expected connected frame, got %q (%s)", connected.Type, connected.Message)
	}

	// The instance has nothing to send yet; trade a ping in the meantime
	// and make sure the relay pushes nothing at the client while idle.
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypePing})
	if f := readFrame(t, clientConn); f.Type != relayproto.TypePong {
		t.Fatalf("expected pong, got %q", f.Type)
	}
	// A read deadline expiring would poison the websocket connection, so
	// observe the socket from a goroutine and time out via select instead.
	_ = clientConn.SetReadDeadline(time.Time{})
	clientFrames := make(chan relayproto.Frame, 1)
	clientReadErr := make(chan error, 1)
	go func() {
		var f relayproto.Frame
		if err := clientConn.ReadJSON(&f); err != nil {
			clientReadErr <- err
			return
		}
		clientFrames <- f
	}()
	select {
	case unexpected := <-clientFrames:
		t.Fatalf("expected silence on an idle session, got %+v", unexpected)
	case err := <-clientReadErr:
		t.Fatalf("read frame: %v", err)
	case <-time.After(600 * time.Millisecond):
	}

	// The pairing still relays in both directions afterwards.
	writeFrame(t, clientConn, relayproto.Frame{Type: relayproto.TypeMessage, PayloadB64: "aGVsbG8="})
	forwarded := readFrame(t, instConn)
	if forwarded.Type != relayproto.TypeRelayMessage || forwarded.PayloadB64 != "aGVsbG8=" {
		t.Fatalf("unexpected forwarded frame %+v", forwarded)
	}
	writeFrame(t, instConn, relayproto.Frame{
		Type:       relayproto.TypeRelayMessage,
		SessionID:  forwarded.SessionID,
		PayloadB64: "d29ybGQ=",
	})
	select {
	case f := <-clientFrames:
		if f.Type != relayproto.TypeMessage || f.PayloadB64 != "d29ybGQ=" {
			t.Fatalf("unexpected delivered frame %+v", f)
		}
	case err := <-clientReadErr:
		t.Fatalf("read frame: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivered frame")
	}
}

func TestSilentInstanceTimesOut(t *testing.T) {
	e := newTestEnvWithConfig(t, config.ServerConfig{
		HeartbeatTimeout: 200 * time.Millisecond,
		RateLimitWindow:  time.Minute,
		RateLimitMax:     1000,
		MaxFrameBytes:    1 << 20,
	})

	conn := registerInstanceWS(t, e, "inst-silent")

	// No pings: the relay closes the socket once the heartbeat window
	// lapses and marks the row offline.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f relayproto.Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("expected silent socket to be closed, read %+v", f)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := e.svc.ConnectionInfo(t.Context(), "inst-silent")
		if err != nil {
			t.Fatal(err)
		}
		if !info.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected silent instance to be marked offline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterFailureKeepsSocketOpen(t *testing.T) {
	e := newTestEnv(t)

	conn := e.dialWS(t, "/relay/socket/instance")
	writeFrame(t, conn, relayproto.Frame{
		Type:             relayproto.TypeRegister,
		InstanceID:       "inst-retry",
		PublicKeyB64:     "c2hvcnQ=",
		ProtocolVersions: map[string][]int{relayproto.VersionKey: {1}},
	})
	if reply := readFrame(t, conn); reply.Type != relayproto.TypeError {
		t.Fatalf("expected error frame for short key, got %q", reply.Type)
	}

	// The instance may retry on the same socket with a valid key.
	writeFrame(t, conn, relayproto.Frame{
		Type:             relayproto.TypeRegister,
		InstanceID:       "inst-retry",
		PublicKeyB64:     testKeyB64(),
		ProtocolVersions: map[string][]int{relayproto.VersionKey: {1}},
	})
	if reply := readFrame(t, conn); reply.Type != relayproto.TypeRegistered {
		t.Fatalf("expected registered on retry, got %q (%s)", reply.Type, reply.Message)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	e := newTestEnv(t)

	conn := e.dialWS(t, "/relay/socket/instance")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	// The socket survives the garbage and still accepts a register.
	writeFrame(t, conn, relayproto.Frame{
		Type:             relayproto.TypeRegister,
		InstanceID:       "inst-6",
		PublicKeyB64:     testKeyB64(),
		ProtocolVersions: map[string][]int{relayproto.VersionKey: {1}},
	})
	if reply := readFrame(t, conn); reply.Type != relayproto.TypeRegistered {
		t.Fatalf("expected registered after malformed frame, got %q (%s)", reply.Type, reply.Message)
	}
}

func TestPingPong(t *testing.T) {
	e := newTestEnv(t)

	conn := e.dialWS(t, "/relay/socket/client")
	writeFrame(t, conn, relayproto.Frame{Type: relayproto.TypePing})
	if reply := readFrame(t, conn); reply.Type != relayproto.TypePong {
		t.Fatalf("expected pong, got %q", reply.Type)
	}
}

func TestInstancePingPersistsHeartbeat(t *testing.T) {
	e := newTestEnv(t)

	conn := registerInstanceWS(t, e, "inst-hb")

	before, err := e.store.GetInstance(t.Context(), "inst-hb")
	if err != nil {
		t.Fatal(err)
	}

	writeFrame(t, conn, relayproto.Frame{Type: relayproto.TypePing})
	if reply := readFrame(t, conn); reply.Type != relayproto.TypePong {
		t.Fatalf("expected pong, got %q", reply.Type)
	}

	// The last-seen write happens off the read loop, so poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		inst, err := e.store.GetInstance(t.Context(), "inst-hb")
		if err != nil {
			t.Fatal(err)
		}
		if inst.LastSeenAt != nil && (before.LastSeenAt == nil || inst.LastSeenAt.After(*before.LastSeenAt)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected ping to bump last_seen_at")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
