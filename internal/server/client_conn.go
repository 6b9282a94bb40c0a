package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mydia/relay/internal/bus"
	"github.com/mydia/relay/internal/domain"
	"github.com/mydia/relay/internal/pending"
	"github.com/mydia/relay/internal/relayproto"
)

// clientConn is one client's relay socket.  Every socket gets a fresh
// session ID; pairing with an instance happens on the first successful
// connect frame and lasts for the life of the socket.
type clientConn struct {
	srv       *Server
	conn      *websocket.Conn
	sessionID string

	writeMu sync.Mutex
	once    sync.Once

	mu         sync.Mutex
	instanceID string
	instSub    *bus.Subscription

	sessionSub *bus.Subscription
}

func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "endpoint", "client", "err", err)
		return
	}
	cc := &clientConn{srv: s, conn: conn, sessionID: uuid.NewString()}
	clientsConnected.Inc()
	cc.readLoop(r)
}

func (cc *clientConn) readLoop(r *http.Request) {
	s := cc.srv
	defer cc.terminate()

	cc.sessionSub = s.bus.Subscribe(bus.SessionTopic(cc.sessionID))
	go cc.sessionLoop(cc.sessionSub)

	if s.cfg.MaxFrameBytes > 0 {
		cc.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}

	for {
		_ = cc.conn.SetReadDeadline(s.clk.Now().Add(s.cfg.HeartbeatTimeout))
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}
		var f relayproto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug("dropping malformed frame", "endpoint", "client", "session_id", cc.sessionID, "err", err)
			continue
		}

		switch f.Type {
		case relayproto.TypeConnect:
			cc.handleConnect(r, f)
		case relayproto.TypeMessage:
			cc.handleMessage(f)
		case relayproto.TypePing:
			_ = cc.writeFrame(relayproto.Pong())
		case relayproto.TypeClose:
			return
		default:
			s.log.Debug("dropping unknown frame type", "endpoint", "client", "type", f.Type, "session_id", cc.sessionID)
		}
	}
}

// handleConnect resolves the target instance, by ID or by claim code, and
// pairs the session with it.  Failures leave the socket open and unpaired
// so the client can retry with another code.
func (cc *clientConn) handleConnect(r *http.Request, f relayproto.Frame) {
	s := cc.srv
	if cc.pairedInstance() != "" {
		_ = cc.writeFrame(relayproto.ErrorFrame("session already connected"))
		return
	}

	var (
		info    domain.ConnectionInfo
		claimID string
		userID  string
	)
	switch {
	case f.ClaimCode != "":
		red, err := s.svc.RedeemClaim(r.Context(), f.ClaimCode)
		if err != nil {
			sessionsTotal.WithLabelValues("claim_error").Inc()
			_ = cc.writeFrame(relayproto.ErrorFrame(claimErrorMessage(err)))
			return
		}
		info, claimID, userID = red.ConnectionInfo, red.ClaimID, red.UserID
	case f.InstanceID != "":
		var err error
		info, err = s.svc.ConnectionInfo(r.Context(), f.InstanceID)
		if err != nil {
			sessionsTotal.WithLabelValues("not_found").Inc()
			_ = cc.writeFrame(relayproto.ErrorFrame("unknown instance"))
			return
		}
	default:
		sessionsTotal.WithLabelValues("bad_request").Inc()
		_ = cc.writeFrame(relayproto.ErrorFrame("connect requires instance_id or claim_code"))
		return
	}

	entry, live := s.reg.Lookup(info.InstanceID)
	if !live || !info.Online {
		sessionsTotal.WithLabelValues("offline").Inc()
		_ = cc.writeFrame(relayproto.ErrorFrame("instance is offline"))
		return
	}
	negotiated, err := relayproto.Negotiate(entry.ProtocolVersions)
	if err != nil {
		sessionsTotal.WithLabelValues("version_mismatch").Inc()
		_ = cc.writeFrame(relayproto.VersionErrorFrame())
		return
	}

	// No deadline on the entry: an idle but healthy instance owes the
	// session nothing.  The entry exists so an instance disconnect fails
	// the pairing immediately instead of leaving the client hanging.
	ackCh, tracked := s.pending.Track(info.InstanceID, cc.sessionID, 0)
	if !tracked {
		_ = cc.writeFrame(relayproto.ErrorFrame("session already connecting"))
		return
	}
	instSub := s.bus.Subscribe(bus.InstanceTopic(info.InstanceID))

	delivered := s.bus.Publish(bus.InstanceTopic(info.InstanceID), bus.Event{
		Kind:       bus.KindSessionConnect,
		InstanceID: info.InstanceID,
		SessionID:  cc.sessionID,
	})
	if delivered == 0 {
		s.pending.Fail(info.InstanceID, cc.sessionID, domain.ErrInstanceOffline)
		instSub.Close()
		sessionsTotal.WithLabelValues("offline").Inc()
		_ = cc.writeFrame(relayproto.ErrorFrame("instance is offline"))
		return
	}

	cc.mu.Lock()
	cc.instanceID = info.InstanceID
	cc.instSub = instSub
	cc.mu.Unlock()
	go cc.instanceLoop(instSub)
	go cc.watchPending(ackCh)

	sessionsTotal.WithLabelValues("ok").Inc()
	s.log.Info("session paired", "session_id", cc.sessionID, "instance_id", info.InstanceID)
	_ = cc.writeFrame(relayproto.Frame{
		Type:             relayproto.TypeConnected,
		SessionID:        cc.sessionID,
		InstanceID:       info.InstanceID,
		PublicKeyB64:     base64.StdEncoding.EncodeToString(info.PublicKey),
		DirectURLs:       info.DirectURLs,
		RelayProtocol:    negotiated,
		InstanceVersions: map[string][]int{relayproto.VersionKey: entry.ProtocolVersions},
		ClaimID:          claimID,
		UserID:           userID,
	})
}

func (cc *clientConn) handleMessage(f relayproto.Frame) {
	s := cc.srv
	instanceID := cc.pairedInstance()
	if instanceID == "" {
		s.log.Debug("dropping message from unpaired session", "session_id", cc.sessionID)
		return
	}
	payload, err := relayproto.DecodePayload(f.PayloadB64)
	if err != nil {
		s.log.Debug("dropping message with bad payload", "session_id", cc.sessionID, "err", err)
		return
	}
	delivered := s.bus.Publish(bus.InstanceTopic(instanceID), bus.Event{
		Kind:       bus.KindForward,
		InstanceID: instanceID,
		SessionID:  cc.sessionID,
		Payload:    payload,
	})
	if delivered == 0 {
		s.log.Debug("message for gone instance", "session_id", cc.sessionID, "instance_id", instanceID)
	}
}

// sessionLoop writes instance payloads out to the client.
func (cc *clientConn) sessionLoop(sub *bus.Subscription) {
	for ev := range sub.C {
		if ev.Kind != bus.KindDeliver {
			continue
		}
		err := cc.writeFrame(relayproto.Frame{
			Type:       relayproto.TypeMessage,
			PayloadB64: relayproto.EncodePayload(ev.Payload),
		})
		if err != nil {
			cc.terminate()
			return
		}
	}
}

// instanceLoop watches the paired instance's topic solely for its
// disconnect announcement.  Connect and forward events on the same topic
// belong to the instance handler and are skipped here.
func (cc *clientConn) instanceLoop(sub *bus.Subscription) {
	for ev := range sub.C {
		if ev.Kind != bus.KindInstanceGone {
			continue
		}
		_ = cc.writeFrame(relayproto.ErrorFrame("instance disconnected"))
		cc.terminate()
		return
	}
}

// watchPending surfaces the pairing outcome.  The only failure delivered
// here is the instance connection dropping; a resolved entry means the
// pairing concluded normally and there is nothing to do.
func (cc *clientConn) watchPending(ch <-chan pending.Result) {
	res, ok := <-ch
	if !ok || res.Err == nil {
		return
	}
	_ = cc.writeFrame(relayproto.ErrorFrame("instance disconnected"))
	cc.terminate()
}

func (cc *clientConn) pairedInstance() string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.instanceID
}

func (cc *clientConn) writeFrame(f relayproto.Frame) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	_ = cc.conn.SetWriteDeadline(cc.srv.clk.Now().Add(writeTimeout))
	err := cc.conn.WriteJSON(f)
	if err != nil {
		_ = cc.conn.Close()
	}
	return err
}

func (cc *clientConn) terminate() {
	cc.once.Do(func() {
		_ = cc.conn.Close()
		cc.mu.Lock()
		instanceID := cc.instanceID
		instSub := cc.instSub
		cc.mu.Unlock()
		if instanceID != "" {
			// Retire this session's pairing entry so it does not linger
			// until the instance itself disconnects.
			cc.srv.pending.Resolve(instanceID, cc.sessionID, nil)
		}
		if instSub != nil {
			instSub.Close()
		}
		if cc.sessionSub != nil {
			cc.sessionSub.Close()
		}
		clientsConnected.Dec()
		cc.srv.log.Debug("client disconnected", "session_id", cc.sessionID)
	})
}
