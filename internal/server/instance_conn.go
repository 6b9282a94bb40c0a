package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mydia/relay/internal/bus"
	"github.com/mydia/relay/internal/domain"
	"github.com/mydia/relay/internal/netutil"
	"github.com/mydia/relay/internal/registry"
	"github.com/mydia/relay/internal/relayproto"
)

const writeTimeout = 10 * time.Second

// instanceConn is one instance's relay socket.  It stays anonymous until a
// register frame arrives; only then does it enter the registry and start
// receiving bus events for its instance topic.
type instanceConn struct {
	srv  *Server
	conn *websocket.Conn
	ip   string

	writeMu sync.Mutex
	once    sync.Once

	instanceID string
	sub        *bus.Subscription
}

func (s *Server) handleInstanceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "endpoint", "instance", "err", err)
		return
	}
	ic := &instanceConn{srv: s, conn: conn, ip: netutil.ClientIP(r, s.cfg.TrustProxy)}
	ic.readLoop(r.Context())
}

// readLoop owns the socket until it errors.  The read deadline is pushed on
// every inbound frame, so an instance that stops sending anything for the
// heartbeat window is disconnected without a sweeper.
func (ic *instanceConn) readLoop(ctx context.Context) {
	s := ic.srv
	defer ic.terminate()

	if s.cfg.MaxFrameBytes > 0 {
		ic.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}

	for {
		_ = ic.conn.SetReadDeadline(s.clk.Now().Add(s.cfg.HeartbeatTimeout))
		_, data, err := ic.conn.ReadMessage()
		if err != nil {
			return
		}
		var f relayproto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug("dropping malformed frame", "endpoint", "instance", "instance_id", ic.instanceID, "err", err)
			continue
		}

		switch f.Type {
		case relayproto.TypeRegister:
			if !ic.handleRegister(ctx, f) {
				return
			}
		case relayproto.TypePing:
			ic.handlePing()
		case relayproto.TypeUpdateURLs:
			ic.handleUpdateURLs(ctx, f)
		case relayproto.TypeRelayMessage:
			ic.handleRelayMessage(f)
		case relayproto.TypeCreateClaim:
			ic.handleCreateClaim(ctx, f)
		default:
			s.log.Debug("dropping unknown frame type", "endpoint", "instance", "type", f.Type, "instance_id", ic.instanceID)
		}
	}
}

// handleRegister validates the frame, negotiates the protocol version, and
// moves the connection into the registry.  Returns false when the socket
// must close (failed version negotiation).
func (ic *instanceConn) handleRegister(ctx context.Context, f relayproto.Frame) bool {
	s := ic.srv
	if ic.instanceID != "" {
		_ = ic.writeFrame(relayproto.ErrorFrame("already registered"))
		return true
	}

	candidates := f.ProtocolVersions[relayproto.VersionKey]
	negotiated, err := relayproto.Negotiate(candidates)
	if err != nil {
		s.log.Warn("instance version negotiation failed", "instance_id", f.InstanceID, "offered", candidates)
		_ = ic.writeFrame(relayproto.VersionErrorFrame())
		return false
	}

	key, err := base64.StdEncoding.DecodeString(f.PublicKeyB64)
	if err != nil {
		_ = ic.writeFrame(relayproto.ErrorFrame("public key is not valid base64"))
		return true
	}
	// Last write wins: a live socket for the same instance is kicked first
	// so its teardown cannot overwrite the online state set below.
	if prev, ok := s.reg.Lookup(f.InstanceID); ok && prev.Handle != ic {
		prev.Handle.terminate()
	}

	// A failed registration leaves the socket open so the instance can
	// retry with corrected input.  Only version rejection closes it.
	inst, err := s.svc.RegisterInstance(ctx, f.InstanceID, key, f.DirectURLs, ic.ip)
	if err != nil {
		registrationsTotal.WithLabelValues("error").Inc()
		_ = ic.writeFrame(relayproto.ErrorFrame(err.Error()))
		return true
	}

	ic.instanceID = inst.ID
	ic.sub = s.bus.Subscribe(bus.InstanceTopic(inst.ID))
	s.reg.Register(registry.Entry[*instanceConn]{
		InstanceID:       inst.ID,
		Handle:           ic,
		ConnectedAt:      s.clk.Now(),
		PublicIP:         ic.ip,
		DirectURLs:       inst.DirectURLs,
		ProtocolVersions: candidates,
	})
	go ic.busLoop(ic.sub)

	instancesOnline.Inc()
	registrationsTotal.WithLabelValues("ok").Inc()
	s.log.Info("instance connected", "instance_id", inst.ID, "public_ip", ic.ip, "relay_protocol", negotiated)
	return ic.writeFrame(relayproto.Frame{Type: relayproto.TypeRegistered, RelayProtocol: negotiated}) == nil
}

// handlePing answers right away; the heartbeat write happens off the read
// loop so a slow store cannot hold up the pong or the frames behind it.
func (ic *instanceConn) handlePing() {
	if id := ic.instanceID; id != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ic.srv.svc.Heartbeat(ctx, id, nil); err != nil {
				ic.srv.log.Error("heartbeat persist failed", "instance_id", id, "err", err)
			}
		}()
	}
	_ = ic.writeFrame(relayproto.Pong())
}

func (ic *instanceConn) handleUpdateURLs(ctx context.Context, f relayproto.Frame) {
	s := ic.srv
	if ic.instanceID == "" {
		s.log.Debug("dropping update_urls from unregistered connection")
		return
	}
	if err := s.svc.Heartbeat(ctx, ic.instanceID, f.DirectURLs); err != nil {
		s.log.Error("direct url update failed", "instance_id", ic.instanceID, "err", err)
		return
	}
	if e, ok := s.reg.Lookup(ic.instanceID); ok && e.Handle == ic {
		e.DirectURLs = f.DirectURLs
		s.reg.Register(e)
	}
}

// handleRelayMessage pushes an instance payload toward the client session.
// The first frame for a session doubles as the pairing acknowledgement.
func (ic *instanceConn) handleRelayMessage(f relayproto.Frame) {
	s := ic.srv
	if ic.instanceID == "" || f.SessionID == "" {
		s.log.Debug("dropping relay_message", "instance_id", ic.instanceID, "session_id", f.SessionID)
		return
	}
	payload, err := relayproto.DecodePayload(f.PayloadB64)
	if err != nil {
		s.log.Debug("dropping relay_message with bad payload", "instance_id", ic.instanceID, "err", err)
		return
	}

	s.pending.Resolve(ic.instanceID, f.SessionID, nil)

	delivered := s.bus.Publish(bus.SessionTopic(f.SessionID), bus.Event{
		Kind:       bus.KindDeliver,
		InstanceID: ic.instanceID,
		SessionID:  f.SessionID,
		Payload:    payload,
	})
	if delivered == 0 {
		s.log.Debug("relay_message for unknown session", "instance_id", ic.instanceID, "session_id", f.SessionID)
		return
	}
	framesRelayedTotal.WithLabelValues("to_client").Inc()
	bytesRelayedTotal.WithLabelValues("to_client").Add(float64(len(payload)))
}

func (ic *instanceConn) handleCreateClaim(ctx context.Context, f relayproto.Frame) {
	s := ic.srv
	if ic.instanceID == "" {
		_ = ic.writeFrame(relayproto.ErrorFrame("not registered"))
		return
	}
	claim, err := s.svc.CreateClaim(ctx, ic.instanceID, f.UserID, time.Duration(f.TTLSeconds)*time.Second)
	if err != nil {
		claimsTotal.WithLabelValues("create", "error").Inc()
		ef := relayproto.ErrorFrame("failed to create claim")
		ef.RequestID = f.RequestID
		_ = ic.writeFrame(ef)
		return
	}
	claimsTotal.WithLabelValues("create", "ok").Inc()
	_ = ic.writeFrame(relayproto.Frame{
		Type:      relayproto.TypeClaimCreated,
		Code:      claim.Code,
		ClaimID:   claim.ID,
		ExpiresAt: &claim.ExpiresAt,
		RequestID: f.RequestID,
	})
}

// busLoop turns instance-topic events into outbound frames.  It exits when
// the subscription closes during teardown.
func (ic *instanceConn) busLoop(sub *bus.Subscription) {
	for ev := range sub.C {
		switch ev.Kind {
		case bus.KindSessionConnect:
			if ic.writeFrame(relayproto.Frame{Type: relayproto.TypeConnection, SessionID: ev.SessionID}) != nil {
				ic.terminate()
				return
			}
		case bus.KindForward:
			err := ic.writeFrame(relayproto.Frame{
				Type:       relayproto.TypeRelayMessage,
				SessionID:  ev.SessionID,
				PayloadB64: relayproto.EncodePayload(ev.Payload),
			})
			if err != nil {
				ic.terminate()
				return
			}
			framesRelayedTotal.WithLabelValues("to_instance").Inc()
			bytesRelayedTotal.WithLabelValues("to_instance").Add(float64(len(ev.Payload)))
		case bus.KindInstanceGone:
			// Published by this connection's own teardown; clients on the
			// same topic react, the instance side does not.
		}
	}
}

func (ic *instanceConn) writeFrame(f relayproto.Frame) error {
	ic.writeMu.Lock()
	defer ic.writeMu.Unlock()
	_ = ic.conn.SetWriteDeadline(ic.srv.clk.Now().Add(writeTimeout))
	err := ic.conn.WriteJSON(f)
	if err != nil {
		_ = ic.conn.Close()
	}
	return err
}

// terminate tears the connection down exactly once.  The registry owner
// guard keeps a superseded socket from marking its live replacement
// offline or failing its waiters.
func (ic *instanceConn) terminate() {
	ic.once.Do(func() {
		s := ic.srv
		_ = ic.conn.Close()

		if ic.instanceID != "" && s.reg.Unregister(ic.instanceID, ic) {
			instancesOnline.Dec()
			if n := s.pending.FailAll(ic.instanceID, domain.ErrTunnelDisconnected); n > 0 {
				s.log.Debug("failed pending waiters on disconnect", "instance_id", ic.instanceID, "count", n)
			}
			s.bus.Publish(bus.InstanceTopic(ic.instanceID), bus.Event{
				Kind:       bus.KindInstanceGone,
				InstanceID: ic.instanceID,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.svc.SetOffline(ctx, ic.instanceID); err != nil {
				s.log.Error("failed to mark instance offline", "instance_id", ic.instanceID, "err", err)
			}
			s.log.Info("instance disconnected", "instance_id", ic.instanceID)
		}
		if ic.sub != nil {
			ic.sub.Close()
		}
	})
}
