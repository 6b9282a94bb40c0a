// Package relayproto defines the JSON wire protocol exchanged between the
// relay and its peers (instances and clients) over a WebSocket connection.
package relayproto

import (
	"encoding/base64"
	"time"
)

// Frame types sent by instances.
const (
	TypeRegister     = "register"
	TypeUpdateURLs   = "update_urls"
	TypeRelayMessage = "relay_message"
	TypeCreateClaim  = "create_claim"
)

// Frame types sent by clients.
const (
	TypeConnect = "connect"
	TypeMessage = "message"
	TypeClose   = "close"
)

// Frame types sent by the relay, plus the heartbeat pair used by both sides.
const (
	TypeRegistered   = "registered"
	TypeClaimCreated = "claim_created"
	TypeConnected    = "connected"
	TypeConnection   = "connection"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// VersionKey names the single protocol the relay negotiates today.
const VersionKey = "relay_protocol"

// Frame is the envelope for every message on a relay WebSocket, in either
// direction.  Type discriminates; all other fields are optional and
// populated per frame type as described in the tables below.
//
// Instance -> relay:
//
//	register      instance_id, public_key, direct_urls, protocol_versions
//	ping          -
//	update_urls   direct_urls
//	relay_message session_id, payload
//	create_claim  user_id, ttl_seconds, request_id
//
// Client -> relay:
//
//	connect       instance_id or claim_code
//	message       payload
//	ping          -
//	close         -
//
// Relay -> peer:
//
//	registered    relay_protocol
//	pong          -
//	claim_created code, expires_at, request_id
//	connected     session_id, instance_id, public_key, direct_urls,
//	              relay_protocol, instance_versions, claim_id, user_id
//	connection    session_id
//	relay_message session_id, payload
//	message       payload
//	error         message, request_id
type Frame struct {
	Type string `json:"type"`

	InstanceID       string           `json:"instance_id,omitempty"`
	PublicKeyB64     string           `json:"public_key,omitempty"`
	DirectURLs       []string         `json:"direct_urls,omitempty"`
	ProtocolVersions map[string][]int `json:"protocol_versions,omitempty"`
	InstanceVersions map[string][]int `json:"instance_versions,omitempty"`
	RelayProtocol    int              `json:"relay_protocol,omitempty"`

	SessionID  string `json:"session_id,omitempty"`
	PayloadB64 string `json:"payload,omitempty"`

	ClaimCode  string     `json:"claim_code,omitempty"`
	Code       string     `json:"code,omitempty"`
	ClaimID    string     `json:"claim_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	TTLSeconds int        `json:"ttl_seconds,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	Message string `json:"message,omitempty"`
}

// ErrorFrame builds a typed error reply.
func ErrorFrame(message string) Frame {
	return Frame{Type: TypeError, Message: message}
}

// Pong is the fixed heartbeat reply.
func Pong() Frame {
	return Frame{Type: TypePong}
}

// EncodePayload base64-encodes opaque payload bytes for JSON transport.
func EncodePayload(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload decodes a base64-encoded payload string.
func DecodePayload(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
