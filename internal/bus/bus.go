// Package bus is the in-process publish/subscribe fan-out that lets
// instance and client connection handlers, which never hold references to
// each other, exchange events keyed by instance or session topic.
//
// Delivery is at-most-once: a subscriber that cannot keep up has events
// dropped rather than blocking the publisher.  Within one topic, events
// from a single publisher arrive in publish order.
package bus

// Event kinds carried on the bus.
const (
	// KindSessionConnect tells an instance handler that a client session
	// wants to pair (published on the instance topic).
	KindSessionConnect = "session_connect"
	// KindForward carries a client payload toward an instance (instance
	// topic).
	KindForward = "forward"
	// KindDeliver carries an instance payload toward a client (session
	// topic).
	KindDeliver = "deliver"
	// KindInstanceGone announces that an instance connection terminated
	// (instance topic; paired clients subscribe to it too).
	KindInstanceGone = "instance_gone"
)

// Event is what flows between connection handlers.  Payload bytes are
// opaque; the relay never inspects them.
type Event struct {
	Kind       string
	InstanceID string
	SessionID  string
	Payload    []byte
}

// InstanceTopic returns the topic an instance connection subscribes to.
func InstanceTopic(instanceID string) string {
	return "instance:" + instanceID
}

// SessionTopic returns the topic a client connection subscribes to.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}
