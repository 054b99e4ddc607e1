package mqttmanager

import "context"

// QoS is the subset of MQTT quality-of-service levels this manager
// supports: fire-and-forget and acknowledged delivery. QoS 2 is out of
// scope.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
)

func (q QoS) String() string {
	if q == AtLeastOnce {
		return "at-least-once"
	}
	return "at-most-once"
}

// Message is an inbound publish delivered by a Connection, on its way to
// the subscription registry's fan-out.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// EventKind classifies a ConnectionEvent.
type EventKind int

const (
	Interrupted EventKind = iota
	Resumed
)

func (k EventKind) String() string {
	if k == Resumed {
		return "resumed"
	}
	return "interrupted"
}

// ConnectionEvent is what a Connection posts to its Events() channel
// instead of calling back into the manager directly, so the transport
// never holds a reference to the facade (see the registry/connection
// design notes on avoiding that reference cycle).
type ConnectionEvent struct {
	Kind           EventKind
	Code           int
	SessionPresent bool
}

// Connection is a single broker connection, as the manager's connection
// wrapper needs it. The default implementation, in the sibling
// wiretransport package, is backed by pkg/mqttwire.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos QoS) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error

	// Messages delivers inbound publishes. Closed when the connection is
	// disconnected.
	Messages() <-chan Message
	// Events delivers interrupted/resumed notifications. Closed when the
	// connection is disconnected.
	Events() <-chan ConnectionEvent
}

// Transport is a factory for Connections, one per pool slot. The default
// implementation is the sibling wiretransport package.
type Transport interface {
	NewConnection(clientID string) Connection
}
