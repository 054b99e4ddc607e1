package mqttmanager

import "errors"

// Sentinel errors surfaced by the facade and its internal components.
var (
	// ErrNotConfigured means the device configuration store does not yet
	// carry enough identity material to dial the broker at all.
	ErrNotConfigured = errors.New("mqttmanager: device not configured to talk to cloud")

	// ErrOfflineDrop is returned for a QoS 0 publish made while offline
	// with KeepQoS0WhenOffline disabled. The request is never spooled.
	ErrOfflineDrop = errors.New("mqttmanager: dropped, offline and not keeping QoS 0 traffic")

	// ErrPayloadTooLarge means the publish payload exceeds MaxPublishMessageSize.
	ErrPayloadTooLarge = errors.New("mqttmanager: payload exceeds maximum message size")

	// ErrClosed is returned by facade operations made after Close.
	ErrClosed = errors.New("mqttmanager: client is closed")

	// ErrNotConnected is returned by a connection operation attempted while
	// the underlying connection is not in the Connected state and the
	// configured operation timeout (or the caller's context) ends before it
	// becomes so, or when the connection is closing or closed.
	ErrNotConnected = errors.New("mqttmanager: connection is not connected")

	// ErrOperationTimeout means a broker round trip (SUBSCRIBE, UNSUBSCRIBE,
	// PUBLISH) did not complete within the configured operation timeout.
	ErrOperationTimeout = errors.New("mqttmanager: operation timed out")

	// ErrRetriesExhausted names the state of a publish that has been retried
	// MaxPublishRetry times without success. The publisher loop logs that
	// state and drops the message; it does not return or store this error.
	ErrRetriesExhausted = errors.New("mqttmanager: publish retries exhausted")
)
