package mqttmanager

import "github.com/fleetedge/mqttmanager/pkg/deviceconfig"

// Constants mirrored from the device configuration collaborator's
// documented limits; components that cannot reach a deviceconfig.Store
// directly (the pool, the connection wrapper) use these instead of
// importing deviceconfig for a single clamp.
const (
	MaxSubscriptionsPerConnection  = 50
	IoTMaxInFlightQoS1Publishes    = 100
	MqttMaxMessageSizeBytes        = 268435456
	DefaultMqttMaxMessageSizeBytes = 131072
	DefaultMaxPublishRetryCount    = 100
)

// ManagerConfig is assembled once at construction from a deviceconfig.Store
// snapshot, and re-derived every time the reconfiguration controller's
// debounce fires.
type ManagerConfig struct {
	OperationTimeoutMs    int
	KeepAliveTimeoutMs    int
	PingTimeoutMs         int
	SocketTimeoutMs       int
	Port                  int
	ThreadPoolSize        int
	MaxInFlightPublishes  int
	MaxPublishMessageSize int
	MaxPublishRetry       int

	ThingName       string
	IoTDataEndpoint string
	Region          string

	PrivateKeyPath  string
	CertificatePath string
	RootCAPath      string

	ProxyConfigured bool
	ProxyHost       string
	ProxyPort       int
}

// NewManagerConfig snapshots the current values off store, already clamped
// by the store's own typed accessors.
func NewManagerConfig(store deviceconfig.Store) ManagerConfig {
	return ManagerConfig{
		OperationTimeoutMs:    store.OperationTimeoutMs(),
		KeepAliveTimeoutMs:    store.KeepAliveTimeoutMs(),
		PingTimeoutMs:         store.PingTimeoutMs(),
		SocketTimeoutMs:       store.SocketTimeoutMs(),
		Port:                  store.Port(),
		ThreadPoolSize:        store.ThreadPoolSize(),
		MaxInFlightPublishes:  store.MaxInFlightPublishes(),
		MaxPublishMessageSize: store.MaxMessageSizeInBytes(),
		MaxPublishRetry:       store.MaxPublishRetry(),

		ThingName:       store.ThingName(),
		IoTDataEndpoint: store.IoTDataEndpoint(),
		Region:          store.Region(),

		PrivateKeyPath:  store.PrivateKeyPath(),
		CertificatePath: store.CertificatePath(),
		RootCAPath:      store.RootCAPath(),

		ProxyConfigured: store.ProxyConfigured(),
		ProxyHost:       store.ProxyHost(),
		ProxyPort:       store.ProxyPort(),
	}
}
