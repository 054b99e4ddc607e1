package deviceconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
)

// DefaultBaseDir is the base configuration directory name, mirroring the
// layout a CLI config store uses: a dotfile under the user's home
// directory.
const DefaultBaseDir = ".mqttmanager"

// DefaultConfigFile is the default configuration filename within the base
// directory.
const DefaultConfigFile = "device.yaml"

// pollInterval is how often the YAML-backed store re-reads its file to
// detect edits made by another process (a provisioning agent, an operator,
// or a config-push tool).
const pollInterval = 2 * time.Second

// MQTTSection holds the recognized mqtt.* options, as documented on Store.
// Zero values mean "not set"; typed accessors substitute the documented
// default and apply the documented clamp.
type MQTTSection struct {
	OperationTimeoutMs   int `yaml:"operationTimeoutMs,omitempty"`
	KeepAliveTimeoutMs   int `yaml:"keepAliveTimeoutMs,omitempty"`
	PingTimeoutMs        int `yaml:"pingTimeoutMs,omitempty"`
	SocketTimeoutMs      int `yaml:"socketTimeoutMs,omitempty"`
	Port                 int `yaml:"port,omitempty"`
	ThreadPoolSize       int `yaml:"threadPoolSize,omitempty"`
	MaxInFlightPublishes int `yaml:"maxInFlightPublishes,omitempty"`
	MaxMessageSizeBytes  int `yaml:"maxMessageSizeInBytes,omitempty"`
	// MaxPublishRetry treats only zero as "unset" (read back as
	// DefaultMaxPublishRetry), since its sentinel (-1) is itself a
	// meaningful value; a freshly created document is written with
	// DefaultMaxPublishRetry.
	MaxPublishRetry int `yaml:"maxPublishRetry"`
}

// ProxyConfig describes an HTTPS proxy for the broker connection.
type ProxyConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Document is the on-disk shape of a YAML-backed device configuration.
type Document struct {
	MQTT MQTTSection `yaml:"mqtt,omitempty"`

	ThingName       string `yaml:"thingName,omitempty"`
	IoTDataEndpoint string `yaml:"iotDataEndpoint,omitempty"`
	Region          string `yaml:"region,omitempty"`

	PrivateKeyPath  string `yaml:"privateKeyPath,omitempty"`
	CertificatePath string `yaml:"certificatePath,omitempty"`
	RootCAPath      string `yaml:"rootCaPath,omitempty"`

	Proxy *ProxyConfig `yaml:"proxy,omitempty"`
}

// YAMLStore is a Store backed by a YAML file on disk, polled on a fixed
// interval for edits made by another process.
type YAMLStore struct {
	path string

	mu  sync.RWMutex
	doc Document

	changes  chan ConfigChange
	stopPoll chan struct{}
	pollDone chan struct{}
	closed   sync.Once
}

// Open loads (or creates) the YAML device configuration file at the default
// path under the user's home directory, and starts its change-watching
// goroutine.
func Open() (*YAMLStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("deviceconfig: get home directory: %w", err)
	}
	return OpenAt(filepath.Join(home, DefaultBaseDir, DefaultConfigFile))
}

// OpenAt loads (or creates) the YAML device configuration file at path, and
// starts its change-watching goroutine.
func OpenAt(path string) (*YAMLStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("deviceconfig: create config directory: %w", err)
	}

	s := &YAMLStore{
		path:     path,
		changes:  make(chan ConfigChange, 16),
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = Document{MQTT: MQTTSection{MaxPublishRetry: DefaultMaxPublishRetry}}
			if err := s.save(); err != nil {
				return nil, err
			}
			go s.pollLoop()
			return s, nil
		}
		return nil, fmt.Errorf("deviceconfig: read config: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("deviceconfig: parse config: %w", err)
	}
	s.doc = doc

	go s.pollLoop()
	return s, nil
}

func (s *YAMLStore) save() error {
	data, err := yaml.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("deviceconfig: marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("deviceconfig: write config: %w", err)
	}
	return nil
}

// Path returns the config file path.
func (s *YAMLStore) Path() string { return s.path }

// pollLoop re-reads the file on a fixed interval and diffs the decoded
// document against the in-memory copy, emitting a ConfigChange per node
// that differs. It is the teacher's YAML-file config pattern (read, decode,
// hold in memory) extended with the polling half needed to notice edits
// made by a process other than this one.
func (s *YAMLStore) pollLoop() {
	defer close(s.pollDone)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPoll:
			return
		case <-ticker.C:
			s.reload()
		}
	}
}

func (s *YAMLStore) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return
	}

	s.mu.Lock()
	changes := diffDocuments(s.doc, doc)
	s.doc = doc
	s.mu.Unlock()

	for _, c := range changes {
		select {
		case s.changes <- c:
		default:
			// A slow or absent consumer must not block the poll loop; the
			// reconfiguration controller only needs to know *that*
			// something relevant changed, and the next poll will re-diff
			// against the latest state regardless.
		}
	}
}

// diffDocuments compares two decoded documents field by field, reporting
// one ConfigChange per leaf that differs. It does not attempt to
// distinguish NodeAdded/NodeRemoved/InteriorAdded — a YAML document has no
// per-node history, so every difference, in the MQTT section or elsewhere,
// is reported as NodeUpdated, mirroring what a real append-only config store's topmost
// fidelity can actually promise without extra bookkeeping this store
// doesn't keep.
func diffDocuments(old, new Document) []ConfigChange {
	var changes []ConfigChange

	diffField := func(node []string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changes = append(changes, ConfigChange{Kind: NodeUpdated, Node: node})
		}
	}

	diffField([]string{"mqtt", "operationTimeoutMs"}, old.MQTT.OperationTimeoutMs, new.MQTT.OperationTimeoutMs)
	diffField([]string{"mqtt", "keepAliveTimeoutMs"}, old.MQTT.KeepAliveTimeoutMs, new.MQTT.KeepAliveTimeoutMs)
	diffField([]string{"mqtt", "pingTimeoutMs"}, old.MQTT.PingTimeoutMs, new.MQTT.PingTimeoutMs)
	diffField([]string{"mqtt", "socketTimeoutMs"}, old.MQTT.SocketTimeoutMs, new.MQTT.SocketTimeoutMs)
	diffField([]string{"mqtt", "port"}, old.MQTT.Port, new.MQTT.Port)
	diffField([]string{"mqtt", "threadPoolSize"}, old.MQTT.ThreadPoolSize, new.MQTT.ThreadPoolSize)
	diffField([]string{"mqtt", "maxInFlightPublishes"}, old.MQTT.MaxInFlightPublishes, new.MQTT.MaxInFlightPublishes)
	diffField([]string{"mqtt", "maxMessageSizeInBytes"}, old.MQTT.MaxMessageSizeBytes, new.MQTT.MaxMessageSizeBytes)
	diffField([]string{"mqtt", "maxPublishRetry"}, old.MQTT.MaxPublishRetry, new.MQTT.MaxPublishRetry)

	diffField([]string{"thingName"}, old.ThingName, new.ThingName)
	diffField([]string{"iotDataEndpoint"}, old.IoTDataEndpoint, new.IoTDataEndpoint)
	diffField([]string{"region"}, old.Region, new.Region)
	diffField([]string{"privateKeyPath"}, old.PrivateKeyPath, new.PrivateKeyPath)
	diffField([]string{"certificatePath"}, old.CertificatePath, new.CertificatePath)
	diffField([]string{"rootCaPath"}, old.RootCAPath, new.RootCAPath)
	diffField([]string{"proxy"}, old.Proxy, new.Proxy)

	return changes
}

func (s *YAMLStore) OperationTimeoutMs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MQTT.OperationTimeoutMs <= 0 {
		return DefaultOperationTimeoutMs
	}
	return s.doc.MQTT.OperationTimeoutMs
}

func (s *YAMLStore) KeepAliveTimeoutMs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MQTT.KeepAliveTimeoutMs <= 0 {
		return DefaultKeepAliveTimeoutMs
	}
	return s.doc.MQTT.KeepAliveTimeoutMs
}

func (s *YAMLStore) PingTimeoutMs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MQTT.PingTimeoutMs <= 0 {
		return DefaultPingTimeoutMs
	}
	return s.doc.MQTT.PingTimeoutMs
}

func (s *YAMLStore) SocketTimeoutMs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MQTT.SocketTimeoutMs <= 0 {
		return DefaultSocketTimeoutMs
	}
	return s.doc.MQTT.SocketTimeoutMs
}

func (s *YAMLStore) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MQTT.Port <= 0 {
		return DefaultPort
	}
	return s.doc.MQTT.Port
}

func (s *YAMLStore) ThreadPoolSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MQTT.ThreadPoolSize <= 0 {
		return DefaultThreadPoolSize
	}
	return s.doc.MQTT.ThreadPoolSize
}

func (s *YAMLStore) MaxInFlightPublishes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.doc.MQTT.MaxInFlightPublishes
	if v <= 0 {
		v = DefaultMaxInFlightPublish
	}
	return clampInt(v, MaxMaxInFlightPublish)
}

func (s *YAMLStore) MaxMessageSizeInBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.doc.MQTT.MaxMessageSizeBytes
	if v <= 0 {
		v = DefaultMaxMessageSizeBytes
	}
	return clampInt(v, MaxMaxMessageSizeBytes)
}

func (s *YAMLStore) MaxPublishRetry() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MQTT.MaxPublishRetry == 0 {
		return DefaultMaxPublishRetry
	}
	return s.doc.MQTT.MaxPublishRetry
}

func (s *YAMLStore) ThingName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ThingName
}

func (s *YAMLStore) IoTDataEndpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.IoTDataEndpoint
}

func (s *YAMLStore) Region() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Region
}

func (s *YAMLStore) PrivateKeyPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.PrivateKeyPath
}

func (s *YAMLStore) CertificatePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.CertificatePath
}

func (s *YAMLStore) RootCAPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.RootCAPath
}

func (s *YAMLStore) ProxyConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Proxy != nil && s.doc.Proxy.Host != ""
}

func (s *YAMLStore) ProxyHost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Proxy == nil {
		return ""
	}
	return s.doc.Proxy.Host
}

func (s *YAMLStore) ProxyPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Proxy == nil || s.doc.Proxy.Host == "" {
		return 0
	}
	return s.doc.Proxy.Port
}

func (s *YAMLStore) IsDeviceConfiguredToTalkToCloud() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.doc
	return d.ThingName != "" && d.IoTDataEndpoint != "" &&
		d.PrivateKeyPath != "" && d.CertificatePath != "" && d.RootCAPath != ""
}

func (s *YAMLStore) Changes() <-chan ConfigChange {
	return s.changes
}

// Set updates a single field of the underlying document and persists it,
// emitting the corresponding ConfigChange immediately rather than waiting
// for the next poll. Intended for test setup and for a provisioning flow
// running in the same process as the manager.
func (s *YAMLStore) Set(mutate func(*Document)) error {
	s.mu.Lock()
	before := s.doc
	mutate(&s.doc)
	after := s.doc
	err := s.save()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, c := range diffDocuments(before, after) {
		select {
		case s.changes <- c:
		default:
		}
	}
	return nil
}

func (s *YAMLStore) Close() error {
	s.closed.Do(func() {
		close(s.stopPoll)
		<-s.pollDone
		close(s.changes)
	})
	return nil
}
