package deviceconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *YAMLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yaml")
	s, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefaultsWhenUnset(t *testing.T) {
	s := openTestStore(t)

	cases := []struct {
		name string
		got  int
		want int
	}{
		{"OperationTimeoutMs", s.OperationTimeoutMs(), DefaultOperationTimeoutMs},
		{"KeepAliveTimeoutMs", s.KeepAliveTimeoutMs(), DefaultKeepAliveTimeoutMs},
		{"PingTimeoutMs", s.PingTimeoutMs(), DefaultPingTimeoutMs},
		{"SocketTimeoutMs", s.SocketTimeoutMs(), DefaultSocketTimeoutMs},
		{"Port", s.Port(), DefaultPort},
		{"ThreadPoolSize", s.ThreadPoolSize(), DefaultThreadPoolSize},
		{"MaxInFlightPublishes", s.MaxInFlightPublishes(), DefaultMaxInFlightPublish},
		{"MaxMessageSizeInBytes", s.MaxMessageSizeInBytes(), DefaultMaxMessageSizeBytes},
		{"MaxPublishRetry", s.MaxPublishRetry(), DefaultMaxPublishRetry},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestClampsApplied(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set(func(d *Document) {
		d.MQTT.MaxInFlightPublishes = 10000
		d.MQTT.MaxMessageSizeBytes = 1 << 40
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if got := s.MaxInFlightPublishes(); got != MaxMaxInFlightPublish {
		t.Errorf("MaxInFlightPublishes: got %d, want %d", got, MaxMaxInFlightPublish)
	}
	if got := s.MaxMessageSizeInBytes(); got != MaxMaxMessageSizeBytes {
		t.Errorf("MaxMessageSizeInBytes: got %d, want %d", got, MaxMaxMessageSizeBytes)
	}
}

func TestMaxPublishRetryUnlimitedSentinel(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set(func(d *Document) { d.MQTT.MaxPublishRetry = UnlimitedPublishRetry }); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.MaxPublishRetry(); got != UnlimitedPublishRetry {
		t.Errorf("MaxPublishRetry: got %d, want %d", got, UnlimitedPublishRetry)
	}
}

func TestIsDeviceConfiguredToTalkToCloud(t *testing.T) {
	s := openTestStore(t)
	if s.IsDeviceConfiguredToTalkToCloud() {
		t.Error("fresh store should not be considered configured")
	}

	err := s.Set(func(d *Document) {
		d.ThingName = "thing-1"
		d.IoTDataEndpoint = "a1b2c3.iot.us-east-1.amazonaws.com"
		d.PrivateKeyPath = "/etc/certs/key.pem"
		d.CertificatePath = "/etc/certs/cert.pem"
		d.RootCAPath = "/etc/certs/root-ca.pem"
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !s.IsDeviceConfiguredToTalkToCloud() {
		t.Error("fully populated store should be considered configured")
	}
}

func TestProxyConfigured(t *testing.T) {
	s := openTestStore(t)
	if s.ProxyConfigured() {
		t.Error("no proxy set, expected ProxyConfigured() == false")
	}
	if err := s.Set(func(d *Document) { d.Proxy = &ProxyConfig{Host: "proxy.internal", Port: 3128} }); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !s.ProxyConfigured() {
		t.Error("proxy set, expected ProxyConfigured() == true")
	}
}

func TestSetEmitsConfigChange(t *testing.T) {
	s := openTestStore(t)
	err := s.Set(func(d *Document) { d.MQTT.Port = 8443 })
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case c := <-s.Changes():
		if c.Kind != NodeUpdated {
			t.Errorf("Kind: got %v, want NodeUpdated", c.Kind)
		}
		want := []string{"mqtt", "port"}
		if len(c.Node) != len(want) || c.Node[0] != want[0] || c.Node[1] != want[1] {
			t.Errorf("Node: got %v, want %v", c.Node, want)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a ConfigChange on Set")
	}
}

func TestPollDetectsExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	s, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	defer s.Close()

	// Simulate an edit made by another process: write a new document
	// directly to the file rather than going through Set.
	if err := os.WriteFile(path, []byte("thingName: external-thing\nmqtt:\n  maxPublishRetry: 100\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case c := <-s.Changes():
			if len(c.Node) == 1 && c.Node[0] == "thingName" {
				if s.ThingName() != "external-thing" {
					t.Errorf("ThingName after poll: got %q, want %q", s.ThingName(), "external-thing")
				}
				return
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("poll loop never observed the external edit")
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	s1, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if err := s1.Set(func(d *Document) { d.ThingName = "persisted-thing" }); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenAt(path)
	if err != nil {
		t.Fatalf("reopen OpenAt: %v", err)
	}
	defer s2.Close()
	if got := s2.ThingName(); got != "persisted-thing" {
		t.Errorf("ThingName after reopen: got %q, want %q", got, "persisted-thing")
	}
}

func TestChangeKindString(t *testing.T) {
	cases := map[ChangeKind]string{
		NodeUpdated:      "NodeUpdated",
		NodeRemoved:      "NodeRemoved",
		NodeAdded:        "NodeAdded",
		InteriorAdded:    "InteriorAdded",
		TimestampUpdated: "TimestampUpdated",
		ChangeKind(99):   "Unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("%d.String(): got %q, want %q", k, got, want)
		}
	}
}
