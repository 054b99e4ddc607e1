package wiretransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetedge/mqttmanager/pkg/mqttmanager"
	"github.com/fleetedge/mqttmanager/pkg/mqttwire"
)

// generateTestCertPEM produces a self-signed certificate and key suitable
// for LoadX509KeyPair and AppendCertsFromPEM; it need not chain to anything.
func generateTestCertPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"wiretransport test"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func writeTestCertFiles(t *testing.T) (certPath, keyPath, rootCAPath string) {
	t.Helper()
	dir := t.TempDir()
	certPEM, keyPEM := generateTestCertPEM(t)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	rootCAPath = filepath.Join(dir, "ca.pem")

	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(rootCAPath, certPEM, 0600); err != nil {
		t.Fatalf("write root CA: %v", err)
	}
	return certPath, keyPath, rootCAPath
}

func TestConnectFailsWithoutCertMaterial(t *testing.T) {
	tr, err := New(mqttmanager.ManagerConfig{IoTDataEndpoint: "broker.example.com", Port: 8883}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn := tr.NewConnection("test-client")
	err = conn.Connect(context.Background())
	if err == nil {
		t.Fatal("expected Connect to fail without certificate material")
	}
}

func TestReloadLoadsCertMaterial(t *testing.T) {
	certPath, keyPath, rootCAPath := writeTestCertFiles(t)

	tr, err := New(mqttmanager.ManagerConfig{
		IoTDataEndpoint: "127.0.0.1",
		Port:            1, // nothing listens here; we only care the dial is attempted
		PrivateKeyPath:  keyPath,
		CertificatePath: certPath,
		RootCAPath:      rootCAPath,
		SocketTimeoutMs: 50,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn := tr.NewConnection("test-client")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = conn.Connect(ctx)
	if err == nil {
		t.Fatal("expected Connect to fail dialing an address nothing listens on")
	}
	if err.Error() == "wiretransport: no certificate material configured" {
		t.Fatalf("Connect failed at the cert-material check, TLS material should have loaded: %v", err)
	}
}

func TestReloadRejectsUnreadableRootCA(t *testing.T) {
	certPath, keyPath, _ := writeTestCertFiles(t)

	_, err := New(mqttmanager.ManagerConfig{
		PrivateKeyPath:  keyPath,
		CertificatePath: certPath,
		RootCAPath:      filepath.Join(t.TempDir(), "missing.pem"),
	}, nil)
	if err == nil {
		t.Fatal("expected New to fail with a missing root CA file")
	}
}

func TestTargetHostPort(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"tls://broker.example.com:8883", "broker.example.com:8883"},
		{"tls://broker.example.com", "broker.example.com:8883"},
	}
	for _, tc := range cases {
		got, err := targetHostPort(tc.addr)
		if err != nil {
			t.Fatalf("targetHostPort(%q): %v", tc.addr, err)
		}
		if got != tc.want {
			t.Errorf("targetHostPort(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestInterruptCode(t *testing.T) {
	if got := interruptCode(mqttwire.ErrClosed); got != 1 {
		t.Errorf("interruptCode(ErrClosed) = %d, want 1", got)
	}
	if got := interruptCode(errors.New("boom")); got != 2 {
		t.Errorf("interruptCode(other) = %d, want 2", got)
	}
}
