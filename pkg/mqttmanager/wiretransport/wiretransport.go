// Package wiretransport is the default mqttmanager.Transport: it wraps
// pkg/mqttwire.Client, translating its Recv-loop/error-returning API into
// the channel-based Connection interface the connection wrapper pumps, and
// reports Interrupted/Resumed as ConnectionEvents rather than calling back
// into the manager directly.
package wiretransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetedge/mqttmanager/pkg/mqttmanager"
	"github.com/fleetedge/mqttmanager/pkg/mqttwire"
)

// dialParams is the subset of mqttmanager.ManagerConfig a connection attempt
// needs to dial the broker, plus the TLS context derived from it. Kept
// together so Reload can swap both atomically under one lock.
type dialParams struct {
	endpoint       string
	port           int
	proxyHost      string
	proxyPort      int
	keepAlive      uint16
	connectTimeout time.Duration
	tlsConfig      *tls.Config
}

// Transport is the default mqttmanager.Transport. Its dial parameters and
// TLS context are reloadable so the reconfiguration controller can rebuild
// them (e.g. after a certificate rotation) without tearing down the
// Transport itself.
type Transport struct {
	mu     sync.Mutex
	params dialParams
	logger *slog.Logger
}

// New builds a Transport from an initial configuration snapshot.
func New(cfg mqttmanager.ManagerConfig, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{logger: logger.With("component", "wiretransport")}
	if err := t.Reload(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload rebuilds the dial parameters and TLS context from cfg under a
// dedicated lock, so a connect attempt already holding the old snapshot
// never observes a half-updated one.
func (t *Transport) Reload(cfg mqttmanager.ManagerConfig) error {
	params := dialParams{
		endpoint:       cfg.IoTDataEndpoint,
		port:           cfg.Port,
		proxyHost:      cfg.ProxyHost,
		proxyPort:      cfg.ProxyPort,
		keepAlive:      uint16(cfg.KeepAliveTimeoutMs / 1000),
		connectTimeout: time.Duration(cfg.SocketTimeoutMs) * time.Millisecond,
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("wiretransport: load TLS material: %w", err)
	}
	params.tlsConfig = tlsConfig

	t.mu.Lock()
	t.params = params
	t.mu.Unlock()
	return nil
}

func loadTLSConfig(cfg mqttmanager.ManagerConfig) (*tls.Config, error) {
	if cfg.CertificatePath == "" || cfg.PrivateKeyPath == "" || cfg.RootCAPath == "" {
		// Not yet provisioned; Connect will fail with a clear dial error
		// rather than this constructor failing outright.
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertificatePath, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.RootCAPath)
	if err != nil {
		return nil, fmt.Errorf("read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse root CA %q: no certificates found", cfg.RootCAPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.IoTDataEndpoint,
	}, nil
}

func (t *Transport) snapshot() dialParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// NewConnection implements mqttmanager.Transport.
func (t *Transport) NewConnection(clientID string) mqttmanager.Connection {
	return &connection{
		t:        t,
		clientID: clientID,
		logger:   t.logger.With("client_id", clientID),
	}
}

// connection implements mqttmanager.Connection. mqttwire.Client exposes a
// blocking Recv and no event hook of its own, so recvLoop is the one
// goroutine translating that into Messages()/Events() and detecting the
// connection's death.
type connection struct {
	t        *Transport
	clientID string
	logger   *slog.Logger

	mu     sync.Mutex
	client *mqttwire.Client

	msgs     chan mqttmanager.Message
	events   chan mqttmanager.ConnectionEvent
	recvDone chan struct{}
}

func (c *connection) Connect(ctx context.Context) error {
	params := c.t.snapshot()
	if params.tlsConfig == nil {
		return fmt.Errorf("wiretransport: no certificate material configured")
	}

	connectTimeout := params.connectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	dial := mqttwire.DefaultDialer
	if params.proxyHost != "" {
		dial = proxyDialer(params.proxyHost, params.proxyPort)
	}

	client, err := mqttwire.Connect(ctx, mqttwire.ClientConfig{
		Addr:           fmt.Sprintf("tls://%s:%d", params.endpoint, params.port),
		ClientID:       c.clientID,
		KeepAlive:      params.keepAlive,
		CleanSession:   true,
		TLSConfig:      params.tlsConfig,
		ConnectTimeout: connectTimeout,
		Dialer:         dial,
	})
	if err != nil {
		return fmt.Errorf("wiretransport: connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.msgs = make(chan mqttmanager.Message)
	c.events = make(chan mqttmanager.ConnectionEvent, 1)
	c.recvDone = make(chan struct{})
	c.mu.Unlock()

	// mqttwire.Connect does not surface the CONNACK's session-present flag,
	// so Resumed is always reported with SessionPresent false.
	c.events <- mqttmanager.ConnectionEvent{Kind: mqttmanager.Resumed}

	go c.recvLoop(client)
	return nil
}

func (c *connection) recvLoop(client *mqttwire.Client) {
	defer close(c.recvDone)
	for {
		msg, err := client.Recv(context.Background())
		if err != nil {
			select {
			case c.events <- mqttmanager.ConnectionEvent{Kind: mqttmanager.Interrupted, Code: interruptCode(err)}:
			default:
			}
			close(c.msgs)
			close(c.events)
			return
		}

		out := mqttmanager.Message{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			QoS:     mqttmanager.QoS(msg.QoS),
			Retain:  msg.Retain,
		}
		select {
		case c.msgs <- out:
		case <-c.recvDone:
			return
		}
	}
}

func interruptCode(err error) int {
	if errors.Is(err, mqttwire.ErrClosed) {
		return 1
	}
	return 2
}

func (c *connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (c *connection) Subscribe(ctx context.Context, topic string, qos mqttmanager.QoS) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}
	return client.Subscribe(ctx, mqttwire.QoS(qos), topic)
}

func (c *connection) Unsubscribe(ctx context.Context, topic string) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}
	return client.Unsubscribe(ctx, topic)
}

func (c *connection) Publish(ctx context.Context, topic string, payload []byte, qos mqttmanager.QoS, retain bool) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}
	return client.Publish(ctx, mqttwire.QoS(qos), topic, payload, retain)
}

func (c *connection) currentClient() (*mqttwire.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("wiretransport: not connected")
	}
	return c.client, nil
}

func (c *connection) Messages() <-chan mqttmanager.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs
}

func (c *connection) Events() <-chan mqttmanager.ConnectionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// proxyDialer tunnels the TLS connection through an HTTPS forward proxy via
// HTTP CONNECT, then performs the MQTT TLS handshake over the tunnel.
func proxyDialer(proxyHost string, proxyPort int) func(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
		target, err := targetHostPort(addr)
		if err != nil {
			return nil, err
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(proxyHost, strconv.Itoa(proxyPort)))
		if err != nil {
			return nil, fmt.Errorf("dial proxy: %w", err)
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: target},
			Host:   target,
		}
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("write CONNECT: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("proxy CONNECT to %s: %s", target, resp.Status)
		}

		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tlsConn, nil
	}
}

func targetHostPort(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse broker address %q: %w", addr, err)
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":8883"
	}
	return host, nil
}

var (
	_ mqttmanager.Transport  = (*Transport)(nil)
	_ mqttmanager.Connection = (*connection)(nil)
)
