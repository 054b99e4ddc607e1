package mqttwire

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ClientConfig is the configuration for an MQTT client.
type ClientConfig struct {
	// Addr is the broker address in URL format:
	//   - tcp://host:port (default port 1883)
	//   - tls://host:port or mqtts://host:port (default port 8883)
	//   - ws://host:port/path (default port 80)
	//   - wss://host:port/path (default port 443)
	Addr string

	// ClientID is the client identifier.
	ClientID string

	// Username for authentication (optional).
	Username string

	// Password for authentication (optional).
	Password []byte

	// KeepAlive is the keep-alive interval in seconds.
	// Zero selects the default of 60 seconds.
	KeepAlive uint16

	// CleanSession (v4) or CleanStart (v5) flag. Not defaulted: the zero
	// value sends false.
	CleanSession bool

	// ProtocolVersion is the MQTT protocol version.
	// Default is ProtocolV4 (MQTT 3.1.1).
	ProtocolVersion ProtocolVersion

	// SessionExpiry is the session expiry interval in seconds (MQTT 5.0 only).
	// Default is nil (use broker default).
	SessionExpiry *uint32

	// AutoKeepalive enables automatic keep-alive ping.
	// Off unless set; when set, the client sends PINGREQ at KeepAlive/2
	// intervals.
	AutoKeepalive bool

	// TLSConfig is the TLS configuration for secure connections.
	// If nil, a default configuration is used for tls:// and wss:// connections.
	TLSConfig *tls.Config

	// MaxPacketSize is the maximum packet size.
	// Default is MaxPacketSize (1MB).
	MaxPacketSize int

	// ConnectTimeout is the timeout for establishing a connection.
	// Default is 30 seconds.
	ConnectTimeout time.Duration

	// Dialer is the custom dialer function. If nil, DefaultDialer is used.
	Dialer func(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error)
}

func (c *ClientConfig) setDefaults() {
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = ProtocolV4
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = MaxPacketSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// ackOrErr is delivered to a packet-ID-keyed waiter once its acknowledgement
// arrives, or once the connection fails while the waiter is outstanding.
type ackOrErr struct {
	packet any
	err    error
}

// Client is an MQTT client supporting QoS 0 and QoS 1. A single background
// goroutine pumps the connection: inbound PUBLISH packets are delivered to
// Recv, and acknowledgements (SUBACK/UNSUBACK/PUBACK) are routed to whichever
// call is waiting on that packet ID. This lets Publish/Subscribe/Unsubscribe
// wait for their own acks concurrently with a caller draining Recv.
type Client struct {
	config ClientConfig
	conn   net.Conn
	writer io.Writer
	mu     sync.Mutex // protects writes

	running atomic.Bool
	nextPID atomic.Uint32

	incoming chan *Message

	pendingMu sync.Mutex
	pending   map[uint16]chan ackOrErr

	stopKeepalive chan struct{}
	pumpDone      chan struct{}
	closeErr      atomic.Value // error
	closeOnce     sync.Once
}

// Connect establishes a connection to an MQTT broker and performs the
// CONNECT/CONNACK handshake.
func Connect(ctx context.Context, config ClientConfig) (*Client, error) {
	config.setDefaults()

	dialer := config.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	conn, err := dialer(dialCtx, config.Addr, config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("mqttwire: dial: %w", err)
	}

	client := &Client{
		config:        config,
		conn:          conn,
		writer:        conn,
		incoming:      make(chan *Message),
		pending:       make(map[uint16]chan ackOrErr),
		stopKeepalive: make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}
	client.nextPID.Store(1)

	reader := bufio.NewReader(conn)
	if err := client.handshake(ctx, reader); err != nil {
		conn.Close()
		return nil, err
	}
	client.running.Store(true)

	go client.readPump(reader)

	if config.AutoKeepalive && config.KeepAlive > 0 {
		go client.keepaliveLoop()
	}

	return client, nil
}

func (c *Client) handshake(ctx context.Context, reader *bufio.Reader) error {
	switch c.config.ProtocolVersion {
	case ProtocolV4:
		return c.handshakeV4(reader)
	case ProtocolV5:
		return c.handshakeV5(reader)
	default:
		return &ProtocolError{Message: "unsupported protocol version"}
	}
}

func (c *Client) handshakeV4(reader *bufio.Reader) error {
	connect := &V4Connect{
		ClientID:     c.config.ClientID,
		Username:     c.config.Username,
		Password:     c.config.Password,
		CleanSession: c.config.CleanSession,
		KeepAlive:    c.config.KeepAlive,
	}
	if err := WriteV4Packet(c.writer, connect); err != nil {
		return fmt.Errorf("mqttwire: send connect: %w", err)
	}

	packet, err := ReadV4Packet(reader, c.config.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("mqttwire: read connack: %w", err)
	}
	connack, ok := packet.(*V4ConnAck)
	if !ok {
		return &UnexpectedPacketError{Expected: "CONNACK", Got: PacketTypeName(packet.packetType())}
	}
	if connack.ReturnCode != ConnectAccepted {
		return &ConnectError{Code: connack.ReturnCode}
	}
	return nil
}

func (c *Client) handshakeV5(reader *bufio.Reader) error {
	connect := &V5Connect{
		ClientID:   c.config.ClientID,
		Username:   c.config.Username,
		Password:   c.config.Password,
		CleanStart: c.config.CleanSession,
		KeepAlive:  c.config.KeepAlive,
	}
	if c.config.SessionExpiry != nil {
		connect.Properties = &V5Properties{SessionExpiry: c.config.SessionExpiry}
	}
	if err := WriteV5Packet(c.writer, connect); err != nil {
		return fmt.Errorf("mqttwire: send connect: %w", err)
	}

	packet, err := ReadV5Packet(reader, c.config.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("mqttwire: read connack: %w", err)
	}
	connack, ok := packet.(*V5ConnAck)
	if !ok {
		return &UnexpectedPacketError{Expected: "CONNACK", Got: PacketTypeName(packet.packetTypeV5())}
	}
	if connack.ReasonCode != ReasonSuccess {
		return &ConnectErrorV5{Code: connack.ReasonCode}
	}
	return nil
}

// readPump is the sole reader of the connection once the handshake
// completes. It runs until the connection fails or Close is called.
func (c *Client) readPump(reader *bufio.Reader) {
	defer close(c.pumpDone)
	defer c.fail(ErrClosed)

	for {
		var packet any
		var err error
		switch c.config.ProtocolVersion {
		case ProtocolV4:
			packet, err = ReadV4Packet(reader, c.config.MaxPacketSize)
		case ProtocolV5:
			packet, err = ReadV5Packet(reader, c.config.MaxPacketSize)
		default:
			err = &ProtocolError{Message: "unsupported protocol version"}
		}
		if err != nil {
			c.fail(err)
			return
		}
		if !c.dispatch(packet) {
			return
		}
	}
}

// dispatch routes one decoded packet. It returns false if the pump should
// stop (the broker disconnected us).
func (c *Client) dispatch(packet any) bool {
	switch p := packet.(type) {
	case *V4Publish:
		c.deliver(&Message{Topic: p.Topic, Payload: p.Payload, Retain: p.Retain, QoS: p.QoS})
		if p.QoS == AtLeastOnce {
			c.mu.Lock()
			WriteV4Packet(c.writer, &V4PubAck{PacketID: p.PacketID})
			c.mu.Unlock()
		}
	case *V5Publish:
		c.deliver(&Message{Topic: p.Topic, Payload: p.Payload, Retain: p.Retain, QoS: p.QoS})
		if p.QoS == AtLeastOnce {
			c.mu.Lock()
			WriteV5Packet(c.writer, &V5PubAck{PacketID: p.PacketID})
			c.mu.Unlock()
		}
	case *V4PubAck:
		c.resolve(p.PacketID, ackOrErr{packet: p})
	case *V5PubAck:
		c.resolve(p.PacketID, ackOrErr{packet: p})
	case *V4SubAck:
		c.resolve(p.PacketID, ackOrErr{packet: p})
	case *V5SubAck:
		c.resolve(p.PacketID, ackOrErr{packet: p})
	case *V4UnsubAck:
		c.resolve(p.PacketID, ackOrErr{packet: p})
	case *V5UnsubAck:
		c.resolve(p.PacketID, ackOrErr{packet: p})
	case *V4PingResp, *V5PingResp:
		// Nothing to do; absence of a timely PINGRESP is handled by the
		// keepalive loop's own failure detection on the next write.
	case *V4Disconnect, *V5Disconnect:
		return false
	}
	return true
}

func (c *Client) deliver(msg *Message) {
	select {
	case c.incoming <- msg:
	case <-c.pumpDone:
	}
}

func (c *Client) resolve(packetID uint16, result ackOrErr) {
	c.pendingMu.Lock()
	ch, ok := c.pending[packetID]
	delete(c.pending, packetID)
	c.pendingMu.Unlock()
	if ok {
		ch <- result
	}
}

// fail marks the client closed and wakes every outstanding waiter with err.
// Safe to call more than once; only the first call has any effect.
func (c *Client) fail(err error) {
	if !c.running.Swap(false) {
		return
	}
	c.closeErr.Store(err)

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- ackOrErr{err: err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) nextPacketID() uint16 {
	for {
		id := uint16(c.nextPID.Add(1))
		if id != 0 {
			return id
		}
	}
}

func (c *Client) register(id uint16) chan ackOrErr {
	ch := make(chan ackOrErr, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregister(id uint16) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) awaitAck(ctx context.Context, id uint16, ch chan ackOrErr) (any, error) {
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.packet, nil
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	}
}

// Publish sends a message to the broker. At QoS 0 it returns once the
// packet has been written. At QoS 1 it blocks until the broker's PUBACK
// arrives or ctx is done; in the latter case it returns an error wrapping
// both ErrPubAckTimeout and ctx's error rather than resending itself — the
// caller decides whether to retry.
func (c *Client) Publish(ctx context.Context, qos QoS, topic string, payload []byte, retain bool) error {
	if !c.running.Load() {
		return ErrClosed
	}

	var packetID uint16
	var waiter chan ackOrErr
	if qos == AtLeastOnce {
		packetID = c.nextPacketID()
		waiter = c.register(packetID)
	}

	c.mu.Lock()
	var err error
	switch c.config.ProtocolVersion {
	case ProtocolV4:
		err = WriteV4Packet(c.writer, &V4Publish{Topic: topic, Payload: payload, Retain: retain, QoS: qos, PacketID: packetID})
	case ProtocolV5:
		err = WriteV5Packet(c.writer, &V5Publish{Topic: topic, Payload: payload, Retain: retain, QoS: qos, PacketID: packetID})
	default:
		err = &ProtocolError{Message: "unsupported protocol version"}
	}
	c.mu.Unlock()

	if err != nil {
		if waiter != nil {
			c.unregister(packetID)
		}
		return err
	}
	if waiter == nil {
		return nil
	}

	_, err = c.awaitAck(ctx, packetID, waiter)
	if err != nil && err == ctx.Err() {
		return fmt.Errorf("%w: %w", ErrPubAckTimeout, err)
	}
	return err
}

// Subscribe subscribes to topics at the given QoS.
func (c *Client) Subscribe(ctx context.Context, qos QoS, topics ...string) error {
	if !c.running.Load() {
		return ErrClosed
	}
	if len(topics) == 0 {
		return nil
	}

	packetID := c.nextPacketID()
	waiter := c.register(packetID)

	c.mu.Lock()
	var err error
	switch c.config.ProtocolVersion {
	case ProtocolV4:
		filters := make([]V4SubscribeFilter, len(topics))
		for i, t := range topics {
			filters[i] = V4SubscribeFilter{Topic: t, QoS: qos}
		}
		err = WriteV4Packet(c.writer, &V4Subscribe{PacketID: packetID, Filters: filters})
	case ProtocolV5:
		filters := make([]V5SubscribeFilter, len(topics))
		for i, t := range topics {
			filters[i] = V5SubscribeFilter{Topic: t, QoS: qos}
		}
		err = WriteV5Packet(c.writer, &V5Subscribe{PacketID: packetID, Topics: filters})
	default:
		err = &ProtocolError{Message: "unsupported protocol version"}
	}
	c.mu.Unlock()

	if err != nil {
		c.unregister(packetID)
		return err
	}

	ack, err := c.awaitAck(ctx, packetID, waiter)
	if err != nil {
		return err
	}

	switch suback := ack.(type) {
	case *V4SubAck:
		for _, code := range suback.ReturnCodes {
			if code == 0x80 {
				return ErrACLDenied
			}
		}
	case *V5SubAck:
		for _, code := range suback.ReasonCodes {
			if code >= 0x80 {
				return ErrACLDenied
			}
		}
	}
	return nil
}

// Unsubscribe unsubscribes from topics.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if !c.running.Load() {
		return ErrClosed
	}
	if len(topics) == 0 {
		return nil
	}

	packetID := c.nextPacketID()
	waiter := c.register(packetID)

	c.mu.Lock()
	var err error
	switch c.config.ProtocolVersion {
	case ProtocolV4:
		err = WriteV4Packet(c.writer, &V4Unsubscribe{PacketID: packetID, Topics: topics})
	case ProtocolV5:
		err = WriteV5Packet(c.writer, &V5Unsubscribe{PacketID: packetID, Topics: topics})
	default:
		err = &ProtocolError{Message: "unsupported protocol version"}
	}
	c.mu.Unlock()

	if err != nil {
		c.unregister(packetID)
		return err
	}

	_, err = c.awaitAck(ctx, packetID, waiter)
	return err
}

// Recv receives the next inbound message from the broker. It blocks until a
// message arrives, the context is done, or the connection fails.
func (c *Client) Recv(ctx context.Context) (*Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.pumpDone:
		if err, _ := c.closeErr.Load().(error); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RecvTimeout receives a message with a timeout, returning nil, nil if the
// timeout expires without one arriving.
func (c *Client) RecvTimeout(timeout time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := c.Recv(ctx)
	if err == context.DeadlineExceeded {
		return nil, nil
	}
	return msg, err
}

// Ping sends a PINGREQ. It does not wait for PINGRESP; keepaliveLoop relies
// on write failures to detect a dead connection.
func (c *Client) Ping(ctx context.Context) error {
	if !c.running.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	var err error
	switch c.config.ProtocolVersion {
	case ProtocolV4:
		err = WriteV4Packet(c.writer, &V4PingReq{})
	case ProtocolV5:
		err = WriteV5Packet(c.writer, &V5PingReq{})
	}
	c.mu.Unlock()
	return err
}

// Close closes the connection to the broker, sending DISCONNECT first. It
// is idempotent and wakes any Publish/Subscribe/Unsubscribe call still
// waiting on an ack with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopKeepalive)

		c.mu.Lock()
		switch c.config.ProtocolVersion {
		case ProtocolV4:
			WriteV4Packet(c.writer, &V4Disconnect{})
		case ProtocolV5:
			WriteV5Packet(c.writer, &V5Disconnect{})
		}
		c.mu.Unlock()

		err = c.conn.Close()
		c.fail(ErrClosed)
		<-c.pumpDone
	})
	return err
}

// IsRunning returns true if the client believes the connection is up.
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// ClientID returns the client ID used at connect time.
func (c *Client) ClientID() string {
	return c.config.ClientID
}

func (c *Client) keepaliveLoop() {
	interval := time.Duration(c.config.KeepAlive/2) * time.Second
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopKeepalive:
			return
		case <-c.pumpDone:
			return
		case <-ticker.C:
			if err := c.Ping(context.Background()); err != nil {
				return
			}
		}
	}
}
