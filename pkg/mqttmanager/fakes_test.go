package mqttmanager

import (
	"context"
	"errors"
	"sync"
)

// fakeTransport is a Transport whose connections are fakeConns, letting
// tests control connect/publish/subscribe outcomes without a real broker.
type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn

	// newConn, if set, customizes each connection as it is created.
	newConn func(clientID string) *fakeConn
}

func (t *fakeTransport) NewConnection(clientID string) Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	var c *fakeConn
	if t.newConn != nil {
		c = t.newConn(clientID)
	} else {
		c = newFakeConn()
	}
	c.clientID = clientID
	t.conns = append(t.conns, c)
	return c
}

func (t *fakeTransport) connections() []*fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*fakeConn, len(t.conns))
	copy(out, t.conns)
	return out
}

// fakeConn is a Connection test double: it records every call and lets
// tests inject failures or delivered traffic.
type fakeConn struct {
	clientID string

	mu           sync.Mutex
	connectErr   error
	publishErr   error
	subscribeErr error
	subscribed   []string
	unsubscribed []string
	published    []Message
	closed       bool

	msgs   chan Message
	events chan ConnectionEvent
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan Message, 16),
		events: make(chan ConnectionEvent, 16),
	}
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	return nil
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.msgs)
	close(c.events)
	return nil
}

func (c *fakeConn) Subscribe(ctx context.Context, topic string, qos QoS) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subscribed = append(c.subscribed, topic)
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topic)
	return nil
}

func (c *fakeConn) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	if c.publishErr != nil {
		return c.publishErr
	}
	return nil
}

func (c *fakeConn) Messages() <-chan Message {
	return c.msgs
}

func (c *fakeConn) Events() <-chan ConnectionEvent {
	return c.events
}

func (c *fakeConn) deliver(msg Message) {
	c.msgs <- msg
}

func (c *fakeConn) publishedMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeConn) subscribedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.subscribed))
	copy(out, c.subscribed)
	return out
}

func (c *fakeConn) setPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

var errFakeConnect = errors.New("fake: connect failed")
