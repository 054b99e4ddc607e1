package mqttmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is a connection wrapper's position in its lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// subState records whether a broker-side filter bound to this connection
// still has its SUBACK outstanding. While pending, duplicate Subscribe
// calls for the same filter do not issue a second broker SUBSCRIBE.
type subState struct {
	pending bool
}

// connection wraps a single Transport.Connection with the state machine,
// subscription-count bookkeeping, and publish throttle the pool and
// registry depend on. It is the spec's "Connection wrapper".
type connection struct {
	id        string
	transport Transport
	cfg       ManagerConfig
	logger    *slog.Logger

	onMessage func(Message, *connection)
	onEvent   func(*connection, ConnectionEvent)

	mu         sync.Mutex
	state      State
	underlying Connection
	subs       map[string]*subState
	waiters    chan struct{} // closed+replaced on every state transition

	limiter *rate.Limiter

	pumpDone chan struct{}
}

func newConnection(id string, transport Transport, cfg ManagerConfig, logger *slog.Logger,
	onMessage func(Message, *connection), onEvent func(*connection, ConnectionEvent)) *connection {
	maxInFlight := cfg.MaxInFlightPublishes
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &connection{
		id:        id,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "connection", "client_id", id),
		onMessage: onMessage,
		onEvent:   onEvent,
		state:     Disconnected,
		subs:      make(map[string]*subState),
		waiters:   make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(maxInFlight), maxInFlight),
	}
}

func (c *connection) wake() {
	close(c.waiters)
	c.waiters = make(chan struct{})
}

func (c *connection) setState(s State) {
	c.state = s
	c.wake()
}

// State returns the connection's current state.
func (c *connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the broker via the transport, blocking until Connected or
// ctx is done. Calling Connect on an already-connected connection is a
// no-op.
func (c *connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.setState(Connecting)
	underlying := c.transport.NewConnection(c.id)
	c.underlying = underlying
	c.mu.Unlock()

	if err := underlying.Connect(ctx); err != nil {
		c.mu.Lock()
		c.setState(Disconnected)
		c.mu.Unlock()
		return fmt.Errorf("mqttmanager: connect %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.setState(Connected)
	c.mu.Unlock()

	c.pumpDone = make(chan struct{})
	go c.pump(underlying, c.pumpDone)
	return nil
}

// pump drains the underlying connection's Messages/Events channels for as
// long as it is the active underlying connection, delivering each to the
// wrapper's configured callbacks.
func (c *connection) pump(underlying Connection, done chan struct{}) {
	defer close(done)
	msgs := underlying.Messages()
	events := underlying.Events()
	for msgs != nil || events != nil {
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if c.onMessage != nil {
				c.onMessage(m, c)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if c.onEvent != nil {
				c.onEvent(c, ev)
			}
		}
	}
}

// waitConnected blocks until the connection reaches Connected, or returns
// ErrNotConnected once ctx is done or the operation timeout elapses first.
func (c *connection) waitConnected(ctx context.Context) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	for {
		c.mu.Lock()
		state := c.state
		waiters := c.waiters
		c.mu.Unlock()

		if state == Connected {
			return nil
		}
		if state == Closing || state == Closed {
			return ErrNotConnected
		}

		select {
		case <-waiters:
		case <-ctx.Done():
			return ErrNotConnected
		}
	}
}

func (c *connection) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(c.cfg.OperationTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Subscribe issues a broker SUBSCRIBE for filter at qos, returning once the
// SUBACK arrives or the operation times out. A filter already marked
// pending on this connection is not re-sent; a permanently-acknowledged
// filter returns immediately.
func (c *connection) Subscribe(ctx context.Context, filter string, qos QoS) error {
	c.mu.Lock()
	if st, ok := c.subs[filter]; ok && !st.pending {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.subs[filter]; !ok {
		c.subs[filter] = &subState{pending: true}
	}
	c.mu.Unlock()

	if err := c.waitConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	underlying := c.underlying
	c.mu.Unlock()

	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := underlying.Subscribe(opCtx, filter, qos); err != nil {
		return fmt.Errorf("mqttmanager: subscribe %q: %w", filter, err)
	}

	c.mu.Lock()
	c.subs[filter] = &subState{pending: false}
	c.mu.Unlock()
	return nil
}

// Unsubscribe issues a broker UNSUBSCRIBE for filter and drops its
// bookkeeping entry on success.
func (c *connection) Unsubscribe(ctx context.Context, filter string) error {
	if err := c.waitConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	underlying := c.underlying
	c.mu.Unlock()

	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := underlying.Unsubscribe(opCtx, filter); err != nil {
		return fmt.Errorf("mqttmanager: unsubscribe %q: %w", filter, err)
	}

	c.mu.Lock()
	delete(c.subs, filter)
	c.mu.Unlock()
	return nil
}

// Publish issues a broker PUBLISH, blocking until it completes (successful
// send for QoS 0, PUBACK for QoS 1) or the operation times out.
func (c *connection) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if err := c.waitConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	underlying := c.underlying
	c.mu.Unlock()

	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := underlying.Publish(opCtx, topic, payload, qos, retain); err != nil {
		return fmt.Errorf("mqttmanager: publish %q: %w", topic, err)
	}
	return nil
}

// CanAcceptSubscription reports whether this connection may take on one
// more broker-side filter. A connection with any SUBACK still outstanding
// is excluded: it has no guarantee the broker will accept the filter it's
// already waiting on, so handing it another is a race against that.
func (c *connection) CanAcceptSubscription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || len(c.subs) >= MaxSubscriptionsPerConnection {
		return false
	}
	for _, st := range c.subs {
		if st.pending {
			return false
		}
	}
	return true
}

// IsClosable reports whether this connection owns no filters and may be
// reclaimed by the pool.
func (c *connection) IsClosable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) == 0
}

// SubscriptionCount returns how many broker-side filters this connection
// currently owns (pending or permanent).
func (c *connection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// PeekThrottleWait reports the wait that would currently be required
// before a publish token is available, without consuming one. Used by the
// pool to pick the least-throttled connection among several candidates
// without draining tokens from the ones not ultimately chosen.
func (c *connection) PeekThrottleWait() time.Duration {
	tokens := c.limiter.Tokens()
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(c.limiter.Limit()) * float64(time.Second))
}

// ThrottlingWait reserves the next publish token and returns the wait
// required before using it — the value the publisher loop actually sleeps
// before issuing its Publish call. Unlike PeekThrottleWait, this call does
// consume a token.
func (c *connection) ThrottlingWait() time.Duration {
	return c.limiter.Reserve().Delay()
}

// Reconnect tears down the current underlying connection (if any) and
// dials a fresh one. It is idempotent teardown + reconnect: calling it
// concurrently with itself serializes on the connection's mutex rather
// than racing.
func (c *connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	underlying := c.underlying
	c.setState(Connecting)
	c.subs = make(map[string]*subState)
	c.mu.Unlock()

	if underlying != nil {
		_ = underlying.Disconnect(ctx)
	}
	if c.pumpDone != nil {
		<-c.pumpDone
	}

	underlying = c.transport.NewConnection(c.id)
	c.mu.Lock()
	c.underlying = underlying
	c.mu.Unlock()

	if err := underlying.Connect(ctx); err != nil {
		c.mu.Lock()
		c.setState(Disconnected)
		c.mu.Unlock()
		return fmt.Errorf("mqttmanager: reconnect %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.setState(Connected)
	c.mu.Unlock()

	c.pumpDone = make(chan struct{})
	go c.pump(underlying, c.pumpDone)
	return nil
}

// Close tears the connection down gracefully (Closing then Closed).
func (c *connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.setState(Closing)
	underlying := c.underlying
	c.mu.Unlock()

	var err error
	if underlying != nil {
		err = underlying.Disconnect(ctx)
	}

	c.mu.Lock()
	c.setState(Closed)
	c.mu.Unlock()
	return err
}

// CloseOnShutdown is Close with a bounded context of its own, used when the
// facade tears down the whole pool and individual operation timeouts no
// longer apply.
func (c *connection) CloseOnShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Close(ctx)
}
