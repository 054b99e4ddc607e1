// Package mqttmanager implements the device-side MQTT client manager: it
// multiplexes local subscribers onto a pool of broker connections,
// consolidates overlapping topic filters, spools outbound publishes for
// offline resilience, and drives a publisher loop with retry and
// throttle-aware connection selection.
package mqttmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fleetedge/mqttmanager/pkg/deviceconfig"
	"github.com/fleetedge/mqttmanager/pkg/filter"
	"github.com/fleetedge/mqttmanager/pkg/mqttwire"
	"github.com/fleetedge/mqttmanager/pkg/spool"
)

// PublishFuture completes once the spool has accepted a publish request,
// not once the broker acknowledges it — the caller is deliberately
// decoupled from broker completion (see the package's design notes on the
// resolved "what does Publish's return value signal" open question).
type PublishFuture struct {
	entry spool.Entry
	err   error
}

// Entry returns the accepted spool entry. Zero value if Err is non-nil.
func (f *PublishFuture) Entry() spool.Entry { return f.entry }

// Err returns the enqueue failure, if any (ErrOfflineDrop, spool.ErrFull,
// a context error, or ErrNotConfigured).
func (f *PublishFuture) Err() error { return f.err }

// PublishRequest is a local publish call's arguments.
type PublishRequest struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// SubscribeRequest is a local subscribe call's arguments.
type SubscribeRequest struct {
	Topic    string
	QoS      QoS
	Callback Callback
}

// Client is the public facade: Publish, Subscribe, Unsubscribe, Connected,
// Close. All mutating subscription operations are serialized with one
// another; publish only needs the pool's read side.
type Client struct {
	cfgMu sync.RWMutex
	cfg   ManagerConfig

	store     deviceconfig.Store
	transport Transport
	sp        spool.Spool
	logger    *slog.Logger

	pool      *pool
	registry  *registry
	publisher *publisher
	events    *eventDispatcher
	reconfig  *reconfigController

	online atomic.Bool

	subMu sync.Mutex

	// handles records every handle Subscribe has returned and Unsubscribe
	// has not yet consumed, so Unsubscribe can be called with just the
	// handle (topic, callback id) without the caller needing to keep its
	// own bookkeeping.
	handlesMu sync.Mutex
	handles   map[SubscriptionHandle]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// SubscriptionHandle identifies a previously registered local subscription
// for a later Unsubscribe call.
type SubscriptionHandle struct {
	topic string
	id    uint64
}

// Options configures a new Client.
type Options struct {
	// Store is the device configuration collaborator. Required.
	Store deviceconfig.Store
	// Transport creates broker connections. Required.
	Transport Transport
	// Spool persists outbound publishes. Required.
	Spool spool.Spool
	// Logger receives structured logs from every internal component. If
	// nil, slog.Default() is used.
	Logger *slog.Logger
}

// New constructs a Client, assembling its ManagerConfig from a snapshot of
// opts.Store and wiring every internal component together, then starts the
// reconfiguration watcher. The publisher loop itself is not started here;
// it starts on the first connection-resumed event or the first spooled
// Publish, whichever comes first.
func New(opts Options) (*Client, error) {
	if opts.Store == nil || opts.Transport == nil || opts.Spool == nil {
		return nil, fmt.Errorf("mqttmanager: Store, Transport, and Spool are all required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       NewManagerConfig(opts.Store),
		store:     opts.Store,
		transport: opts.Transport,
		sp:        opts.Spool,
		logger:    logger,
		handles:   make(map[SubscriptionHandle]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.pool = newPool(c.transport, c.currentConfig(), c.logger, c.deliverMessage, c.deliverEvent)
	c.registry = newRegistry(c.pool, c.logger)
	c.publisher = newPublisher(c.pool, c.sp, c.currentConfig(), c.logger)
	c.events = newEventDispatcher(c.ctx, &c.online, c.sp, c.publisher, c.sp.Config().KeepQoS0WhenOffline, c.logger)
	c.reconfig = newReconfigController(c.store, c.pool, c.transport, c.applyConfig, c.logger)

	return c, nil
}

func (c *Client) currentConfig() ManagerConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Client) applyConfig(cfg ManagerConfig) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

func (c *Client) deliverMessage(msg Message, conn *connection) {
	c.registry.Fanout(msg, conn)
}

func (c *Client) deliverEvent(conn *connection, ev ConnectionEvent) {
	c.events.post(conn, ev)
}

// Publish implements §4.8: validate, check the offline-drop policy for QoS
// 0, then enqueue on the spool and kick the publisher.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*PublishFuture, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.store.IsDeviceConfiguredToTalkToCloud() {
		return &PublishFuture{err: ErrNotConfigured}, nil
	}
	if err := filter.ValidatePublish(req.Topic); err != nil {
		return nil, fmt.Errorf("mqttmanager: %w", err)
	}
	cfg := c.currentConfig()
	if cfg.MaxPublishMessageSize > 0 && len(req.Payload) > cfg.MaxPublishMessageSize {
		return nil, ErrPayloadTooLarge
	}

	if !c.online.Load() && req.QoS == AtMostOnce && !c.sp.Config().KeepQoS0WhenOffline {
		return &PublishFuture{err: ErrOfflineDrop}, nil
	}

	entry, err := c.sp.AddMessage(ctx, spool.PublishRequest{
		Topic:   req.Topic,
		Payload: req.Payload,
		QoS:     mqttwire.QoS(req.QoS),
		Retain:  req.Retain,
	})
	if err != nil {
		return &PublishFuture{err: err}, nil
	}

	c.publisher.Start(c.ctx)
	return &PublishFuture{entry: entry}, nil
}

// Subscribe implements §4.4: synchronous, serialized with other
// Subscribe/Unsubscribe calls, returns a handle for a later Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (SubscriptionHandle, error) {
	if c.closed.Load() {
		return SubscriptionHandle{}, ErrClosed
	}
	if req.Callback == nil {
		return SubscriptionHandle{}, fmt.Errorf("mqttmanager: subscribe requires a callback")
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if !c.store.IsDeviceConfiguredToTalkToCloud() {
		c.logger.Info("subscribe no-op, device not configured for cloud", "topic", req.Topic)
		return SubscriptionHandle{}, nil
	}

	id := c.registry.NextCallbackID()
	if err := c.registry.Subscribe(ctx, req.Topic, req.QoS, req.Callback, id); err != nil {
		return SubscriptionHandle{}, err
	}

	h := SubscriptionHandle{topic: req.Topic, id: id}
	c.handlesMu.Lock()
	c.handles[h] = struct{}{}
	c.handlesMu.Unlock()
	return h, nil
}

// Unsubscribe implements §4.4: synchronous, serialized with
// Subscribe/Unsubscribe.
func (c *Client) Unsubscribe(ctx context.Context, h SubscriptionHandle) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.handlesMu.Lock()
	_, ok := c.handles[h]
	delete(c.handles, h)
	c.handlesMu.Unlock()
	if !ok {
		return fmt.Errorf("mqttmanager: unknown subscription handle")
	}

	return c.registry.Unsubscribe(ctx, h.topic, h.id)
}

// Connected reports whether any pool connection is currently connected.
func (c *Client) Connected() bool {
	for _, conn := range c.pool.Snapshot() {
		if conn.State() == Connected {
			return true
		}
	}
	return false
}

// Close implements §4.8: cancel the publisher and reconfiguration
// goroutines, close every connection, and release the spool.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.reconfig.Close()
	c.publisher.Stop()
	c.events.Close()
	c.cancel()

	poolErr := c.pool.Close()
	spoolErr := c.sp.Close()
	if poolErr != nil {
		return poolErr
	}
	return spoolErr
}
