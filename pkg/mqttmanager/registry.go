package mqttmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fleetedge/mqttmanager/pkg/filter"
	"github.com/fleetedge/mqttmanager/pkg/trie"
)

// Callback is a local subscriber's message handler. A panic or error
// inside one Callback must never prevent delivery to the others — see
// Fanout.
type Callback func(Message)

// localSub is the registry's key for a local subscription: the triple
// (topic filter, qos, callback identity) the spec calls out as the
// identity of a local subscription. Two subscribers on the same filter
// with different callbacks are distinct entries, hence callbackID rather
// than the Callback value itself (funcs are not comparable).
type localSub struct {
	topic      string
	qos        QoS
	callbackID uint64
}

// brokerSub is one entry of B: an active broker-side filter and the
// connection that owns it.
type brokerSub struct {
	filter string
	conn   *connection
}

// registry maps local subscribers to their bound connection (L) and active
// broker-side filters to the connection that owns them (B), performing the
// "first superset wins" consolidation the spec requires.
type registry struct {
	pool   *pool
	logger *slog.Logger

	mu        sync.RWMutex
	l         map[localSub]*brokerSub
	callbacks map[localSub]Callback
	b         map[string]*brokerSub
	idx       *trie.Trie[*brokerSub]
	nextCBID  uint64
}

func newRegistry(p *pool, logger *slog.Logger) *registry {
	return &registry{
		pool:      p,
		logger:    logger,
		l:         make(map[localSub]*brokerSub),
		callbacks: make(map[localSub]Callback),
		b:         make(map[string]*brokerSub),
		idx:       trie.New[*brokerSub](),
	}
}

// NextCallbackID hands out a unique identity for a Callback, used by the
// facade to build the localSub key.
func (r *registry) NextCallbackID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextCBID++
	return r.nextCBID
}

// triePath turns an MQTT topic filter into the trie's '/'-rooted path
// convention.
func triePath(topic string) string {
	return "/" + topic
}

// findSuperset returns the B entry that is a superset of (or equal to)
// topic, or nil. The trie gives an O(levels) fast path for the common case
// of a concrete topic matching a stored wildcard filter; the linear scan
// beneath it is the correctness fallback for shapes the trie's exact/+/#
// matching does not resolve on its own (e.g. the queried topic itself
// contains wildcards), which is fine at the expected scale of tens to
// low-hundreds of broker-side filters.
func (r *registry) findSuperset(topic string) *brokerSub {
	if _, v, ok := r.idx.Match(triePath(topic)); ok && v != nil && filter.IsSupersetOf((*v).filter, topic) {
		return *v
	}
	for f, e := range r.b {
		if filter.IsSupersetOf(f, topic) {
			return e
		}
	}
	return nil
}

// Subscribe implements §4.4: bind to an existing covering broker
// subscription if one exists, otherwise acquire a connection and issue a
// new broker SUBSCRIBE.
func (r *registry) Subscribe(ctx context.Context, topic string, qos QoS, cb Callback, cbID uint64) error {
	if err := filter.ValidateSubscribe(topic); err != nil {
		return fmt.Errorf("mqttmanager: %w", err)
	}

	r.mu.Lock()
	key := localSub{topic: topic, qos: qos, callbackID: cbID}
	if e := r.findSuperset(topic); e != nil {
		r.l[key] = e
		r.callbacks[key] = cb
		r.mu.Unlock()
		r.logger.Debug("subscribe bound to existing filter", "topic", topic, "filter", e.filter)
		return nil
	}
	r.mu.Unlock()

	conn, err := r.pool.AcquireForSubscribe(ctx)
	if err != nil {
		return fmt.Errorf("mqttmanager: acquire connection for subscribe: %w", err)
	}

	if err := conn.Subscribe(ctx, topic, qos); err != nil {
		return fmt.Errorf("mqttmanager: subscribe %q: %w", topic, err)
	}

	r.mu.Lock()
	e := &brokerSub{filter: topic, conn: conn}
	r.b[topic] = e
	if err := r.idx.SetValue(triePath(topic), e); err != nil {
		r.logger.Warn("trie index update failed, falling back to linear scan", "topic", topic, "error", err)
	}
	r.l[key] = e
	r.callbacks[key] = cb
	r.mu.Unlock()
	return nil
}

// Unsubscribe implements §4.4: drop the matching L entries, then retire any
// B entry left with no covering L entry, rebinding any L entries that were
// on that connection to a remaining superset if one exists.
func (r *registry) Unsubscribe(ctx context.Context, topic string, cbID uint64) error {
	r.mu.Lock()
	for k := range r.l {
		if k.topic == topic && k.callbackID == cbID {
			delete(r.l, k)
			delete(r.callbacks, k)
		}
	}

	var dead []*brokerSub
	for f, e := range r.b {
		covered := false
		for k := range r.l {
			if filter.IsSupersetOf(f, k.topic) {
				covered = true
				break
			}
		}
		if !covered {
			dead = append(dead, e)
		}
	}
	r.mu.Unlock()

	for _, e := range dead {
		if err := e.conn.Unsubscribe(ctx, e.filter); err != nil {
			r.logger.Warn("broker unsubscribe failed", "filter", e.filter, "error", err)
			continue
		}

		r.mu.Lock()
		delete(r.b, e.filter)
		r.idx.Delete(triePath(e.filter))

		for k, bound := range r.l {
			if bound.conn != e.conn {
				continue
			}
			if !filter.IsSupersetOf(e.filter, k.topic) {
				continue
			}
			if rebind := r.findSuperset(k.topic); rebind != nil {
				r.l[k] = rebind
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// Fanout implements §4.4's delivery rule: prefer local subscriptions bound
// to the connection the message arrived on; fall back to any covering
// subscription (the broker sometimes routes a response back on the
// requesting connection rather than the subscribing one); drop and log if
// nothing matches.
func (r *registry) Fanout(msg Message, arrivingConn *connection) {
	r.mu.RLock()
	var onArriving []Callback
	var anyMatch []Callback
	for k, e := range r.l {
		if !filter.IsSupersetOf(k.topic, msg.Topic) {
			continue
		}
		cb := r.callbacks[k]
		if cb == nil {
			continue
		}
		anyMatch = append(anyMatch, cb)
		if e.conn == arrivingConn {
			onArriving = append(onArriving, cb)
		}
	}
	r.mu.RUnlock()

	targets := onArriving
	if len(targets) == 0 {
		targets = anyMatch
		if len(targets) > 0 {
			r.logger.Info("message delivered via non-owning connection", "topic", msg.Topic)
		}
	}
	if len(targets) == 0 {
		r.logger.Debug("no local subscriber for inbound message, dropped", "topic", msg.Topic)
		return
	}

	for _, cb := range targets {
		r.safeDeliver(cb, msg)
	}
}

func (r *registry) safeDeliver(cb Callback, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber callback panicked", "topic", msg.Topic, "panic", rec)
		}
	}()
	cb(msg)
}
