package mqttmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// pool is an ordered set of connection wrappers, grown lazily when no
// member can accept a new subscription and reclaimed opportunistically so
// idle duplicates do not accumulate after a round of unsubscribes.
type pool struct {
	transport Transport
	cfg       ManagerConfig
	logger    *slog.Logger

	onMessage func(Message, *connection)
	onEvent   func(*connection, ConnectionEvent)

	mu       sync.RWMutex
	conns    []*connection
	nextID   int
	rrCursor int
}

func newPool(transport Transport, cfg ManagerConfig, logger *slog.Logger,
	onMessage func(Message, *connection), onEvent func(*connection, ConnectionEvent)) *pool {
	return &pool{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		onMessage: onMessage,
		onEvent:   onEvent,
	}
}

func (p *pool) newConnectionLocked() *connection {
	p.nextID++
	thingName := p.cfg.ThingName
	if thingName == "" {
		thingName = "mqttmanager"
	}
	// The uuid suffix disambiguates this process's connections from a prior
	// process's still-live session on the broker under the same thing name,
	// since the sequential counter alone resets to 1 on every restart.
	id := fmt.Sprintf("%s-%d-%s", thingName, p.nextID, uuid.New().String()[:8])
	c := newConnection(id, p.transport, p.cfg, p.logger, p.onMessage, p.onEvent)
	p.conns = append(p.conns, c)
	return c
}

// AcquireForSubscribe returns a connection that can accept one more
// subscription, creating one if none can, then reclaims any other idle
// closable connections — always keeping at least one connection alive.
func (p *pool) AcquireForSubscribe(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	var chosen *connection
	for _, c := range p.conns {
		if c.CanAcceptSubscription() {
			chosen = c
			break
		}
	}
	if chosen == nil {
		chosen = p.newConnectionLocked()
	}
	p.mu.Unlock()

	if chosen.State() == Disconnected {
		if err := chosen.Connect(ctx); err != nil {
			return nil, err
		}
	} else if err := chosen.waitConnected(ctx); err != nil {
		return nil, err
	}

	p.reclaimIdleExcept(chosen)
	return chosen, nil
}

// reclaimIdleExcept closes and removes every closable connection other
// than keep, leaving at least keep itself in the pool.
func (p *pool) reclaimIdleExcept(keep *connection) {
	p.mu.Lock()
	var acceptCount int
	for _, c := range p.conns {
		if c.CanAcceptSubscription() {
			acceptCount++
		}
	}
	if acceptCount <= 1 {
		p.mu.Unlock()
		return
	}

	var kept []*connection
	var toClose []*connection
	for _, c := range p.conns {
		if c == keep || !c.IsClosable() {
			kept = append(kept, c)
			continue
		}
		toClose = append(toClose, c)
	}
	p.conns = kept
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.CloseOnShutdown()
	}
}

// AcquireForPublish returns a connection for the publisher loop to publish
// on: one pool member, round-robin, creating one if the pool is empty.
func (p *pool) AcquireForPublish(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	if len(p.conns) == 0 {
		c := p.newConnectionLocked()
		p.mu.Unlock()
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	c := p.conns[p.rrCursor%len(p.conns)]
	p.rrCursor++
	p.mu.Unlock()

	if err := c.waitConnected(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// LeastThrottled scans every pool connection and returns the one with the
// smallest PeekThrottleWait, without consuming any of their tokens. Used
// by the publisher loop to pick where to spend its one real reservation.
func (p *pool) LeastThrottled() *connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.conns) == 0 {
		return nil
	}
	best := p.conns[0]
	bestWait := best.PeekThrottleWait()
	for _, c := range p.conns[1:] {
		if w := c.PeekThrottleWait(); w < bestWait {
			best, bestWait = c, w
		}
	}
	return best
}

// Snapshot returns the current pool members, for callers (the
// reconfiguration controller) that need to iterate without holding the
// pool lock across potentially slow operations.
func (p *pool) Snapshot() []*connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*connection, len(p.conns))
	copy(out, p.conns)
	return out
}

// Len reports how many connections the pool currently holds.
func (p *pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close tears down every connection and empties the pool.
func (p *pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.CloseOnShutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
