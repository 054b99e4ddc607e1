package mqttmanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetedge/mqttmanager/pkg/deviceconfig"
)

// reconfigDebounce is how long the controller waits after the last
// matching change before reconnecting, coalescing a burst of edits (e.g. a
// provisioning flow writing several fields in sequence) into one
// reconnect pass.
const reconfigDebounce = time.Second

// transportReloader is implemented by a Transport whose dial parameters and
// TLS context can be rebuilt in place (the default wiretransport.Transport
// does). Transports that don't need reloading simply don't implement it.
type transportReloader interface {
	Reload(ManagerConfig) error
}

// reconfigController subscribes to the device configuration store's
// change stream and drives a reconnect of every pool connection whenever
// a change to cloud identity or transport material is detected, debounced
// so a burst of edits only triggers one reconnect pass.
type reconfigController struct {
	store     deviceconfig.Store
	pool      *pool
	transport Transport
	logger    *slog.Logger

	// updateConfig re-derives ManagerConfig from the store and applies any
	// clamps to the components that hold a copy of it (the pool's
	// connections read cfg at construction; reconfiguration re-snapshots
	// it for newly (re)connected connections going forward).
	updateConfig func(ManagerConfig)

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
}

func newReconfigController(store deviceconfig.Store, p *pool, transport Transport, updateConfig func(ManagerConfig), logger *slog.Logger) *reconfigController {
	c := &reconfigController{
		store:        store,
		pool:         p,
		transport:    transport,
		logger:       logger.With("component", "reconfig"),
		updateConfig: updateConfig,
		done:         make(chan struct{}),
	}
	go c.watch()
	return c
}

// watchedPrefixes returns the node paths whose descendants mandate a
// reconnect, per §4.7. Region only qualifies when a proxy is configured.
func (c *reconfigController) watchedPrefixes() [][]string {
	prefixes := [][]string{
		{"mqtt"},
		{"thingName"},
		{"iotDataEndpoint"},
		{"privateKeyPath"},
		{"certificatePath"},
		{"rootCaPath"},
	}
	if c.store.ProxyConfigured() {
		prefixes = append(prefixes, []string{"region"})
	}
	return prefixes
}

func isDescendant(node, prefix []string) bool {
	if len(node) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if node[i] != p {
			return false
		}
	}
	return true
}

func (c *reconfigController) matches(change deviceconfig.ConfigChange) bool {
	switch change.Kind {
	case deviceconfig.TimestampUpdated, deviceconfig.InteriorAdded:
		return false
	}
	if change.Node == nil {
		return false
	}
	for _, prefix := range c.watchedPrefixes() {
		if isDescendant(change.Node, prefix) {
			return true
		}
	}
	return false
}

func (c *reconfigController) watch() {
	for {
		select {
		case change, ok := <-c.store.Changes():
			if !ok {
				return
			}
			if c.matches(change) {
				c.schedule()
			}
		case <-c.done:
			return
		}
	}
}

// schedule debounces matching changes: a new match cancels the pending
// task and schedules a fresh one reconfigDebounce out.
func (c *reconfigController) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(reconfigDebounce, c.fire)
}

// fire implements the debounce-expiry steps of §4.7: re-derive config,
// then treat every pool connection as broken and drive reconnects until
// all succeed or the controller is closed.
func (c *reconfigController) fire() {
	cfg := NewManagerConfig(c.store)
	c.updateConfig(cfg)

	if r, ok := c.transport.(transportReloader); ok {
		if err := r.Reload(cfg); err != nil {
			c.logger.Error("transport reload failed", "error", err)
		}
	}
	c.logger.Info("reconfiguration applied", "thing_name", cfg.ThingName)

	broken := make(map[*connection]struct{})
	for _, conn := range c.pool.Snapshot() {
		broken[conn] = struct{}{}
	}

	ctx := context.Background()
	for len(broken) > 0 {
		select {
		case <-c.done:
			return
		default:
		}
		for conn := range broken {
			if err := conn.Reconnect(ctx); err != nil {
				c.logger.Warn("reconnect failed, will retry", "error", err)
				continue
			}
			delete(broken, conn)
		}
		if len(broken) > 0 {
			time.Sleep(time.Second)
		}
	}
}

// Close stops watching the change stream and cancels any pending debounce
// task.
func (c *reconfigController) Close() {
	close(c.done)
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
}
