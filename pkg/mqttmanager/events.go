package mqttmanager

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// connEvent pairs a ConnectionEvent with the connection it arrived on, so
// the dispatcher can attribute it without the transport holding a
// back-pointer into the facade.
type connEvent struct {
	conn *connection
	ev   ConnectionEvent
}

// eventDispatcher drains the channel every connection's pump forwards its
// ConnectionEvents onto, and invokes OnInterrupted/OnResumed. It is the
// single goroutine the spec's §4.6 calls for, so the wire transport never
// calls back into the facade directly.
type eventDispatcher struct {
	ctx    context.Context
	ch     chan connEvent
	online *atomic.Bool
	sp     spoolPurger
	pub    *publisher
	logger *slog.Logger

	keepQoS0WhenOffline bool

	done chan struct{}
}

// spoolPurger is the slice of spool.Spool the event handler needs. Kept
// narrow so events.go does not need to import pkg/spool's full interface
// surface for a one-method dependency.
type spoolPurger interface {
	PopAllQoS0() int
}

func newEventDispatcher(ctx context.Context, online *atomic.Bool, sp spoolPurger, pub *publisher, keepQoS0 bool, logger *slog.Logger) *eventDispatcher {
	d := &eventDispatcher{
		ctx:                 ctx,
		ch:                  make(chan connEvent, 32),
		online:              online,
		sp:                  sp,
		pub:                 pub,
		logger:              logger.With("component", "events"),
		keepQoS0WhenOffline: keepQoS0,
		done:                make(chan struct{}),
	}
	go d.run()
	return d
}

// post is the callback wired into every connection wrapper's onEvent hook.
func (d *eventDispatcher) post(c *connection, ev ConnectionEvent) {
	select {
	case d.ch <- connEvent{conn: c, ev: ev}:
	case <-d.done:
	}
}

func (d *eventDispatcher) run() {
	for {
		select {
		case ev := <-d.ch:
			switch ev.ev.Kind {
			case Interrupted:
				d.onInterrupted(ev.ev.Code)
			case Resumed:
				d.onResumed(ev.ev.SessionPresent)
			}
		case <-d.done:
			return
		}
	}
}

// onInterrupted implements §4.6: go offline, and purge QoS 0 spool entries
// unless the spool is configured to keep them while offline.
func (d *eventDispatcher) onInterrupted(code int) {
	d.online.Store(false)
	d.logger.Warn("connection interrupted", "code", code)
	if !d.keepQoS0WhenOffline {
		n := d.sp.PopAllQoS0()
		if n > 0 {
			d.logger.Info("purged QoS 0 entries on disconnect", "count", n)
		}
	}
}

// onResumed implements §4.6: go online and kick the publisher loop.
func (d *eventDispatcher) onResumed(sessionPresent bool) {
	d.online.Store(true)
	d.logger.Info("connection resumed", "session_present", sessionPresent)
	d.pub.Start(d.ctx)
}

// Close signals run() to stop and returns without waiting for it to exit.
// d.ch is never closed:
// post() may still be racing a send against it from a connection's own
// goroutine, and closing it would make that send panic.
func (d *eventDispatcher) Close() {
	close(d.done)
}
