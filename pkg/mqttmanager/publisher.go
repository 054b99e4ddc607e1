package mqttmanager

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetedge/mqttmanager/pkg/spool"
)

// publishResult is what an in-flight publish attempt's own goroutine
// reports once it completes — the Go analogue of "the completion action
// runs off the transport's own goroutine", since Go has no .whenComplete
// chaining for the loop to attach to.
type publishResult struct {
	id  uint64
	err error
}

// publisher is the single worker that drains the spool: it waits for an
// in-flight publish slot, picks the least-throttled connection, pops the
// next spool entry, and dispatches the publish on its own goroutine,
// which reports its outcome back via finishCommon.
type publisher struct {
	pool   *pool
	sp     spool.Spool
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newPublisher(p *pool, sp spool.Spool, cfg ManagerConfig, logger *slog.Logger) *publisher {
	pub := &publisher{
		pool:   p,
		sp:     sp,
		cfg:    cfg,
		logger: logger.With("component", "publisher"),
	}
	pub.cond = sync.NewCond(&pub.mu)
	return pub
}

func maxInFlightOrOne(cfg ManagerConfig) int {
	if cfg.MaxInFlightPublishes <= 0 {
		return 1
	}
	return cfg.MaxInFlightPublishes
}

// Start launches the worker if it is not already running. Idempotent: if
// the loop's context hasn't been canceled, a second Start is a no-op.
func (p *publisher) Start(parent context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the worker and waits for it to exit.
func (p *publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	<-p.done
}

func (p *publisher) run(ctx context.Context) {
	defer close(p.done)
	defer p.running.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		for p.inFlight >= maxInFlightOrOne(p.cfg) {
			p.cond.Wait()
			if ctx.Err() != nil {
				p.mu.Unlock()
				return
			}
		}
		p.mu.Unlock()

		conn := p.pool.LeastThrottled()
		var wait time.Duration
		if conn == nil {
			var err error
			conn, err = p.pool.AcquireForPublish(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("acquire connection for publish failed", "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
		} else {
			wait = conn.ThrottlingWait()
		}
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		id, err := p.sp.PopID(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("spool PopID failed", "error", err)
			continue
		}

		entry, err := p.sp.GetMessageByID(id)
		if err != nil {
			// The entry vanished between PopID and GetMessageByID — already
			// removed by a previous attempt's completion racing this pop.
			continue
		}

		p.mu.Lock()
		p.inFlight++
		p.mu.Unlock()

		go p.attempt(ctx, conn, id, entry)
	}
}

// attempt performs one publish on its own goroutine and hands the outcome
// to finishCommon once the broker round trip completes.
func (p *publisher) attempt(ctx context.Context, conn *connection, id uint64, entry spool.Entry) {
	err := conn.Publish(ctx, entry.Request.Topic, entry.Request.Payload,
		QoS(entry.Request.QoS), entry.Request.Retain)
	p.finishCommon(publishResult{id: id, err: err})
}

func (p *publisher) finishCommon(res publishResult) {
	if res.err == nil {
		if err := p.sp.RemoveMessageByID(res.id); err != nil {
			p.logger.Warn("remove acknowledged spool entry failed", "id", res.id, "error", err)
		}
	} else {
		entry, err := p.sp.IncrementRetry(res.id)
		if err != nil {
			// Already removed by a concurrent successful retry; nothing
			// left to requeue.
			p.decrementInFlight()
			return
		}
		// entry.Retried is the post-increment count; compare the count this
		// attempt saw going in, matching a getAndIncrement check.
		retriedBefore := int(entry.Retried) - 1
		maxRetry := p.cfg.MaxPublishRetry
		if maxRetry == -1 || retriedBefore < maxRetry {
			p.sp.AddID(res.id)
		} else {
			// Retries exhausted: leave the entry in the spool untouched.
			// Neither removeMessageById nor addId runs, so the message is
			// dropped from delivery without being requeued or reclaimed.
			p.logger.Error("publish retries exhausted, dropping", "id", res.id, "topic", entry.Request.Topic)
		}
	}
	p.decrementInFlight()
}

func (p *publisher) decrementInFlight() {
	p.mu.Lock()
	p.inFlight--
	p.cond.Broadcast()
	p.mu.Unlock()
}
