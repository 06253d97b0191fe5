package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/pkg/plugin"
)

// enqueue 将事件放入订阅者邮箱。订阅者已移除或未订阅该类型时返回 false。
func (b *Bus) enqueue(sub *subscriber, d delivery) bool {
	sub.mu.Lock()
	if sub.removed {
		sub.mu.Unlock()
		d.finish()
		return false
	}
	if _, ok := sub.topics[d.evt.Type]; !ok {
		sub.mu.Unlock()
		d.finish()
		return false
	}
	var dropped *delivery
	if len(sub.queue) >= b.cfg.QueueSize {
		oldest := sub.queue[0]
		sub.queue[0] = delivery{}
		sub.queue = sub.queue[1:]
		dropped = &oldest
	}
	sub.queue = append(sub.queue, d)
	schedule := !sub.scheduled
	if schedule {
		sub.scheduled = true
		sub.idle = make(chan struct{})
	}
	sub.mu.Unlock()

	if dropped != nil {
		dropped.finish()
		b.overflow(sub.name, dropped.evt)
	}
	if schedule {
		b.schedule(sub)
	}
	return true
}

func (b *Bus) overflow(name string, evt plugin.Event) {
	b.stats.dropped.Add(1)
	b.recorder.ObserveDrop(name, evt.Type)
	err := xerrors.New(xerrors.CodeQueueOverflow, "subscriber queue full, dropped oldest event",
		xerrors.WithMetadata("plugin", name))
	b.log.Warn("订阅者邮箱溢出，丢弃最旧事件",
		slog.String("plugin", name),
		slog.String("event_type", evt.Type),
		slog.String("event_id", evt.ID),
		slog.Int("queue_size", b.cfg.QueueSize))
	b.audit.Warn("event_dropped",
		slog.String("plugin", name),
		slog.String("event_type", evt.Type),
		slog.String("event_id", evt.ID),
		slog.String("code", string(xerrors.CodeOf(err))))
}

func (b *Bus) schedule(sub *subscriber) {
	b.runMu.Lock()
	b.runq = append(b.runq, sub)
	b.runMu.Unlock()
	b.runCond.Signal()
}

func (b *Bus) next() *subscriber {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	for len(b.runq) == 0 && !b.stopping {
		b.runCond.Wait()
	}
	if len(b.runq) == 0 {
		return nil
	}
	sub := b.runq[0]
	b.runq[0] = nil
	b.runq = b.runq[1:]
	return sub
}

func (b *Bus) worker() {
	defer b.workers.Done()
	for {
		sub := b.next()
		if sub == nil {
			return
		}
		b.drain(sub)
	}
}

// drain 处理一个邮箱，最多 BatchSize 个事件后让出，以免单个繁忙订阅者占满工作协程。
func (b *Bus) drain(sub *subscriber) {
	for i := 0; i < b.cfg.BatchSize; i++ {
		sub.mu.Lock()
		if sub.removed || len(sub.queue) == 0 {
			sub.releaseLocked()
			sub.mu.Unlock()
			return
		}
		d := sub.queue[0]
		sub.queue[0] = delivery{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()
		b.dispatch(sub, d)
	}
	sub.mu.Lock()
	if sub.removed || len(sub.queue) == 0 {
		sub.releaseLocked()
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()
	b.schedule(sub)
}

func (b *Bus) dispatch(sub *subscriber, d delivery) {
	defer d.finish()
	evt := d.evt
	if !sub.accepts(evt.Type) || (b.gate != nil && !b.gate(sub.name)) {
		b.stats.skipped.Add(1)
		b.recorder.ObserveDispatch(sub.name, evt.Type, OutcomeSkipped, 0)
		return
	}
	sub.mu.Lock()
	handler := sub.handler
	sub.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()
	start := time.Now()
	err := invoke(ctx, handler, evt)
	elapsed := time.Since(start)

	sub.mu.Lock()
	degradedNow := sub.recordLocked(err != nil, b.cfg.FailureThreshold)
	failures := sub.failures
	sub.mu.Unlock()

	if err == nil {
		b.stats.delivered.Add(1)
		b.recorder.ObserveDispatch(sub.name, evt.Type, OutcomeDelivered, elapsed)
		return
	}

	outcome := OutcomeFailed
	if xerrors.HasCode(err, xerrors.CodeDispatchTimeout) {
		outcome = OutcomeTimeout
		b.stats.timedOut.Add(1)
	} else {
		b.stats.failed.Add(1)
	}
	b.recorder.ObserveDispatch(sub.name, evt.Type, outcome, elapsed)
	b.audit.Warn("event_dispatch_failed",
		slog.String("plugin", sub.name),
		slog.String("event_type", evt.Type),
		slog.String("event_id", evt.ID),
		slog.String("outcome", outcome),
		slog.Any("error", err))
	if degradedNow {
		b.log.Warn("订阅者连续投递失败，标记为降级",
			slog.String("plugin", sub.name),
			slog.Int("failures", failures))
	}
}

// invoke 调用处理函数，捕获 panic 并在超时后放弃等待。
func invoke(ctx context.Context, handler plugin.EventHandler, evt plugin.Event) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("event handler panic: %v", r)
			}
		}()
		done <- handler.HandleEvent(ctx, evt)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeDispatchTimeout, ctx.Err(), "event handler timed out",
			xerrors.WithMetadata("event_type", evt.Type))
	}
}
