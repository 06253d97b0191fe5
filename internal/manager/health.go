package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ExtensionHub/pkg/plugin"
)

// StartHealthMonitor 启动周期性健康检查，重复调用无副作用。
func (m *Manager) StartHealthMonitor(ctx context.Context) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if m.pollCancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.pollCancel = cancel
	m.pollDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				m.CheckHealth(pctx)
			}
		}
	}()
	m.log.Info("健康检查已启动", slog.Duration("interval", m.cfg.HealthInterval))
}

// StopHealthMonitor 停止健康检查并等待当前轮次结束。
func (m *Manager) StopHealthMonitor() {
	m.pollMu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	m.pollMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CheckHealth 对每个 STARTED 插件执行一次探测。连续 FailureThreshold 次
// UNHEALTHY（超时同样计入）后插件进入 FAILED。
func (m *Manager) CheckHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rt := range m.snapshot() {
		if rt.currentState() != plugin.StateStarted {
			continue
		}
		wg.Add(1)
		go func(rt *runtime) {
			defer wg.Done()
			m.probe(ctx, rt)
		}(rt)
	}
	wg.Wait()
}

func (m *Manager) probe(ctx context.Context, rt *runtime) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	h := probeHealth(pctx, rt.handle())
	if ctx.Err() != nil {
		return
	}
	m.recorder.ObserveHealth(rt.name, h.State)
	failures := rt.recordHealth(h, m.now().UTC())
	if h.State != plugin.Unhealthy {
		return
	}
	m.log.Warn("插件健康检查失败",
		slog.String("plugin", rt.name),
		slog.String("message", h.Message),
		slog.Int("consecutive_failures", failures))
	if failures >= m.cfg.FailureThreshold {
		m.failUnhealthy(ctx, rt, h, failures)
	}
}

func probeHealth(ctx context.Context, p plugin.Plugin) plugin.Health {
	ch := make(chan plugin.Health, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- plugin.Health{State: plugin.Unhealthy, Message: fmt.Sprintf("health check panicked: %v", r)}
			}
		}()
		ch <- p.HealthCheck(ctx)
	}()
	select {
	case h := <-ch:
		if ctx.Err() != nil {
			return plugin.Health{State: plugin.Unhealthy, Message: "health check timed out"}
		}
		if h.State == "" {
			h.State = plugin.Unhealthy
		}
		return h
	case <-ctx.Done():
		return plugin.Health{State: plugin.Unhealthy, Message: "health check timed out"}
	}
}

func (m *Manager) failUnhealthy(ctx context.Context, rt *runtime, h plugin.Health, failures int) {
	unlock := m.locks.Lock(rt.name)
	defer unlock()
	if m.lookup(rt.name) != rt || rt.currentState() != plugin.StateStarted {
		return
	}
	m.drain(ctx, rt)
	m.callHookQuietly(ctx, rt, rt.handle().Stop)
	m.cleanupIsolation(rt)

	reason := fmt.Sprintf("%d consecutive unhealthy checks: %s", failures, h.Message)
	m.fail(ctx, rt, errors.New(reason))

	evt := plugin.Event{
		Type:   EventPluginFailed,
		Source: SystemSource,
		Payload: map[string]any{
			"plugin":               rt.name,
			"reason":               h.Message,
			"consecutive_failures": failures,
		},
	}
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.log.Warn("发布插件失败事件失败", slog.String("plugin", rt.name), slog.Any("error", err))
	}
}
