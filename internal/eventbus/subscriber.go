package eventbus

import (
	"sync"

	"ExtensionHub/pkg/plugin"
)

type delivery struct {
	evt plugin.Event
	wg  *sync.WaitGroup
}

func (d delivery) finish() {
	if d.wg != nil {
		d.wg.Done()
	}
}

func finishAll(ds []delivery) {
	for _, d := range ds {
		d.finish()
	}
}

// subscriber 是一个插件的邮箱。scheduled 为 true 时邮箱在运行队列中或正被处理，
// 此时 idle 在处理结束后关闭。
type subscriber struct {
	name string

	mu        sync.Mutex
	handler   plugin.EventHandler
	topics    map[string]struct{}
	queue     []delivery
	scheduled bool
	idle      chan struct{}
	removed   bool
	failures  int
	degraded  bool
}

func newSubscriber(name string, handler plugin.EventHandler) *subscriber {
	return &subscriber{name: name, handler: handler, topics: make(map[string]struct{})}
}

func (s *subscriber) accepts(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	_, ok := s.topics[eventType]
	return ok
}

// removeLocked 标记订阅者已移除并返回被丢弃的事件。
func (s *subscriber) removeLocked() []delivery {
	s.removed = true
	s.topics = make(map[string]struct{})
	discarded := s.queue
	s.queue = nil
	return discarded
}

func (s *subscriber) discardLocked(eventType string) []delivery {
	var discarded []delivery
	kept := s.queue[:0]
	for _, d := range s.queue {
		if d.evt.Type == eventType {
			discarded = append(discarded, d)
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = delivery{}
	}
	s.queue = kept
	return discarded
}

func (s *subscriber) releaseLocked() {
	s.scheduled = false
	if s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// recordLocked 更新连续失败计数，返回本次是否刚进入降级状态。
func (s *subscriber) recordLocked(failed bool, threshold int) bool {
	if !failed {
		s.failures = 0
		s.degraded = false
		return false
	}
	s.failures++
	if !s.degraded && s.failures >= threshold {
		s.degraded = true
		return true
	}
	return false
}
