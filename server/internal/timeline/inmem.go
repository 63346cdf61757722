package timeline

import (
	"context"
	"sync"

	"fixdad/server/internal/model"
)

// DefaultMaxEvents 是每个 session 保留的事件上限。
const DefaultMaxEvents = 500

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
// 每个 session 一把锁，不同 session 的写入互不阻塞。
type InMemoryStore struct {
	mu        sync.RWMutex
	logs      map[string]*sessionLog
	maxEvents int
}

type sessionLog struct {
	mu       sync.Mutex
	events   []model.Event
	seq      int64
	eventIDs map[string]int64
}

// NewInMemoryStore 创建存储；maxEvents<=0 时使用 DefaultMaxEvents。
func NewInMemoryStore(maxEvents int) *InMemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &InMemoryStore{
		logs:      make(map[string]*sessionLog),
		maxEvents: maxEvents,
	}
}

func (s *InMemoryStore) log(sessionID string, create bool) *sessionLog {
	s.mu.RLock()
	l := s.logs[sessionID]
	s.mu.RUnlock()
	if l != nil || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.logs[sessionID]; l == nil {
		l = &sessionLog{eventIDs: make(map[string]int64)}
		s.logs[sessionID] = l
	}
	return l
}

// Append 追加事件到 timeline，并为该 session 分配单调递增 seq。
// 副作用：超过上限时丢弃最旧的事件，seq 不回退；相同 EventID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.Event) (int64, error) {
	l := s.log(sessionID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	if evt.EventID != "" {
		if seq, exists := l.eventIDs[evt.EventID]; exists {
			return seq, nil
		}
	}

	l.seq++
	eventCopy := *evt
	eventCopy.Seq = l.seq
	eventCopy.SessionID = sessionID
	l.events = append(l.events, eventCopy)
	if evt.EventID != "" {
		l.eventIDs[evt.EventID] = l.seq
	}

	if over := len(l.events) - s.maxEvents; over > 0 {
		for _, old := range l.events[:over] {
			if old.EventID != "" {
				delete(l.eventIDs, old.EventID)
			}
		}
		l.events = append([]model.Event(nil), l.events[over:]...)
	}
	return l.seq, nil
}

// List 返回某个 session 中 seq > afterSeq 的事件（按 seq 顺序）。
// 兼容性：返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, sessionID string, afterSeq int64) ([]model.Event, error) {
	l := s.log(sessionID, false)
	if l == nil {
		return []model.Event{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Event, 0, len(l.events))
	for _, evt := range l.events {
		if evt.Seq > afterSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}
