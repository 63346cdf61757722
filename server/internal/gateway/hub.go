package gateway

import (
	"sync"
	"time"

	"fixdad/server/internal/config"
	"fixdad/server/internal/model"
	"fixdad/server/internal/voice"

	"go.uber.org/zap"
)

// Hub 维护 sessionID -> 订阅者，把核心的状态变化扇出给所有订阅者。
//
// Hub 同时实现 orchestrator.Notifier、intake.Listener 和 voice.Sink。
// 发布方只做非阻塞入队，不会被慢客户端拖住。
type Hub struct {
	cfg    config.GatewayConfig
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
	seq  map[string]int64
}

// Subscriber 是一个客户端订阅，拥有独立的发送队列。
type Subscriber struct {
	sessionID string
	queue     *OutboundQueue
}

// Stats 返回该订阅者的队列统计。
func (s *Subscriber) Stats() QueueStats { return s.queue.Stats() }

func NewHub(cfg config.GatewayConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.Named("gateway"),
		now:    time.Now,
		subs:   make(map[string]map[*Subscriber]struct{}),
		seq:    make(map[string]int64),
	}
}

// Subscribe 注册一个订阅者，send 在独立协程中串行调用。
func (h *Hub) Subscribe(sessionID string, send SendFunc) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		queue: NewOutboundQueue(h.cfg.QueueSize, h.cfg.WriteTimeout, send,
			h.logger.With(zap.String("session_id", sessionID))),
	}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("subscriber added", zap.String("session_id", sessionID))
	return sub
}

// Unsubscribe 移除订阅者并关闭其队列。
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.sessionID)
			delete(h.seq, sub.sessionID)
		}
	}
	h.mu.Unlock()

	sub.queue.Close()
	h.logger.Debug("subscriber removed", zap.String("session_id", sub.sessionID), zap.Int64("dropped", sub.queue.Stats().Dropped))
}

// Subscribers 返回某个 session 的订阅者数量。
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Publish 给消息编号并投递给该 session 的所有订阅者。没有订阅者时直接丢弃。
// 编号与入队在同一把锁内完成，Enqueue 不阻塞，保证队列里的 seq 有序。
func (h *Hub) Publish(sessionID string, msg *ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[sessionID]
	if len(set) == 0 {
		return
	}
	h.seq[sessionID]++
	msg.Seq = h.seq[sessionID]
	msg.SessionID = sessionID
	if msg.ServerTS.IsZero() {
		msg.ServerTS = h.now()
	}
	for sub := range set {
		_ = sub.queue.Enqueue(msg)
	}
}

// FrameCommitted 实现 intake.Listener。
func (h *Hub) FrameCommitted(sessionID string, result *model.FrameResult) {
	h.Publish(sessionID, &ServerMessage{
		Type:     MessageAnalysis,
		Analysis: result.Analysis,
		Guide:    result.Guide,
	})
}

// GuideChanged 实现 orchestrator.Notifier。暂停且带中断时按 interrupt 推送。
func (h *Hub) GuideChanged(sessionID string, view *model.GuideView) {
	typ := MessageGuide
	if view != nil && view.State != nil && view.State.Status == model.GuidePaused && view.State.Interrupt != nil {
		typ = MessageInterrupt
	}
	h.Publish(sessionID, &ServerMessage{Type: typ, Guide: view})
}

// Narrate 实现 voice.Sink。
func (h *Hub) Narrate(sessionID string, n voice.Narration) {
	h.Publish(sessionID, &ServerMessage{Type: MessageNarration, Narration: &n})
}
