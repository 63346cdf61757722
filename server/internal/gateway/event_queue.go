package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueClosed = errors.New("outbound queue closed")
	ErrQueueFull   = errors.New("outbound queue full")
)

// SendFunc 把一条消息写到客户端。
type SendFunc func(ctx context.Context, msg *ServerMessage) error

// OutboundQueue 为单个订阅者串行发送消息。
// 队列满时直接丢弃新消息（背压控制），慢客户端不会拖住发布方。
type OutboundQueue struct {
	send    SendFunc
	ch      chan *queuedMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *zap.Logger

	// 统计信息
	mu        sync.Mutex
	total     int64
	sent      int64
	dropped   int64
	failed    int64
	closeOnce sync.Once
}

type queuedMessage struct {
	msg       *ServerMessage
	timestamp time.Time
}

const (
	defaultQueueCapacity = 64
	defaultSendTimeout   = 10 * time.Second
)

// NewOutboundQueue 创建队列并启动发送协程。
func NewOutboundQueue(capacity int, timeout time.Duration, send SendFunc, logger *zap.Logger) *OutboundQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &OutboundQueue{
		send:    send,
		ch:      make(chan *queuedMessage, capacity),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Enqueue 非阻塞入队。
func (q *OutboundQueue) Enqueue(msg *ServerMessage) error {
	select {
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- &queuedMessage{msg: msg, timestamp: time.Now()}:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("queue full, dropping message", zap.String("type", string(msg.Type)), zap.Int64("seq", msg.Seq))
		return ErrQueueFull
	}
}

func (q *OutboundQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case m := <-q.ch:
			q.deliver(m)
		}
	}
}

func (q *OutboundQueue) deliver(m *queuedMessage) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	err := q.send(ctx, m.msg)

	q.mu.Lock()
	if err != nil {
		q.failed++
	} else {
		q.sent++
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Debug("send failed", zap.String("type", string(m.msg.Type)), zap.Duration("queue_latency", time.Since(m.timestamp)), zap.Error(err))
	}
}

// Close 停止发送协程，未发送的消息被丢弃。可重复调用。
func (q *OutboundQueue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		s := q.Stats()
		q.logger.Debug("queue closed",
			zap.Int64("total", s.Total), zap.Int64("sent", s.Sent),
			zap.Int64("dropped", s.Dropped), zap.Int("pending", s.Pending))
	})
}

// QueueStats 是队列统计信息。
type QueueStats struct {
	Total    int64 `json:"total"`
	Sent     int64 `json:"sent"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Pending  int   `json:"pending"`
	Capacity int   `json:"capacity"`
}

func (q *OutboundQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Total:    q.total,
		Sent:     q.sent,
		Dropped:  q.dropped,
		Failed:   q.failed,
		Pending:  len(q.ch),
		Capacity: cap(q.ch),
	}
}
