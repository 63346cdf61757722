package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fixdad/server/internal/config"
	"fixdad/server/internal/model"
	"fixdad/server/internal/voice"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []*ServerMessage
}

func (c *collector) send(_ context.Context, msg *ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) snapshot() []*ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ServerMessage(nil), c.msgs...)
}

func testHubConfig() config.GatewayConfig {
	return config.GatewayConfig{PingInterval: time.Second, WriteTimeout: time.Second, QueueSize: 16}
}

func pausedView() *model.GuideView {
	return &model.GuideView{
		PlanID: "plumbing",
		State: &model.GuideState{
			PlanID:    "plumbing",
			Status:    model.GuidePaused,
			Interrupt: &model.Interrupt{Kind: model.InterruptAnalysis, Level: model.DangerHigh, Message: "Shut off the water"},
		},
	}
}

// 场景：同一 session 的多个订阅者都收到消息，seq 单调递增；其他 session 收不到。
func TestHubFanOutPerSession(t *testing.T) {
	h := NewHub(testHubConfig(), nil)
	a, b, other := &collector{}, &collector{}, &collector{}
	subA := h.Subscribe("s1", a.send)
	subB := h.Subscribe("s1", b.send)
	subO := h.Subscribe("s2", other.send)
	defer h.Unsubscribe(subA)
	defer h.Unsubscribe(subB)
	defer h.Unsubscribe(subO)

	h.FrameCommitted("s1", &model.FrameResult{SessionID: "s1", Analysis: &model.AnalysisSnapshot{DangerLevel: model.DangerLow}})
	h.GuideChanged("s1", &model.GuideView{PlanID: "plumbing", State: &model.GuideState{Status: model.GuideActive}})
	h.GuideChanged("s1", pausedView())
	h.Narrate("s1", voice.Narration{Bucket: voice.BucketDanger, Text: "Careful", Audio: []byte("x")})

	waitFor(t, func() bool { return len(a.snapshot()) == 4 && len(b.snapshot()) == 4 })

	msgs := a.snapshot()
	types := []MessageType{MessageAnalysis, MessageGuide, MessageInterrupt, MessageNarration}
	for i, m := range msgs {
		assert.Equal(t, types[i], m.Type)
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, "s1", m.SessionID)
	}
	assert.Empty(t, other.snapshot())
	assert.Equal(t, 2, h.Subscribers("s1"))
}

// 场景：多个 goroutine 并发发布时，订阅者收到的 seq 仍按顺序递增。
func TestHubConcurrentPublishKeepsSeqOrder(t *testing.T) {
	cfg := testHubConfig()
	cfg.QueueSize = 1024
	h := NewHub(cfg, nil)
	c := &collector{}
	sub := h.Subscribe("s1", c.send)
	defer h.Unsubscribe(sub)

	const publishers, perPublisher = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				h.Narrate("s1", voice.Narration{Bucket: voice.BucketPending, Text: "keep going"})
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return len(c.snapshot()) == publishers*perPublisher })
	for i, m := range c.snapshot() {
		require.Equal(t, int64(i+1), m.Seq)
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	h := NewHub(testHubConfig(), nil)
	h.GuideChanged("nobody", pausedView())
	assert.Equal(t, 0, h.Subscribers("nobody"))
}

// 场景：通过真实 WebSocket 连接订阅，推送的 JSON 能被客户端解析；断开后订阅被清理。
func TestHubServeWebSocket(t *testing.T) {
	h := NewHub(testHubConfig(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Serve(w, r, "s1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	waitFor(t, func() bool { return h.Subscribers("s1") == 1 })
	h.GuideChanged("s1", pausedView())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageInterrupt, msg.Type)
	assert.Equal(t, int64(1), msg.Seq)
	require.NotNil(t, msg.Guide)
	assert.Equal(t, "Shut off the water", msg.Guide.State.Interrupt.Message)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()
	waitFor(t, func() bool { return h.Subscribers("s1") == 0 })
}
