package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 本地开发与移动端 webview 的 Origin 不固定，鉴权由上层负责。
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 把 HTTP 请求升级为 WebSocket 并订阅 sessionID，阻塞到连接关闭。
// 连接是只推不收的：客户端发来的消息都被丢弃，只用于感知断开。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	writeTimeout := h.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultSendTimeout
	}
	sub := h.Subscribe(sessionID, func(_ context.Context, msg *ServerMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		// gorilla 的连接只允许一个并发写者，写入都在队列协程里完成。
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	defer h.Unsubscribe(sub)

	// 超过两个 ping 周期没有 pong 视为断开。
	readWait := 2 * h.pingInterval()
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	done := make(chan struct{})
	go h.pingLoop(conn, writeTimeout, done)
	defer close(done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("client read error", zap.String("session_id", sessionID), zap.Error(err))
			}
			return nil
		}
	}
}

// pingLoop 定期发送 ping 保持连接。WriteControl 可以与 WriteMessage 并发调用。
func (h *Hub) pingLoop(conn *websocket.Conn, writeTimeout time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval <= 0 {
		return 30 * time.Second
	}
	return h.cfg.PingInterval
}
