package gateway

import (
	"time"

	"fixdad/server/internal/model"
	"fixdad/server/internal/voice"
)

// MessageType 定义了推送给客户端的消息类型
type MessageType string

const (
	MessageAnalysis  MessageType = "analysis"  // 新的帧分析已提交
	MessageGuide     MessageType = "guide"     // 引导状态变化
	MessageInterrupt MessageType = "interrupt" // 引导被中断（暂停）
	MessageNarration MessageType = "narration" // 语音播报
)

// ServerMessage 网关发送给客户端的消息（WebSocket文本帧）
type ServerMessage struct {
	Type      MessageType             `json:"type"`
	Seq       int64                   `json:"seq"` // 同一 session 内单调递增
	SessionID string                  `json:"session_id"`
	Analysis  *model.AnalysisSnapshot `json:"analysis,omitempty"`
	Guide     *model.GuideView        `json:"guide,omitempty"`
	Narration *voice.Narration        `json:"narration,omitempty"` // 音频以 base64 编码
	ServerTS  time.Time               `json:"server_ts"`
}
