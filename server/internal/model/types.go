package model

import "time"

// SessionRecord 是 Session Store 中一个 session 的全部状态。
type SessionRecord struct {
	SessionID string            `json:"session_id"`
	Latest    *AnalysisSnapshot `json:"latest,omitempty"`
	Guide     *GuideState       `json:"guide,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone 返回深拷贝。
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Latest = r.Latest.Clone()
	out.Guide = r.Guide.Clone()
	return &out
}

// IntakeStatus 表示 session 当前是否有分类在途。
type IntakeStatus string

const (
	IntakeIdle      IntakeStatus = "idle"
	IntakeAnalyzing IntakeStatus = "analyzing"
)

// Event 表示时间线中的一个事件。
type Event struct {
	// Seq 由后端分配的单调序号，用于回放与幂等。
	Seq int64 `json:"seq,omitempty"`
	// SessionID 由存储补齐。
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID string `json:"event_id,omitempty"`

	// Type 表示事件类型（analysis_committed/guide_init/guide_next/guide_interrupt/guide_reset）。
	Type string `json:"type"`
	// Outcome 仅 guide_next 事件携带。
	Outcome Outcome `json:"outcome,omitempty"`
	PlanID  string  `json:"plan_id,omitempty"`
	// Step 是事件发生时（转移前）的 current_step。
	Step   int         `json:"step,omitempty"`
	Status GuideStatus `json:"status,omitempty"`
	Text   string      `json:"text,omitempty"`

	ServerTS time.Time `json:"server_ts,omitempty"`
}

const (
	EventAnalysisCommitted = "analysis_committed"
	EventGuideInit         = "guide_init"
	EventGuideNext         = "guide_next"
	EventGuideInterrupt    = "guide_interrupt"
	EventGuideReset        = "guide_reset"
)

// GuideView 是引导会话对客户端的完整视图（plan + state + 提示语）。
type GuideView struct {
	PlanID  string      `json:"plan_id"`
	Title   string      `json:"title"`
	Steps   []Step      `json:"steps"`
	State   *GuideState `json:"state"`
	Current *Step       `json:"current,omitempty"`
	Message string      `json:"message,omitempty"`
}

// FrameResult 是一次成功帧分析的返回值。
type FrameResult struct {
	SessionID string            `json:"session_id"`
	Analysis  *AnalysisSnapshot `json:"analysis"`
	// Guide 为空表示该 session 没有引导会话。
	Guide *GuideView `json:"guide_overlay,omitempty"`
	// Interrupted 表示本帧触发了中断。
	Interrupted bool `json:"interrupted,omitempty"`
}

// Citation 是 RAG 给出的一条引用。
type Citation struct {
	Rank    int      `json:"rank"`
	Score   *float64 `json:"score,omitempty"`
	Excerpt string   `json:"excerpt"`
	Source  string   `json:"source"`
}

// Solution 是 RAG 顾问的结果。
type Solution struct {
	SessionID  string     `json:"session_id"`
	Text       string     `json:"solution_text"`
	Citations  []Citation `json:"citations"`
	FocusQuery string     `json:"focus_query"`
	// Fallback 表示未能基于检索文档生成（检索为空或 LLM 失败）。
	Fallback bool `json:"fallback,omitempty"`
}

// CreateSessionResponse 是创建会话的响应结构体。
type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}
