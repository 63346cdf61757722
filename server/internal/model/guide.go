package model

import (
	"sort"
	"time"
)

// Step 是引导计划中的一步。StepID 从 1 开始且连续。
type Step struct {
	StepID       int    `json:"step_id" yaml:"-"`
	Title        string `json:"title" yaml:"title"`
	Instruction  string `json:"instruction" yaml:"instruction"`
	SafetyNote   string `json:"safety_note,omitempty" yaml:"safety_note"`
	CheckHint    string `json:"check_hint,omitempty" yaml:"check_hint"`
	IsDangerStep bool   `json:"is_danger_step" yaml:"is_danger_step"`
	// IsCheckpoint 标记安全恢复点，flushed_again 会回到最早的那个。
	IsCheckpoint bool `json:"is_checkpoint,omitempty" yaml:"is_checkpoint"`
}

// GuidePlan 是从目录中选出的固定步骤序列，选定后不可变。
type GuidePlan struct {
	ID       string `json:"plan_id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Category string `json:"category,omitempty" yaml:"category"`
	Fixture  string `json:"fixture,omitempty" yaml:"fixture"`
	Steps    []Step `json:"steps" yaml:"steps"`
}

// Step 返回指定 step_id 的步骤。
func (p *GuidePlan) Step(id int) (Step, bool) {
	if p == nil || id < 1 || id > len(p.Steps) {
		return Step{}, false
	}
	return p.Steps[id-1], true
}

// Checkpoint 返回最早的恢复点，未标记时为第 1 步。
func (p *GuidePlan) Checkpoint() int {
	for _, s := range p.Steps {
		if s.IsCheckpoint {
			return s.StepID
		}
	}
	return 1
}

// GuideStatus 引导会话状态机的状态。
type GuideStatus string

const (
	GuideActive GuideStatus = "active"
	GuidePaused GuideStatus = "paused"
	GuideDone   GuideStatus = "done"
)

// Outcome 是用户对当前步骤的反馈。
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomeStill        Outcome = "still"
	OutcomeFlushedAgain Outcome = "flushed_again"
	OutcomeDanger       Outcome = "danger"
	OutcomeSkip         Outcome = "skip"
)

// Valid 判断 outcome 是否属于已知集合。
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeDone, OutcomeStill, OutcomeFlushedAgain, OutcomeDanger, OutcomeSkip:
		return true
	}
	return false
}

// InterruptKind 区分中断来源。
type InterruptKind string

const (
	// InterruptAnalysis 由新到达的帧分析触发。
	InterruptAnalysis InterruptKind = "analysis"
	// InterruptDanger 由用户上报 danger 触发。
	InterruptDanger InterruptKind = "danger"
	// InterruptEscalation 由同一步骤反复失败触发。
	InterruptEscalation InterruptKind = "escalation"
)

// Interrupt 是注入到引导会话中的暂停条件，确认后清除。
type Interrupt struct {
	Kind            InterruptKind `json:"kind"`
	Level           DangerLevel   `json:"level"`
	Message         string        `json:"message"`
	RequiresShutoff bool          `json:"requires_shutoff"`
	RequiresReset   bool          `json:"requires_reset,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Focus 是引导会话创建时截取的上下文，之后不变。
type Focus struct {
	Fixture   string `json:"fixture"`
	Location  string `json:"location"`
	IssueName string `json:"issue_name"`
	Category  string `json:"category"`
}

// GuideState 是一个 session 在引导计划中的实时进度。
type GuideState struct {
	PlanID      string      `json:"plan_id"`
	CurrentStep int         `json:"current_step"`
	Status      GuideStatus `json:"status"`
	Focus       Focus       `json:"focus"`
	Interrupt   *Interrupt  `json:"interrupt,omitempty"`

	// CompletedSteps 只增不减（flushed_again 回退除外）。
	CompletedSteps map[int]bool `json:"completed_steps"`
	// SkippedSteps 仅用于审计，不计入完成。
	SkippedSteps   map[int]bool `json:"skipped_steps,omitempty"`
	FailedAttempts map[int]int  `json:"failed_attempts"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Completed 返回升序排列的已完成步骤。
func (g *GuideState) Completed() []int {
	return sortedKeys(g.CompletedSteps)
}

// Skipped 返回升序排列的已跳过步骤。
func (g *GuideState) Skipped() []int {
	return sortedKeys(g.SkippedSteps)
}

// Clone 返回深拷贝。
func (g *GuideState) Clone() *GuideState {
	if g == nil {
		return nil
	}
	out := *g
	out.CompletedSteps = make(map[int]bool, len(g.CompletedSteps))
	for k, v := range g.CompletedSteps {
		out.CompletedSteps[k] = v
	}
	out.SkippedSteps = make(map[int]bool, len(g.SkippedSteps))
	for k, v := range g.SkippedSteps {
		out.SkippedSteps[k] = v
	}
	out.FailedAttempts = make(map[int]int, len(g.FailedAttempts))
	for k, v := range g.FailedAttempts {
		out.FailedAttempts[k] = v
	}
	if g.Interrupt != nil {
		in := *g.Interrupt
		out.Interrupt = &in
	}
	return &out
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k, ok := range m {
		if ok {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}
