package model

import (
	"sort"
	"time"
)

// DangerLevel 危险等级，由分类器给出。
type DangerLevel string

const (
	DangerLow    DangerLevel = "low"
	DangerMedium DangerLevel = "medium"
	DangerHigh   DangerLevel = "high"
)

// Severity 返回可比较的等级数值，未知值视为 low。
func (d DangerLevel) Severity() int {
	switch d {
	case DangerHigh:
		return 2
	case DangerMedium:
		return 1
	default:
		return 0
	}
}

// Issue 是分类器给出的一个候选问题。
type Issue struct {
	Rank            int      `json:"rank"`
	Name            string   `json:"name"`
	SuspectedCause  string   `json:"suspected_cause"`
	Confidence      float64  `json:"confidence"`
	MatchedSymptoms []string `json:"matched_symptoms"`
	Category        string   `json:"category"`
}

// AnalysisSnapshot 是一帧图像的分类结果。
//
// 约定：创建后不可变，只会被同 session 的下一个快照整体替换。
type AnalysisSnapshot struct {
	Issues      []Issue     `json:"issues"`
	DangerLevel DangerLevel `json:"danger_level"`

	NoIssueDetected  bool `json:"no_issue_detected"`
	HumanPresent     bool `json:"human_present"`
	RepairInProgress bool `json:"repair_in_progress"`

	RequiresShutoff    bool `json:"requires_shutoff"`
	WaterPresent       bool `json:"water_present"`
	ProfessionalNeeded bool `json:"professional_needed"`

	Location         string   `json:"location"`
	Fixture          string   `json:"fixture"`
	ImmediateAction  string   `json:"immediate_action"`
	ObservedSymptoms []string `json:"observed_symptoms,omitempty"`

	// Transcript 记录本次分类实际附带的语音转写（可能为空）。
	Transcript string    `json:"transcript,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// TopIssue 按置信度重新排序后返回焦点问题。
// 分类器不保证 rank 与置信度单调，这里不信任 rank 顺序；置信度相同时保持 rank 顺序。
func (a *AnalysisSnapshot) TopIssue() (Issue, bool) {
	if a == nil || len(a.Issues) == 0 {
		return Issue{}, false
	}
	issues := make([]Issue, len(a.Issues))
	copy(issues, a.Issues)
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Confidence != issues[j].Confidence {
			return issues[i].Confidence > issues[j].Confidence
		}
		return issues[i].Rank < issues[j].Rank
	})
	return issues[0], true
}

// HasActiveIssue 表示快照里存在可以进入引导修复的问题。
func (a *AnalysisSnapshot) HasActiveIssue() bool {
	if a == nil || a.NoIssueDetected {
		return false
	}
	_, ok := a.TopIssue()
	return ok
}

// Clone 返回深拷贝，存储层用它避免调用方共享内部切片。
func (a *AnalysisSnapshot) Clone() *AnalysisSnapshot {
	if a == nil {
		return nil
	}
	out := *a
	out.Issues = make([]Issue, len(a.Issues))
	for i, issue := range a.Issues {
		issue.MatchedSymptoms = append([]string(nil), issue.MatchedSymptoms...)
		out.Issues[i] = issue
	}
	out.ObservedSymptoms = append([]string(nil), a.ObservedSymptoms...)
	return &out
}

// Transcript 是一段带采集时间的语音转写。
type Transcript struct {
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"captured_at"`
}
