package guide

import (
	"fmt"
	"time"

	"fixdad/server/internal/model"
)

// DefaultRetryCeiling 是同一步骤 still 的默认上限。
const DefaultRetryCeiling = 3

// 引导状态机只做纯内存转移，不做 IO。
// 约定：调用方持有该 session 的互斥锁，state 在原地修改。

// Init 根据最新快照选择计划并创建引导状态。
// 快照为空或 no_issue_detected=true 时返回 no-active-issue。
func Init(snap *model.AnalysisSnapshot, catalog *Catalog, now time.Time) (*model.GuideState, *model.GuidePlan, error) {
	if !snap.HasActiveIssue() {
		return nil, nil, model.ErrNoActiveIssue
	}
	top, _ := snap.TopIssue()
	plan := catalog.Select(top.Category, snap.Fixture)

	state := &model.GuideState{
		PlanID:      plan.ID,
		CurrentStep: 1,
		Status:      model.GuideActive,
		Focus: model.Focus{
			Fixture:   snap.Fixture,
			Location:  snap.Location,
			IssueName: top.Name,
			Category:  top.Category,
		},
		CompletedSteps: map[int]bool{},
		SkippedSteps:   map[int]bool{},
		FailedAttempts: map[int]int{},
		CreatedAt:      now,
		LastUpdated:    now,
	}
	return state, plan, nil
}

// Next 应用一次用户反馈，返回给用户的提示语。
//
// paused 状态下除 danger 以外的任何 outcome 都只视为确认中断：清除中断、恢复 active，
// outcome 本身不生效。中断要求 reset 时回到计划的恢复点。
func Next(state *model.GuideState, plan *model.GuidePlan, outcome model.Outcome, retryCeiling int, now time.Time) (string, error) {
	if !outcome.Valid() {
		return "", model.Fail(model.CodeInvalidOutcome, fmt.Errorf("unknown outcome %q", outcome))
	}
	if state.Status == model.GuideDone {
		return "", model.ErrSessionComplete
	}
	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}
	ensureMaps(state)
	defer func() { state.LastUpdated = now }()

	if outcome == model.OutcomeDanger {
		state.Status = model.GuidePaused
		state.Interrupt = &model.Interrupt{
			Kind:      model.InterruptDanger,
			Level:     model.DangerHigh,
			Message:   dangerMessage(plan, state.CurrentStep),
			CreatedAt: now,
		}
		return state.Interrupt.Message, nil
	}

	if state.Status == model.GuidePaused {
		acknowledge(state, plan)
		return "Thanks for confirming. " + Prompt(state, plan), nil
	}

	step := state.CurrentStep
	switch outcome {
	case model.OutcomeDone:
		state.CompletedSteps[step] = true
		advance(state, plan)
		if state.Status == model.GuideDone {
			return Prompt(state, plan), nil
		}
		return "Nice work. " + Prompt(state, plan), nil

	case model.OutcomeSkip:
		state.SkippedSteps[step] = true
		advance(state, plan)
		return Prompt(state, plan), nil

	case model.OutcomeStill:
		state.FailedAttempts[step]++
		if state.FailedAttempts[step] >= retryCeiling {
			state.Status = model.GuidePaused
			state.Interrupt = &model.Interrupt{
				Kind:  model.InterruptEscalation,
				Level: model.DangerMedium,
				Message: fmt.Sprintf("Step %d still isn't working after %d tries. This may need a professional; "+
					"consider calling a licensed pro before going further.", step, state.FailedAttempts[step]),
				CreatedAt: now,
			}
			return state.Interrupt.Message, nil
		}
		msg := "Let's try that step again."
		if s, ok := plan.Step(step); ok && s.CheckHint != "" {
			msg += " Check: " + s.CheckHint
		}
		return msg + " " + Prompt(state, plan), nil

	case model.OutcomeFlushedAgain:
		rewind(state, plan)
		return "The fix didn't hold, so we'll go back to a safe point. " + Prompt(state, plan), nil
	}
	return "", model.Fail(model.CodeInvalidOutcome, fmt.Errorf("unhandled outcome %q", outcome))
}

// EvaluateInterrupt 用新快照评估是否需要暂停引导。
// 触发条件：danger_level=high，或 requires_shutoff 从 false 变为 true（没有上一帧视为 false）。
// 返回 true 表示 state 被修改。completed_steps 与 current_step 不受影响。
func EvaluateInterrupt(prev, next *model.AnalysisSnapshot, state *model.GuideState, plan *model.GuidePlan, now time.Time) bool {
	if state == nil || next == nil || state.Status == model.GuideDone {
		return false
	}
	high := next.DangerLevel == model.DangerHigh
	shutoffRaised := next.RequiresShutoff && (prev == nil || !prev.RequiresShutoff)
	if !high && !shutoffRaised {
		return false
	}

	level := next.DangerLevel
	if shutoffRaised && level.Severity() < model.DangerMedium.Severity() {
		level = model.DangerMedium
	}
	// 已经因为同等或更高等级暂停时不再重复盖章。
	if state.Status == model.GuidePaused && state.Interrupt != nil &&
		state.Interrupt.Level.Severity() >= level.Severity() && !shutoffRaised {
		return false
	}

	requiresReset := shutoffRaised && hasMarkedCheckpoint(plan) && state.CurrentStep > plan.Checkpoint()
	if state.Interrupt != nil && state.Interrupt.RequiresReset {
		requiresReset = true
	}

	// 覆盖升级中断时同时视作已处理升级，确认后该步骤重新计数。
	if state.Interrupt != nil && state.Interrupt.Kind == model.InterruptEscalation {
		ensureMaps(state)
		delete(state.FailedAttempts, state.CurrentStep)
	}

	state.Status = model.GuidePaused
	state.Interrupt = &model.Interrupt{
		Kind:            model.InterruptAnalysis,
		Level:           level,
		Message:         analysisMessage(next, shutoffRaised),
		RequiresShutoff: next.RequiresShutoff,
		RequiresReset:   requiresReset,
		CreatedAt:       now,
	}
	state.LastUpdated = now
	return true
}

// Prompt 返回当前状态对应的提示语。
func Prompt(state *model.GuideState, plan *model.GuidePlan) string {
	switch state.Status {
	case model.GuideDone:
		return fmt.Sprintf("All %d steps are finished. Test the fixture normally and tell me if the problem comes back.", len(plan.Steps))
	case model.GuidePaused:
		if state.Interrupt != nil {
			return state.Interrupt.Message
		}
	}
	s, ok := plan.Step(state.CurrentStep)
	if !ok {
		return ""
	}
	msg := fmt.Sprintf("Step %d of %d: %s. %s", s.StepID, len(plan.Steps), s.Title, s.Instruction)
	if s.SafetyNote != "" {
		msg += " Safety: " + s.SafetyNote
	}
	return msg
}

// View 组装客户端视图。state 会被拷贝，调用方可以继续持有原对象。
func View(plan *model.GuidePlan, state *model.GuideState, message string) *model.GuideView {
	view := &model.GuideView{
		PlanID:  plan.ID,
		Title:   plan.Title,
		Steps:   plan.Steps,
		State:   state.Clone(),
		Message: message,
	}
	if state.Status != model.GuideDone {
		if s, ok := plan.Step(state.CurrentStep); ok {
			view.Current = &s
		}
	}
	if view.Message == "" {
		view.Message = Prompt(state, plan)
	}
	return view
}

func acknowledge(state *model.GuideState, plan *model.GuidePlan) {
	in := state.Interrupt
	state.Interrupt = nil
	state.Status = model.GuideActive
	if in == nil {
		return
	}
	if in.Kind == model.InterruptEscalation {
		delete(state.FailedAttempts, state.CurrentStep)
	}
	if in.RequiresReset {
		rewind(state, plan)
	}
}

func advance(state *model.GuideState, plan *model.GuidePlan) {
	state.CurrentStep++
	if state.CurrentStep > len(plan.Steps) {
		state.CurrentStep = len(plan.Steps) + 1
		state.Status = model.GuideDone
	}
}

// rewind 回到最早的恢复点，清掉该点及之后的完成记录。
func rewind(state *model.GuideState, plan *model.GuidePlan) {
	cp := plan.Checkpoint()
	state.CurrentStep = cp
	for id := range state.CompletedSteps {
		if id >= cp {
			delete(state.CompletedSteps, id)
		}
	}
}

func dangerMessage(plan *model.GuidePlan, current int) string {
	if s, ok := plan.Step(current); ok && s.SafetyNote != "" {
		return s.SafetyNote
	}
	for _, s := range plan.Steps {
		if s.IsDangerStep && s.SafetyNote != "" {
			return s.SafetyNote
		}
	}
	return "Stop now and move away from the hazard. Shut off water or power only if you can do it safely."
}

func analysisMessage(snap *model.AnalysisSnapshot, shutoffRaised bool) string {
	if snap.ImmediateAction != "" {
		return snap.ImmediateAction
	}
	if shutoffRaised {
		return "Shut off the water or power supply before continuing."
	}
	return "High danger detected. Stop the repair and make the area safe."
}

func hasMarkedCheckpoint(plan *model.GuidePlan) bool {
	for _, s := range plan.Steps {
		if s.IsCheckpoint {
			return true
		}
	}
	return false
}

// ensureMaps 兼容从存储读出的 nil map。
func ensureMaps(state *model.GuideState) {
	if state.CompletedSteps == nil {
		state.CompletedSteps = map[int]bool{}
	}
	if state.SkippedSteps == nil {
		state.SkippedSteps = map[int]bool{}
	}
	if state.FailedAttempts == nil {
		state.FailedAttempts = map[int]int{}
	}
}
