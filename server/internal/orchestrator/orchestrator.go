package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fixdad/server/internal/guide"
	"fixdad/server/internal/model"
	"fixdad/server/internal/session"
	"fixdad/server/internal/timeline"

	"go.uber.org/zap"
)

// Advisor 是 RAG 顾问的最小接口。
type Advisor interface {
	Solve(ctx context.Context, sessionID string, snap *model.AnalysisSnapshot, focus *model.Focus) (*model.Solution, error)
}

// Notifier 接收引导状态变化，用于向客户端推送。可为空。
type Notifier interface {
	GuideChanged(sessionID string, view *model.GuideView)
}

// Orchestrator 负责引导会话的编排逻辑。
//
// 职责与契约：
// - 同一 session 的所有读改写都在 Locker 下进行，帧分析提交与 guide 操作互斥。
// - append-first：状态转移先写 Timeline，再落存储，保证可审计。
// - 状态机本身在 guide 包里，这里只做加载、加锁、持久化与通知。
type Orchestrator struct {
	store        session.Store
	locks        *session.Locker
	catalog      *guide.Catalog
	timeline     timeline.Store
	advisor      Advisor
	notifier     Notifier
	retryCeiling int
	logger       *zap.Logger
	now          func() time.Time
}

// Options 是 Orchestrator 的可选依赖。
type Options struct {
	Advisor      Advisor
	Notifier     Notifier
	RetryCeiling int
	Logger       *zap.Logger
	Now          func() time.Time
}

func New(store session.Store, locks *session.Locker, catalog *guide.Catalog, tl timeline.Store, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = guide.DefaultRetryCeiling
	}
	if catalog == nil {
		catalog = guide.DefaultCatalog()
	}
	if tl == nil {
		tl = timeline.NewInMemoryStore(0)
	}
	return &Orchestrator{
		store:        store,
		locks:        locks,
		catalog:      catalog,
		timeline:     tl,
		advisor:      opts.Advisor,
		notifier:     opts.Notifier,
		retryCeiling: opts.RetryCeiling,
		logger:       opts.Logger.Named("orchestrator"),
		now:          opts.Now,
	}
}

// Locks 返回 session 锁，Intake 与 Orchestrator 必须共用同一个。
func (o *Orchestrator) Locks() *session.Locker { return o.locks }

// Init 为 session 创建引导会话。
// 已存在引导状态（任何 status）时返回 already-active，原状态不变。
func (o *Orchestrator) Init(ctx context.Context, sessionID string) (*model.GuideView, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	rec, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Guide != nil {
		return nil, model.ErrAlreadyActive
	}

	now := o.now()
	state, plan, err := guide.Init(rec.Latest, o.catalog, now)
	if err != nil {
		return nil, err
	}

	evt := newEvent(model.EventGuideInit, state, now)
	if err := o.append(ctx, sessionID, &evt); err != nil {
		return nil, err
	}
	if err := o.store.SaveGuide(ctx, sessionID, state); err != nil {
		return nil, fmt.Errorf("save guide: %w", err)
	}
	o.logger.Info("guide initialized",
		zap.String("session_id", sessionID),
		zap.String("plan_id", plan.ID),
		zap.String("issue", state.Focus.IssueName))

	view := guide.View(plan, state, "")
	o.notify(sessionID, view)
	return view, nil
}

// Next 应用用户反馈。引导状态缺失或损坏时返回 no-session。
func (o *Orchestrator) Next(ctx context.Context, sessionID string, outcome model.Outcome) (*model.GuideView, error) {
	if !outcome.Valid() {
		return nil, model.Fail(model.CodeInvalidOutcome, fmt.Errorf("unknown outcome %q", outcome))
	}

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	state, plan, err := o.loadGuide(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	before := state.CurrentStep
	wasPaused := state.Status == model.GuidePaused
	msg, err := guide.Next(state, plan, outcome, o.retryCeiling, now)
	if err != nil {
		return nil, err
	}

	evt := newEvent(model.EventGuideNext, state, now)
	evt.Outcome = outcome
	evt.Step = before
	evt.Text = msg
	if err := o.append(ctx, sessionID, &evt); err != nil {
		return nil, err
	}
	if err := o.store.SaveGuide(ctx, sessionID, state); err != nil {
		return nil, fmt.Errorf("save guide: %w", err)
	}

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("outcome", string(outcome)),
		zap.Int("from_step", before),
		zap.Int("to_step", state.CurrentStep),
		zap.String("status", string(state.Status)),
	}
	switch {
	case wasPaused && state.Status == model.GuideActive:
		o.logger.Info("guide interrupt acknowledged", fields...)
	case state.Status == model.GuidePaused:
		o.logger.Warn("guide paused", append(fields, zap.String("interrupt", string(state.Interrupt.Kind)))...)
	default:
		o.logger.Debug("guide advanced", fields...)
	}

	view := guide.View(plan, state, msg)
	o.notify(sessionID, view)
	return view, nil
}

// Reset 丢弃引导状态；不存在时也返回成功。
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) error {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	evt := model.Event{Type: model.EventGuideReset}
	if err := o.append(ctx, sessionID, &evt); err != nil {
		return err
	}
	if err := o.store.DeleteGuide(ctx, sessionID); err != nil {
		return fmt.Errorf("delete guide: %w", err)
	}
	o.logger.Info("guide reset", zap.String("session_id", sessionID))
	return nil
}

// Guide 返回当前引导视图；没有引导会话时返回 no-session。
func (o *Orchestrator) Guide(ctx context.Context, sessionID string) (*model.GuideView, error) {
	state, plan, err := o.loadGuide(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return guide.View(plan, state, ""), nil
}

// ApplyAnalysis 提交一次成功的帧分析：替换快照，再对引导状态做中断评估。
// 整个过程持有 session 锁，快照与被中断的引导状态通过 SaveAnalysis 一次写入。
// 进入提交阶段后不再响应调用方取消，避免只落下一半状态。
func (o *Orchestrator) ApplyAnalysis(ctx context.Context, sessionID string, snap *model.AnalysisSnapshot) (*model.FrameResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	rec, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prev := rec.Latest
	now := o.now()

	result := &model.FrameResult{SessionID: sessionID, Analysis: snap}
	state := rec.Guide
	var plan *model.GuidePlan
	if state != nil {
		p, ok := o.catalog.Get(state.PlanID)
		if !ok {
			o.logger.Warn("guide references unknown plan", zap.String("session_id", sessionID), zap.String("plan_id", state.PlanID))
			state = nil
		} else {
			plan = p
			result.Interrupted = guide.EvaluateInterrupt(prev, snap, state, plan, now)
		}
	}

	commit := model.Event{Type: model.EventAnalysisCommitted, ServerTS: now}
	if top, ok := snap.TopIssue(); ok && !snap.NoIssueDetected {
		commit.Text = top.Name
	}
	if err := o.append(ctx, sessionID, &commit); err != nil {
		return nil, err
	}
	var changed *model.GuideState
	if result.Interrupted {
		evt := newEvent(model.EventGuideInterrupt, state, now)
		evt.Text = state.Interrupt.Message
		if err := o.append(ctx, sessionID, &evt); err != nil {
			return nil, err
		}
		changed = state
	}

	if err := o.store.SaveAnalysis(ctx, sessionID, snap, changed); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	if state == nil {
		return result, nil
	}

	if result.Interrupted {
		o.logger.Warn("guide interrupted by analysis",
			zap.String("session_id", sessionID),
			zap.String("level", string(state.Interrupt.Level)),
			zap.Bool("requires_shutoff", state.Interrupt.RequiresShutoff),
			zap.Int("step", state.CurrentStep))
	}
	result.Guide = guide.View(plan, state, "")
	if result.Interrupted {
		o.notify(sessionID, result.Guide)
	}
	return result, nil
}

// Solution 基于当前焦点问题调用 RAG 顾问。
// 有引导会话时使用其 focus，否则使用最新快照。
func (o *Orchestrator) Solution(ctx context.Context, sessionID string) (*model.Solution, error) {
	if o.advisor == nil {
		return nil, model.Fail(model.CodeAdvisorFailed, errors.New("advisor not configured"))
	}
	rec, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var focus *model.Focus
	if rec.Guide != nil {
		f := rec.Guide.Focus
		focus = &f
	}
	if focus == nil && !rec.Latest.HasActiveIssue() {
		return nil, model.ErrNoActiveIssue
	}

	sol, err := o.advisor.Solve(ctx, sessionID, rec.Latest, focus)
	if err != nil {
		var f *model.Failure
		if errors.As(err, &f) {
			return nil, err
		}
		o.logger.Error("advisor failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, model.Fail(model.CodeAdvisorFailed, err)
	}
	sol.SessionID = sessionID
	return sol, nil
}

// Timeline 返回 seq 大于 afterSeq 的事件。
func (o *Orchestrator) Timeline(ctx context.Context, sessionID string, afterSeq int64) ([]model.Event, error) {
	return o.timeline.List(ctx, sessionID, afterSeq)
}

// load 读取记录；不存在时返回空记录。
func (o *Orchestrator) load(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	rec, err := o.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return &model.SessionRecord{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

// loadGuide 读取引导状态与计划，缺失、损坏或计划不存在都视为 no-session。
func (o *Orchestrator) loadGuide(ctx context.Context, sessionID string) (*model.GuideState, *model.GuidePlan, error) {
	rec, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Guide == nil {
		return nil, nil, model.ErrNoSession
	}
	plan, ok := o.catalog.Get(rec.Guide.PlanID)
	if !ok {
		o.logger.Warn("guide references unknown plan", zap.String("session_id", sessionID), zap.String("plan_id", rec.Guide.PlanID))
		return nil, nil, model.ErrNoSession
	}
	return rec.Guide, plan, nil
}

func (o *Orchestrator) append(ctx context.Context, sessionID string, evt *model.Event) error {
	normalizeEvent(sessionID, evt, o.now())
	seq, err := o.timeline.Append(ctx, sessionID, evt)
	if err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	evt.Seq = seq
	return nil
}

func (o *Orchestrator) notify(sessionID string, view *model.GuideView) {
	if o.notifier != nil {
		o.notifier.GuideChanged(sessionID, view)
	}
}
