package intake

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"fixdad/server/internal/model"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	DefaultMinGap              = 2 * time.Second
	DefaultTranscriptStaleness = 8 * time.Second
	DefaultClassifyTimeout     = 20 * time.Second

	gateTTL = time.Hour
)

// Classifier 把一帧图像（可附带语音转写）分类成分析快照。
type Classifier interface {
	Classify(ctx context.Context, image []byte, transcript string) (*model.AnalysisSnapshot, error)
}

// Committer 在 session 锁内写入快照并评估中断，由 orchestrator 实现。
type Committer interface {
	ApplyAnalysis(ctx context.Context, sessionID string, snap *model.AnalysisSnapshot) (*model.FrameResult, error)
}

// Listener 在一帧成功提交后被同步调用，实现方不能阻塞。
type Listener interface {
	FrameCommitted(sessionID string, result *model.FrameResult)
}

// Config 是准入策略参数。
type Config struct {
	MinGap              time.Duration
	TranscriptStaleness time.Duration
	ClassifyTimeout     time.Duration
	DedupFrames         bool
}

// FrameRequest 是一次帧提交。Transcript 为空表示使用缓冲区中的待附加转写。
type FrameRequest struct {
	SessionID  string
	Image      []byte
	Transcript *model.Transcript
}

// Coordinator 负责帧提交的准入控制：
// - 每个 session 同时最多一个分类在途，其余直接 busy，不排队。
// - 距上一次被接受的提交不足 MinGap 返回 throttled。
// - 语音转写只附加一次，过期的直接丢弃。
// 不做重试；失败不会写入任何状态。
type Coordinator struct {
	classifier Classifier
	committer  Committer
	listeners  []Listener
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	gates *cache.Cache
}

// gate 是单个 session 的准入状态。
type gate struct {
	mu        sync.Mutex
	inFlight  bool
	lastStart time.Time
	lastHash  [sha256.Size]byte
	hasHash   bool
	pending   *model.Transcript
}

// Options 是 Coordinator 的可选依赖。
type Options struct {
	Listeners []Listener
	Logger    *zap.Logger
	Now       func() time.Time
}

func NewCoordinator(classifier Classifier, committer Committer, cfg Config, opts Options) *Coordinator {
	if cfg.MinGap < 0 {
		cfg.MinGap = 0
	}
	if cfg.TranscriptStaleness <= 0 {
		cfg.TranscriptStaleness = DefaultTranscriptStaleness
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = DefaultClassifyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		classifier: classifier,
		committer:  committer,
		listeners:  opts.Listeners,
		cfg:        cfg,
		logger:     opts.Logger.Named("intake"),
		now:        opts.Now,
		gates:      cache.New(gateTTL, 10*time.Minute),
	}
}

// AddListener 追加提交监听器，需在开始接收请求前调用。
func (c *Coordinator) AddListener(l Listener) {
	c.listeners = append(c.listeners, l)
}

// gate 返回 session 的准入状态并续期。
func (c *Coordinator) gate(sessionID string) *gate {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.gates.Get(sessionID)
	if !ok {
		g = &gate{}
	}
	c.gates.Set(sessionID, g, cache.DefaultExpiration)
	return g.(*gate)
}

// Submit 提交一帧做分类。所有失败都是 *model.Failure。
func (c *Coordinator) Submit(ctx context.Context, req FrameRequest) (*model.FrameResult, error) {
	g := c.gate(req.SessionID)
	log := c.logger.With(zap.String("session_id", req.SessionID))

	now := c.now()
	g.mu.Lock()
	if g.inFlight {
		g.mu.Unlock()
		log.Debug("frame rejected", zap.String("reason", string(model.CodeBusy)))
		return nil, model.ErrBusy
	}
	if !g.lastStart.IsZero() && now.Sub(g.lastStart) < c.cfg.MinGap {
		g.mu.Unlock()
		log.Debug("frame rejected", zap.String("reason", string(model.CodeThrottled)))
		return nil, model.ErrThrottled
	}
	if len(req.Image) == 0 {
		g.mu.Unlock()
		return nil, model.ErrNoFrame
	}
	hash := sha256.Sum256(req.Image)
	if c.cfg.DedupFrames && g.hasHash && g.lastHash == hash {
		g.mu.Unlock()
		log.Debug("frame rejected", zap.String("reason", string(model.CodeDuplicate)))
		return nil, model.ErrDuplicate
	}
	g.inFlight = true
	g.lastStart = now
	transcript := c.takeTranscript(g, req.Transcript, now)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight = false
		g.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ClassifyTimeout)
	defer cancel()

	started := c.now()
	snap, err := c.classifier.Classify(cctx, req.Image, transcript)
	if err != nil {
		failure := classifyFailure(cctx, err)
		log.Warn("classification failed",
			zap.String("reason", string(failure.Code)),
			zap.Duration("elapsed", c.now().Sub(started)),
			zap.Error(err))
		return nil, failure
	}
	if snap == nil {
		return nil, model.Fail(model.CodeClassifierFailed, errors.New("classifier returned no snapshot"))
	}
	// 调用方已放弃：不提交任何状态。
	if err := ctx.Err(); err != nil {
		return nil, model.Fail(model.CodeNetwork, err)
	}

	snap.Transcript = transcript
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = now
	}

	result, err := c.committer.ApplyAnalysis(context.WithoutCancel(ctx), req.SessionID, snap)
	if err != nil {
		var f *model.Failure
		if errors.As(err, &f) {
			return nil, err
		}
		log.Error("commit analysis failed", zap.Error(err))
		return nil, fmt.Errorf("commit analysis: %w", err)
	}

	g.mu.Lock()
	g.lastHash, g.hasHash = hash, true
	g.mu.Unlock()

	fields := []zap.Field{
		zap.Duration("elapsed", c.now().Sub(started)),
		zap.String("danger", string(snap.DangerLevel)),
		zap.Bool("with_transcript", transcript != ""),
		zap.Bool("interrupted", result.Interrupted),
	}
	if top, ok := snap.TopIssue(); ok {
		fields = append(fields, zap.String("issue", top.Name))
	}
	log.Info("frame committed", fields...)

	for _, l := range c.listeners {
		l.FrameCommitted(req.SessionID, result)
	}
	return result, nil
}

// SubmitTranscript 缓冲一段语音转写，等待下一帧附加。新的覆盖旧的。
func (c *Coordinator) SubmitTranscript(sessionID string, t model.Transcript) {
	if t.Text == "" {
		return
	}
	if t.CapturedAt.IsZero() {
		t.CapturedAt = c.now()
	}
	g := c.gate(sessionID)
	g.mu.Lock()
	g.pending = &t
	g.mu.Unlock()
}

// Status 返回 session 当前是否有分类在途。
func (c *Coordinator) Status(sessionID string) model.IntakeStatus {
	c.mu.Lock()
	v, ok := c.gates.Get(sessionID)
	c.mu.Unlock()
	if !ok {
		return model.IntakeIdle
	}
	g := v.(*gate)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight {
		return model.IntakeAnalyzing
	}
	return model.IntakeIdle
}

// takeTranscript 选出本次请求附带的转写并清空缓冲区。调用方持有 g.mu。
// 请求自带的转写优先；超过 staleness 窗口的转写一律丢弃。
func (c *Coordinator) takeTranscript(g *gate, explicit *model.Transcript, now time.Time) string {
	candidate := g.pending
	g.pending = nil
	if explicit != nil && explicit.Text != "" {
		candidate = explicit
	}
	if candidate == nil {
		return ""
	}
	if !candidate.CapturedAt.IsZero() && now.Sub(candidate.CapturedAt) > c.cfg.TranscriptStaleness {
		c.logger.Debug("stale transcript dropped", zap.Duration("age", now.Sub(candidate.CapturedAt)))
		return ""
	}
	return candidate.Text
}

// classifyFailure 把分类错误映射为类型化失败：超时与取消按 network 处理。
func classifyFailure(ctx context.Context, err error) *model.Failure {
	var f *model.Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return model.Fail(model.CodeNetwork, err)
	}
	return model.Fail(model.CodeClassifierFailed, err)
}
