package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fixdad/server/internal/model"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Bucket 是播报分类，只有分类变化才会重新播报。
type Bucket string

const (
	BucketSuccess Bucket = "success"
	BucketPending Bucket = "pending"
	BucketDanger  Bucket = "danger"
)

// Classify 把快照归入播报分类。
// 高危或需要关闭水电算 danger；没有问题算 success；其余是 pending。
func Classify(snap *model.AnalysisSnapshot) Bucket {
	switch {
	case snap == nil:
		return BucketPending
	case snap.DangerLevel == model.DangerHigh || snap.RequiresShutoff:
		return BucketDanger
	case !snap.HasActiveIssue():
		return BucketSuccess
	default:
		return BucketPending
	}
}

// NarrationText 给出该快照最该说的一句话：危险时说立即动作，待处理时说问题名。
func NarrationText(snap *model.AnalysisSnapshot) string {
	switch Classify(snap) {
	case BucketDanger:
		if snap.ImmediateAction != "" {
			return "Careful. " + snap.ImmediateAction
		}
		return "Careful. Stop and make the area safe before you continue."
	case BucketSuccess:
		return "Looks good. I don't see a problem right now."
	}
	top, ok := snap.TopIssue()
	if !ok {
		return "Still looking. Hold the camera steady on the problem."
	}
	msg := fmt.Sprintf("This looks like %s.", top.Name)
	if snap.ImmediateAction != "" {
		msg += " " + snap.ImmediateAction
	}
	return msg
}

// Narration 是推给客户端的一段播报。
type Narration struct {
	Bucket Bucket `json:"bucket"`
	Text   string `json:"text"`
	Format string `json:"format"`
	Audio  []byte `json:"audio"`
}

// Sink 接收合成好的播报。
type Sink interface {
	Narrate(sessionID string, n Narration)
}

// Announcer 监听帧提交，在播报分类变化时异步合成语音。
type Announcer struct {
	narrator Narrator
	sink     Sink
	timeout  time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last *cache.Cache // sessionID -> Bucket

	wg sync.WaitGroup
}

func NewAnnouncer(narrator Narrator, sink Sink, timeout time.Duration, logger *zap.Logger) *Announcer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{
		narrator: narrator,
		sink:     sink,
		timeout:  timeout,
		logger:   logger.Named("voice"),
		last:     cache.New(time.Hour, 10*time.Minute),
	}
}

// FrameCommitted 实现 intake.Listener。不阻塞调用方。
func (a *Announcer) FrameCommitted(sessionID string, result *model.FrameResult) {
	if result == nil || result.Analysis == nil {
		return
	}
	bucket := Classify(result.Analysis)
	if !a.changed(sessionID, bucket) {
		return
	}
	text := NarrationText(result.Analysis)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		audio, err := a.narrator.Speak(ctx, text)
		if err != nil {
			a.logger.Warn("speak failed", zap.String("session_id", sessionID), zap.String("bucket", string(bucket)), zap.Error(err))
			return
		}
		if a.sink != nil {
			a.sink.Narrate(sessionID, Narration{Bucket: bucket, Text: text, Format: a.narrator.Format(), Audio: audio})
		}
	}()
}

// Wait 等待在途的合成结束，用于退出和测试。
func (a *Announcer) Wait() { a.wg.Wait() }

func (a *Announcer) changed(sessionID string, bucket Bucket) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.last.Get(sessionID)
	a.last.SetDefault(sessionID, bucket)
	return !ok || prev.(Bucket) != bucket
}
