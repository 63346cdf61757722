package session

import (
	"context"
	"errors"

	"fixdad/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// Store 保存 session id -> (最新分析快照, 引导状态)。
//
// 契约：
// - 每个方法对单个 key 原子；不同 session 之间互不阻塞。
// - SaveSnapshot 是替换而非合并，同时把快照压入有上限的历史。
// - SaveAnalysis 在同一次原子写入里保存快照与（非空时的）引导状态。
// - 引导状态 blob 损坏时 Get 返回的 Guide 为 nil，等同于从未 init。
// - 同一 session 的读改写由调用方通过 Locker 串行化。
type Store interface {
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	SaveSnapshot(ctx context.Context, id string, snap *model.AnalysisSnapshot) error
	SaveAnalysis(ctx context.Context, id string, snap *model.AnalysisSnapshot, guide *model.GuideState) error
	SaveGuide(ctx context.Context, id string, guide *model.GuideState) error
	DeleteGuide(ctx context.Context, id string) error
	// History 返回最近的快照，最新在前。
	History(ctx context.Context, id string, limit int) ([]model.AnalysisSnapshot, error)
	// Backend 返回存储实现名称，用于健康检查。
	Backend() string
}
