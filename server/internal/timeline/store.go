package timeline

import (
	"context"

	"fixdad/server/internal/model"
)

// Store 是引导与帧分析事件的审计日志。
type Store interface {
	// Append 以 append-first 的契约写入 timeline，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 EventID 的请求应幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error)
	// List 返回 seq 大于 afterSeq 的事件，afterSeq=0 表示全量。
	List(ctx context.Context, sessionID string, afterSeq int64) ([]model.Event, error)
}
