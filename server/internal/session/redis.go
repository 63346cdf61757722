package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fixdad/server/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore 把 session 状态存成 JSON blob：
//
//	session:{id}:latest   最新快照
//	session:{id}:guide    引导状态
//	session:{id}:history  快照历史（LPUSH + LTRIM，最新在前）
//
// 所有 key 带 TTL，每次写入续期。
type RedisStore struct {
	rdb          redis.UniversalClient
	ttl          time.Duration
	historyLimit int
	logger       *zap.Logger
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration, historyLimit int, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, ttl: ttl, historyLimit: historyLimit, logger: logger.Named("session.redis")}
}

// NewRedisClient 解析 URL 创建客户端；解析失败时把 URL 当作地址直接使用。
func NewRedisClient(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	return redis.NewClient(opt)
}

func kLatest(id string) string  { return "session:" + id + ":latest" }
func kGuide(id string) string   { return "session:" + id + ":guide" }
func kHistory(id string) string { return "session:" + id + ":history" }

func (s *RedisStore) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	vals, err := s.rdb.MGet(ctx, kLatest(id), kGuide(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	if vals[0] == nil && vals[1] == nil {
		return nil, ErrNotFound
	}

	rec := &model.SessionRecord{SessionID: id}
	if raw, ok := vals[0].(string); ok {
		var snap model.AnalysisSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.logger.Warn("corrupt snapshot blob ignored", zap.String("session_id", id), zap.Error(err))
		} else {
			rec.Latest = &snap
			rec.UpdatedAt = snap.CapturedAt
		}
	}
	if raw, ok := vals[1].(string); ok {
		var guide model.GuideState
		if err := json.Unmarshal([]byte(raw), &guide); err != nil || guide.PlanID == "" {
			// 损坏的引导状态按“没有会话”处理，不向上报错。
			s.logger.Warn("corrupt guide blob ignored", zap.String("session_id", id), zap.Error(err))
		} else {
			rec.Guide = &guide
			if guide.LastUpdated.After(rec.UpdatedAt) {
				rec.UpdatedAt = guide.LastUpdated
			}
		}
	}
	return rec, nil
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, id string, snap *model.AnalysisSnapshot) error {
	return s.SaveAnalysis(ctx, id, snap, nil)
}

// SaveAnalysis 用 MULTI/EXEC 一次写入快照、历史和引导状态，要么全部生效要么都不生效。
func (s *RedisStore) SaveAnalysis(ctx context.Context, id string, snap *model.AnalysisSnapshot, guide *model.GuideState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var guideData []byte
	if guide != nil {
		if guideData, err = json.Marshal(guide); err != nil {
			return fmt.Errorf("marshal guide: %w", err)
		}
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, kLatest(id), data, s.ttl)
		pipe.LPush(ctx, kHistory(id), data)
		pipe.LTrim(ctx, kHistory(id), 0, int64(s.historyLimit-1))
		pipe.Expire(ctx, kHistory(id), s.ttl)
		if guideData != nil {
			pipe.Set(ctx, kGuide(id), guideData, s.ttl)
		} else {
			pipe.Expire(ctx, kGuide(id), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save analysis: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveGuide(ctx context.Context, id string, guide *model.GuideState) error {
	data, err := json.Marshal(guide)
	if err != nil {
		return fmt.Errorf("marshal guide: %w", err)
	}
	if err := s.rdb.Set(ctx, kGuide(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save guide: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteGuide(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, kGuide(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete guide: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, id string, limit int) ([]model.AnalysisSnapshot, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	items, err := s.rdb.LRange(ctx, kHistory(id), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history: %w", err)
	}
	out := make([]model.AnalysisSnapshot, 0, len(items))
	for _, raw := range items {
		var snap model.AnalysisSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *RedisStore) Backend() string { return "redis" }
