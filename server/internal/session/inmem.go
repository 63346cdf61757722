package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"fixdad/server/internal/model"

	"github.com/patrickmn/go-cache"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultHistoryLimit = 50
	stripeCount         = 64
)

// InMemoryStore 是一个基于 go-cache 的 Session 存储实现，条目按 TTL 过期。
// 注意：重启即丢数据；多实例部署需要换成 RedisStore。
type InMemoryStore struct {
	cache        *cache.Cache
	historyLimit int
	now          func() time.Time

	// stripes 保证单个 key 的读改写原子，不同 key 大概率落在不同分片上。
	stripes [stripeCount]sync.Mutex
}

type memEntry struct {
	record  *model.SessionRecord
	history []model.AnalysisSnapshot // 最新在前
}

func NewInMemoryStore(ttl time.Duration, historyLimit int) *InMemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &InMemoryStore{
		cache:        cache.New(ttl, 10*time.Minute),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

func (s *InMemoryStore) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.stripes[h.Sum32()%stripeCount]
}

func (s *InMemoryStore) load(id string) *memEntry {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	return v.(*memEntry)
}

// Get 根据 SessionID 获取记录副本。
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.SessionRecord, error) {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	e := s.load(id)
	if e == nil || e.record == nil {
		return nil, ErrNotFound
	}
	return e.record.Clone(), nil
}

// SaveSnapshot 替换最新快照并写入历史。
func (s *InMemoryStore) SaveSnapshot(ctx context.Context, id string, snap *model.AnalysisSnapshot) error {
	return s.SaveAnalysis(ctx, id, snap, nil)
}

// SaveAnalysis 在同一把分片锁内写入快照与引导状态。guide 为 nil 时保留原引导状态。
func (s *InMemoryStore) SaveAnalysis(_ context.Context, id string, snap *model.AnalysisSnapshot, guide *model.GuideState) error {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	e := s.entry(id)
	e.record.Latest = snap.Clone()
	if guide != nil {
		e.record.Guide = guide.Clone()
	}
	e.record.UpdatedAt = s.now()
	e.history = append([]model.AnalysisSnapshot{*snap.Clone()}, e.history...)
	if len(e.history) > s.historyLimit {
		e.history = e.history[:s.historyLimit]
	}
	s.cache.Set(id, e, cache.DefaultExpiration)
	return nil
}

// SaveGuide 保存引导状态。
func (s *InMemoryStore) SaveGuide(_ context.Context, id string, guide *model.GuideState) error {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	e := s.entry(id)
	e.record.Guide = guide.Clone()
	e.record.UpdatedAt = s.now()
	s.cache.Set(id, e, cache.DefaultExpiration)
	return nil
}

// DeleteGuide 删除引导状态；不存在时为空操作。
func (s *InMemoryStore) DeleteGuide(_ context.Context, id string) error {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	e := s.load(id)
	if e == nil || e.record == nil || e.record.Guide == nil {
		return nil
	}
	e.record.Guide = nil
	e.record.UpdatedAt = s.now()
	s.cache.Set(id, e, cache.DefaultExpiration)
	return nil
}

// History 返回最近 limit 个快照，最新在前。
func (s *InMemoryStore) History(_ context.Context, id string, limit int) ([]model.AnalysisSnapshot, error) {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	e := s.load(id)
	if e == nil {
		return []model.AnalysisSnapshot{}, nil
	}
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]model.AnalysisSnapshot, 0, limit)
	for _, snap := range e.history[:limit] {
		out = append(out, *snap.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Backend() string { return "memory" }

// entry 返回可写条目，调用方需持有分片锁。
func (s *InMemoryStore) entry(id string) *memEntry {
	if e := s.load(id); e != nil {
		if e.record == nil {
			e.record = &model.SessionRecord{SessionID: id}
		}
		return e
	}
	return &memEntry{record: &model.SessionRecord{SessionID: id}}
}
