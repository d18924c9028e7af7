// Package analytics persists usage and conversation records produced by
// background tasks and summarizes them for the stats endpoint.
package analytics

import (
	"context"
	"sync"

	model "github.com/zhouzirui/voice-genai/backend/internal/model/analytics"
)

// DefaultRecentLimit bounds how many recent records a sink keeps.
const DefaultRecentLimit = 100

// Sink is the narrow persistence capability background tasks write through.
type Sink interface {
	SaveUsage(ctx context.Context, record model.UsageRecord) error
	SaveConversation(ctx context.Context, record model.ConversationRecord) error
	Stats(ctx context.Context) (model.Stats, error)
	Ping(ctx context.Context) error
}

// MemorySink keeps analytics in process memory.
type MemorySink struct {
	mu            sync.Mutex
	limit         int
	requests      map[string]int64
	confidenceSum map[string]float64
	conversations int64
	recentUsage   []model.UsageRecord
	recentConvos  []model.ConversationRecord
}

// NewMemorySink returns a sink keeping at most limit recent records of each
// type. A non-positive limit uses DefaultRecentLimit.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &MemorySink{
		limit:         limit,
		requests:      make(map[string]int64),
		confidenceSum: make(map[string]float64),
	}
}

func (m *MemorySink) SaveUsage(_ context.Context, record model.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[record.Service]++
	m.confidenceSum[record.Service] += record.Confidence
	m.recentUsage = prepend(m.recentUsage, record, m.limit)
	return nil
}

func (m *MemorySink) SaveConversation(_ context.Context, record model.ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conversations++
	m.recentConvos = prepend(m.recentConvos, record, m.limit)
	return nil
}

func (m *MemorySink) Stats(_ context.Context) (model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return summarize(m.requests, m.confidenceSum, m.conversations,
		append([]model.UsageRecord(nil), m.recentUsage...),
		append([]model.ConversationRecord(nil), m.recentConvos...)), nil
}

func (m *MemorySink) Ping(context.Context) error { return nil }

// prepend keeps newest-first order, matching LPUSH semantics.
func prepend[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	copy(list[1:], list[:len(list)-1])
	list[0] = v
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

func summarize(requests map[string]int64, confidenceSum map[string]float64, conversations int64, usage []model.UsageRecord, convos []model.ConversationRecord) model.Stats {
	stats := model.Stats{
		RequestsByService:   make(map[string]int64, len(requests)),
		AverageConfidence:   make(map[string]float64, len(requests)),
		TotalConversations:  conversations,
		RecentUsage:         usage,
		RecentConversations: convos,
	}
	for service, count := range requests {
		stats.RequestsByService[service] = count
		stats.TotalRequests += count
		if count > 0 {
			stats.AverageConfidence[service] = confidenceSum[service] / float64(count)
		}
	}
	if stats.RecentUsage == nil {
		stats.RecentUsage = []model.UsageRecord{}
	}
	if stats.RecentConversations == nil {
		stats.RecentConversations = []model.ConversationRecord{}
	}
	return stats
}
