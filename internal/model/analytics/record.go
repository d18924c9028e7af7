package analytics

import "time"

// UsageRecord is an append-only fact about one served request.
type UsageRecord struct {
	Service          string    `json:"service"`
	Filename         string    `json:"filename,omitempty"`
	Confidence       float64   `json:"confidence"`
	ProcessingTimeMs int64     `json:"processing_time"`
	RequestID        string    `json:"request_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConversationRecord is an append-only log of one conversation turn.
type ConversationRecord struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Input          string    `json:"input"`
	Response       string    `json:"response"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats summarizes persisted analytics.
type Stats struct {
	TotalRequests       int64                `json:"total_requests"`
	RequestsByService   map[string]int64     `json:"requests_by_service"`
	AverageConfidence   map[string]float64   `json:"average_confidence"`
	TotalConversations  int64                `json:"total_conversations"`
	RecentUsage         []UsageRecord        `json:"recent_usage"`
	RecentConversations []ConversationRecord `json:"recent_conversations"`
}
