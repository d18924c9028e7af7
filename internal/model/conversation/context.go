package conversation

import "time"

// Roles used in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Context captures the accumulated state of one multi-turn conversation.
type Context struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	History        []Turn         `json:"history"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// New returns an empty context for the given conversation.
func New(conversationID, userID string) *Context {
	return &Context{
		ConversationID: conversationID,
		UserID:         userID,
		History:        make([]Turn, 0, 8),
		Metadata:       map[string]any{},
		UpdatedAt:      time.Now().UTC(),
	}
}

// Clone returns a deep-enough copy so callers cannot mutate stored state.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.History = append([]Turn(nil), c.History...)
	out.Metadata = make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// Append adds turns and bumps UpdatedAt.
func (c *Context) Append(turns ...Turn) {
	now := time.Now().UTC()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		c.History = append(c.History, t)
	}
	c.UpdatedAt = now
}
