package conversation

// Exchange is the input to a conversation backend for one turn.
type Exchange struct {
	Message        string
	Context        *Context
	UserID         string
	ConversationID string
}

// Reply is what a conversation backend returns for one turn.
type Reply struct {
	Text           string
	Context        *Context
	ConversationID string
	// Confidence is nil when the backend does not report one.
	Confidence       *float64
	ProcessingTimeMs int64
}
