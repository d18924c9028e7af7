package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zhouzirui/voice-genai/backend/internal/model/conversation"
)

var (
	ErrConversationIDRequired = errors.New("conversation id is required")
	ErrConversationNotFound   = errors.New("conversation not found")
)

// Store keeps conversation contexts in memory. Writes to the same
// conversation are serialized; different conversations never contend.
type Store struct {
	entries sync.Map // conversation id -> *entry
	size    atomic.Int64
}

// entry guards one conversation. sem is a one-slot lock so waiters can give
// up when their context ends.
type entry struct {
	sem     chan struct{}
	ctx     *conversation.Context
	removed bool
}

func newEntry() *entry {
	return &entry{sem: make(chan struct{}, 1)}
}

func (e *entry) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) unlock() { <-e.sem }

// NewStore bootstraps an empty in-memory store.
func NewStore() *Store {
	return &Store{}
}

// NewConversationID returns a fresh identifier for a conversation.
func NewConversationID() string {
	return uuid.NewString()
}

// Get returns a copy of the stored context.
func (s *Store) Get(ctx context.Context, id string) (*conversation.Context, error) {
	value, ok := s.entries.Load(id)
	if !ok {
		return nil, ErrConversationNotFound
	}
	e := value.(*entry)

	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()
	if e.removed || e.ctx == nil {
		return nil, ErrConversationNotFound
	}
	return e.ctx.Clone(), nil
}

// Put stores c under its conversation id, replacing any previous context.
func (s *Store) Put(ctx context.Context, c *conversation.Context) error {
	if c == nil || strings.TrimSpace(c.ConversationID) == "" {
		return ErrConversationIDRequired
	}
	_, err := s.Update(ctx, c.ConversationID, c.UserID, func(*conversation.Context) (*conversation.Context, error) {
		return c, nil
	})
	return err
}

// Delete drops the context for id. Deleting an unknown id is a no-op.
func (s *Store) Delete(_ context.Context, id string) {
	value, ok := s.entries.LoadAndDelete(id)
	if !ok {
		return
	}
	e := value.(*entry)

	// The entry is already unreachable, so this only waits for a running
	// Update to finish.
	_ = e.lock(context.Background())
	if !e.removed && e.ctx != nil {
		s.size.Add(-1)
	}
	e.removed = true
	e.ctx = nil
	e.unlock()
}

// Update runs fn while holding the lock for id. fn receives a copy of the
// current context, or a fresh one for unknown ids, and returns the context to
// store. Nothing is stored when fn fails. Waiting for the lock ends with
// ctx.Err() once ctx is done.
func (s *Store) Update(ctx context.Context, id, userID string, fn func(current *conversation.Context) (*conversation.Context, error)) (*conversation.Context, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrConversationIDRequired
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, _ := s.entries.LoadOrStore(id, newEntry())
		e := value.(*entry)

		if err := e.lock(ctx); err != nil {
			return nil, err
		}
		if e.removed {
			// Deleted while we waited; start over with a new entry.
			e.unlock()
			continue
		}

		current := e.ctx.Clone()
		if current == nil {
			current = conversation.New(id, userID)
		}

		next, err := fn(current)
		if err != nil {
			e.unlock()
			return nil, err
		}
		if next == nil {
			next = current
		}
		next = next.Clone()
		next.ConversationID = id
		if next.UserID == "" {
			next.UserID = userID
		}

		if e.ctx == nil {
			s.size.Add(1)
		}
		e.ctx = next
		e.unlock()

		return next.Clone(), nil
	}
}

// Len reports how many conversations are stored.
func (s *Store) Len() int {
	return int(s.size.Load())
}
