package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/voice-genai/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/service/conversation"
)

func TestStoreGetNotFound(t *testing.T) {
	store := conversation.NewStore()

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, conversation.ErrConversationNotFound)
}

func TestStorePutAndGetReturnsCopy(t *testing.T) {
	store := conversation.NewStore()
	ctx := context.Background()

	c := model.New("conv-1", "alice")
	c.Append(model.Turn{Role: model.RoleUser, Content: "hi"})
	require.NoError(t, store.Put(ctx, c))

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got.History, 1)

	got.History[0].Content = "mutated"
	again, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.History[0].Content)
}

func TestStorePutRequiresID(t *testing.T) {
	store := conversation.NewStore()
	err := store.Put(context.Background(), model.New("", "alice"))
	require.ErrorIs(t, err, conversation.ErrConversationIDRequired)
}

func TestStoreUpdateCreatesFreshContext(t *testing.T) {
	store := conversation.NewStore()

	got, err := store.Update(context.Background(), "conv-new", "bob", func(current *model.Context) (*model.Context, error) {
		assert.Empty(t, current.History)
		assert.Equal(t, "bob", current.UserID)
		current.Append(model.Turn{Role: model.RoleUser, Content: "hello"})
		return current, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-new", got.ConversationID)
	assert.Len(t, got.History, 1)
	assert.Equal(t, 1, store.Len())
}

func TestStoreUpdateFailureKeepsPreviousContext(t *testing.T) {
	store := conversation.NewStore()
	ctx := context.Background()

	c := model.New("conv-1", "alice")
	c.Append(model.Turn{Role: model.RoleUser, Content: "first"})
	require.NoError(t, store.Put(ctx, c))

	boom := errors.New("boom")
	_, err := store.Update(ctx, "conv-1", "alice", func(current *model.Context) (*model.Context, error) {
		current.Append(model.Turn{Role: model.RoleUser, Content: "second"})
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
}

func TestStoreConcurrentUpdatesKeepEveryTurn(t *testing.T) {
	store := conversation.NewStore()
	ctx := context.Background()

	const turns = 50
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, "shared", "alice", func(current *model.Context) (*model.Context, error) {
				current.Append(
					model.Turn{Role: model.RoleUser, Content: fmt.Sprintf("q%d", i)},
					model.Turn{Role: model.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
				)
				return current, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, got.History, turns*2)

	// Each user turn is immediately followed by its own answer.
	for i := 0; i < len(got.History); i += 2 {
		q := got.History[i].Content
		a := got.History[i+1].Content
		assert.Equal(t, "a"+q[1:], a)
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store := conversation.NewStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, model.New("conv-1", "alice")))
	store.Delete(ctx, "conv-1")
	store.Delete(ctx, "conv-1")

	_, err := store.Get(ctx, "conv-1")
	require.ErrorIs(t, err, conversation.ErrConversationNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestStoreUpdateGivesUpWhenContextEnds(t *testing.T) {
	store := conversation.NewStore()
	entered := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := store.Update(context.Background(), "busy", "u1", func(current *model.Context) (*model.Context, error) {
			close(entered)
			<-release
			return current, nil
		})
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := store.Update(ctx, "busy", "u1", func(current *model.Context) (*model.Context, error) {
		t.Error("fn must not run without the lock")
		return current, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = store.Get(cancelled, "busy")
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-done)
	got, err := store.Get(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}
