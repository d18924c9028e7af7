package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return store
}

func TestNewStoreDefaults(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, DefaultTTL, store.TTL())
	assert.Equal(t, DefaultURLPrefix, store.URLPrefix())
}

func TestNewStoreRequiresDir(t *testing.T) {
	_, err := NewStore(Options{})
	require.Error(t, err)
}

func TestCreateOpenAndURL(t *testing.T) {
	store := newTestStore(t)

	artifact, err := store.Create(context.Background(), []byte("ID3audio"), "MP3")
	require.NoError(t, err)
	assert.Equal(t, "mp3", artifact.Format)
	assert.Equal(t, int64(8), artifact.Size)
	assert.Equal(t, DefaultTTL, artifact.TTL)
	assert.True(t, strings.HasPrefix(store.URL(artifact.ID), "/static/audio/"))

	f, meta, err := store.Open(artifact.ID)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "ID3audio", string(data))
	assert.Equal(t, "audio/mpeg", meta.ContentType())
}

func TestCreateRejectsEmptyData(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(context.Background(), nil, "mp3")
	require.ErrorIs(t, err, ErrEmptyAudio)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	artifact, err := store.Create(ctx, []byte("data"), "wav")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, artifact.ID))
	require.NoError(t, store.Delete(ctx, artifact.ID))
	require.NoError(t, store.Delete(ctx, "never-existed"))

	_, _, err = store.Open(artifact.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(artifact.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSweepRemovesExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(Options{Dir: dir, TTL: time.Minute})
	require.NoError(t, err)

	fresh, err := store.Create(context.Background(), []byte("fresh"), "mp3")
	require.NoError(t, err)

	// A leftover file from an earlier run that the index never saw.
	stale := filepath.Join(dir, "stale.mp3")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err := store.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestRecoverIndexesFilesFromPreviousRun(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	before, err := NewStore(Options{Dir: dir, TTL: time.Minute})
	require.NoError(t, err)
	young, err := before.Create(ctx, []byte("young"), "wav")
	require.NoError(t, err)

	stale := filepath.Join(dir, "stale.mp3")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(stale, old, old))

	after, err := NewStore(Options{Dir: dir, TTL: time.Minute})
	require.NoError(t, err)
	removed, survivors, err := after.Recover(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.Len(t, survivors, 1)

	got := survivors[0]
	assert.Equal(t, young.ID, got.ID)
	assert.Equal(t, "wav", got.Format)
	assert.Equal(t, int64(len("young")), got.Size)
	assert.True(t, got.ExpiresAt().After(time.Now()))

	data, _, err := after.ReadAll(young.ID)
	require.NoError(t, err)
	assert.Equal(t, "young", string(data))

	require.NoError(t, after.Delete(ctx, young.ID))
	_, err = os.Stat(young.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	// A second scan finds nothing new.
	_, survivors, err = after.Recover(time.Now())
	require.NoError(t, err)
	assert.Empty(t, survivors)
}
