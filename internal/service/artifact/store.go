// Package artifact stores generated audio files for a bounded time.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

const (
	DefaultTTL       = 300 * time.Second
	DefaultURLPrefix = "/static/audio"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrEmptyAudio = errors.New("artifact data is empty")
)

// Options configures a Store.
type Options struct {
	Dir       string
	URLPrefix string
	TTL       time.Duration
}

// Store is a filesystem-backed artifact store. Files live under Dir and are
// addressed by a UUID; the in-memory index is authoritative for reads.
type Store struct {
	dir       string
	urlPrefix string
	ttl       time.Duration
	items     sync.Map // id -> speech.AudioArtifact
	now       func() time.Time
}

// NewStore creates the storage directory when needed.
func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	prefix := strings.TrimRight(opts.URLPrefix, "/")
	if prefix == "" {
		prefix = DefaultURLPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{
		dir:       opts.Dir,
		urlPrefix: prefix,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// TTL returns how long artifacts stay readable.
func (s *Store) TTL() time.Duration { return s.ttl }

// URLPrefix returns the public path artifacts are served under.
func (s *Store) URLPrefix() string { return s.urlPrefix }

// Create writes data to a new artifact file.
func (s *Store) Create(_ context.Context, data []byte, format string) (*speech.AudioArtifact, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if format == "" {
		format = "mp3"
	}

	id := uuid.NewString()
	path := filepath.Join(s.dir, id+"."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	artifact := speech.AudioArtifact{
		ID:        id,
		Path:      path,
		Format:    format,
		Size:      int64(len(data)),
		CreatedAt: s.now().UTC(),
		TTL:       s.ttl,
	}
	s.items.Store(id, artifact)
	return &artifact, nil
}

// Get returns the artifact metadata for id.
func (s *Store) Get(id string) (speech.AudioArtifact, error) {
	value, ok := s.items.Load(id)
	if !ok {
		return speech.AudioArtifact{}, ErrNotFound
	}
	return value.(speech.AudioArtifact), nil
}

// Open returns a reader for the artifact content. The caller closes it.
func (s *Store) Open(id string) (*os.File, speech.AudioArtifact, error) {
	artifact, err := s.Get(id)
	if err != nil {
		return nil, speech.AudioArtifact{}, err
	}
	f, err := os.Open(artifact.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, speech.AudioArtifact{}, ErrNotFound
		}
		return nil, speech.AudioArtifact{}, fmt.Errorf("open artifact: %w", err)
	}
	return f, artifact, nil
}

// ReadAll loads the artifact content into memory.
func (s *Store) ReadAll(id string) ([]byte, speech.AudioArtifact, error) {
	artifact, err := s.Get(id)
	if err != nil {
		return nil, speech.AudioArtifact{}, err
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, speech.AudioArtifact{}, ErrNotFound
		}
		return nil, speech.AudioArtifact{}, fmt.Errorf("read artifact: %w", err)
	}
	return data, artifact, nil
}

// URL returns the public path for id.
func (s *Store) URL(id string) string {
	return s.urlPrefix + "/" + id
}

// Delete removes the artifact. Deleting a missing artifact is not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	value, ok := s.items.LoadAndDelete(id)
	if !ok {
		return nil
	}
	artifact := value.(speech.AudioArtifact)
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Sweep removes files older than the TTL, including ones left behind by a
// previous process. It returns how many files were removed.
func (s *Store) Sweep(now time.Time) (int, error) {
	removed, _, err := s.Recover(now)
	return removed, err
}

// Recover scans the directory after a restart. Expired files are removed and
// younger ones are indexed again so they stay readable and deletable. The
// survivors are returned so the caller can schedule their cleanup at
// ExpiresAt.
func (s *Store) Recover(now time.Time) (int, []speech.AudioArtifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, nil, fmt.Errorf("read artifact dir: %w", err)
	}

	removed := 0
	var survivors []speech.AudioArtifact
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		name := entry.Name()
		ext := filepath.Ext(name)
		id := strings.TrimSuffix(name, ext)
		path := filepath.Join(s.dir, name)

		if now.Sub(info.ModTime()) < s.ttl {
			artifact := speech.AudioArtifact{
				ID:        id,
				Path:      path,
				Format:    strings.TrimPrefix(ext, "."),
				Size:      info.Size(),
				CreatedAt: info.ModTime().UTC(),
				TTL:       s.ttl,
			}
			if _, loaded := s.items.LoadOrStore(id, artifact); !loaded {
				survivors = append(survivors, artifact)
			}
			continue
		}

		s.items.Delete(id)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 || len(survivors) > 0 {
		log.Printf("[artifact] swept %d expired files from %s, recovered %d", removed, s.dir, len(survivors))
	}
	return removed, survivors, errors.Join(errs...)
}
