package evidence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/pkg/logger"
)

var ErrNoSource = errors.New("evidence store has no source to refresh from")

// Store holds the current Tables. Readers never lock; Refresh builds a new
// snapshot and swaps it in.
type Store struct {
	source  Source
	current atomic.Pointer[Tables]
	mu      sync.Mutex
}

// NewStore loads the initial tables and fails if they are malformed.
func NewStore(ctx context.Context, source Source) (*Store, error) {
	s := &Store{source: source}
	if _, err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps fixed tables. Refresh on it returns ErrNoSource.
func NewStaticStore(t *Tables) *Store {
	s := &Store{}
	s.current.Store(t)
	return s
}

func (s *Store) Tables() *Tables {
	return s.current.Load()
}

// Refresh reloads from the source. On failure the previous tables stay in
// place.
func (s *Store) Refresh(ctx context.Context) (Stats, error) {
	if s.source == nil {
		return Stats{}, ErrNoSource
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tables, err := s.source.Load(ctx)
	if err != nil {
		metrics.ReferenceRefreshes.WithLabelValues("error").Inc()
		if s.current.Load() != nil {
			logger.Error("Reference refresh failed, keeping previous tables",
				zap.String("source", s.source.Name()),
				zap.Error(err),
			)
		}
		return Stats{}, fmt.Errorf("failed to load reference data from %s: %w", s.source.Name(), err)
	}

	s.current.Store(tables)

	stats := tables.Stats()
	metrics.ReferenceRefreshes.WithLabelValues("ok").Inc()
	metrics.ReferenceRows.WithLabelValues("evidence").Set(float64(stats.EvidenceRows))
	metrics.ReferenceRows.WithLabelValues("nutrition").Set(float64(stats.NutritionEntries))

	logger.Info("Reference tables active",
		zap.String("source", s.source.Name()),
		zap.Int("diseases", stats.Diseases),
		zap.Int("evidence_rows", stats.EvidenceRows),
		zap.Int("nutrition_entries", stats.NutritionEntries),
	)
	return stats, nil
}

const watchDebounce = 250 * time.Millisecond

// Watch refreshes the store whenever one of paths is written, created or
// renamed into place. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, paths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace files, so watch the directories.
	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	logger.Info("Watching reference files", zap.Strings("paths", paths))

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Reference watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			if _, err := s.Refresh(ctx); err != nil {
				logger.Warn("Reference reload after file change failed", zap.Error(err))
			}
		}
	}
}
