package settings

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kstaniek/go-cbt-gateway/internal/logging"
)

// watchDebounce coalesces bursts of write events from editors and copy tools.
const watchDebounce = 100 * time.Millisecond

// FileStore persists the image to a single file, replacing it atomically.
// A missing file loads as Defaults together with an error wrapping
// os.ErrNotExist so callers can seed it.
type FileStore struct {
	path string

	mu   sync.Mutex
	last []byte // content most recently loaded or saved by this process
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() (Image, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Defaults(), fmt.Errorf("settings load: %w", err)
	}
	im, err := FromBytes(b)
	if err != nil {
		return Defaults(), fmt.Errorf("settings load %s: %w", s.path, err)
	}
	s.remember(b)
	return im, nil
}

func (s *FileStore) Save(im Image) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings save: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("settings save: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(im[:]); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("settings save: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("settings save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings save: %w", err)
	}
	s.remember(im[:])
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("settings save: %w", err)
	}
	return nil
}

func (s *FileStore) remember(b []byte) {
	s.mu.Lock()
	s.last = append(s.last[:0], b...)
	s.mu.Unlock()
}

func (s *FileStore) known(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last != nil && bytes.Equal(s.last, b)
}

// Watch calls fn with the new image whenever the file is changed by another
// process. Changes written by this store are ignored. Watch blocks until ctx
// is done; fn runs on the watcher goroutine.
func (s *FileStore) Watch(ctx context.Context, fn func(Image)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watch: %w", err)
	}
	defer w.Close()
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("settings watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)
	l := logging.Component("settings")

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.Warn("settings_watch_error", "error", err)
		case <-fire:
			b, err := os.ReadFile(s.path)
			if err != nil {
				l.Warn("settings_reload_read", "error", err)
				continue
			}
			if s.known(b) {
				continue
			}
			im, err := FromBytes(b)
			if err != nil {
				l.Warn("settings_reload_rejected", "error", err)
				continue
			}
			s.remember(b)
			l.Info("settings_changed_on_disk", "path", s.path)
			fn(im)
		}
	}
}
