package track

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FollowDelay is the debounce applied to file system events.
const FollowDelay = 500 * time.Millisecond

// Follow watches dir and calls fn with the reloaded project after each burst
// of changes below dir/trials. fn is also called once with the current state.
// Follow blocks until ctx is done.
func (s *Store) Follow(ctx context.Context, dir string, fn func(*Project)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(filepath.Join(dir, TrialsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create trials directory: %w", err)
	}
	if err := watchTree(watcher, dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.logger.Info().Str("dir", dir).Msg("Following experiment directory")

	reload := func() {
		p, err := ReadProject(dir)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to reload project")
			return
		}
		fn(p)
	}
	reload()

	// The timer is only touched from this goroutine.
	timer := time.NewTimer(FollowDelay)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watchTree(watcher, event.Name); err != nil {
						s.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch directory")
					}
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Experiment file changed")
			timer.Reset(FollowDelay)

		case <-timer.C:
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchTree adds root and every directory below it.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
