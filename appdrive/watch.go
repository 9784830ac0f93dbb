package appdrive

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reruns discovery when volumes or bundles appear or disappear under the mount root.
// Bursts of events are coalesced into one pass after debounce of quiet. onScan receives
// each new registry. Watch returns when ctx is done.
func (s *Scanner) Watch(ctx context.Context, debounce time.Duration, onScan func(*Registry)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.layout.MountRoot); err != nil {
		return fmt.Errorf("watching %s: %w", s.layout.MountRoot, err)
	}
	s.addWatches(w)

	var fire <-chan time.Time
	var timer *time.Timer
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
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			// relinking the runtime mount must not trigger another pass
			if filepath.Clean(ev.Name) == filepath.Clean(s.layout.RuntimeMount) {
				continue
			}
			s.log.Debugw("filesystem event", "Name", ev.Name, "Op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warnw("watcher error", "Error", err)
		case <-fire:
			fire = nil
			reg, err := s.Scan()
			if err != nil {
				s.log.Debugw("skipping rescan", "Error", err)
				continue
			}
			s.addWatches(w)
			if onScan != nil {
				onScan(reg)
			}
		}
	}
}

// addWatches watches every mount point directory, drive and apps directory that currently exists.
// Paths that are missing are picked up by the watch on their parent.
func (s *Scanner) addWatches(w *fsnotify.Watcher) {
	for _, mp := range s.layout.MountPoints {
		drive := s.layout.drivePath(mp)
		for _, p := range []string{filepath.Dir(drive), drive, filepath.Join(drive, appsDir)} {
			_ = w.Add(p)
		}
	}
}
