package appdrive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchRescansOnMount(t *testing.T) {
	layout := testLayout(t)
	s := NewScanner(log, layout)

	ctx, cancel := context.WithCancel(context.Background())
	scans := make(chan *Registry, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, 20*time.Millisecond, func(r *Registry) {
			select {
			case scans <- r:
			default:
			}
		})
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// Build the drive elsewhere and move it in, like a volume being mounted.
	staging := t.TempDir()
	makeDrive(t, staging, "sdb", map[string]map[string]string{
		"com.example.clock": {"app.js": "clock();"},
	})

	// The watcher may not be registered yet; keep mounting until a scan sees the drive.
	deadline := time.After(10 * time.Second)
	moved := false
	for {
		if !moved {
			if err := os.Rename(filepath.Join(staging, "sdb"), filepath.Join(layout.MountRoot, "sdb")); err == nil {
				moved = true
			}
		}
		select {
		case reg := <-scans:
			if reg.Enabled {
				assert.Equal(t, []string{"com.example.clock"}, reg.IDs())
				assert.Same(t, reg, s.Current())
				return
			}
		case <-time.After(50 * time.Millisecond):
			if moved {
				// nudge the watcher in case the rename landed before Add
				writeFile(t, filepath.Join(layout.MountRoot, ".nudge"), time.Now().String())
			}
		case <-deadline:
			t.Fatal("watcher never rescanned")
		}
	}
}
