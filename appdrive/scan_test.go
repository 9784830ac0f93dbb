package appdrive

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func writeFile(t *testing.T, path, contents string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

// makeDrive lays out a valid drive on mountPoint with the given bundles, each mapping file names to contents.
func makeDrive(t *testing.T, root, mountPoint string, bundles map[string]map[string]string) string {
	drive := filepath.Join(root, mountPoint, "appdrive")
	writeFile(t, filepath.Join(drive, "appdrive.json"), `{"name": "drive-`+mountPoint+`", /* comment */ }`)
	require.NoError(t, os.MkdirAll(filepath.Join(drive, "system", "custom"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(drive, "apps"), 0755))
	for id, fs := range bundles {
		require.NoError(t, os.MkdirAll(filepath.Join(drive, "apps", id), 0755))
		for name, contents := range fs {
			writeFile(t, filepath.Join(drive, "apps", id, name), contents)
		}
	}
	return drive
}

func testLayout(t *testing.T) Layout {
	root := t.TempDir()
	return Layout{
		MountRoot:    root,
		MountPoints:  DefaultMountPoints,
		RuntimeMount: filepath.Join(root, "data_persist", "appdrive", "custom"),
	}
}

func TestScanSingleBundle(t *testing.T) {
	layout := testLayout(t)
	drive := makeDrive(t, layout.MountRoot, "sdb", map[string]map[string]string{
		"com.example.clock": {"app.js": "clock();"},
	})

	s := NewScanner(log, layout)
	reg, err := s.Scan()
	require.NoError(t, err)

	assert.True(t, reg.Enabled)
	assert.Equal(t, "sdb", reg.MountPoint)
	assert.Equal(t, []string{"com.example.clock"}, reg.IDs())
	b, ok := reg.Bundle("com.example.clock")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"app.js": filepath.Join(drive, "apps", "com.example.clock", "app.js")}, b.Files)
	assert.Nil(t, b.Info)
	assert.Equal(t, "drive-sdb", reg.Manifest["name"])
	assert.Equal(t, Locations{
		Root:  drive,
		Apps:  filepath.Join(drive, "apps"),
		Mount: layout.RuntimeMount,
	}, reg.Locations)
	assert.Equal(t, []string{filepath.Join(drive, "system", "framework", "framework.js")}, reg.Resources.JS)
	assert.Equal(t, []string{filepath.Join(drive, "system", "framework", "framework.css")}, reg.Resources.CSS)

	target, err := os.Readlink(layout.RuntimeMount)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(drive, "system", "custom"), target)

	assert.Same(t, reg, s.Current())
}

func TestScanIsIdempotent(t *testing.T) {
	layout := testLayout(t)
	makeDrive(t, layout.MountRoot, "sda", map[string]map[string]string{
		"a": {"app.js": "a", "app.css": "a", "worker.js": "w"},
		"b": {"app.json": `{"title": "B"}`},
	})
	s := NewScanner(log, layout)

	first, err := s.Scan()
	require.NoError(t, err)
	second, err := s.Scan()
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, first.IDs(), second.IDs())
	assert.Equal(t, first.Bundles, second.Bundles)
	assert.Equal(t, first.Resources, second.Resources)
	assert.Equal(t, []string{"a"}, second.Workers)
	assert.Equal(t, "B", second.Bundles["b"].Info["title"])
}

func TestScanPrecedence(t *testing.T) {
	layout := testLayout(t)
	sda := makeDrive(t, layout.MountRoot, "sda", map[string]map[string]string{
		"shared": {"app.js": "from sda"},
	})
	sdc := makeDrive(t, layout.MountRoot, "sdc", map[string]map[string]string{
		"shared": {"app.js": "from sdc", "app.css": "x"},
		"extra":  {"app.css": "y"},
	})

	reg, err := NewScanner(log, layout).Scan()
	require.NoError(t, err)

	assert.Equal(t, "sda", reg.MountPoint)
	assert.Equal(t, []string{"shared", "extra"}, reg.IDs())
	shared := reg.Bundles["shared"]
	assert.Equal(t, "sda", shared.MountPoint)
	assert.Equal(t, filepath.Join(sda, "apps", "shared"), shared.Path)
	assert.Len(t, shared.Files, 1)
	assert.Equal(t, "sdc", reg.Bundles["extra"].MountPoint)
	assert.Len(t, reg.Resources.JS, 1)

	assert.Equal(t, []string{
		filepath.Join(sda, "system", "framework", "framework.js"),
		filepath.Join(sda, "apps", "shared", "app.js"),
	}, reg.Scripts())
	assert.Equal(t, []string{
		filepath.Join(sda, "system", "framework", "framework.css"),
		filepath.Join(sdc, "apps", "extra", "app.css"),
	}, reg.Stylesheets())
}

func TestScanRejectsIncompleteDrives(t *testing.T) {
	layout := testLayout(t)
	root := layout.MountRoot

	// manifest without system dir
	writeFile(t, filepath.Join(root, "sd_nav", "appdrive", "appdrive.json"), "{}")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sd_nav", "appdrive", "apps", "x"), 0755))
	writeFile(t, filepath.Join(root, "sd_nav", "appdrive", "apps", "x", "app.js"), "x")
	// system and apps but the manifest is a directory
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sda", "appdrive", "appdrive.json"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sda", "appdrive", "system"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sda", "appdrive", "apps"), 0755))

	reg, err := NewScanner(log, layout).Scan()
	require.NoError(t, err)
	assert.False(t, reg.Enabled)
	assert.Empty(t, reg.Bundles)
	assert.Empty(t, reg.Scripts())
	assert.False(t, filesExist(layout.RuntimeMount))
}

func TestScanSkipsNonBundles(t *testing.T) {
	layout := testLayout(t)
	drive := makeDrive(t, layout.MountRoot, "sde", map[string]map[string]string{
		"empty":   {"readme.txt": "nothing to load"},
		"broken":  {"app.json": "{not json", "app.js": "1"},
		"nesting": {"app.js/inner": "dir named like a file"},
	})
	writeFile(t, filepath.Join(drive, "apps", "stray.js"), "not a directory")

	reg, err := NewScanner(log, layout).Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, reg.IDs())
	assert.Nil(t, reg.Bundles["broken"].Info)
	assert.Contains(t, reg.Bundles["broken"].Files, FileManifest)
}

func TestScanReplacesStaleLink(t *testing.T) {
	layout := testLayout(t)
	old := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Dir(layout.RuntimeMount), 0755))
	require.NoError(t, os.Symlink(old, layout.RuntimeMount))
	drive := makeDrive(t, layout.MountRoot, "sdf", nil)

	reg, err := NewScanner(log, layout).Scan()
	require.NoError(t, err)
	assert.True(t, reg.Enabled)
	target, err := os.Readlink(layout.RuntimeMount)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(drive, "system", "custom"), target)
}

func TestScanSingleFlight(t *testing.T) {
	layout := testLayout(t)
	s := NewScanner(log, layout)
	s.scanning.Store(true)
	_, err := s.Scan()
	assert.ErrorIs(t, err, ErrScanInProgress)
	s.scanning.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg, err := s.Scan()
			if err == nil {
				assert.NotNil(t, reg)
			} else {
				assert.ErrorIs(t, err, ErrScanInProgress)
			}
		}()
	}
	wg.Wait()
	assert.False(t, s.scanning.Load())
}

func filesExist(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
