package appdrive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/guseggert/appdrive/internal/files"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
)

var ErrScanInProgress = errors.New("discovery already in progress")

// Scanner runs discovery passes over a Layout and keeps the latest Registry.
type Scanner struct {
	log    *zap.SugaredLogger
	layout Layout

	scanning atomic.Bool

	mu      sync.Mutex
	current *Registry
}

func NewScanner(log *zap.SugaredLogger, layout Layout) *Scanner {
	return &Scanner{
		log:     log.Named("appdrive"),
		layout:  layout,
		current: newRegistry(),
	}
}

func (s *Scanner) Layout() Layout {
	return s.layout
}

// Current returns the registry from the last completed pass.
func (s *Scanner) Current() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Scan runs a full discovery pass and replaces the current registry with its result.
// Only one pass runs at a time; a concurrent call returns ErrScanInProgress.
//
// Mount points are visited in layout order. The first one with a drive manifest, a system
// directory and an apps directory becomes the active drive: it supplies the locations,
// manifest and framework resources, and its custom directory is linked at the runtime
// mount path. Bundles are collected from every valid drive, and the first drive to
// provide an id owns it.
func (s *Scanner) Scan() (*Registry, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.scanning.Store(false)

	reg := newRegistry()
	for _, mp := range s.layout.MountPoints {
		s.scanMountPoint(reg, mp)
	}

	s.log.Infow("discovery finished", "Enabled", reg.Enabled, "MountPoint", reg.MountPoint, "Bundles", len(reg.Bundles))

	s.mu.Lock()
	s.current = reg
	s.mu.Unlock()
	return reg, nil
}

func (s *Scanner) scanMountPoint(reg *Registry, mountPoint string) {
	drive := s.layout.drivePath(mountPoint)
	manifestPath := filepath.Join(drive, driveManifest)
	systemPath := filepath.Join(drive, systemDir)
	appsPath := filepath.Join(drive, appsDir)

	if !files.IsFile(manifestPath) || !files.IsDir(systemPath) || !files.IsDir(appsPath) {
		s.log.Debugw("mount point has no appdrive", "MountPoint", mountPoint)
		return
	}
	log := s.log.With("MountPoint", mountPoint)

	if !reg.Enabled {
		reg.Enabled = true
		reg.MountPoint = mountPoint
		reg.Locations = Locations{
			Root:  drive,
			Apps:  appsPath,
			Mount: s.layout.RuntimeMount,
		}
		manifest, err := readManifest(manifestPath)
		if err != nil {
			log.Warnw("unable to read drive manifest", "Path", manifestPath, "Error", err)
		}
		reg.Manifest = manifest

		framework := filepath.Join(systemPath, frameworkDir)
		reg.Resources.JS = append(reg.Resources.JS, filepath.Join(framework, FrameworkScript))
		reg.Resources.CSS = append(reg.Resources.CSS, filepath.Join(framework, FrameworkStyle))

		s.linkRuntimeMount(log, filepath.Join(systemPath, customDir))
		log.Infow("using appdrive", "Root", drive)
	} else {
		log.Infow("appdrive shadowed by earlier mount point, only new bundles are used", "Active", reg.MountPoint)
	}

	entries, err := os.ReadDir(appsPath)
	if err != nil {
		log.Warnw("unable to list applications", "Path", appsPath, "Error", err)
		return
	}
	for _, e := range entries {
		id := e.Name()
		if _, ok := reg.Bundles[id]; ok {
			log.Debugw("bundle already registered, ignoring", "ID", id)
			continue
		}
		b, ok := s.readBundle(log, mountPoint, filepath.Join(appsPath, id), id)
		if !ok {
			continue
		}
		reg.register(b)
		log.Debugw("registered bundle", "ID", id, "Files", len(b.Files))
	}
}

func (s *Scanner) readBundle(log *zap.SugaredLogger, mountPoint, path, id string) (*Bundle, bool) {
	if !files.IsDir(path) {
		return nil, false
	}
	b := &Bundle{
		ID:         id,
		Path:       path,
		MountPoint: mountPoint,
		Files:      map[string]string{},
	}
	for _, name := range bundleFiles {
		full := filepath.Join(path, name)
		if !files.IsFile(full) {
			continue
		}
		b.Files[name] = full
		if name == FileManifest {
			info, err := readManifest(full)
			if err != nil {
				log.Warnw("unable to read bundle manifest", "ID", id, "Error", err)
			}
			b.Info = info
		}
	}
	if len(b.Files) == 0 {
		log.Debugw("directory has no bundle files", "ID", id)
		return nil, false
	}
	return b, true
}

func (s *Scanner) linkRuntimeMount(log *zap.SugaredLogger, target string) {
	link := s.layout.RuntimeMount
	if link == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		log.Warnw("unable to create runtime mount parent", "Path", link, "Error", err)
		return
	}
	if err := files.Relink(target, link); err != nil {
		log.Warnw("unable to link runtime mount", "Path", link, "Target", target, "Error", err)
		return
	}
	log.Debugw("linked runtime mount", "Path", link, "Target", target)
}

// readManifest parses a JSON manifest. Comments and trailing commas are tolerated.
func readManifest(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(b), &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}
