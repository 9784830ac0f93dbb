// Package appdrive discovers application bundles on mounted storage volumes.
//
// Every mount point M is expected to look like this:
//
//	M/appdrive/appdrive.json                  drive manifest (required)
//	M/appdrive/system/                        (required)
//	M/appdrive/system/framework/framework.js
//	M/appdrive/system/framework/framework.css
//	M/appdrive/system/custom/                 linked at the runtime mount path
//	M/appdrive/apps/<id>/{app.js,app.json,app.css,worker.js}
package appdrive

import (
	"path/filepath"
)

const (
	DefaultMountRoot    = "/tmp/mnt"
	DefaultRuntimeMount = "/tmp/mnt/data_persist/appdrive/custom"

	driveDir      = "appdrive"
	driveManifest = "appdrive.json"
	appsDir       = "apps"
	systemDir     = "system"
	frameworkDir  = "framework"
	customDir     = "custom"

	FrameworkScript = "framework.js"
	FrameworkStyle  = "framework.css"
)

// Files a bundle directory may contain. At least one must be present.
const (
	FileScript   = "app.js"
	FileManifest = "app.json"
	FileStyle    = "app.css"
	FileWorker   = "worker.js"
)

var bundleFiles = []string{FileScript, FileManifest, FileStyle, FileWorker}

// DefaultMountPoints are scanned in this order; earlier entries take precedence.
var DefaultMountPoints = []string{"sd_nav", "sda", "sdb", "sdc", "sdd", "sde", "sdf"}

// Layout says where to look for drives and where to link the active drive's custom code.
type Layout struct {
	MountRoot    string
	MountPoints  []string
	RuntimeMount string
}

func DefaultLayout() Layout {
	return Layout{
		MountRoot:    DefaultMountRoot,
		MountPoints:  append([]string(nil), DefaultMountPoints...),
		RuntimeMount: DefaultRuntimeMount,
	}
}

func (l Layout) drivePath(mountPoint string) string {
	return filepath.Join(l.MountRoot, mountPoint, driveDir)
}

// Locations are the paths of the drive that won discovery.
type Locations struct {
	Root  string `json:"root"`
	Apps  string `json:"apps"`
	Mount string `json:"mount"`
}

// Bundle is one application found under a drive's apps directory.
type Bundle struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	MountPoint string `json:"mountPoint"`
	// Files maps each present bundle file name to its full path.
	Files map[string]string `json:"files"`
	// Info is the parsed app.json, nil if absent or unparseable.
	Info map[string]any `json:"info,omitempty"`
}

// File returns the full path of a bundle file if it is present.
func (b *Bundle) File(name string) (string, bool) {
	p, ok := b.Files[name]
	return p, ok
}

func (b *Bundle) HasWorker() bool {
	_, ok := b.Files[FileWorker]
	return ok
}

// Resources are the framework files pushed to the frontend, in push order.
type Resources struct {
	JS  []string `json:"js"`
	CSS []string `json:"css"`
}

// Registry is the result of one discovery pass. It is never modified after Scan returns it.
type Registry struct {
	Enabled    bool               `json:"enabled"`
	MountPoint string             `json:"mountPoint,omitempty"`
	Locations  Locations          `json:"locations"`
	Manifest   map[string]any     `json:"package,omitempty"`
	Bundles    map[string]*Bundle `json:"applications"`
	Resources  Resources          `json:"resources"`
	// Order lists bundle ids in registration order.
	Order []string `json:"order"`
	// Workers lists the ids of bundles that ship a worker.js.
	Workers []string `json:"workers"`
}

func newRegistry() *Registry {
	return &Registry{
		Bundles:   map[string]*Bundle{},
		Resources: Resources{JS: []string{}, CSS: []string{}},
		Order:     []string{},
		Workers:   []string{},
	}
}

// IDs returns bundle ids in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.Order...)
}

func (r *Registry) Bundle(id string) (*Bundle, bool) {
	b, ok := r.Bundles[id]
	return b, ok
}

// Scripts returns the framework scripts followed by each bundle's app.js.
func (r *Registry) Scripts() []string {
	return r.collect(r.Resources.JS, FileScript)
}

// Stylesheets returns the framework stylesheets followed by each bundle's app.css.
func (r *Registry) Stylesheets() []string {
	return r.collect(r.Resources.CSS, FileStyle)
}

func (r *Registry) collect(framework []string, name string) []string {
	paths := append([]string(nil), framework...)
	for _, id := range r.Order {
		if p, ok := r.Bundles[id].File(name); ok {
			paths = append(paths, p)
		}
	}
	return paths
}

func (r *Registry) register(b *Bundle) {
	r.Bundles[b.ID] = b
	r.Order = append(r.Order, b.ID)
	if b.HasWorker() {
		r.Workers = append(r.Workers, b.ID)
	}
}
