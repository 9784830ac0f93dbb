package frontend

import (
	"sync"

	"github.com/guseggert/appdrive/rpc"
	"go.uber.org/zap"
)

// Element is a resource injected into the host's execution environment.
type Element struct {
	// Kind is rpc.KindLoadJS for scripts and rpc.KindLoadCSS for stylesheets.
	Kind     rpc.Kind
	Location string
	Contents string
}

// Host is the execution environment the UI runtime provides.
type Host interface {
	// Remove deletes every injected element tagged with location and returns how many were removed.
	Remove(location string) int
	// Append injects el after all existing elements.
	Append(el Element) error
}

// MemoryHost keeps injected elements in a list. It is safe for concurrent use.
type MemoryHost struct {
	mu       sync.Mutex
	elements []Element
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{}
}

func (h *MemoryHost) Remove(location string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.elements[:0]
	removed := 0
	for _, el := range h.elements {
		if el.Location == location {
			removed++
			continue
		}
		kept = append(kept, el)
	}
	h.elements = kept
	return removed
}

func (h *MemoryHost) Append(el Element) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.elements = append(h.elements, el)
	return nil
}

// Elements returns a snapshot of the injected elements in document order.
func (h *MemoryHost) Elements() []Element {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Element(nil), h.elements...)
}

// LoggingHost decorates a Host, logging every change made to it.
type LoggingHost struct {
	Host
	Log *zap.SugaredLogger
}

func (h *LoggingHost) Remove(location string) int {
	n := h.Host.Remove(location)
	if n > 0 {
		h.Log.Debugw("removed element", "Location", location, "Count", n)
	}
	return n
}

func (h *LoggingHost) Append(el Element) error {
	err := h.Host.Append(el)
	h.Log.Infow("injected element", "Kind", el.Kind, "Location", el.Location, "Bytes", len(el.Contents), "Error", err)
	return err
}
