package devloop

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Manifest is the optional security/metadata descriptor an element may carry.
type Manifest struct {
	Attributes map[string]string
}

// Element is the unit of composition inside a Layer. It is an immutable view
// over one artifact path (archive or directory) exposing the resources it
// provides. Elements are closed when their owning Layer is disposed, except
// shared elements which are closed by the cache that owns them.
type Element interface {
	// Root returns the filesystem path this element wraps, empty for
	// in-memory elements.
	Root() string

	// Resource returns the content of the named resource, or
	// ErrResourceNotFound if this element does not provide it.
	Resource(name string) ([]byte, error)

	// ProvidedResources returns the sorted set of resource names this
	// element provides.
	ProvidedResources() []string

	// Manifest returns the element's descriptor, or nil if it has none.
	Manifest() *Manifest

	// Close releases any I/O handles held by the element.
	Close() error
}

// EmptyElement provides no resources. Artifacts whose type contributes
// nothing resolvable (native libraries and the like) map to it so callers
// never need a type check.
var EmptyElement Element = emptyElement{}

type emptyElement struct{}

func (emptyElement) Root() string                     { return "" }
func (emptyElement) Resource(string) ([]byte, error)  { return nil, ErrResourceNotFound }
func (emptyElement) ProvidedResources() []string      { return nil }
func (emptyElement) Manifest() *Manifest              { return nil }
func (emptyElement) Close() error                     { return nil }

// pathElement serves resources out of a directory tree.
type pathElement struct {
	root   string
	mu     sync.Mutex
	closed bool
}

// NewPathElement creates an element over a directory root. Resource names
// are slash-separated paths relative to the root.
func NewPathElement(root string) Element {
	return &pathElement{root: root}
}

func (p *pathElement) Root() string { return p.root }

func (p *pathElement) Resource(name string) ([]byte, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrElementClosed
	}
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return nil, ErrResourceNotFound
	}
	data, err := os.ReadFile(filepath.Join(p.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("reading resource %q: %w", name, err)
	}
	return data, nil
}

func (p *pathElement) ProvidedResources() []string {
	var names []string
	_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are simply not provided
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return nil
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(names)
	return names
}

func (p *pathElement) Manifest() *Manifest { return nil }

func (p *pathElement) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// archiveElement serves resources out of a zip archive. The archive stays
// open until the element is closed.
type archiveElement struct {
	path     string
	mu       sync.Mutex
	reader   *zip.ReadCloser
	index    map[string]*zip.File
	manifest *Manifest
}

// NewArchiveElement opens a zip archive and indexes its entries.
func NewArchiveElement(path string) (Element, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %q: %w", path, err)
	}
	idx := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		idx[f.Name] = f
	}
	return &archiveElement{path: path, reader: r, index: idx}, nil
}

func (a *archiveElement) Root() string { return a.path }

func (a *archiveElement) Resource(name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader == nil {
		return nil, ErrElementClosed
	}
	f, ok := a.index[name]
	if !ok {
		return nil, ErrResourceNotFound
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening archive entry %q: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading archive entry %q: %w", name, err)
	}
	return data, nil
}

func (a *archiveElement) ProvidedResources() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.index))
	for name := range a.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *archiveElement) Manifest() *Manifest { return a.manifest }

func (a *archiveElement) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader == nil {
		return nil
	}
	err := a.reader.Close()
	a.reader = nil
	return err
}

// MemoryElement is an in-memory key-to-bytes element. It backs both the
// resettable slot of a Layer (freshly generated resources injected between
// restarts) and zero-length banned-name sets. Unlike other elements its
// contents may be replaced wholesale via Reset.
type MemoryElement struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryElement creates a memory element with the given initial contents.
// The map is used directly; callers must not mutate it afterwards.
func NewMemoryElement(entries map[string][]byte) *MemoryElement {
	if entries == nil {
		entries = map[string][]byte{}
	}
	return &MemoryElement{entries: entries}
}

// Reset replaces the element's contents wholesale.
func (m *MemoryElement) Reset(entries map[string][]byte) {
	if entries == nil {
		entries = map[string][]byte{}
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
}

func (m *MemoryElement) Root() string { return "" }

func (m *MemoryElement) Resource(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entries[name]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return data, nil
}

func (m *MemoryElement) ProvidedResources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MemoryElement) Manifest() *Manifest { return nil }

func (m *MemoryElement) Close() error { return nil }

// filteredElement hides a fixed set of resource names from its delegate.
type filteredElement struct {
	delegate Element
	removed  map[string]struct{}
}

// NewFilteredElement wraps an element so the named resources are hidden.
func NewFilteredElement(delegate Element, removed []string) Element {
	set := make(map[string]struct{}, len(removed))
	for _, name := range removed {
		set[name] = struct{}{}
	}
	return &filteredElement{delegate: delegate, removed: set}
}

func (f *filteredElement) Root() string { return f.delegate.Root() }

func (f *filteredElement) Resource(name string) ([]byte, error) {
	if _, hidden := f.removed[name]; hidden {
		return nil, ErrResourceNotFound
	}
	return f.delegate.Resource(name)
}

func (f *filteredElement) ProvidedResources() []string {
	all := f.delegate.ProvidedResources()
	kept := all[:0:0]
	for _, name := range all {
		if _, hidden := f.removed[name]; !hidden {
			kept = append(kept, name)
		}
	}
	return kept
}

func (f *filteredElement) Manifest() *Manifest { return f.delegate.Manifest() }

func (f *filteredElement) Close() error { return f.delegate.Close() }

// compiledOnlyElement restricts its delegate to compiled-unit names.
//
// It exists for one purpose: when an application root is banned from a layer
// (because compiled units must come from the restart-managed layer), its
// non-compiled resources must stay visible through the normal chain, since
// many libraries look resources up via ambient context instead of an
// explicit loader reference.
type compiledOnlyElement struct {
	delegate Element
	suffix   string
}

// NewCompiledOnlyElement wraps an element so it only exposes names ending in
// the compiled-unit suffix.
func NewCompiledOnlyElement(delegate Element, suffix string) Element {
	return &compiledOnlyElement{delegate: delegate, suffix: suffix}
}

func (c *compiledOnlyElement) Root() string { return c.delegate.Root() }

func (c *compiledOnlyElement) Resource(name string) ([]byte, error) {
	if !strings.HasSuffix(name, c.suffix) {
		return nil, ErrResourceNotFound
	}
	return c.delegate.Resource(name)
}

func (c *compiledOnlyElement) ProvidedResources() []string {
	all := c.delegate.ProvidedResources()
	kept := all[:0:0]
	for _, name := range all {
		if strings.HasSuffix(name, c.suffix) {
			kept = append(kept, name)
		}
	}
	return kept
}

func (c *compiledOnlyElement) Manifest() *Manifest { return c.delegate.Manifest() }

func (c *compiledOnlyElement) Close() error { return c.delegate.Close() }

// sharedElement wraps a cache-owned element so a Layer closing it is a
// no-op. Two layers referencing the same artifact element must never
// double-close it; the owning cache calls closeUnderlying instead.
type sharedElement struct {
	Element
}

func (s *sharedElement) Close() error { return nil }

func (s *sharedElement) closeUnderlying() error { return s.Element.Close() }
