package devloop

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// LayerDirectives is the resolved classification configuration applied on
// top of the artifact flags while composing layers. Key sets come from the
// configuration surface; the effective classification of an artifact is the
// OR of its own flags and these sets.
type LayerDirectives struct {
	ParentFirst      map[ArtifactKey]struct{}
	LesserPriority   map[ArtifactKey]struct{}
	Reloadable       map[ArtifactKey]struct{}
	Removed          map[ArtifactKey]struct{}
	RemovedResources map[ArtifactKey][]string
}

// NewLayerDirectives returns empty directives, useful when everything is
// driven by artifact flags alone.
func NewLayerDirectives() *LayerDirectives {
	return &LayerDirectives{
		ParentFirst:      map[ArtifactKey]struct{}{},
		LesserPriority:   map[ArtifactKey]struct{}{},
		Reloadable:       map[ArtifactKey]struct{}{},
		Removed:          map[ArtifactKey]struct{}{},
		RemovedResources: map[ArtifactKey][]string{},
	}
}

// AppLayerSet builds and owns the code-loading layers a dev-mode process
// resolves symbols from: a memoized augmentation layer (build-time tooling),
// a memoized base runtime layer, a memoized deployment layer, and a runtime
// layer rebuilt fresh on every restart on top of the base runtime layer.
//
// Elements for artifacts are cached per key so two layers referencing the
// same artifact share one element; the cache, not the layers, closes them.
type AppLayerSet struct {
	model      *ApplicationModel
	directives *LayerDirectives

	appRoots      []string
	buildArchives []string
	additional    []AdditionalArchive
	flatTest      bool
	testMode      bool
	suffix        string
	logger        Logger

	mu           sync.Mutex
	shared       map[ArtifactKey][]*sharedElement
	augmentation *Layer
	baseRuntime  *Layer
	deployment   *Layer
	closed       bool

	restartCount atomic.Int64
}

// AppLayerOption configures an AppLayerSet.
type AppLayerOption func(*AppLayerSet)

// WithApplicationRoots sets the output roots of the in-development
// application itself.
func WithApplicationRoots(roots ...string) AppLayerOption {
	return func(s *AppLayerSet) { s.appRoots = roots }
}

// WithBuildArchives adds build-time-only archives to the augmentation layer.
func WithBuildArchives(paths ...string) AppLayerOption {
	return func(s *AppLayerSet) { s.buildArchives = paths }
}

// WithAdditionalArchives adds extra application archives, hot-reloadable or
// not.
func WithAdditionalArchives(archives ...AdditionalArchive) AppLayerOption {
	return func(s *AppLayerSet) { s.additional = archives }
}

// WithTestMode marks the layer set as serving a test process, which only
// affects diagnostic layer names.
func WithTestMode(test bool) AppLayerOption {
	return func(s *AppLayerSet) { s.testMode = test }
}

// WithFlatTestMode puts the base runtime layer in flat test mode: the
// application's own output is added directly instead of banned, since tests
// never restart.
func WithFlatTestMode(flat bool) AppLayerOption {
	return func(s *AppLayerSet) {
		s.flatTest = flat
		if flat {
			s.testMode = true
		}
	}
}

// WithCompiledSuffix overrides the compiled-unit name suffix used by the
// compiled-only banned decorator.
func WithCompiledSuffix(suffix string) AppLayerOption {
	return func(s *AppLayerSet) {
		if suffix != "" {
			s.suffix = suffix
		}
	}
}

// WithLayerLogger sets the logger used during layer composition.
func WithLayerLogger(logger Logger) AppLayerOption {
	return func(s *AppLayerSet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewAppLayerSet creates the layer set for one application lifetime.
func NewAppLayerSet(model *ApplicationModel, directives *LayerDirectives, opts ...AppLayerOption) *AppLayerSet {
	if directives == nil {
		directives = NewLayerDirectives()
	}
	s := &AppLayerSet{
		model:      model,
		directives: directives,
		suffix:     DefaultCompiledSuffix,
		logger:     noopLogger{},
		shared:     make(map[ArtifactKey][]*sharedElement),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AppLayerSet) mode() string {
	if s.testMode {
		return "test"
	}
	return "dev"
}

func (s *AppLayerSet) isReloadable(a Artifact) bool {
	_, ok := s.directives.Reloadable[a.Key]
	return a.Reloadable || ok
}

func (s *AppLayerSet) isRemoved(a Artifact) bool {
	_, ok := s.directives.Removed[a.Key]
	return a.Removed || ok
}

func (s *AppLayerSet) isParentFirst(a Artifact) bool {
	_, ok := s.directives.ParentFirst[a.Key]
	return a.ParentFirst || ok
}

func (s *AppLayerSet) isLesserPriority(a Artifact) bool {
	_, ok := s.directives.LesserPriority[a.Key]
	return a.LesserPriority || ok
}

// elementFromPath wraps a filesystem path as an element, archive or
// directory depending on what is actually there.
func elementFromPath(path string) (Element, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("resolving element path %q: %w", path, err)
	}
	if info.IsDir() {
		return NewPathElement(path), nil
	}
	return NewArchiveElement(path)
}

// elementsFor returns the cached, shared elements for an artifact, creating
// and caching them on first use. Per-artifact removed resources are applied
// here so every layer sees the same filtered view.
func (s *AppLayerSet) elementsFor(a Artifact) ([]Element, error) {
	if a.Type == TypeOther {
		// avoid the need for this sort of check in multiple places
		return []Element{EmptyElement}, nil
	}
	if cached, ok := s.shared[a.Key]; ok {
		out := make([]Element, len(cached))
		for i, el := range cached {
			out[i] = el
		}
		return out, nil
	}
	removed := append([]string(nil), a.RemovedResources...)
	removed = append(removed, s.directives.RemovedResources[a.Key]...)

	wrapped := make([]*sharedElement, 0, len(a.Paths))
	for _, path := range a.Paths {
		el, err := elementFromPath(path)
		if err != nil {
			return nil, err
		}
		if len(removed) > 0 {
			el = NewFilteredElement(el, removed)
		}
		wrapped = append(wrapped, &sharedElement{Element: el})
	}
	s.shared[a.Key] = wrapped
	out := make([]Element, len(wrapped))
	for i, el := range wrapped {
		out[i] = el
	}
	return out, nil
}

// addByPriority places an artifact's element in exactly one resolvable
// bucket. Parent-first wins over lesser-priority when an artifact is flagged
// as both.
func (s *AppLayerSet) addByPriority(b *LayerBuilder, a Artifact, el Element) {
	switch {
	case s.isParentFirst(a):
		b.AddParentFirstElement(el)
	case s.isLesserPriority(a):
		b.AddLesserPriorityElement(el)
	default:
		b.AddElement(el)
	}
}

// globalBannedElement builds the zero-length-byte banned element covering
// every configured removed resource name.
func (s *AppLayerSet) globalBannedElement() *MemoryElement {
	banned := map[string][]byte{}
	for _, names := range s.directives.RemovedResources {
		for _, name := range names {
			banned[name] = []byte{}
		}
	}
	return NewMemoryElement(banned)
}

// walkDependencies applies the removal-wins tie-break over a dependency list.
func (s *AppLayerSet) walkDependencies(b *LayerBuilder, deps []Artifact, skip func(Artifact) bool) error {
	for _, dep := range deps {
		if s.isReloadable(dep) {
			continue
		}
		if skip != nil && skip(dep) {
			continue
		}
		els, err := s.elementsFor(dep)
		if err != nil {
			return err
		}
		for _, el := range els {
			if s.isRemoved(dep) {
				b.AddBannedElement(el)
			} else {
				s.addByPriority(b, dep, el)
			}
		}
	}
	return nil
}

// AugmentationLayer returns the layer that resolves build-time tooling and
// its dependencies, excluding runtime-reloadable and user code. Built once,
// memoized.
func (s *AppLayerSet) AugmentationLayer() (*Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.augmentationLayerLocked()
}

func (s *AppLayerSet) augmentationLayerLocked() (*Layer, error) {
	if s.closed {
		return nil, ErrLayerSetClosed
	}
	if s.augmentation != nil {
		return s.augmentation, nil
	}
	b := NewLayer("augmentation layer: "+s.mode(), nil, false)
	if err := s.walkDependencies(b, s.model.Dependencies, nil); err != nil {
		return nil, err
	}
	for _, path := range s.buildArchives {
		el, err := elementFromPath(path)
		if err != nil {
			return nil, err
		}
		b.AddElement(el)
	}
	b.AddBannedElement(s.globalBannedElement())
	s.augmentation = b.Build()
	s.logger.Debug("Built augmentation layer", "elements", len(s.model.Dependencies))
	return s.augmentation, nil
}

// BaseRuntimeLayer returns the layer that resolves runtime dependencies,
// excluding anything hot-reloadable. Built once, memoized. The restart-
// managed runtime layer is stacked on top of it.
func (s *AppLayerSet) BaseRuntimeLayer() (*Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseRuntimeLayerLocked()
}

func (s *AppLayerSet) baseRuntimeLayerLocked() (*Layer, error) {
	if s.closed {
		return nil, ErrLayerSetClosed
	}
	if s.baseRuntime != nil {
		return s.baseRuntime, nil
	}
	b := NewLayer("base runtime layer: "+s.mode(), nil, false)

	if s.flatTest {
		// everything in one layer, tests never restart
		for _, root := range s.appRoots {
			b.AddElement(NewPathElement(root))
		}
	} else {
		for _, root := range s.appRoots {
			b.AddBannedElement(NewCompiledOnlyElement(NewPathElement(root), s.suffix))
		}
	}

	hotReloadPaths := map[string]struct{}{}
	for _, add := range s.additional {
		for _, path := range add.Paths {
			if add.HotReloadable {
				hotReloadPaths[path] = struct{}{}
				el, err := elementFromPath(path)
				if err != nil {
					return nil, err
				}
				b.AddBannedElement(NewCompiledOnlyElement(el, s.suffix))
			} else {
				el, err := elementFromPath(path)
				if err != nil {
					return nil, err
				}
				b.AddElement(el)
			}
		}
	}

	b.SetResettableElement(NewMemoryElement(nil))
	b.AddBannedElement(s.globalBannedElement())

	err := s.walkDependencies(b, s.model.RuntimeDependencies, func(a Artifact) bool {
		for _, p := range a.Paths {
			if _, hot := hotReloadPaths[p]; hot {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	s.baseRuntime = b.Build()
	return s.baseRuntime, nil
}

// DeploymentLayer returns the layer used to run build-time logic against the
// current, not-yet-restarted application sources: the augmentation layer as
// parent, plus the application's own output. Aggregates parent lookups so it
// sees everything the augmentation layer sees. Built once, memoized.
func (s *AppLayerSet) DeploymentLayer() (*Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrLayerSetClosed
	}
	if s.deployment != nil {
		return s.deployment, nil
	}
	parent, err := s.augmentationLayerLocked()
	if err != nil {
		return nil, err
	}
	b := NewLayer("deployment layer: "+s.mode(), parent, true)
	for _, root := range s.appRoots {
		b.AddElement(NewPathElement(root))
	}
	b.SetResettableElement(NewMemoryElement(nil))
	for _, add := range s.additional {
		for _, path := range add.Paths {
			el, elErr := elementFromPath(path)
			if elErr != nil {
				return nil, elErr
			}
			b.AddElement(el)
		}
	}
	if err := s.addReloadableRuntimeDeps(b); err != nil {
		return nil, err
	}
	s.deployment = b.Build()
	return s.deployment, nil
}

func (s *AppLayerSet) addReloadableRuntimeDeps(b *LayerBuilder) error {
	for _, dep := range s.model.RuntimeDependencies {
		if !s.isReloadable(dep) {
			continue
		}
		els, err := s.elementsFor(dep)
		if err != nil {
			return err
		}
		for _, el := range els {
			if s.isRemoved(dep) {
				b.AddBannedElement(el)
			} else {
				s.addByPriority(b, dep, el)
			}
		}
	}
	return nil
}

// RuntimeLayer builds a fresh runtime layer for one application start: the
// base runtime layer as parent, the given freshly generated resources as an
// in-memory element, the application's own output, hot-reloadable archives,
// and the transformed-unit overrides. Never memoized; every restart gets a
// new sibling with a monotonically increasing restart counter in its name.
func (s *AppLayerSet) RuntimeLayer(resources, transformedUnits map[string][]byte) (*Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrLayerSetClosed
	}
	parent, err := s.baseRuntimeLayerLocked()
	if err != nil {
		return nil, err
	}
	restart := s.restartCount.Add(1) - 1
	b := NewLayer(fmt.Sprintf("runtime layer: %s restart no:%d", s.mode(), restart), parent, true)
	b.SetTransformedUnits(transformedUnits)
	b.AddElement(NewMemoryElement(resources))
	for _, root := range s.appRoots {
		b.AddElement(NewPathElement(root))
	}
	for _, add := range s.additional {
		if !add.HotReloadable {
			continue
		}
		for _, path := range add.Paths {
			el, elErr := elementFromPath(path)
			if elErr != nil {
				return nil, elErr
			}
			b.AddElement(el)
		}
	}
	if err := s.addReloadableRuntimeDeps(b); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// RestartCount reports how many runtime layers have been built.
func (s *AppLayerSet) RestartCount() int64 {
	return s.restartCount.Load()
}

// Close disposes the memoized layers and every cached shared element.
func (s *AppLayerSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, layer := range []*Layer{s.augmentation, s.baseRuntime, s.deployment} {
		if layer != nil {
			if err := layer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, els := range s.shared {
		for _, el := range els {
			if err := el.closeUnderlying(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
