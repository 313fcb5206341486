package devloop

import (
	"errors"
	"sort"
	"sync"
)

// Layer is an ordered, filtered composition of elements from which named
// resources are resolved. Resolution order is: banned exclusion, transformed
// overrides, parent-first elements (bridged through the parent delegate),
// the resettable element, normal then lesser-priority elements in insertion
// order, and finally the parent delegate.
//
// A Layer is immutable in structure once built. Only the resettable
// element's contents and the transformed overrides may be replaced between
// restarts.
type Layer struct {
	name            string
	parent          *Layer
	aggregateParent bool

	parentFirst []Element
	normal      []Element
	lesser      []Element
	banned      []Element
	resettable  *MemoryElement
	transformed map[string][]byte

	mu     sync.Mutex
	closed bool
}

// LayerBuilder assembles a Layer. Obtain one via NewLayer.
type LayerBuilder struct {
	layer Layer
}

// NewLayer starts building a layer. When aggregateParentLookups is true the
// layer's provided-resource set includes everything the parent provides;
// when false, names a parent-first element shares with the parent
// short-circuit to the parent.
func NewLayer(name string, parent *Layer, aggregateParentLookups bool) *LayerBuilder {
	return &LayerBuilder{layer: Layer{
		name:            name,
		parent:          parent,
		aggregateParent: aggregateParentLookups,
	}}
}

// AddElement appends an element to the normal priority bucket.
func (b *LayerBuilder) AddElement(el Element) *LayerBuilder {
	b.layer.normal = append(b.layer.normal, el)
	return b
}

// AddParentFirstElement appends a bridge element: a small set of artifacts
// shared identically between the live process and its build-time tooling, so
// the same symbol identity is seen on both sides.
func (b *LayerBuilder) AddParentFirstElement(el Element) *LayerBuilder {
	b.layer.parentFirst = append(b.layer.parentFirst, el)
	return b
}

// AddLesserPriorityElement appends an element consulted after all normal
// elements.
func (b *LayerBuilder) AddLesserPriorityElement(el Element) *LayerBuilder {
	b.layer.lesser = append(b.layer.lesser, el)
	return b
}

// AddBannedElement appends an element whose provided names can never be
// resolved from this layer, regardless of any other bucket providing them.
func (b *LayerBuilder) AddBannedElement(el Element) *LayerBuilder {
	b.layer.banned = append(b.layer.banned, el)
	return b
}

// SetResettableElement installs the single mutable in-memory element used to
// inject freshly generated resources between restarts.
func (b *LayerBuilder) SetResettableElement(el *MemoryElement) *LayerBuilder {
	b.layer.resettable = el
	return b
}

// SetTransformedUnits installs byte overrides consulted before any element.
func (b *LayerBuilder) SetTransformedUnits(units map[string][]byte) *LayerBuilder {
	b.layer.transformed = units
	return b
}

// Build finalizes the layer.
func (b *LayerBuilder) Build() *Layer {
	l := b.layer
	return &l
}

// Name returns the diagnostic name the layer was built with.
func (l *Layer) Name() string { return l.name }

// Parent returns the parent delegate layer, or nil.
func (l *Layer) Parent() *Layer { return l.parent }

// isBanned reports whether any banned element provides the name.
func (l *Layer) isBanned(name string) bool {
	for _, el := range l.banned {
		if _, err := el.Resource(name); err == nil {
			return true
		}
	}
	return false
}

// provides reports whether resolution of the name would consult something in
// this layer (or, for aggregating layers, its parent chain).
func (l *Layer) provides(name string) bool {
	if l.isBanned(name) {
		return false
	}
	if _, ok := l.transformed[name]; ok {
		return true
	}
	buckets := [][]Element{l.parentFirst, l.normal, l.lesser}
	for _, bucket := range buckets {
		for _, el := range bucket {
			if _, err := el.Resource(name); err == nil {
				return true
			}
		}
	}
	if l.resettable != nil {
		if _, err := l.resettable.Resource(name); err == nil {
			return true
		}
	}
	if l.aggregateParent && l.parent != nil {
		return l.parent.provides(name)
	}
	return false
}

// Resource resolves a resource name against the composed layer.
func (l *Layer) Resource(name string) ([]byte, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrLayerClosed
	}

	if l.isBanned(name) {
		return nil, ErrResourceNotFound
	}
	if data, ok := l.transformed[name]; ok {
		return data, nil
	}

	// Bridge behavior: a name provided by a parent-first element resolves
	// from the parent when the parent already has it, so both sides share
	// one identity. Aggregating layers search their own bridge elements
	// first instead.
	for _, el := range l.parentFirst {
		data, err := el.Resource(name)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				continue
			}
			return nil, err
		}
		if !l.aggregateParent && l.parent != nil && l.parent.provides(name) {
			return l.parent.Resource(name)
		}
		return data, nil
	}

	if l.resettable != nil {
		if data, err := l.resettable.Resource(name); err == nil {
			return data, nil
		}
	}

	for _, bucket := range [][]Element{l.normal, l.lesser} {
		for _, el := range bucket {
			data, err := el.Resource(name)
			if err != nil {
				if errors.Is(err, ErrResourceNotFound) {
					continue
				}
				return nil, err
			}
			return data, nil
		}
	}

	if l.parent != nil {
		return l.parent.Resource(name)
	}
	return nil, ErrResourceNotFound
}

// ProvidedResources returns the sorted set of names resolvable from this
// layer, banned names excluded. Aggregating layers include everything their
// parent provides.
func (l *Layer) ProvidedResources() []string {
	set := make(map[string]struct{})
	for _, bucket := range [][]Element{l.parentFirst, l.normal, l.lesser} {
		for _, el := range bucket {
			for _, name := range el.ProvidedResources() {
				set[name] = struct{}{}
			}
		}
	}
	if l.resettable != nil {
		for _, name := range l.resettable.ProvidedResources() {
			set[name] = struct{}{}
		}
	}
	for name := range l.transformed {
		set[name] = struct{}{}
	}
	if l.aggregateParent && l.parent != nil {
		for _, name := range l.parent.ProvidedResources() {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		if !l.isBanned(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close disposes the layer, closing every element it owns. Shared elements
// wrapped by the layer-set cache survive; the cache closes them.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var errs []error
	for _, bucket := range [][]Element{l.parentFirst, l.normal, l.lesser, l.banned} {
		for _, el := range bucket {
			if err := el.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if l.resettable != nil {
		if err := l.resettable.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
