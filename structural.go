package devloop

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pmezard/go-difflib/difflib"
)

// TypeShape is the structural snapshot of one type: its name and the set of
// member signatures it declares. Two shapes with equal member sets differ at
// most in method bodies, which a live-redefinition facility can swap in
// place.
type TypeShape struct {
	Name    string   `json:"type"`
	Members []string `json:"members"`
}

// sortedMembers returns the member set in canonical order for comparison and
// diff rendering.
func (s TypeShape) sortedMembers() []string {
	out := make([]string, len(s.Members))
	copy(out, s.Members)
	sort.Strings(out)
	return out
}

// SameShape reports whether two shapes declare identical member sets.
func (s TypeShape) SameShape(other TypeShape) bool {
	a, b := s.sortedMembers(), other.sortedMembers()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StructuralIndex maps type names to their shapes, covering the code a
// running process was started from.
type StructuralIndex map[string]TypeShape

// Clone returns an independent copy.
func (idx StructuralIndex) Clone() StructuralIndex {
	out := make(StructuralIndex, len(idx))
	for name, shape := range idx {
		out[name] = shape
	}
	return out
}

// StructuralIndexer derives type shapes from the bytes of one compiled unit.
type StructuralIndexer interface {
	Index(unitPath string, data []byte) ([]TypeShape, error)
}

// TypeDefinition is one type handed to a Redefiner: its name and the compiled
// unit bytes that now define it.
type TypeDefinition struct {
	Name string
	Path string
	Data []byte
}

// Redefiner is the live-redefinition facility. Availability is dynamic; an
// attached debugger or instrumentation agent may come and go.
type Redefiner interface {
	Available() bool
	Redefine(defs []TypeDefinition) error
}

// TypeVeto can reject an individual type from being hot-swapped even when its
// shape is unchanged.
type TypeVeto func(shape TypeShape) bool

// IndexVeto can reject a whole candidate index.
type IndexVeto func(index StructuralIndex) bool

// manifestIndexer reads a JSON manifest embedded in the compiled unit, either
// a single {"type": ..., "members": [...]} object or an array of them.
type manifestIndexer struct{}

// NewManifestIndexer returns the default StructuralIndexer.
func NewManifestIndexer() StructuralIndexer { return manifestIndexer{} }

func (manifestIndexer) Index(unitPath string, data []byte) ([]TypeShape, error) {
	var many []TypeShape
	if err := json.Unmarshal(data, &many); err == nil {
		return many, validShapes(unitPath, many)
	}
	var one TypeShape
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadUnitManifest, unitPath, err)
	}
	return []TypeShape{one}, validShapes(unitPath, []TypeShape{one})
}

func validShapes(unitPath string, shapes []TypeShape) error {
	for _, shape := range shapes {
		if shape.Name == "" {
			return fmt.Errorf("%w: %s: unnamed type", ErrBadUnitManifest, unitPath)
		}
	}
	return nil
}

// hotSwapEngine decides whether a set of changed compiled units can be
// redefined in a running process instead of forcing a restart.
type hotSwapEngine struct {
	indexer     StructuralIndexer
	redefiner   Redefiner
	logger      Logger
	typeVetoes  []TypeVeto
	indexVetoes []IndexVeto
}

func newHotSwapEngine(indexer StructuralIndexer, redefiner Redefiner, logger Logger) *hotSwapEngine {
	if indexer == nil {
		indexer = NewManifestIndexer()
	}
	return &hotSwapEngine{indexer: indexer, redefiner: redefiner, logger: logger}
}

func (h *hotSwapEngine) addTypeVeto(v TypeVeto)   { h.typeVetoes = append(h.typeVetoes, v) }
func (h *hotSwapEngine) addIndexVeto(v IndexVeto) { h.indexVetoes = append(h.indexVetoes, v) }

// indexUnits builds a StructuralIndex over the given compiled units, used to
// record the baseline after a successful start.
func (h *hotSwapEngine) indexUnits(paths []string) (StructuralIndex, error) {
	index := StructuralIndex{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		shapes, err := h.indexer.Index(path, data)
		if err != nil {
			return nil, err
		}
		for _, shape := range shapes {
			index[shape.Name] = shape
		}
	}
	return index, nil
}

// tryHotSwap attempts an in-place redefinition of the scan's changed units
// against the baseline index. The structural preconditions from the scan
// result must already hold: no added units, no deleted units, at least one
// changed unit. On success the updated baseline is returned; on any rejection
// an error explains why and the caller falls back to the normal restart
// decision.
func (h *hotSwapEngine) tryHotSwap(baseline StructuralIndex, changedUnits map[string]struct{}) (StructuralIndex, error) {
	if h.redefiner == nil || !h.redefiner.Available() {
		return nil, ErrRedefinerUnavailable
	}
	if baseline == nil {
		return nil, ErrNoStructuralBaseline
	}

	candidate := StructuralIndex{}
	var defs []TypeDefinition
	for unit := range changedUnits {
		data, err := os.ReadFile(unit)
		if err != nil {
			return nil, fmt.Errorf("reading changed unit %s: %w", unit, err)
		}
		shapes, err := h.indexer.Index(unit, data)
		if err != nil {
			return nil, err
		}
		for _, shape := range shapes {
			candidate[shape.Name] = shape
			defs = append(defs, TypeDefinition{Name: shape.Name, Path: unit, Data: data})
		}
	}

	for name, shape := range candidate {
		previous, existed := baseline[name]
		if !existed {
			return nil, fmt.Errorf("%w: type %s not present at last start", ErrSwapStructureChanged, name)
		}
		if !shape.SameShape(previous) {
			h.logShapeDrift(previous, shape)
			return nil, fmt.Errorf("%w: type %s", ErrSwapStructureChanged, name)
		}
		for _, veto := range h.typeVetoes {
			if veto(shape) {
				return nil, fmt.Errorf("%w: type %s", ErrSwapVetoed, name)
			}
		}
	}
	for _, veto := range h.indexVetoes {
		if veto(candidate) {
			return nil, ErrSwapVetoed
		}
	}

	if err := h.redefiner.Redefine(defs); err != nil {
		return nil, fmt.Errorf("redefinition failed: %w", err)
	}

	updated := baseline.Clone()
	for name, shape := range candidate {
		updated[name] = shape
	}
	return updated, nil
}

// logShapeDrift renders a member-level diff so the log says exactly which
// signatures changed.
func (h *hotSwapEngine) logShapeDrift(previous, current TypeShape) {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        previous.sortedMembers(),
		B:        current.sortedMembers(),
		FromFile: "last start",
		ToFile:   "current",
		Context:  2,
	})
	if err != nil {
		h.logger.Debug("Could not render member diff", "type", current.Name, "error", err)
		return
	}
	h.logger.Info("Structural change blocks in-place redefinition, restarting",
		"type", current.Name, "diff", diff)
}
