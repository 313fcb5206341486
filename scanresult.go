package devloop

import (
	"sort"
)

// ScanResult accumulates the compiled-unit changes observed by one scan.
// Created fresh per scan.
type ScanResult struct {
	AddedUnits   map[string]struct{}
	ChangedUnits map[string]struct{}
	DeletedUnits map[string]struct{}

	// CompilationHappened is true when at least one source file was handed
	// to the compiler during the scan, whether or not the compile
	// succeeded.
	CompilationHappened bool
}

// NewScanResult returns an empty accumulator.
func NewScanResult() *ScanResult {
	return &ScanResult{
		AddedUnits:   map[string]struct{}{},
		ChangedUnits: map[string]struct{}{},
		DeletedUnits: map[string]struct{}{},
	}
}

// AddAdded records a compiled unit first seen this scan.
func (r *ScanResult) AddAdded(unit string) { r.AddedUnits[unit] = struct{}{} }

// AddChanged records a compiled unit whose timestamp moved.
func (r *ScanResult) AddChanged(unit string) { r.ChangedUnits[unit] = struct{}{} }

// AddDeleted records a compiled unit removed from the output root.
func (r *ScanResult) AddDeleted(unit string) { r.DeletedUnits[unit] = struct{}{} }

// Changed reports whether the scan found any compiled-unit change at all.
func (r *ScanResult) Changed() bool {
	return len(r.AddedUnits) > 0 || len(r.ChangedUnits) > 0 || len(r.DeletedUnits) > 0
}

// Merge combines two results by unioning the three sets and ORing the
// compilation flag. Either argument may be nil.
func Merge(a, b *ScanResult) *ScanResult {
	out := NewScanResult()
	for _, r := range []*ScanResult{a, b} {
		if r == nil {
			continue
		}
		for unit := range r.AddedUnits {
			out.AddedUnits[unit] = struct{}{}
		}
		for unit := range r.ChangedUnits {
			out.ChangedUnits[unit] = struct{}{}
		}
		for unit := range r.DeletedUnits {
			out.DeletedUnits[unit] = struct{}{}
		}
		out.CompilationHappened = out.CompilationHappened || r.CompilationHappened
	}
	return out
}

// AllUnits returns every unit in the result, sorted, for logging.
func (r *ScanResult) AllUnits() []string {
	units := make([]string, 0, len(r.AddedUnits)+len(r.ChangedUnits)+len(r.DeletedUnits))
	for _, set := range []map[string]struct{}{r.AddedUnits, r.ChangedUnits, r.DeletedUnits} {
		for unit := range set {
			units = append(units, unit)
		}
	}
	sort.Strings(units)
	return units
}
