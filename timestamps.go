package devloop

import (
	"sync"
	"time"
)

// TimestampSet is the per-reload-domain record of last-seen modification
// times. Dev-mode replacement and test running track their changes in
// separate sets; the test set starts from a superset of the main set's
// knowledge via Merge.
//
// Readers such as status queries must never block behind an in-progress
// scan, so every access goes through a read-write lock with short critical
// sections instead of one broad scan lock.
type TimestampSet struct {
	mu sync.RWMutex

	// watched maps an absolute watched-file path to its last-seen
	// modification time. A zero time records a file observed absent.
	watched map[string]time.Time

	// watchedPaths maps the configured watched path (relative to a
	// resource root, or absolute) to whether its change requires a
	// restart.
	watchedPaths map[string]bool

	// units maps a compiled-unit path to its last-seen modification time.
	units map[string]time.Time

	// unitToSource maps a compiled-unit path to the source file that
	// produced it.
	unitToSource map[string]string
}

// NewTimestampSet returns an empty set.
func NewTimestampSet() *TimestampSet {
	return &TimestampSet{
		watched:      map[string]time.Time{},
		watchedPaths: map[string]bool{},
		units:        map[string]time.Time{},
		unitToSource: map[string]string{},
	}
}

// WatchedTime returns the recorded time for a watched file.
func (t *TimestampSet) WatchedTime(path string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.watched[path]
	return ts, ok
}

// SetWatchedTime records the time for a watched file.
func (t *TimestampSet) SetWatchedTime(path string, ts time.Time) {
	t.mu.Lock()
	t.watched[path] = ts
	t.mu.Unlock()
}

// SetWatchedPaths replaces the watched-path configuration wholesale.
func (t *TimestampSet) SetWatchedPaths(paths map[string]bool) {
	next := make(map[string]bool, len(paths))
	for k, v := range paths {
		next[k] = v
	}
	t.mu.Lock()
	t.watchedPaths = next
	t.mu.Unlock()
}

// AddWatchedPath registers one more watched path, used when glob patterns
// expand to concrete files.
func (t *TimestampSet) AddWatchedPath(path string, requiresRestart bool) {
	t.mu.Lock()
	t.watchedPaths[path] = requiresRestart
	t.mu.Unlock()
}

// WatchedPaths returns a copy of the watched-path configuration.
func (t *TimestampSet) WatchedPaths() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.watchedPaths))
	for k, v := range t.watchedPaths {
		out[k] = v
	}
	return out
}

// RequiresRestart reports whether a changed watched path is flagged
// restart-required.
func (t *TimestampSet) RequiresRestart(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watchedPaths[path]
}

// ClearWatchedTimes drops all recorded watched-file times, used when the
// watched-path configuration is replaced.
func (t *TimestampSet) ClearWatchedTimes() {
	t.mu.Lock()
	t.watched = map[string]time.Time{}
	t.mu.Unlock()
}

// UnitTime returns the recorded time for a compiled unit.
func (t *TimestampSet) UnitTime(unit string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.units[unit]
	return ts, ok
}

// SetUnitTime records the time for a compiled unit.
func (t *TimestampSet) SetUnitTime(unit string, ts time.Time) {
	t.mu.Lock()
	t.units[unit] = ts
	t.mu.Unlock()
}

// SourceFor returns the source path recorded for a compiled unit.
func (t *TimestampSet) SourceFor(unit string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src, ok := t.unitToSource[unit]
	return src, ok
}

// MapUnitToSource records the source file a compiled unit came from.
func (t *TimestampSet) MapUnitToSource(unit, source string) {
	t.mu.Lock()
	t.unitToSource[unit] = source
	t.mu.Unlock()
}

// ForgetUnit drops all knowledge of a compiled unit, used when its output
// file is cleaned up.
func (t *TimestampSet) ForgetUnit(unit string) {
	t.mu.Lock()
	delete(t.units, unit)
	delete(t.unitToSource, unit)
	t.mu.Unlock()
}

// Merge copies the other set's knowledge into this one. Watched-path
// configuration from the other set wins on conflicts.
func (t *TimestampSet) Merge(other *TimestampSet) {
	other.mu.RLock()
	watched := make(map[string]time.Time, len(other.watched))
	for k, v := range other.watched {
		watched[k] = v
	}
	units := make(map[string]time.Time, len(other.units))
	for k, v := range other.units {
		units[k] = v
	}
	sources := make(map[string]string, len(other.unitToSource))
	for k, v := range other.unitToSource {
		sources[k] = v
	}
	paths := make(map[string]bool, len(other.watchedPaths))
	for k, v := range other.watchedPaths {
		paths[k] = v
	}
	other.mu.RUnlock()

	t.mu.Lock()
	for k, v := range watched {
		t.watched[k] = v
	}
	for k, v := range units {
		t.units[k] = v
	}
	for k, v := range sources {
		t.unitToSource[k] = v
	}
	for k, v := range paths {
		t.watchedPaths[k] = v
	}
	t.mu.Unlock()
}
