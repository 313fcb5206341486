package devloop

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ResourceCopyNotification is invoked after a resource file is mirrored into
// a module's output root.
type ResourceCopyNotification func(module *ModuleInfo, relPath string)

// resourceSync mirrors changed non-compiled resources from source roots to
// output roots, tracks deletions, and detects watched-file changes.
type resourceSync struct {
	ctx               *DevContext
	logger            Logger
	notify            ResourceCopyNotification
	stabilizationWait time.Duration

	// corresponding tracks, per compilation unit, the mirrored target paths
	// so a resource that disappears from every source root can be deleted
	// from the mirror. Keyed per unit so a second module never deletes the
	// first one's files.
	mu            sync.Mutex
	corresponding map[*CompilationUnit]map[string]struct{}
}

func newResourceSync(ctx *DevContext, logger Logger, notify ResourceCopyNotification, stabilizationWait time.Duration) *resourceSync {
	if stabilizationWait <= 0 {
		stabilizationWait = defaultStabilizationWait
	}
	return &resourceSync{
		ctx:               ctx,
		logger:            logger,
		notify:            notify,
		stabilizationWait: stabilizationWait,
		corresponding:     map[*CompilationUnit]map[string]struct{}{},
	}
}

func (rs *resourceSync) mirroredTargets(unit *CompilationUnit) map[string]struct{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	set, ok := rs.corresponding[unit]
	if !ok {
		set = map[string]struct{}{}
		rs.corresponding[unit] = set
	}
	return set
}

// resourceRootsFor resolves the effective resource roots and output for a
// unit. Units without resource roots fall back to watching the compiled
// output root directly, with mirroring disabled.
func resourceRootsFor(unit *CompilationUnit) (roots []string, output string, doCopy bool) {
	roots = unit.ResourceRoots
	output = unit.ResourceOutputRoot
	doCopy = true
	if len(roots) == 0 {
		if unit.OutputRoot == "" {
			return nil, "", false
		}
		roots = []string{unit.OutputRoot}
		output = unit.OutputRoot
		doCopy = false
	}
	existing := roots[:0:0]
	for _, root := range roots {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			existing = append(existing, root)
		}
	}
	return existing, output, doCopy
}

// checkForFileChange mirrors changed resources and returns the set of
// changed watched paths (keyed as configured, relative or absolute).
func (rs *resourceSync) checkForFileChange(sel unitSelector, ts *TimestampSet) map[string]struct{} {
	changed := map[string]struct{}{}

	for _, module := range rs.ctx.Modules {
		unit := sel(module)
		if unit == nil {
			continue
		}
		roots, output, doCopy := resourceRootsFor(unit)
		if len(roots) == 0 || output == "" {
			continue
		}

		if doCopy {
			rs.mirrorResources(module, unit, roots, output, ts, changed)
		}

		for _, root := range roots {
			rs.checkWatchedUnderRoot(root, output, doCopy, ts, changed)
		}
	}

	rs.checkAbsoluteWatched(ts, changed)
	return changed
}

// mirrorResources copies every modified non-watched resource into the output
// root and deletes mirrored files whose source has vanished.
func (rs *resourceSync) mirrorResources(module *ModuleInfo, unit *CompilationUnit, roots []string,
	output string, ts *TimestampSet, changed map[string]struct{}) {
	mirrored := rs.mirroredTargets(unit)

	seen := make(map[string]struct{}, len(mirrored))
	rs.mu.Lock()
	for target := range mirrored {
		seen[target] = struct{}{}
	}
	rs.mu.Unlock()

	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // unreadable entries skipped, scan continues
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil || rel == "." {
				return nil
			}
			target := filepath.Join(output, rel)
			delete(seen, target)
			if _, watched := ts.WatchedTime(path); watched {
				// Watched files are synced separately so their
				// truncate-then-write races get the stabilization wait.
				return nil
			}
			rs.mu.Lock()
			mirrored[target] = struct{}{}
			rs.mu.Unlock()

			if d.IsDir() {
				_ = os.MkdirAll(target, 0o755)
				return nil
			}
			stale, statErr := targetStale(path, target)
			if statErr != nil || !stale {
				return nil
			}
			if copyErr := copyFileContents(path, target); copyErr != nil {
				rs.logger.Error("Failed to copy resource", "source", path, "error", copyErr)
				return nil
			}
			changed[filepath.ToSlash(rel)] = struct{}{}
			if rs.notify != nil {
				rs.notify(module, filepath.ToSlash(rel))
			}
			return nil
		})
	}

	for target := range seen {
		rs.mu.Lock()
		delete(mirrored, target)
		rs.mu.Unlock()
		info, err := os.Stat(target)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if err := os.Remove(target); err != nil {
				rs.logger.Error("Failed to delete vanished resource", "target", target, "error", err)
			}
		}
	}
}

func targetStale(source, target string) (bool, error) {
	srcInfo, err := os.Stat(source)
	if err != nil {
		return false, err
	}
	dstInfo, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return dstInfo.ModTime().Before(srcInfo.ModTime()), nil
}

func copyFileContents(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

// checkWatchedUnderRoot detects changes to watched files configured relative
// to a resource root.
func (rs *resourceSync) checkWatchedUnderRoot(root, output string, doCopy bool,
	ts *TimestampSet, changed map[string]struct{}) {
	for relPath := range ts.WatchedPaths() {
		if filepath.IsAbs(relPath) {
			continue
		}
		file := filepath.Join(root, filepath.FromSlash(relPath))
		info, err := os.Stat(file)
		if err != nil {
			// File gone (or never existed): zero the stamp and drop any
			// mirrored copy. Directories are removed recursively here,
			// never file by file.
			ts.SetWatchedTime(file, time.Time{})
			if output != "" {
				_ = os.RemoveAll(filepath.Join(output, filepath.FromSlash(relPath)))
			}
			continue
		}
		existing, known := ts.WatchedTime(file)
		if !known || !info.ModTime().After(existing) {
			continue
		}
		changed[relPath] = struct{}{}
		value := rs.stabilizedModTime(file, info)
		rs.logger.Info("File change detected", "file", file)
		if doCopy && !info.IsDir() {
			target := filepath.Join(output, filepath.FromSlash(relPath))
			if copyErr := copyFileContents(file, target); copyErr != nil {
				rs.logger.Error("Failed to sync watched file", "file", file, "error", copyErr)
			}
		}
		ts.SetWatchedTime(file, value)
	}
}

// checkAbsoluteWatched handles watched files configured with absolute paths,
// tracked directly without mirroring.
func (rs *resourceSync) checkAbsoluteWatched(ts *TimestampSet, changed map[string]struct{}) {
	for path := range ts.WatchedPaths() {
		if !filepath.IsAbs(path) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			ts.SetWatchedTime(path, time.Time{})
			continue
		}
		existing, known := ts.WatchedTime(path)
		if !known || !info.ModTime().After(existing) {
			continue
		}
		changed[path] = struct{}{}
		value := rs.stabilizedModTime(path, info)
		rs.logger.Info("File change detected", "file", path)
		ts.SetWatchedTime(path, value)
	}
}

// stabilizedModTime re-reads a file's modification time after a short wait
// when the file is empty, since we may have observed the middle of a
// truncate-then-write.
func (rs *resourceSync) stabilizedModTime(path string, info os.FileInfo) time.Time {
	if info.Size() == 0 {
		time.Sleep(rs.stabilizationWait)
	}
	if again, err := os.Stat(path); err == nil {
		return again.ModTime()
	}
	return info.ModTime()
}

// setWatchedPaths installs the watched-path configuration for a reload
// domain, recording current timestamps and expanding glob patterns once per
// root with a full source-tree walk.
func (rs *resourceSync) setWatchedPaths(paths map[string]bool, isTest bool, ts *TimestampSet) {
	if !isTest {
		ts.ClearWatchedTimes()
	}
	ts.SetWatchedPaths(paths)

	units := func(m *ModuleInfo) []*CompilationUnit {
		if isTest {
			out := make([]*CompilationUnit, 0, 2)
			if m.Test != nil {
				out = append(out, m.Test)
			}
			out = append(out, m.Main)
			return out
		}
		return []*CompilationUnit{m.Main}
	}

	for _, module := range rs.ctx.Modules {
		for _, unit := range units(module) {
			if unit == nil {
				continue
			}
			roots, _, _ := resourceRootsFor(unit)
			for _, root := range roots {
				for path, requiresRestart := range paths {
					file := filepath.Join(root, filepath.FromSlash(path))
					if filepath.IsAbs(path) {
						file = path
					}
					if info, err := os.Stat(file); err == nil {
						ts.SetWatchedTime(file, info.ModTime())
						continue
					}
					ts.SetWatchedTime(file, time.Time{})
					for match, mod := range expandGlobPattern(root, path) {
						ts.SetWatchedTime(match, mod)
						if rel, err := filepath.Rel(root, match); err == nil {
							ts.AddWatchedPath(filepath.ToSlash(rel), requiresRestart)
						}
					}
				}
			}
		}
	}
}

// expandGlobPattern walks a root matching a glob pattern against each file's
// root-relative path, returning matches with their modification times.
func expandGlobPattern(root, pattern string) map[string]time.Time {
	matches := map[string]time.Time{}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries skipped
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		ok, matchErr := filepath.Match(pattern, filepath.ToSlash(rel))
		if matchErr != nil || !ok {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			matches[path] = info.ModTime()
		}
		return nil
	})
	return matches
}
