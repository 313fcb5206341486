package devloop

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// defaultStabilizationWait is how long to wait for a zero-length file
	// before compiling. On many systems a write is a truncate followed by
	// a write; seeing a zero-length file means we may be mid-write.
	defaultStabilizationWait = 200 * time.Millisecond

	// maxCompileConvergenceRetries bounds the recompile-until-timestamps-
	// stable loop. A continuously writing editor would otherwise livelock
	// the scan; once the ceiling is hit the last observed timestamps are
	// recorded and the next scan picks up any remaining drift.
	maxCompileConvergenceRetries = 100
)

// changeScanner walks module source trees, detects modified source files,
// drives the external compiler, and diffs output roots into a ScanResult.
type changeScanner struct {
	ctx               *DevContext
	logger            Logger
	suffix            string
	stabilizationWait time.Duration

	// Source timestamps are shared across reload domains: a source file has
	// one modification time no matter who is asking.
	srcMu       sync.RWMutex
	sourceTimes map[string]time.Time
}

func newChangeScanner(ctx *DevContext, logger Logger, suffix string, stabilizationWait time.Duration) *changeScanner {
	if stabilizationWait <= 0 {
		stabilizationWait = defaultStabilizationWait
	}
	if suffix == "" {
		suffix = DefaultCompiledSuffix
	}
	return &changeScanner{
		ctx:               ctx,
		logger:            logger,
		suffix:            suffix,
		stabilizationWait: stabilizationWait,
		sourceTimes:       map[string]time.Time{},
	}
}

// sourceModified reports whether a source file's modification time differs
// from the recorded one. First observations are only recorded (and reported)
// when record is set; during an initial scan changes are swallowed so the
// first run does not trigger a spurious rebuild.
func (s *changeScanner) sourceModified(path string, ignoreFirstScanChanges, record bool) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	mod := info.ModTime()

	s.srcMu.RLock()
	last, known := s.sourceTimes[path]
	s.srcMu.RUnlock()

	if !known {
		if record {
			s.setSourceTime(path, mod)
		}
		return !ignoreFirstScanChanges
	}
	if !last.Equal(mod) {
		if record {
			s.setSourceTime(path, mod)
		}
		return true
	}
	return false
}

func (s *changeScanner) setSourceTime(path string, ts time.Time) {
	s.srcMu.Lock()
	s.sourceTimes[path] = ts
	s.srcMu.Unlock()
}

func (s *changeScanner) forgetSource(path string) {
	s.srcMu.Lock()
	delete(s.sourceTimes, path)
	s.srcMu.Unlock()
}

func matchingHandledExtension(comp Compiler, path string) bool {
	for _, ext := range comp.HandledExtensions() {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func fileExtension(path string) string {
	name := filepath.Base(path)
	idx := strings.LastIndex(name, ".")
	if idx == -1 {
		return ""
	}
	return name[idx:]
}

func groupByExtension(files []string) map[string][]string {
	grouped := map[string][]string{}
	for _, f := range files {
		ext := fileExtension(f)
		grouped[ext] = append(grouped[ext], f)
	}
	return grouped
}

// collectSources walks a source root and returns every file the compiler
// handles.
func collectSources(comp Compiler, root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if matchingHandledExtension(comp, path) {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// changedSourcesIn filters the candidates down to recently modified files.
// The check is order-independent, so it runs in parallel per file and the
// result is sorted afterwards.
func (s *changeScanner) changedSourcesIn(candidates []string, ignoreFirstScanChanges, record bool) []string {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed []string
	)
	for _, path := range candidates {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if s.sourceModified(p, ignoreFirstScanChanges, record) {
				mu.Lock()
				changed = append(changed, p)
				mu.Unlock()
			}
		}(path)
	}
	wg.Wait()
	sort.Strings(changed)
	return changed
}

// scan is the per-domain entry point: detect changed sources, compile them
// to convergence, then diff each module's output root against the timestamp
// set. A compile failure aborts the scan immediately; because source
// timestamps are only committed after a successful, drift-free compile, the
// failing files are retried on every subsequent scan.
func (s *changeScanner) scan(comp Compiler, sel unitSelector, firstScan bool, ts *TimestampSet) (*ScanResult, error) {
	result := NewScanResult()
	ignoreFirstScanChanges := firstScan

	for _, module := range s.ctx.Modules {
		unit := sel(module)
		if unit == nil {
			continue
		}
		var moduleChangedSources []string

		for _, root := range unit.SourceRoots {
			if _, err := os.Stat(root); err != nil {
				continue
			}
			changed := s.changedSourcesIn(collectSources(comp, root), ignoreFirstScanChanges, firstScan)
			if len(changed) == 0 {
				continue
			}
			result.CompilationHappened = true
			moduleChangedSources = append(moduleChangedSources, changed...)

			s.waitForTruncatedWrites(changed)

			// Snapshot timestamps before compiling; if anything moves
			// while the compiler runs we have no idea whether it saw the
			// old or new content and must compile again.
			compileTimes := map[string]time.Time{}
			for _, f := range changed {
				if info, err := os.Stat(f); err == nil {
					compileTimes[f] = info.ModTime()
				}
			}

			for attempt := 0; ; attempt++ {
				if err := comp.Compile(root, groupByExtension(changed)); err != nil {
					return result, &CompileError{SourceRoot: root, Err: err}
				}
				drifted := false
				for f, seen := range compileTimes {
					info, err := os.Stat(f)
					if err != nil {
						continue
					}
					if !info.ModTime().Equal(seen) {
						drifted = true
						compileTimes[f] = info.ModTime()
					}
				}
				if !drifted {
					break
				}
				if attempt >= maxCompileConvergenceRetries {
					s.logger.Warn("Source files still changing after repeated compiles, deferring to next scan",
						"root", root, "attempts", attempt)
					break
				}
			}

			// Commit the timestamps we compiled against. Anything that
			// changes later is picked up by the next scan.
			for f, seen := range compileTimes {
				s.setSourceTime(f, seen)
			}
		}

		s.diffOutputRoot(comp, unit, moduleChangedSources, ignoreFirstScanChanges, result, ts)
	}

	return result, nil
}

// waitForTruncatedWrites gives a zero-length changed file a moment to finish
// being written. Best effort only.
func (s *changeScanner) waitForTruncatedWrites(changed []string) {
	for _, f := range changed {
		info, err := os.Stat(f)
		if err == nil && info.Size() == 0 {
			time.Sleep(s.stabilizationWait)
			return
		}
	}
}

// diffOutputRoot classifies every compiled unit in the module's output root
// as added, changed, or deleted relative to the timestamp set.
func (s *changeScanner) diffOutputRoot(comp Compiler, unit *CompilationUnit, changedSources []string,
	ignoreFirstScanChanges bool, result *ScanResult, ts *TimestampSet) {
	if unit.OutputRoot == "" {
		return
	}
	if _, err := os.Stat(unit.OutputRoot); err != nil {
		return
	}
	changedSet := make(map[string]struct{}, len(changedSources))
	for _, src := range changedSources {
		changedSet[src] = struct{}{}
	}

	_ = filepath.WalkDir(unit.OutputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, s.suffix) {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		s.classifyUnit(comp, unit, path, changedSet, ignoreFirstScanChanges, result, ts)
		return nil
	})
}

func (s *changeScanner) classifyUnit(comp Compiler, unit *CompilationUnit, unitPath string,
	changedSources map[string]struct{}, ignoreFirstScanChanges bool, result *ScanResult, ts *TimestampSet) {
	source, known := ts.SourceFor(unitPath)
	if known {
		if _, changed := changedSources[source]; changed {
			if found, ok := comp.FindSourcePath(unitPath, unit.SourceRoots, unit.OutputRoot); ok {
				source = found
			} else {
				source, known = "", false
			}
		}
	} else if found, ok := comp.FindSourcePath(unitPath, unit.SourceRoots, unit.OutputRoot); ok {
		source, known = found, true
	}

	if known {
		if _, err := os.Stat(source); err != nil {
			// Source file is gone: the unit it produced goes too.
			s.cleanUpUnit(unitPath, ts)
			s.forgetSource(source)
			result.AddDeleted(unitPath)
			return
		}
		ts.MapUnitToSource(unitPath, source)
		switch {
		case s.unitAdded(unitPath, ignoreFirstScanChanges, ts):
			result.AddAdded(unitPath)
		case s.unitModified(unitPath, ignoreFirstScanChanges, ts):
			result.AddChanged(unitPath)
		default:
			if _, changed := changedSources[source]; changed {
				// Source recompiled but this unit got no new timestamp:
				// an inner construct it came from was removed.
				s.cleanUpUnit(unitPath, ts)
				result.AddDeleted(unitPath)
			}
		}
		return
	}

	if s.unitAdded(unitPath, ignoreFirstScanChanges, ts) {
		result.AddAdded(unitPath)
	} else if s.unitModified(unitPath, ignoreFirstScanChanges, ts) {
		result.AddChanged(unitPath)
	}
}

// unitAdded records a first sighting of a compiled unit and reports it as
// added on non-initial scans.
func (s *changeScanner) unitAdded(unitPath string, ignoreFirstScanChanges bool, ts *TimestampSet) bool {
	if _, known := ts.UnitTime(unitPath); known {
		return false
	}
	if info, err := os.Stat(unitPath); err == nil {
		ts.SetUnitTime(unitPath, info.ModTime())
	}
	return !ignoreFirstScanChanges
}

func (s *changeScanner) unitModified(unitPath string, ignoreFirstScanChanges bool, ts *TimestampSet) bool {
	info, err := os.Stat(unitPath)
	if err != nil {
		return false
	}
	last, known := ts.UnitTime(unitPath)
	if !known {
		ts.SetUnitTime(unitPath, info.ModTime())
		return !ignoreFirstScanChanges
	}
	if !last.Equal(info.ModTime()) {
		ts.SetUnitTime(unitPath, info.ModTime())
		return true
	}
	return false
}

func (s *changeScanner) cleanUpUnit(unitPath string, ts *TimestampSet) {
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Failed to remove stale compiled unit", "unit", unitPath, "error", err)
	}
	ts.ForgetUnit(unitPath)
}
