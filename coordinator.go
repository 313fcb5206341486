package devloop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// instrumentationAdviceThreshold is the restart duration above which, with
// instrumentation off, a one-time hint to enable it is logged.
const instrumentationAdviceThreshold = 4 * time.Second

// RestartCallback receives the changed watched files and the scan
// classification, and is responsible for tearing down the running process
// state and rebuilding the runtime layer for the next start.
type RestartCallback func(changedFiles map[string]struct{}, result *ScanResult)

// ReloadSession holds the process-wide reload state that outlives individual
// scans: the structural baseline recorded at the last successful start and
// the instrumentation toggle. A failed start clears the baseline so every
// following scan takes the full-restart path.
type ReloadSession struct {
	mu       sync.RWMutex
	baseline StructuralIndex

	instrumentationSet bool
	instrumentationOn  bool
	// instrumentationDefault applies until the toggle is used explicitly.
	instrumentationDefault bool
}

// NewReloadSession returns a session with the given instrumentation default
// and no baseline.
func NewReloadSession(instrumentationDefault bool) *ReloadSession {
	return &ReloadSession{instrumentationDefault: instrumentationDefault}
}

// SetBaseline records the structural index of a successfully started
// application.
func (s *ReloadSession) SetBaseline(idx StructuralIndex) {
	s.mu.Lock()
	s.baseline = idx
	s.mu.Unlock()
}

// Baseline returns the current structural baseline, nil if the last start
// failed or none was recorded yet.
func (s *ReloadSession) Baseline() StructuralIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseline
}

// Clear drops the baseline.
func (s *ReloadSession) Clear() {
	s.mu.Lock()
	s.baseline = nil
	s.mu.Unlock()
}

// InstrumentationEnabled reports the effective toggle state.
func (s *ReloadSession) InstrumentationEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.instrumentationSet {
		return s.instrumentationOn
	}
	return s.instrumentationDefault
}

// ToggleInstrumentation flips the toggle and returns the new state.
func (s *ReloadSession) ToggleInstrumentation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.instrumentationDefault
	if s.instrumentationSet {
		current = s.instrumentationOn
	}
	s.instrumentationSet = true
	s.instrumentationOn = !current
	return s.instrumentationOn
}

// ScanCoordinator drives reload cycles: it serializes scans, runs change
// detection and resource sync for the main domain, attempts in-place
// redefinition, and decides between restart, no-restart notification, and
// no-op. The test domain shares its scanner but tracks timestamps
// independently.
type ScanCoordinator struct {
	ctx      *DevContext
	logger   Logger
	compiler Compiler
	// testCompiler compiles the test compilation units; defaults to the main
	// compiler.
	testCompiler Compiler
	scanner      *changeScanner
	resources    *resourceSync
	session      *ReloadSession
	engine       *hotSwapEngine
	restart      RestartCallback
	testRunner   TestRunner
	events       *EventSink

	// scanMu serializes scans. All scan work happens inside one DoScan or
	// TestScan call; internal helpers never re-acquire it, which is how the
	// single-flow nesting the design calls for stays deadlock free.
	scanMu sync.Mutex
	// crossMu is the coarser lock shared with the test subsystem: the
	// compiler-invocation phases of a dev scan and a test scan must never
	// overlap. Lock order is always scanMu then crossMu.
	crossMu sync.Mutex

	main *TimestampSet
	test *TimestampSet

	liveReload       atomic.Bool
	remoteLocalSide  bool
	deploymentFailed atomic.Bool

	errMu          sync.Mutex
	compileErr     error
	testCompileErr error

	preScanSteps        []func() error
	noRestartConsumers  []func(changed map[string]struct{})
	failedStartHandlers []func()

	instrumentationAdvice sync.Once
	firstTestScanDone     atomic.Bool

	restarts atomic.Int64
	lastScan atomic.Int64 // unix nanos
}

// CoordinatorOption configures a ScanCoordinator.
type CoordinatorOption func(*ScanCoordinator)

// WithTestCompiler sets a dedicated compiler for test units.
func WithTestCompiler(c Compiler) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.testCompiler = c }
}

// WithTestRunner attaches the continuous-testing subsystem.
func WithTestRunner(r TestRunner) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.testRunner = r }
}

// WithRedefiner sets the live-redefinition facility.
func WithRedefiner(r Redefiner) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.engine.redefiner = r }
}

// WithStructuralIndexer replaces the default manifest indexer.
func WithStructuralIndexer(i StructuralIndexer) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.engine.indexer = i }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l Logger) CoordinatorOption {
	return func(sc *ScanCoordinator) {
		sc.logger = l
		sc.scanner.logger = l
		sc.resources.logger = l
		sc.engine.logger = l
	}
}

// WithEventSink attaches a lifecycle event sink.
func WithEventSink(s *EventSink) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.events = s }
}

// WithRemoteLocalSide marks this process as the local side of a remote dev
// session, which disables in-place redefinition.
func WithRemoteLocalSide() CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.remoteLocalSide = true }
}

// WithResourceNotification installs a per-module resource-copy callback.
func WithResourceNotification(n ResourceCopyNotification) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.resources.notify = n }
}

// WithScanStabilizationWait overrides the zero-length-file wait.
func WithScanStabilizationWait(d time.Duration) CoordinatorOption {
	return func(sc *ScanCoordinator) {
		sc.scanner.stabilizationWait = d
		sc.resources.stabilizationWait = d
	}
}

// WithCompiledUnitSuffix overrides the compiled-unit filename suffix.
func WithCompiledUnitSuffix(suffix string) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.scanner.suffix = suffix }
}

// WithSession supplies a shared ReloadSession.
func WithSession(s *ReloadSession) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.session = s }
}

// WithTypeVeto registers a per-type redefinition veto.
func WithTypeVeto(v TypeVeto) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.engine.addTypeVeto(v) }
}

// WithIndexVeto registers a whole-index redefinition veto.
func WithIndexVeto(v IndexVeto) CoordinatorOption {
	return func(sc *ScanCoordinator) { sc.engine.addIndexVeto(v) }
}

// NewScanCoordinator builds a coordinator over the given context and
// compiler. The restart callback is mandatory.
func NewScanCoordinator(ctx *DevContext, compiler Compiler, restart RestartCallback, opts ...CoordinatorOption) (*ScanCoordinator, error) {
	if ctx == nil {
		return nil, ErrNilDevContext
	}
	if compiler == nil {
		return nil, ErrNilCompiler
	}
	if restart == nil {
		return nil, ErrNilRestartCallback
	}
	logger := Logger(noopLogger{})
	sc := &ScanCoordinator{
		ctx:       ctx,
		logger:    logger,
		compiler:  compiler,
		scanner:   newChangeScanner(ctx, logger, DefaultCompiledSuffix, defaultStabilizationWait),
		resources: newResourceSync(ctx, logger, nil, defaultStabilizationWait),
		session:   NewReloadSession(false),
		engine:    newHotSwapEngine(nil, nil, logger),
		restart:   restart,
		main:      NewTimestampSet(),
		test:      NewTimestampSet(),
	}
	sc.liveReload.Store(true)
	for _, opt := range opts {
		opt(sc)
	}
	if sc.testCompiler == nil {
		sc.testCompiler = sc.compiler
	}
	return sc, nil
}

// Session returns the coordinator's reload session.
func (sc *ScanCoordinator) Session() *ReloadSession { return sc.session }

// AddPreScanStep registers a best-effort step run at the start of every dev
// scan. Errors are logged and do not abort the scan.
func (sc *ScanCoordinator) AddPreScanStep(step func() error) {
	sc.scanMu.Lock()
	sc.preScanSteps = append(sc.preScanSteps, step)
	sc.scanMu.Unlock()
}

// ConsumeNoRestartChanges registers a consumer notified when watched files
// changed but no restart was needed.
func (sc *ScanCoordinator) ConsumeNoRestartChanges(consumer func(changed map[string]struct{})) {
	sc.scanMu.Lock()
	sc.noRestartConsumers = append(sc.noRestartConsumers, consumer)
	sc.scanMu.Unlock()
}

// AddDeploymentFailedStartHandler registers a handler invoked when the
// application fails to start.
func (sc *ScanCoordinator) AddDeploymentFailedStartHandler(handler func()) {
	sc.scanMu.Lock()
	sc.failedStartHandlers = append(sc.failedStartHandlers, handler)
	sc.scanMu.Unlock()
}

// StartupFailed records a failed application start: handlers run, the
// structural baseline is cleared, and the deployment-failed flag makes the
// next user-initiated scan restart unconditionally.
func (sc *ScanCoordinator) StartupFailed() {
	sc.scanMu.Lock()
	handlers := make([]func(), len(sc.failedStartHandlers))
	copy(handlers, sc.failedStartHandlers)
	sc.scanMu.Unlock()
	for _, h := range handlers {
		h()
	}
	sc.session.Clear()
	sc.deploymentFailed.Store(true)
}

// StartupSucceeded records the structural baseline of a started application
// and clears the deployment-failed flag.
func (sc *ScanCoordinator) StartupSucceeded(baseline StructuralIndex) {
	sc.session.SetBaseline(baseline)
	sc.deploymentFailed.Store(false)
}

// ToggleInstrumentation flips instrumentation-based reload and returns the
// new state.
func (sc *ScanCoordinator) ToggleInstrumentation() bool {
	on := sc.session.ToggleInstrumentation()
	if on {
		sc.logger.Info("Instrumentation based reload enabled")
	} else {
		sc.logger.Info("Instrumentation based reload disabled")
	}
	return on
}

// ToggleLiveReload flips live reload and returns the new state.
func (sc *ScanCoordinator) ToggleLiveReload() bool {
	next := !sc.liveReload.Load()
	sc.liveReload.Store(next)
	if next {
		sc.logger.Info("Live reload enabled")
	} else {
		sc.logger.Info("Live reload disabled")
	}
	return next
}

// IsLiveReloadEnabled reports the live-reload toggle.
func (sc *ScanCoordinator) IsLiveReloadEnabled() bool { return sc.liveReload.Load() }

// SetWatchedFilePaths installs the watched-path configuration for a domain.
func (sc *ScanCoordinator) SetWatchedFilePaths(paths map[string]bool, isTest bool) {
	if isTest {
		sc.resources.setWatchedPaths(paths, true, sc.test)
		return
	}
	sc.resources.setWatchedPaths(paths, false, sc.main)
}

// UpdateFile writes file content under the first application root, creating
// parent directories as needed. Used by remote-dev style callers pushing
// edits into the workspace.
func (sc *ScanCoordinator) UpdateFile(file string, data []byte) error {
	if len(sc.ctx.ApplicationRoots) == 0 {
		return fmt.Errorf("no application root to resolve %s against", file)
	}
	file = strings.TrimPrefix(file, "/")
	target := filepath.Join(sc.ctx.ApplicationRoots[0], filepath.FromSlash(file))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

// OutstandingCompileError returns the unresolved main-domain compile error.
func (sc *ScanCoordinator) OutstandingCompileError() error {
	sc.errMu.Lock()
	defer sc.errMu.Unlock()
	return sc.compileErr
}

func (sc *ScanCoordinator) setCompileErr(err error) {
	sc.errMu.Lock()
	sc.compileErr = err
	sc.errMu.Unlock()
}

func (sc *ScanCoordinator) testCompileError() error {
	sc.errMu.Lock()
	defer sc.errMu.Unlock()
	return sc.testCompileErr
}

func (sc *ScanCoordinator) setTestCompileErr(err error) {
	sc.errMu.Lock()
	sc.testCompileErr = err
	sc.errMu.Unlock()
}

// InitialScan records baseline timestamps for every module without reporting
// changes, then seeds the test domain from the main domain's knowledge.
func (sc *ScanCoordinator) InitialScan() (*ScanResult, error) {
	sc.scanMu.Lock()
	defer sc.scanMu.Unlock()
	result, err := sc.scanner.scan(sc.compiler, mainUnit, true, sc.main)
	sc.test.Merge(sc.main)
	return result, err
}

// DoScan runs one full dev-mode scan cycle and reports whether a restart was
// performed. A caller-forced restart bypasses the live-reload toggle.
func (sc *ScanCoordinator) DoScan(userInitiated, forceRestart bool) bool {
	if !sc.liveReload.Load() && !forceRestart {
		return false
	}
	sc.scanMu.Lock()
	defer sc.scanMu.Unlock()

	start := time.Now()
	sc.lastScan.Store(start.UnixNano())
	sc.emit(EventScanStarted, map[string]any{"userInitiated": userInitiated, "forceRestart": forceRestart})

	steps := make([]func() error, len(sc.preScanSteps))
	copy(steps, sc.preScanSteps)
	for _, step := range steps {
		if err := step(); err != nil {
			sc.logger.Error("Pre-scan step failed", "error", err)
		}
	}

	result := sc.scanMainLocked()
	filesChanged := sc.resources.checkForFileChange(mainUnit, sc.main)

	configRestart := forceRestart
	for f := range filesChanged {
		if sc.main.RequiresRestart(f) {
			configRestart = true
			break
		}
	}

	instrumentationChange := sc.tryInstrumentationLocked(result, configRestart)

	if err := sc.OutstandingCompileError(); err != nil {
		sc.logger.Error("Not restarting, compile error outstanding", "error", err)
		return false
	}

	// A failed deployment means watched-file tracking never got set up, so
	// a user asking for a scan is assumed to have fixed something.
	restartNeeded := !instrumentationChange && (result.Changed() ||
		(sc.deploymentFailed.Load() && userInitiated) || configRestart)

	switch {
	case restartNeeded:
		sc.logRestartReason(filesChanged, result, userInitiated, forceRestart)
		sc.restart(filesChanged, result)
		sc.restarts.Add(1)
		elapsed := time.Since(start)
		sc.logger.Info("Live reload total time", "elapsed", elapsed)
		if elapsed >= instrumentationAdviceThreshold && !sc.session.InstrumentationEnabled() {
			sc.instrumentationAdvice.Do(func() {
				sc.logger.Info("Live reload took more than 4 seconds, consider enabling " +
					"instrumentation based reload so small changes take effect without a restart")
			})
		}
		sc.emit(EventRestart, map[string]any{"elapsed": elapsed.String(), "units": result.AllUnits()})
		return true
	case len(filesChanged) > 0:
		consumers := make([]func(map[string]struct{}), len(sc.noRestartConsumers))
		copy(consumers, sc.noRestartConsumers)
		for _, consumer := range consumers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						sc.logger.Error("Changed-files consumer failed", "panic", r)
					}
				}()
				consumer(filesChanged)
			}()
		}
		sc.logger.Info("Files changed but restart not needed", "elapsed", time.Since(start))
	case instrumentationChange:
		sc.logger.Info("Live reload performed in place, no restart needed", "elapsed", time.Since(start))
	}
	sc.emit(EventNoop, nil)
	return false
}

// scanMainLocked runs main-domain change detection under the cross lock and
// maintains the outstanding compile error. Caller holds scanMu.
func (sc *ScanCoordinator) scanMainLocked() *ScanResult {
	sc.crossMu.Lock()
	result, err := sc.scanner.scan(sc.compiler, mainUnit, false, sc.main)
	sc.crossMu.Unlock()

	var compileErr *CompileError
	switch {
	case errors.As(err, &compileErr):
		sc.setCompileErr(err)
		sc.emit(EventCompileFailed, map[string]any{"root": compileErr.SourceRoot, "error": err.Error()})
	case err != nil:
		sc.logger.Error("Scan failed", "error", err)
	case result.CompilationHappened:
		sc.setCompileErr(nil)
	}
	return result
}

// tryInstrumentationLocked attempts an in-place redefinition when every
// precondition holds. Caller holds scanMu. Any failure is logged and treated
// as "no swap".
func (sc *ScanCoordinator) tryInstrumentationLocked(result *ScanResult, configRestart bool) bool {
	if configRestart || sc.remoteLocalSide || !sc.session.InstrumentationEnabled() {
		return false
	}
	if sc.session.Baseline() == nil {
		return false
	}
	if len(result.DeletedUnits) != 0 || len(result.AddedUnits) != 0 || len(result.ChangedUnits) == 0 {
		return false
	}
	updated, err := sc.engine.tryHotSwap(sc.session.Baseline(), result.ChangedUnits)
	if err != nil {
		if errors.Is(err, ErrRedefinerUnavailable) {
			sc.logger.Debug("In-place redefinition unavailable")
		} else {
			sc.logger.Error("Failed to replace code in place", "error", err)
		}
		return false
	}
	sc.session.SetBaseline(updated)
	sc.logger.Info("Application restart not required, replaced code in place")
	sc.emit(EventHotSwap, map[string]any{"units": sortedKeys(result.ChangedUnits)})
	return true
}

func (sc *ScanCoordinator) logRestartReason(filesChanged map[string]struct{}, result *ScanResult,
	userInitiated, forceRestart bool) {
	names := make([]string, 0, len(filesChanged)+3)
	for f := range filesChanged {
		if sc.main.RequiresRestart(f) {
			names = append(names, filepath.Base(f))
		}
	}
	for _, unit := range result.AllUnits() {
		names = append(names, filepath.Base(unit))
	}
	sort.Strings(names)
	if len(names) > 0 {
		sc.logger.Info("Restarting due to changes", "files", strings.Join(names, ", "))
	} else if forceRestart && userInitiated {
		sc.logger.Info("Restarting as requested by the user")
	}
}

// TestScan runs the test-domain compile cycle and hands results to the test
// runner. It takes both the scan lock and the cross-subsystem lock, in that
// order, so its compiler phase never overlaps a dev scan's.
func (sc *ScanCoordinator) TestScan() {
	if sc.testRunner == nil {
		return
	}
	sc.scanMu.Lock()
	sc.crossMu.Lock()
	defer sc.crossMu.Unlock()
	defer sc.scanMu.Unlock()

	changedTests := sc.compileTestUnitsLocked()

	changedApp, err := sc.scanner.scan(sc.compiler, mainUnit, false, sc.test)
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		sc.setTestCompileErr(err)
	} else if err == nil && changedApp.CompilationHappened {
		sc.setTestCompileErr(nil)
	}
	if changedApp.CompilationHappened {
		if testErr := sc.testCompileError(); testErr != nil {
			sc.testRunner.TestCompileFailed(testErr)
		} else {
			sc.testRunner.TestCompileSucceeded()
		}
	}

	filesChanged := sc.resources.checkForFileChange(testUnit, sc.test)
	for f := range sc.resources.checkForFileChange(mainUnit, sc.test) {
		filesChanged[f] = struct{}{}
	}
	configRestart := false
	for f := range filesChanged {
		if sc.test.RequiresRestart(f) {
			configRestart = true
			break
		}
	}

	merged := Merge(changedTests, changedApp)
	if testErr := sc.testCompileError(); testErr != nil {
		return
	}
	if configRestart {
		sc.testRunner.RunTests(nil)
	} else if merged.Changed() {
		sc.testRunner.RunTests(merged)
	}
}

// FirstTestScan records baseline timestamps for test units. Runs once; later
// calls are no-ops.
func (sc *ScanCoordinator) FirstTestScan() {
	if !sc.firstTestScanDone.CompareAndSwap(false, true) {
		return
	}
	sc.scanMu.Lock()
	sc.crossMu.Lock()
	defer sc.crossMu.Unlock()
	defer sc.scanMu.Unlock()
	if _, err := sc.scanner.scan(sc.testCompiler, testUnit, true, sc.test); err != nil {
		sc.logger.Error("Initial test scan failed", "error", err)
	}
}

// compileTestUnitsLocked compiles changed test units, maintaining the test
// compile error and notifying the test runner. Caller holds both locks.
func (sc *ScanCoordinator) compileTestUnitsLocked() *ScanResult {
	result, err := sc.scanner.scan(sc.testCompiler, testUnit, false, sc.test)
	var compileErr *CompileError
	switch {
	case errors.As(err, &compileErr):
		sc.setTestCompileErr(err)
		sc.testRunner.TestCompileFailed(err)
	case err != nil:
		sc.logger.Error("Test scan failed", "error", err)
	default:
		if result.CompilationHappened {
			sc.setTestCompileErr(nil)
		}
		if result.Changed() {
			sc.testRunner.TestCompileSucceeded()
		}
	}
	return result
}

// Status is a point-in-time snapshot for readers that must not block behind
// an in-progress scan.
type Status struct {
	Restarts               int64     `json:"restarts"`
	LastScan               time.Time `json:"lastScan"`
	LiveReloadEnabled      bool      `json:"liveReloadEnabled"`
	InstrumentationEnabled bool      `json:"instrumentationEnabled"`
	DeploymentFailed       bool      `json:"deploymentFailed"`
	CompileError           string    `json:"compileError,omitempty"`
	TestCompileError       string    `json:"testCompileError,omitempty"`
}

// Snapshot returns the current status without taking the scan lock.
func (sc *ScanCoordinator) Snapshot() Status {
	st := Status{
		Restarts:               sc.restarts.Load(),
		LiveReloadEnabled:      sc.liveReload.Load(),
		InstrumentationEnabled: sc.session.InstrumentationEnabled(),
		DeploymentFailed:       sc.deploymentFailed.Load(),
	}
	if nanos := sc.lastScan.Load(); nanos != 0 {
		st.LastScan = time.Unix(0, nanos)
	}
	if err := sc.OutstandingCompileError(); err != nil {
		st.CompileError = err.Error()
	}
	if err := sc.testCompileError(); err != nil {
		st.TestCompileError = err.Error()
	}
	return st
}

func (sc *ScanCoordinator) emit(eventType string, data map[string]any) {
	if sc.events == nil {
		return
	}
	if err := sc.events.Emit(eventType, data); err != nil {
		sc.logger.Debug("Failed to emit event", "type", eventType, "error", err)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
