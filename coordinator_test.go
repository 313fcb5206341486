package devloop

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTestRunner struct {
	mu            sync.Mutex
	runs          []*ScanResult
	compileFailed []error
	compileOK     int
}

func (r *fakeTestRunner) RunTests(result *ScanResult) {
	r.mu.Lock()
	r.runs = append(r.runs, result)
	r.mu.Unlock()
}

func (r *fakeTestRunner) TestCompileFailed(err error) {
	r.mu.Lock()
	r.compileFailed = append(r.compileFailed, err)
	r.mu.Unlock()
}

func (r *fakeTestRunner) TestCompileSucceeded() {
	r.mu.Lock()
	r.compileOK++
	r.mu.Unlock()
}

func (r *fakeTestRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type coordFixture struct {
	appRoot string
	src     string
	out     string
	res     string
	resOut  string
	testSrc string
	testOut string

	comp      *fakeCompiler
	redefiner *fakeRedefiner
	runner    *fakeTestRunner
	coord     *ScanCoordinator

	mu          sync.Mutex
	restarts    int
	lastFiles   map[string]struct{}
	lastRestart *ScanResult
}

func newCoordFixture(t *testing.T, opts ...CoordinatorOption) *coordFixture {
	t.Helper()
	f := &coordFixture{
		appRoot: t.TempDir(),
		src:     t.TempDir(),
		out:     t.TempDir(),
		res:     t.TempDir(),
		resOut:  t.TempDir(),
		testSrc: t.TempDir(),
		testOut: t.TempDir(),
	}
	f.comp = &fakeCompiler{outputs: map[string]string{f.src: f.out, f.testSrc: f.testOut}}
	f.redefiner = &fakeRedefiner{}
	f.runner = &fakeTestRunner{}

	ctx := &DevContext{
		ApplicationRoots: []string{f.appRoot},
		Modules: []*ModuleInfo{{
			Name: "app",
			Main: &CompilationUnit{
				SourceRoots:        []string{f.src},
				OutputRoot:         f.out,
				ResourceRoots:      []string{f.res},
				ResourceOutputRoot: f.resOut,
			},
			Test: &CompilationUnit{
				SourceRoots: []string{f.testSrc},
				OutputRoot:  f.testOut,
			},
		}},
	}

	restart := func(files map[string]struct{}, result *ScanResult) {
		f.mu.Lock()
		f.restarts++
		f.lastFiles = files
		f.lastRestart = result
		f.mu.Unlock()
	}

	all := append([]CoordinatorOption{
		WithRedefiner(f.redefiner),
		WithTestRunner(f.runner),
		WithScanStabilizationWait(time.Millisecond),
	}, opts...)
	coord, err := NewScanCoordinator(ctx, f.comp, restart, all...)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *coordFixture) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *coordFixture) edit(t *testing.T, dir, name, content string, offset time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name)
	writeFile(t, path, content)
	when := time.Now().Add(offset)
	require.NoError(t, os.Chtimes(path, when, when))
}

func TestNewScanCoordinatorValidation(t *testing.T) {
	ctx := &DevContext{}
	comp := &fakeCompiler{}
	cb := func(map[string]struct{}, *ScanResult) {}

	_, err := NewScanCoordinator(nil, comp, cb)
	assert.ErrorIs(t, err, ErrNilDevContext)
	_, err = NewScanCoordinator(ctx, nil, cb)
	assert.ErrorIs(t, err, ErrNilCompiler)
	_, err = NewScanCoordinator(ctx, comp, nil)
	assert.ErrorIs(t, err, ErrNilRestartCallback)
}

func TestCoordinatorRestartsOnSourceChange(t *testing.T) {
	f := newCoordFixture(t)
	writeFile(t, filepath.Join(f.src, "a.src"), "v1")
	_, err := f.coord.InitialScan()
	require.NoError(t, err)

	assert.False(t, f.coord.DoScan(false, false))
	assert.Zero(t, f.restartCount())

	f.edit(t, f.src, "a.src", "v2", 2*time.Second)
	assert.True(t, f.coord.DoScan(false, false))
	assert.Equal(t, 1, f.restartCount())
	assert.Contains(t, f.lastRestart.AddedUnits, filepath.Join(f.out, "a.bc"))

	snapshot := f.coord.Snapshot()
	assert.Equal(t, int64(1), snapshot.Restarts)
	assert.False(t, snapshot.LastScan.IsZero())
}

func TestCoordinatorCompileErrorBlocksRestart(t *testing.T) {
	f := newCoordFixture(t)
	writeFile(t, filepath.Join(f.src, "a.src"), "v1")
	_, err := f.coord.InitialScan()
	require.NoError(t, err)

	f.comp.failErr = errors.New("syntax error")
	f.edit(t, f.src, "a.src", "v2", 2*time.Second)

	assert.False(t, f.coord.DoScan(false, false))
	assert.Zero(t, f.restartCount())
	require.Error(t, f.coord.OutstandingCompileError())
	assert.NotEmpty(t, f.coord.Snapshot().CompileError)

	// Fixing the source clears the error and restarts.
	f.comp.failErr = nil
	assert.True(t, f.coord.DoScan(false, false))
	assert.Equal(t, 1, f.restartCount())
	assert.NoError(t, f.coord.OutstandingCompileError())
}

func TestCoordinatorWatchedFileTriggersRestart(t *testing.T) {
	f := newCoordFixture(t)
	conf := filepath.Join(f.res, "app.yaml")
	writeFile(t, conf, "key: 1")
	f.coord.SetWatchedFilePaths(map[string]bool{"app.yaml": true}, false)

	f.edit(t, f.res, "app.yaml", "key: 2", 2*time.Second)
	assert.True(t, f.coord.DoScan(false, false))
	assert.Equal(t, 1, f.restartCount())
	assert.Contains(t, f.lastFiles, "app.yaml")
}

func TestCoordinatorNoRestartConsumersNotified(t *testing.T) {
	f := newCoordFixture(t)
	conf := filepath.Join(f.res, "banner.txt")
	writeFile(t, conf, "hello")
	f.coord.SetWatchedFilePaths(map[string]bool{"banner.txt": false}, false)

	var notified map[string]struct{}
	f.coord.ConsumeNoRestartChanges(func(changed map[string]struct{}) {
		notified = changed
	})

	f.edit(t, f.res, "banner.txt", "hello v2", 2*time.Second)
	assert.False(t, f.coord.DoScan(false, false))
	assert.Zero(t, f.restartCount())
	assert.Contains(t, notified, "banner.txt")
}

func TestCoordinatorForcedRestart(t *testing.T) {
	f := newCoordFixture(t)
	assert.True(t, f.coord.DoScan(true, true))
	assert.Equal(t, 1, f.restartCount())
}

func TestCoordinatorDeploymentFailedRetriesOnUserScan(t *testing.T) {
	f := newCoordFixture(t)
	handled := false
	f.coord.AddDeploymentFailedStartHandler(func() { handled = true })

	f.coord.StartupSucceeded(StructuralIndex{"acme.A": {Name: "acme.A"}})
	f.coord.StartupFailed()

	assert.True(t, handled)
	assert.Nil(t, f.coord.Session().Baseline())

	// Periodic scans stay quiet, a user-initiated one restarts.
	assert.False(t, f.coord.DoScan(false, false))
	assert.True(t, f.coord.DoScan(true, false))
	assert.Equal(t, 1, f.restartCount())
}

func TestCoordinatorLiveReloadToggle(t *testing.T) {
	f := newCoordFixture(t)
	writeFile(t, filepath.Join(f.src, "a.src"), "v1")
	_, err := f.coord.InitialScan()
	require.NoError(t, err)

	assert.True(t, f.coord.IsLiveReloadEnabled())
	assert.False(t, f.coord.ToggleLiveReload())

	f.edit(t, f.src, "a.src", "v2", 2*time.Second)
	assert.False(t, f.coord.DoScan(false, false))
	assert.Zero(t, f.restartCount())

	// A forced restart bypasses the toggle.
	assert.True(t, f.coord.DoScan(true, true))
	assert.Equal(t, 1, f.restartCount())
}

func TestCoordinatorHotSwapAvoidsRestart(t *testing.T) {
	f := newCoordFixture(t)
	manifest := `{"type":"acme.Greeter","members":["greet()"]}`
	writeFile(t, filepath.Join(f.src, "greeter.src"), manifest)
	writeFile(t, filepath.Join(f.out, "greeter.bc"), manifest)

	_, err := f.coord.InitialScan()
	require.NoError(t, err)

	f.redefiner.available = true
	assert.True(t, f.coord.ToggleInstrumentation())
	f.coord.StartupSucceeded(StructuralIndex{
		"acme.Greeter": {Name: "acme.Greeter", Members: []string{"greet()"}},
	})

	// Same shape, different body.
	f.edit(t, f.src, "greeter.src",
		`{"type":"acme.Greeter","members":["greet()"],"body":"v2"}`, 2*time.Second)

	assert.False(t, f.coord.DoScan(false, false))
	assert.Zero(t, f.restartCount())
	assert.Len(t, f.redefiner.redefined, 1)
}

func TestCoordinatorHotSwapRejectionFallsBackToRestart(t *testing.T) {
	f := newCoordFixture(t)
	manifest := `{"type":"acme.Greeter","members":["greet()"]}`
	writeFile(t, filepath.Join(f.src, "greeter.src"), manifest)
	writeFile(t, filepath.Join(f.out, "greeter.bc"), manifest)

	_, err := f.coord.InitialScan()
	require.NoError(t, err)

	f.redefiner.available = true
	assert.True(t, f.coord.ToggleInstrumentation())
	f.coord.StartupSucceeded(StructuralIndex{
		"acme.Greeter": {Name: "acme.Greeter", Members: []string{"greet()"}},
	})

	// A new member forces the full restart path.
	f.edit(t, f.src, "greeter.src",
		`{"type":"acme.Greeter","members":["greet()","wave()"]}`, 2*time.Second)

	assert.True(t, f.coord.DoScan(false, false))
	assert.Equal(t, 1, f.restartCount())
	assert.Empty(t, f.redefiner.redefined)
}

func TestCoordinatorPreScanStepsBestEffort(t *testing.T) {
	f := newCoordFixture(t)
	ran := 0
	f.coord.AddPreScanStep(func() error {
		ran++
		return errors.New("flaky step")
	})
	f.coord.AddPreScanStep(func() error {
		ran++
		return nil
	})

	f.coord.DoScan(false, false)
	assert.Equal(t, 2, ran)
}

func TestCoordinatorUpdateFile(t *testing.T) {
	f := newCoordFixture(t)
	require.NoError(t, f.coord.UpdateFile("/conf/remote.yaml", []byte("pushed")))

	data, err := os.ReadFile(filepath.Join(f.appRoot, "conf", "remote.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "pushed", string(data))
}

func TestCoordinatorTestScanRunsTests(t *testing.T) {
	f := newCoordFixture(t)
	writeFile(t, filepath.Join(f.testSrc, "a_test.src"), "v1")
	f.coord.FirstTestScan()

	f.coord.TestScan()
	assert.Zero(t, f.runner.runCount())

	f.edit(t, f.testSrc, "a_test.src", "v2", 2*time.Second)
	f.coord.TestScan()
	require.Equal(t, 1, f.runner.runCount())
	require.NotNil(t, f.runner.runs[0])
	assert.Contains(t, f.runner.runs[0].AllUnits(), filepath.Join(f.testOut, "a_test.bc"))
}

func TestCoordinatorTestScanCompileFailure(t *testing.T) {
	f := newCoordFixture(t)
	writeFile(t, filepath.Join(f.testSrc, "a_test.src"), "v1")
	f.coord.FirstTestScan()

	f.comp.failErr = errors.New("test syntax error")
	f.edit(t, f.testSrc, "a_test.src", "broken", 2*time.Second)
	f.coord.TestScan()

	f.runner.mu.Lock()
	failed := len(f.runner.compileFailed)
	f.runner.mu.Unlock()
	assert.Equal(t, 1, failed)
	assert.Zero(t, f.runner.runCount())
	assert.NotEmpty(t, f.coord.Snapshot().TestCompileError)
}

// phaseCountingCompiler tracks how many compile phases overlap.
type phaseCountingCompiler struct {
	fakeCompiler
	active atomic.Int32
	peak   atomic.Int32
}

func (c *phaseCountingCompiler) Compile(sourceRoot string, files map[string][]string) error {
	current := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		peak := c.peak.Load()
		if current <= peak || c.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.fakeCompiler.Compile(sourceRoot, files)
}

func TestCoordinatorScanAndTestScanNeverCompileConcurrently(t *testing.T) {
	f := newCoordFixture(t)
	counting := &phaseCountingCompiler{
		fakeCompiler: fakeCompiler{outputs: map[string]string{f.src: f.out, f.testSrc: f.testOut}},
	}
	restart := func(map[string]struct{}, *ScanResult) {}
	coord, err := NewScanCoordinator(f.coord.ctx, counting, restart,
		WithTestRunner(f.runner), WithScanStabilizationWait(time.Millisecond))
	require.NoError(t, err)

	writeFile(t, filepath.Join(f.src, "a.src"), "v1")
	writeFile(t, filepath.Join(f.testSrc, "a_test.src"), "v1")
	_, err = coord.InitialScan()
	require.NoError(t, err)
	coord.FirstTestScan()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		offset := time.Duration(i+2) * time.Second
		f.edit(t, f.src, "a.src", "main edit", offset)
		f.edit(t, f.testSrc, "a_test.src", "test edit", offset)

		wg.Add(2)
		go func() {
			defer wg.Done()
			coord.DoScan(false, false)
		}()
		go func() {
			defer wg.Done()
			coord.TestScan()
		}()
		wg.Wait()
	}

	assert.LessOrEqual(t, counting.peak.Load(), int32(1),
		"compiler phases of dev scan and test scan overlapped")
}

func TestReloadSessionToggle(t *testing.T) {
	session := NewReloadSession(true)
	assert.True(t, session.InstrumentationEnabled())
	assert.False(t, session.ToggleInstrumentation())
	assert.False(t, session.InstrumentationEnabled())
	assert.True(t, session.ToggleInstrumentation())
}
