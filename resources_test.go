package devloop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resourceFixture struct {
	src  string
	out  string
	ctx  *DevContext
	sync *resourceSync
	ts   *TimestampSet

	copied []string
}

func newResourceFixture(t *testing.T) *resourceFixture {
	t.Helper()
	f := &resourceFixture{src: t.TempDir(), out: t.TempDir(), ts: NewTimestampSet()}
	f.ctx = &DevContext{Modules: []*ModuleInfo{{
		Name: "app",
		Main: &CompilationUnit{
			SourceRoots:        []string{f.src},
			OutputRoot:         f.out,
			ResourceRoots:      []string{f.src},
			ResourceOutputRoot: f.out,
		},
	}}}
	f.sync = newResourceSync(f.ctx, noopLogger{}, func(_ *ModuleInfo, rel string) {
		f.copied = append(f.copied, rel)
	}, time.Millisecond)
	return f
}

func TestResourceSyncMirrorsChangedFiles(t *testing.T) {
	f := newResourceFixture(t)
	writeFile(t, filepath.Join(f.src, "static", "page.html"), "<p>hi</p>")

	changed := f.sync.checkForFileChange(mainUnit, f.ts)
	assert.Contains(t, changed, "static/page.html")
	assert.Contains(t, f.copied, "static/page.html")

	data, err := os.ReadFile(filepath.Join(f.out, "static", "page.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(data))

	// Unchanged files are not copied again.
	f.copied = nil
	changed = f.sync.checkForFileChange(mainUnit, f.ts)
	assert.Empty(t, changed)
	assert.Empty(t, f.copied)
}

func TestResourceSyncDeletesVanishedMirrors(t *testing.T) {
	f := newResourceFixture(t)
	source := filepath.Join(f.src, "page.html")
	writeFile(t, source, "x")
	f.sync.checkForFileChange(mainUnit, f.ts)
	target := filepath.Join(f.out, "page.html")
	require.FileExists(t, target)

	require.NoError(t, os.Remove(source))
	f.sync.checkForFileChange(mainUnit, f.ts)
	assert.NoFileExists(t, target)
}

func TestResourceSyncWatchedFileChange(t *testing.T) {
	f := newResourceFixture(t)
	conf := filepath.Join(f.src, "app.yaml")
	writeFile(t, conf, "key: 1")

	f.sync.setWatchedPaths(map[string]bool{"app.yaml": true}, false, f.ts)
	assert.True(t, f.ts.RequiresRestart("app.yaml"))

	// No edit, no change.
	changed := f.sync.checkForFileChange(mainUnit, f.ts)
	assert.NotContains(t, changed, "app.yaml")

	writeFile(t, conf, "key: 2")
	when := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(conf, when, when))

	changed = f.sync.checkForFileChange(mainUnit, f.ts)
	assert.Contains(t, changed, "app.yaml")

	// Watched files are mirrored when they change.
	data, err := os.ReadFile(filepath.Join(f.out, "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "key: 2", string(data))
}

func TestResourceSyncWatchedFileDeleted(t *testing.T) {
	f := newResourceFixture(t)
	conf := filepath.Join(f.src, "app.yaml")
	writeFile(t, conf, "key: 1")
	f.sync.setWatchedPaths(map[string]bool{"app.yaml": true}, false, f.ts)
	f.sync.checkForFileChange(mainUnit, f.ts)

	require.NoError(t, os.Remove(conf))
	f.sync.checkForFileChange(mainUnit, f.ts)
	assert.NoFileExists(t, filepath.Join(f.out, "app.yaml"))

	zero, ok := f.ts.WatchedTime(conf)
	assert.True(t, ok)
	assert.True(t, zero.IsZero())
}

func TestResourceSyncAbsoluteWatchedPath(t *testing.T) {
	f := newResourceFixture(t)
	external := filepath.Join(t.TempDir(), "external.conf")
	writeFile(t, external, "v1")

	f.sync.setWatchedPaths(map[string]bool{external: true}, false, f.ts)

	changed := f.sync.checkForFileChange(mainUnit, f.ts)
	assert.NotContains(t, changed, external)

	writeFile(t, external, "v2")
	when := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(external, when, when))

	changed = f.sync.checkForFileChange(mainUnit, f.ts)
	assert.Contains(t, changed, external)

	// Absolute paths are tracked, never mirrored.
	assert.NoFileExists(t, filepath.Join(f.out, "external.conf"))
}

func TestResourceSyncGlobExpansion(t *testing.T) {
	f := newResourceFixture(t)
	writeFile(t, filepath.Join(f.src, "one.cfg"), "1")
	writeFile(t, filepath.Join(f.src, "two.cfg"), "2")
	writeFile(t, filepath.Join(f.src, "other.txt"), "x")

	f.sync.setWatchedPaths(map[string]bool{"*.cfg": true}, false, f.ts)

	paths := f.ts.WatchedPaths()
	assert.Contains(t, paths, "one.cfg")
	assert.Contains(t, paths, "two.cfg")
	assert.NotContains(t, paths, "other.txt")
	assert.True(t, f.ts.RequiresRestart("one.cfg"))
}

func TestResourceSyncFallsBackToOutputRoot(t *testing.T) {
	out := t.TempDir()
	ctx := &DevContext{Modules: []*ModuleInfo{{
		Name: "app",
		Main: &CompilationUnit{OutputRoot: out},
	}}}
	rs := newResourceSync(ctx, noopLogger{}, nil, time.Millisecond)
	ts := NewTimestampSet()

	conf := filepath.Join(out, "app.yaml")
	writeFile(t, conf, "key: 1")
	rs.setWatchedPaths(map[string]bool{"app.yaml": true}, false, ts)

	writeFile(t, conf, "key: 2")
	when := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(conf, when, when))

	changed := rs.checkForFileChange(mainUnit, ts)
	assert.Contains(t, changed, "app.yaml")
}
