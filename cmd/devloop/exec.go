package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/devloop-labs/devloop"
)

// stopGracePeriod is how long a stopping application gets between SIGTERM
// and SIGKILL.
const stopGracePeriod = 5 * time.Second

// execCompiler compiles a source root by running an external shell command.
// The changed files and the root are passed through the environment so the
// command can compile incrementally if it knows how.
type execCompiler struct {
	command    string
	extensions []string
	workDir    string
	logger     devloop.Logger
}

func (c *execCompiler) Compile(sourceRoot string, filesByExtension map[string][]string) error {
	var files []string
	for _, group := range filesByExtension {
		files = append(files, group...)
	}
	sort.Strings(files)

	cmd := exec.Command("sh", "-c", c.command)
	cmd.Dir = c.workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"DEVLOOP_SOURCE_ROOT="+sourceRoot,
		"DEVLOOP_CHANGED_FILES="+strings.Join(files, string(os.PathListSeparator)))

	c.logger.Debug("Compiling", "sourceRoot", sourceRoot, "files", len(files))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("compile command failed: %w", err)
	}
	return nil
}

// FindSourcePath maps a compiled unit back to its source by swapping the
// output-relative path into each source root with each handled extension.
func (c *execCompiler) FindSourcePath(compiledUnit string, sourceRoots []string, outputRoot string) (string, bool) {
	rel, err := filepath.Rel(outputRoot, compiledUnit)
	if err != nil {
		return "", false
	}
	stem := strings.TrimSuffix(rel, filepath.Ext(rel))
	for _, root := range sourceRoots {
		for _, ext := range c.extensions {
			candidate := filepath.Join(root, stem+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
	}
	return "", false
}

func (c *execCompiler) HandledExtensions() []string {
	return c.extensions
}

// execTestRunner runs the configured test command whenever the test scan
// reports changed units.
type execTestRunner struct {
	command string
	workDir string
	logger  devloop.Logger
}

func (r *execTestRunner) RunTests(result *devloop.ScanResult) {
	var units []string
	if result != nil {
		units = result.AllUnits()
	}

	cmd := exec.Command("sh", "-c", r.command)
	cmd.Dir = r.workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"DEVLOOP_CHANGED_UNITS="+strings.Join(units, string(os.PathListSeparator)))

	r.logger.Info("Running tests", "changedUnits", len(units))
	if err := cmd.Run(); err != nil {
		r.logger.Error("Tests failed", "error", err)
		return
	}
	r.logger.Info("Tests passed")
}

func (r *execTestRunner) TestCompileFailed(err error) {
	r.logger.Error("Test compilation failed", "error", err)
}

func (r *execTestRunner) TestCompileSucceeded() {
	r.logger.Info("Test compilation succeeded")
}

// appProcess supervises the application under development. Restart matches
// the coordinator's restart callback signature.
type appProcess struct {
	command string
	workDir string
	logger  devloop.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone chan struct{}
}

func newAppProcess(command, workDir string, logger devloop.Logger) *appProcess {
	return &appProcess{command: command, workDir: workDir, logger: logger}
}

// Start launches the application. A loop without a run command only compiles
// and mirrors; Start is then a no-op.
func (p *appProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *appProcess) startLocked() error {
	if p.command == "" {
		return nil
	}
	cmd := exec.Command("sh", "-c", p.command)
	cmd.Dir = p.workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group, so stop signals reach the shell's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting application: %w", err)
	}

	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()
	p.cmd = cmd
	p.waitDone = waitDone
	p.logger.Info("Application started", "pid", cmd.Process.Pid)
	return nil
}

// Restart stops the running application and starts a fresh one.
func (p *appProcess) Restart(changedFiles map[string]struct{}, result *devloop.ScanResult) {
	units := 0
	if result != nil {
		units = len(result.AllUnits())
	}
	p.logger.Info("Restarting application", "changedFiles", len(changedFiles), "changedUnits", units)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if err := p.startLocked(); err != nil {
		p.logger.Error("Application restart failed", "error", err)
	}
}

// Stop terminates the application, escalating to SIGKILL after the grace
// period.
func (p *appProcess) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *appProcess) stopLocked() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-p.waitDone:
	case <-time.After(stopGracePeriod):
		p.logger.Warn("Application ignored SIGTERM, killing", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.waitDone
	}
	p.cmd = nil
	p.waitDone = nil
}
