package devloop

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// defaultCoalesceDelay is how long after a filesystem event the trigger waits
// before requesting a scan, so bursts of notifications from one save collapse
// into a single scan.
const defaultCoalesceDelay = 500 * time.Millisecond

// ScanTrigger drives the coordinator from two producers feeding one
// scan-request channel: a periodic timer and a filesystem watcher. The
// channel holds at most one pending request; a request arriving while a scan
// is in flight is satisfied by the next cycle rather than queueing.
type ScanTrigger struct {
	coordinator *ScanCoordinator
	logger      Logger
	schedule    string
	coalesce    time.Duration
	watchPaths  []string

	mu       sync.Mutex
	started  bool
	requests chan struct{}
	cron     *cron.Cron
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// TriggerOption configures a ScanTrigger.
type TriggerOption func(*ScanTrigger)

// WithTriggerSchedule sets the periodic schedule in cron descriptor syntax.
func WithTriggerSchedule(schedule string) TriggerOption {
	return func(t *ScanTrigger) { t.schedule = schedule }
}

// WithCoalesceDelay sets the filesystem-event coalescing delay.
func WithCoalesceDelay(d time.Duration) TriggerOption {
	return func(t *ScanTrigger) { t.coalesce = d }
}

// WithWatchPaths replaces the derived watch roots.
func WithWatchPaths(paths ...string) TriggerOption {
	return func(t *ScanTrigger) { t.watchPaths = paths }
}

// WithTriggerLogger sets the logger.
func WithTriggerLogger(l Logger) TriggerOption {
	return func(t *ScanTrigger) { t.logger = l }
}

// NewScanTrigger returns a stopped trigger. Watch roots default to every
// module's main source and resource roots.
func NewScanTrigger(coordinator *ScanCoordinator, opts ...TriggerOption) *ScanTrigger {
	t := &ScanTrigger{
		coordinator: coordinator,
		logger:      noopLogger{},
		schedule:    "@every 1s",
		coalesce:    defaultCoalesceDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.watchPaths == nil {
		for _, module := range coordinator.ctx.Modules {
			if module.Main == nil {
				continue
			}
			t.watchPaths = append(t.watchPaths, module.Main.SourceRoots...)
			t.watchPaths = append(t.watchPaths, module.Main.ResourceRoots...)
		}
	}
	return t
}

// Request asks for a scan. Non-blocking; if one is already pending the
// request is dropped and satisfied by the pending cycle.
func (t *ScanTrigger) Request() {
	t.mu.Lock()
	requests := t.requests
	t.mu.Unlock()
	if requests == nil {
		return
	}
	select {
	case requests <- struct{}{}:
	default:
	}
}

// Start launches the periodic producer, the filesystem producer, and the
// consuming loop. The loop stops when ctx is cancelled or Stop is called.
func (t *ScanTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrTriggerAlreadyStarted
	}

	t.requests = make(chan struct{}, 1)
	t.done = make(chan struct{})

	c := cron.New()
	if _, err := c.AddFunc(t.schedule, t.Request); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Native event notification is an optimization; the timer alone
		// keeps scans running.
		t.logger.Warn("Filesystem watcher unavailable, relying on periodic scans", "error", err)
	} else {
		for _, root := range t.watchPaths {
			watchRecursively(watcher, root)
		}
		t.watcher = watcher
		go t.watchLoop(watcher)
	}

	c.Start()
	t.cron = c
	t.started = true
	go t.loop(ctx)
	t.logger.Info("Scan trigger started", "schedule", t.schedule, "watchedRoots", len(t.watchPaths))
	return nil
}

// Stop halts both producers and the loop.
func (t *ScanTrigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return ErrTriggerNotStarted
	}
	close(t.done)
	stopCtx := t.cron.Stop()
	<-stopCtx.Done()
	t.cron = nil
	if t.watcher != nil {
		if err := t.watcher.Close(); err != nil {
			t.logger.Error("Failed to close filesystem watcher", "error", err)
		}
		t.watcher = nil
	}
	t.requests = nil
	t.started = false
	return nil
}

func (t *ScanTrigger) loop(ctx context.Context) {
	t.mu.Lock()
	requests, done := t.requests, t.done
	t.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-requests:
			t.coordinator.DoScan(false, false)
		}
	}
}

// watchLoop coalesces filesystem events into scan requests and keeps the
// watch set current as directories appear.
func (t *ScanTrigger) watchLoop(watcher *fsnotify.Watcher) {
	var pending *time.Timer
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					watchRecursively(watcher, event.Name)
				}
			}
			if pending == nil {
				pending = time.AfterFunc(t.coalesce, t.Request)
			} else {
				pending.Reset(t.coalesce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error("Filesystem watcher error", "error", err)
		}
	}
}

// watchRecursively registers a directory tree with the watcher. Missing or
// unreadable directories are skipped; the periodic producer covers them.
func watchRecursively(watcher *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr // unreadable entries skipped
		}
		_ = watcher.Add(path)
		return nil
	})
}
