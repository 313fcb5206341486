package devloop

import (
	"sync"

	"github.com/robfig/cron/v3"
)

// TestRunner is the continuous-testing subsystem's view of scan results.
// RunTests receives nil when a restart-flagged watched file changed and the
// whole suite should rerun.
type TestRunner interface {
	RunTests(result *ScanResult)
	TestCompileFailed(err error)
	TestCompileSucceeded()
}

// PeriodicTestScan schedules test-domain scans on a fixed period while
// testing is enabled. Enabling runs the initial baseline scan first so the
// first periodic pass does not report every unit as new.
type PeriodicTestScan struct {
	coordinator *ScanCoordinator
	logger      Logger
	schedule    string

	mu   sync.Mutex
	cron *cron.Cron
}

// NewPeriodicTestScan returns a stopped scheduler. The schedule uses cron
// descriptor syntax, e.g. "@every 1s".
func NewPeriodicTestScan(coordinator *ScanCoordinator, schedule string, logger Logger) *PeriodicTestScan {
	if schedule == "" {
		schedule = "@every 1s"
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &PeriodicTestScan{coordinator: coordinator, logger: logger, schedule: schedule}
}

// TestsEnabled starts periodic scanning. Idempotent.
func (p *PeriodicTestScan) TestsEnabled() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	p.coordinator.FirstTestScan()
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, p.coordinator.TestScan); err != nil {
		return err
	}
	c.Start()
	p.cron = c
	p.logger.Info("Continuous test scanning enabled", "schedule", p.schedule)
	return nil
}

// TestsDisabled stops periodic scanning. Idempotent.
func (p *PeriodicTestScan) TestsDisabled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron == nil {
		return
	}
	ctx := p.cron.Stop()
	p.cron = nil
	p.logger.Info("Continuous test scanning disabled")
	<-ctx.Done()
}
