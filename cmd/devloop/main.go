package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devloop-labs/devloop"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// newRootCommand creates the root command for the devloop CLI
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devloop",
		Short: "Devloop - incremental build and live update loop",
		Long: `Devloop watches source and resource trees, recompiles what changed
through an external compile command, and restarts or hot-swaps the running
application as the nature of the change demands.`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(newRunCommand())

	return cmd
}

type runFlags struct {
	configPath     string
	appRoot        string
	sources        []string
	output         string
	resources      []string
	resourceOutput string
	testSources    []string
	testOutput     string
	extensions     []string
	compileCmd     string
	runCmd         string
	testCmd        string
	statusAddr     string
	verbose        bool
}

// newRunCommand creates the run command, the main entry point of the loop
func newRunCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the development loop",
		Long: `Run starts the scan trigger, the optional status endpoint, and the
application process, then keeps them current until interrupted.

The compile command runs with DEVLOOP_SOURCE_ROOT and DEVLOOP_CHANGED_FILES
in its environment; the test command receives DEVLOOP_CHANGED_UNITS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runDevLoop(flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML or TOML config file")
	cmd.Flags().StringVar(&flags.appRoot, "app-root", "", "application root (defaults to the working directory)")
	cmd.Flags().StringSliceVar(&flags.sources, "source", nil, "source root to watch (repeatable)")
	cmd.Flags().StringVar(&flags.output, "output", "", "compiled output root")
	cmd.Flags().StringSliceVar(&flags.resources, "resources", nil, "resource root to mirror (repeatable)")
	cmd.Flags().StringVar(&flags.resourceOutput, "resource-output", "", "resource mirror target")
	cmd.Flags().StringSliceVar(&flags.testSources, "test-source", nil, "test source root (repeatable)")
	cmd.Flags().StringVar(&flags.testOutput, "test-output", "", "compiled test output root")
	cmd.Flags().StringSliceVar(&flags.extensions, "ext", []string{".go"}, "source extensions handled by the compile command")
	cmd.Flags().StringVar(&flags.compileCmd, "compile-cmd", "", "shell command that compiles a source root")
	cmd.Flags().StringVar(&flags.runCmd, "run-cmd", "", "shell command that starts the application")
	cmd.Flags().StringVar(&flags.testCmd, "test-cmd", "", "shell command that runs the tests")
	cmd.Flags().StringVar(&flags.statusAddr, "status-addr", "", "listen address of the status endpoint")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("compile-cmd")

	return cmd
}

func runDevLoop(flags *runFlags) error {
	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := devloop.NewConfig()
	var err error
	if flags.configPath != "" {
		if cfg, err = devloop.LoadConfig(flags.configPath); err != nil {
			return err
		}
	} else if err = cfg.ApplyEnvOverrides(); err != nil {
		return err
	}
	if flags.statusAddr != "" {
		cfg.StatusAddr = flags.statusAddr
	}

	appRoot := flags.appRoot
	if appRoot == "" {
		if appRoot, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolving application root: %w", err)
		}
	}

	module := &devloop.ModuleInfo{
		Name: "app",
		Main: &devloop.CompilationUnit{
			SourceRoots:        flags.sources,
			OutputRoot:         flags.output,
			ResourceRoots:      flags.resources,
			ResourceOutputRoot: flags.resourceOutput,
		},
	}
	if len(flags.testSources) > 0 {
		module.Test = &devloop.CompilationUnit{
			SourceRoots: flags.testSources,
			OutputRoot:  flags.testOutput,
		}
	}
	devCtx := &devloop.DevContext{
		ApplicationRoots: []string{appRoot},
		Modules:          []*devloop.ModuleInfo{module},
	}

	compiler := &execCompiler{
		command:    flags.compileCmd,
		extensions: flags.extensions,
		workDir:    appRoot,
		logger:     logger,
	}
	process := newAppProcess(flags.runCmd, appRoot, logger)

	sink := devloop.NewEventSink()
	sink.Subscribe(func(event devloop.CloudEvent) {
		logger.Debug("Scan event", "type", event.Type(), "id", event.ID())
	})

	opts := []devloop.CoordinatorOption{
		devloop.WithCoordinatorLogger(logger),
		devloop.WithEventSink(sink),
		devloop.WithScanStabilizationWait(cfg.StabilizationDuration()),
		devloop.WithCompiledUnitSuffix(cfg.CompiledUnitSuffix),
		devloop.WithSession(devloop.NewReloadSession(cfg.Instrumentation)),
	}
	var testRunner *execTestRunner
	if flags.testCmd != "" {
		testRunner = &execTestRunner{command: flags.testCmd, workDir: appRoot, logger: logger}
		opts = append(opts, devloop.WithTestRunner(testRunner))
	}

	coordinator, err := devloop.NewScanCoordinator(devCtx, compiler, process.Restart, opts...)
	if err != nil {
		return err
	}

	if len(cfg.WatchedFiles) > 0 {
		coordinator.SetWatchedFilePaths(cfg.WatchedFiles, false)
	}
	if len(cfg.TestWatchedFiles) > 0 {
		coordinator.SetWatchedFilePaths(cfg.TestWatchedFiles, true)
	}
	if !cfg.LiveReload {
		coordinator.ToggleLiveReload()
	}

	if _, err := coordinator.InitialScan(); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	if err := process.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trigger := devloop.NewScanTrigger(coordinator,
		devloop.WithTriggerSchedule(cfg.ScanSchedule),
		devloop.WithCoalesceDelay(cfg.CoalesceDuration()),
		devloop.WithTriggerLogger(logger),
	)
	if err := trigger.Start(ctx); err != nil {
		return err
	}

	var periodicTests *devloop.PeriodicTestScan
	if testRunner != nil && module.Test != nil {
		periodicTests = devloop.NewPeriodicTestScan(coordinator, cfg.ScanSchedule, logger)
		if err := periodicTests.TestsEnabled(); err != nil {
			logger.Error("Continuous testing unavailable", "error", err)
			periodicTests = nil
		}
	}

	var status *devloop.StatusServer
	if cfg.StatusAddr != "" {
		status = devloop.NewStatusServer(coordinator, cfg.StatusAddr, logger)
		status.Start()
	}

	logger.Info("Development loop running",
		"sources", flags.sources, "output", flags.output, "statusAddr", cfg.StatusAddr)
	<-ctx.Done()

	logger.Info("Shutting down")
	if periodicTests != nil {
		periodicTests.TestsDisabled()
	}
	if err := trigger.Stop(); err != nil {
		logger.Error("Failed to stop scan trigger", "error", err)
	}
	if status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := status.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop status endpoint", "error", err)
		}
	}
	process.Stop()
	return nil
}
