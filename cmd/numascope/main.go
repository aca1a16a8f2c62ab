// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/numascope/internal/console"
	"github.com/antimetal/numascope/internal/display"
	"github.com/antimetal/numascope/internal/dump"
	"github.com/antimetal/numascope/internal/sampler"
	"github.com/antimetal/numascope/internal/term"
	"github.com/antimetal/numascope/pkg/config"
	"github.com/antimetal/numascope/pkg/perf/plat"
	"github.com/antimetal/numascope/pkg/pqos"
	"github.com/antimetal/numascope/pkg/proc"
	"github.com/antimetal/numascope/pkg/topology"
)

var (
	setupLog logr.Logger

	// CLI Options
	logPath     string
	dumpPath    string
	precision   string
	runTimeSecs int
	debugLevel  int
	refreshSecs int
)

func init() {
	flag.StringVar(&logPath, "log-file", "",
		"Write debug logging to this file instead of stderr")
	flag.StringVar(&dumpPath, "dump-file", "",
		"Write a plain-text rendition of each frame to this file (.gz compresses)")
	flag.StringVar(&precision, "precision", "normal",
		"Sampling precision: low, normal or high")
	flag.IntVar(&runTimeSecs, "run-time", 0,
		"Exit after this many seconds (0 runs until quit)")
	flag.IntVar(&debugLevel, "debug-level", 0,
		"Debug logging verbosity (0 disables debug output)")
	flag.IntVar(&refreshSecs, "refresh", 5,
		"Seconds between automatic refreshes of the current page")
}

func newLogger() (logr.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-debugLevel))
	zcfg.Encoding = "console"
	if logPath != "" {
		zcfg.OutputPaths = []string{logPath}
		zcfg.ErrorOutputPaths = []string{logPath}
	} else if debugLevel == 0 {
		// Keep the terminal clean for the dashboard.
		zcfg.OutputPaths = []string{os.DevNull}
		zcfg.ErrorOutputPaths = []string{os.DevNull}
	}

	zl, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

func run() error {
	flag.Parse()

	logger, flush, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer flush()
	setupLog = logger.WithName("setup")

	cfg := config.Config{
		Precision:       config.Precision(precision),
		RefreshInterval: time.Duration(refreshSecs) * time.Second,
		DumpPath:        dumpPath,
		LogPath:         logPath,
		DebugLevel:      debugLevel,
	}
	if runTimeSecs > 0 {
		cfg.RunTime = time.Duration(runTimeSecs) * time.Second
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Initialisation order: topology, counter table, registry, sampler,
	// display, console. Teardown happens in reverse as the deferred calls
	// and thread exits unwind.
	topo, err := topology.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("topology init: %w", err)
	}
	topo.UncoreInit()

	platform, err := plat.Detect(cfg.HostProcPath, cfg.HostSysPath)
	if err != nil {
		return fmt.Errorf("platform detection: %w", err)
	}
	setupLog.Info("platform detected", "cpu", platform.Type.String())

	registry, err := proc.NewRegistry(cfg, topo.CPUIDMax, logger)
	if err != nil {
		return fmt.Errorf("registry init: %w", err)
	}
	if err := registry.EnumUpdate(0); err != nil {
		return fmt.Errorf("initial process scan: %w", err)
	}

	monitor := pqos.NewMonitor(cfg.HostResctrlPath, logger)

	dumpWriter, err := dump.NewWriter(cfg.DumpPath)
	if err != nil {
		return err
	}
	defer dumpWriter.Close()

	smp := sampler.New(cfg, platform, topo, registry, monitor, logger)

	screen := term.NewTermScreen()
	defer screen.Close()

	disp := display.New(cfg, platform, topo, registry, smp, screen, dumpWriter, logger)
	smp.SetNotifier(disp)

	cons, err := console.New(disp, monitor.Supported(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		disp.Quit()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smp.Run(ctx)
	})
	g.Go(func() error {
		err := disp.Run(ctx)
		// The display quits first and takes the other threads with it.
		cons.NotifyQuit()
		return err
	})
	g.Go(func() error {
		return cons.Run(ctx)
	})

	// Kick the sampler and show the home page.
	if err := smp.ProfilingStart(); err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("fail to setup perf (probably permission denied): %w", err)
	}
	disp.GoHome()

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "numascope: %v\n", err)
		os.Exit(1)
	}
}
