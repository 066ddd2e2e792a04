/*
Copyright 2018 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// roby runs a propagation kernel bound to an empty plan, exposing the
// control/query surface over a unix socket and the kernel's metrics over
// net/http: flag-configured, klog-logged, with a bare net/http server for
// diagnostics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/robycore/roby/pkg/engineconfig"
	"github.com/robycore/roby/pkg/eventlog"
	"github.com/robycore/roby/pkg/kernel"
	"github.com/robycore/roby/pkg/plan"
	"github.com/robycore/roby/pkg/robyctl"
)

var flags = struct {
	config  string
	control string
}{
	config:  "",
	control: "/tmp/roby.sock",
}

func main() {
	flag.StringVar(&flags.config, "config", "", "path to an engine YAML config; defaults are used if empty")
	flag.StringVar(&flags.control, "control-socket", flags.control, "unix socket path for the robyctl control surface")
	flag.Parse()

	cfg := engineconfig.Default()
	if flags.config != "" {
		loaded, err := engineconfig.Load(flags.config)
		if err != nil {
			klog.Exitf("loading config: %v", err)
		}
		cfg = loaded
	}

	if err := run(cfg); err != nil {
		klog.Exitf("roby: %v", err)
	}
}

func run(cfg engineconfig.EngineConfig) error {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := kernel.NewMetrics(registry)

	logPath := filepath.Join(cfg.LogDir, "roby.evlog")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("creating event log %s: %w", logPath, err)
	}
	defer logFile.Close()
	records := make(chan eventlog.Record, 256)
	sinkDone := make(chan error, 1)
	go func() { sinkDone <- eventlog.Sink(logFile, records) }()
	defer func() {
		close(records)
		if err := <-sinkDone; err != nil {
			klog.Errorf("event log sink: %v", err)
		}
	}()

	p := plan.New()
	scheduler := schedulerFor(cfg)
	eng := kernel.New(p,
		kernel.WithScheduler(scheduler),
		kernel.WithCyclePeriod(cfg.CyclePeriod()),
		kernel.WithMetrics(metrics),
		kernel.WithAbortOnException(cfg.AbortOnException),
		kernel.WithEventLog(func(r eventlog.Record) {
			// The kernel must never block on the logger; a full sink
			// queue drops the record rather than stalling the cycle.
			select {
			case records <- r:
			default:
			}
		}),
	)

	ctl := robyctl.NewServer(p)
	registerDemoAction(ctl)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			klog.Infof("metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}

	os.Remove(flags.control)
	listener, err := net.Listen("unix", flags.control)
	if err != nil {
		return fmt.Errorf("listening on control socket %s: %w", flags.control, err)
	}
	defer listener.Close()
	go serveControl(listener, ctl)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	klog.Infof("roby: cycle period %s, scheduler %s, control socket %s", cfg.CyclePeriod(), cfg.Scheduler, flags.control)

	go func() {
		ticker := time.NewTicker(cfg.CyclePeriod())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ctl.Tick()
			}
		}
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("engine run: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.CyclePeriod()*20)
	defer shutdownCancel()
	return eng.Shutdown(shutdownCtx)
}

func schedulerFor(cfg engineconfig.EngineConfig) kernel.Scheduler {
	switch cfg.Scheduler {
	case engineconfig.SchedulerTemporal:
		return kernel.NewTemporalScheduler(clock.RealClock{})
	default:
		return kernel.BasicScheduler{}
	}
}

func serveControl(listener net.Listener, ctl *robyctl.Server) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			klog.Errorf("control socket accept: %v", err)
			return
		}
		go func() {
			if err := ctl.Serve(conn); err != nil {
				klog.Infof("control connection closed: %v", err)
			}
		}()
	}
}

// registerDemoAction wires a trivial no-argument action so a freshly
// started daemon has something for `robyctl list-actions`/`start-action`
// to exercise; real deployments register their own actions here in place
// of it.
func registerDemoAction(ctl *robyctl.Server) {
	ctl.RegisterAction("noop", func(p *plan.Plan, args map[string]any) (*plan.Task, error) {
		events := []plan.EventSpec{
			{Symbol: "start", Terminal: false},
			{Symbol: "stop", Terminal: true},
		}
		model, err := plan.NewModel("Noop", events, "start", "stop", nil, false)
		if err != nil {
			return nil, err
		}
		model.OnConstruct(func(t *plan.Task) {
			if err := t.StartEvent().SetCommand(func(_ context.Context, gen *plan.EventGenerator, payload plan.EventContext) error {
				if err := gen.Emit(payload); err != nil {
					return err
				}
				return t.StopEvent().Call(payload)
			}); err != nil {
				klog.Errorf("noop action: %v", err)
			}
		})
		return p.NewTask(model, args)
	})
}
