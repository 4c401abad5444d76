package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	opts      options
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	p.info("Fotobox service starting")

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	if err := run(p.ctx, p.opts, os.Stdout); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(err)
	}
	p.info("Fotobox service stopping")
}

func (p *program) Stop(s service.Service) error {
	p.info("Fotobox service stop requested")
	if p.cancel != nil {
		p.cancel()
	}

	// Wait for run() to finish with timeout; dispatch drain is bounded too
	select {
	case <-p.done:
		p.info("Fotobox service stopped gracefully")
	case <-time.After(drainTimeout + 5*time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("Fotobox service stopped with timeout")
		}
	}
	return nil
}

func (p *program) info(msg string) {
	if p.svcLogger != nil {
		p.svcLogger.Info(msg)
	}
}

// serviceOptions fills the defaults a service needs: an absolute config path
// and the web UI, which is the only way to drive an unattended booth.
func serviceOptions(opts options) options {
	if abs, err := filepath.Abs(opts.cfgPath); err == nil {
		opts.cfgPath = abs
	}
	if opts.webPort == 0 {
		opts.webPort = 8080
	}
	opts.capture, opts.probe, opts.filename = false, false, ""
	return opts
}

// getServiceConfig returns the service definition for the current platform.
func getServiceConfig(opts options) *service.Config {
	// configs/ must stay reachable as a relative path, so run from the
	// directory holding it.
	workingDir := filepath.Dir(filepath.Dir(opts.cfgPath))

	return &service.Config{
		Name:             "fotobox",
		DisplayName:      "Fotobox",
		Description:      "Photobooth capture controller for a tethered camera.",
		WorkingDirectory: workingDir,
		Arguments: []string{
			"-service", "run",
			"-config", opts.cfgPath,
			"-web=" + strconv.Itoa(opts.webPort),
		},
		Option: service.KeyValue{
			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",

			// macOS launchd options
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

func newService(opts options) (service.Service, *program, error) {
	opts = serviceOptions(opts)
	prg := &program{opts: opts}
	s, err := service.New(prg, getServiceConfig(opts))
	if err != nil {
		return nil, nil, fmt.Errorf("create service: %w", err)
	}
	return s, prg, nil
}

// runAsService is used when the service manager started the binary.
func runAsService(opts options) error {
	s, _, err := newService(opts)
	if err != nil {
		return err
	}
	return s.Run()
}

// handleServiceCommand processes service install/uninstall/start/stop commands
func handleServiceCommand(cmd string, opts options) error {
	s, _, err := newService(opts)
	if err != nil {
		return err
	}

	switch cmd {
	case "run":
		return s.Run()
	case "status":
		st, err := s.Status()
		if err != nil {
			return err
		}
		fmt.Println(statusString(st))
		return nil
	case "install", "uninstall", "start", "stop", "restart":
		if err := service.Control(s, cmd); err != nil {
			return err
		}
		fmt.Printf("service %s: ok\n", cmd)
		return nil
	default:
		return fmt.Errorf("unknown command %q (valid: install, uninstall, start, stop, restart, status, run)", cmd)
	}
}

func statusString(st service.Status) string {
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
