package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/hw/gpio"
	"github.com/cjeanneret/fotobox/internal/logic/capture"
	"github.com/cjeanneret/fotobox/internal/logic/dispatch"
	"github.com/cjeanneret/fotobox/internal/post/overlay"
	"github.com/cjeanneret/fotobox/internal/post/printer"
	"github.com/cjeanneret/fotobox/internal/post/upload"
	"github.com/cjeanneret/fotobox/internal/web"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// drainTimeout bounds how long shutdown waits for queued print/upload tasks.
const drainTimeout = 30 * time.Second

// options are the parsed command line.
type options struct {
	cfgPath  string
	webPort  int
	capture  bool
	filename string
	probe    bool
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	doCapture := flag.Bool("capture", false, "take one photo and exit")
	filename := flag.String("filename", "", "file name for -capture (default photo_YYYYMMDD_HHMMSS.jpg)")
	doProbe := flag.Bool("probe", false, "detect the camera and exit")
	serviceCmd := flag.String("service", "", "service control: install, uninstall, start, stop, restart, status, run")
	flag.Parse()

	opts := options{
		cfgPath:  *cfgPath,
		webPort:  webPort.port(),
		capture:  *doCapture,
		filename: *filename,
		probe:    *doProbe,
	}

	if *serviceCmd != "" {
		if err := handleServiceCommand(*serviceCmd, opts); err != nil {
			log.Fatalf("service %s: %v", *serviceCmd, err)
		}
		return
	}
	if !service.Interactive() {
		if err := runAsService(opts); err != nil {
			log.Fatalf("service: %v", err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// app holds everything run wires together.
type app struct {
	holder     *config.Holder
	ctrl       *capture.Controller
	dispatcher *dispatch.Coordinator
	printer    *printer.Service
	uploader   *upload.Service

	gpioMu sync.Mutex
	gpio   gpio.Driver
}

// run loads the configuration, wires the controller and executes the mode
// selected by opts until ctx is cancelled.
func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	// Initialize debug system
	debug.InitFormat(cfg.Defaults.DebugLevel, cfg.Defaults.LogFormat)
	debug.Section("Initialization")
	debug.Value("Config path", opts.cfgPath)
	debug.Value("Version", Version)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Photo dir", cfg.PhotoDir)

	a := newApp(cfg, opts.cfgPath)
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.watchReload(ctx)

	switch {
	case opts.probe:
		return a.runProbe(ctx, stdout)
	case opts.capture:
		return a.runCapture(ctx, opts.filename, stdout)
	case opts.webPort > 0:
		return a.runWeb(ctx, opts.webPort)
	default:
		return a.runCapture(ctx, opts.filename, stdout)
	}
}

func newApp(cfg *config.Config, cfgPath string) *app {
	a := &app{holder: config.NewHolder(cfgPath, cfg)}

	debug.Step(1, "Selecting camera backend")
	selector := newBackendSelector(cfg, a.openGPIO)

	debug.Step(2, "Starting post-processing lanes")
	a.printer = printer.New(a.holder.Current)
	a.uploader = upload.New(a.holder.Current, Version)
	a.dispatcher = dispatch.New(dispatch.Services{
		Overlay: overlay.New(a.holder.Current),
		Print:   a.printer,
		Upload:  a.uploader,
	}, cfg.Dispatch.QueueSize, cfg.Dispatch.Workers)

	a.ctrl = capture.New(capture.Options{
		Backends:   selector,
		Dispatcher: a.dispatcher,
		Config:     a.holder.Current,
	})
	return a
}

// openGPIO opens the GPIO driver once, on first use by the remote-release
// backend.
func (a *app) openGPIO() (gpio.Driver, error) {
	a.gpioMu.Lock()
	defer a.gpioMu.Unlock()
	if a.gpio != nil {
		return a.gpio, nil
	}
	debug.Value("Mock GPIO", a.holder.Current().Defaults.MockGPIO)
	g, err := gpio.NewDriver(a.holder.Current().Defaults.MockGPIO)
	if err != nil {
		return nil, err
	}
	a.gpio = g
	return g, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		debug.Warn("dispatch drain: %v", err)
	}
	a.gpioMu.Lock()
	defer a.gpioMu.Unlock()
	if a.gpio != nil {
		if err := a.gpio.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}
}

// watchReload swaps in a fresh configuration on SIGHUP.
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := a.holder.Reload()
			if err != nil {
				debug.Warn("config reload failed, keeping previous: %v", err)
				continue
			}
			debug.InitFormat(cfg.Defaults.DebugLevel, cfg.Defaults.LogFormat)
			debug.Info("configuration reloaded")
		}
	}
}

func (a *app) runProbe(ctx context.Context, stdout io.Writer) error {
	st, err := a.ctrl.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if err := writeJSON(stdout, st); err != nil {
		return err
	}
	if !st.Detected {
		return errors.New("no camera detected")
	}
	return nil
}

func (a *app) runCapture(ctx context.Context, filename string, stdout io.Writer) error {
	res := a.ctrl.Capture(ctx, capture.Request{Filename: filename})
	if err := writeJSON(stdout, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("capture failed: %s", res.Message)
	}
	return nil
}

func (a *app) runWeb(ctx context.Context, port int) error {
	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	defer debug.SetOutput(os.Stdout)

	reports, unsub := a.dispatcher.Subscribe()
	defer unsub()
	go broadcaster.RelayReports(ctx, reports)
	go a.checkUpload(ctx)

	srv, err := web.NewServer(fmt.Sprintf(":%d", port), web.Deps{
		Broadcaster: broadcaster,
		Camera:      a.ctrl,
		Dispatch:    a.dispatcher,
		Printers:    a.printer,
	})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// checkUpload reports an unreachable upload target early instead of on the
// first photo.
func (a *app) checkUpload(ctx context.Context) {
	err := a.uploader.Check(ctx)
	switch {
	case err == nil:
		debug.Info("upload target reachable")
	case errors.Is(err, upload.ErrDisabled), errors.Is(err, context.Canceled):
	default:
		debug.Warn("upload target check failed: %v", err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
