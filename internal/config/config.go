package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// RemoteReleaseConfig drives a camera through its wired remote connector
// (FOCUS + SHUTTER lines) and picks files up from a drop directory filled by
// the camera's Eye-Fi/FTP/WiFi transfer.
type RemoteReleaseConfig struct {
	FocusPin       int    `yaml:"focus_pin"`        // GPIO pin for FOCUS line
	ShutterPin     int    `yaml:"shutter_pin"`      // GPIO pin for SHUTTER line
	FocusDelayMs   int    `yaml:"focus_delay_ms"`   // autofocus delay (ms)
	ShutterDelayMs int    `yaml:"shutter_delay_ms"` // shutter hold time (ms)
	DropDir        string `yaml:"drop_dir"`         // directory where the camera deposits files
	Model          string `yaml:"model"`            // reported model (no enumeration on a wired release)
	SettleMs       int    `yaml:"settle_ms"`        // file size must be stable this long
	PollMs         int    `yaml:"poll_ms"`          // drop directory poll interval
	// Note: GND is physically connected to Raspberry Pi ground
}

// CameraConfig describes how to reach the camera and how hard to try.
type CameraConfig struct {
	Backends          []string `yaml:"backends"`            // preference order inside a tier, e.g. ["gphoto2", "remote_release"]
	ToolPath          string   `yaml:"tool_path"`           // CLI tool, default "gphoto2"
	VendorSignature   string   `yaml:"vendor_signature"`    // e.g. "Canon"
	MaxAttempts       int      `yaml:"max_attempts"`        // capture attempts per request
	ProbeTimeoutMs    int      `yaml:"probe_timeout_ms"`    // device detection timeout
	TriggerTimeoutMs  int      `yaml:"trigger_timeout_ms"`  // trigger phase timeout
	RetrieveTimeoutMs int      `yaml:"retrieve_timeout_ms"` // retrieve phase timeout
	KillTimeoutMs     int      `yaml:"kill_timeout_ms"`     // stray process kill timeout
	CooldownMs        int      `yaml:"cooldown_ms"`         // base cooldown after a reset, multiplied by attempt
	MaxCooldownMs     int      `yaml:"max_cooldown_ms"`     // cooldown cap
	MinFileBytes      int64    `yaml:"min_file_bytes"`      // smaller files are treated as corrupt
	Extensions        []string `yaml:"extensions"`          // accepted image extensions
	KillExtra         []string `yaml:"kill_extra"`          // extra process names holding the USB device (e.g. gvfs)
	ResetCommand      []string `yaml:"reset_command"`       // optional USB reset helper, argv form
	ResetTimeoutMs    int      `yaml:"reset_timeout_ms"`    // reset helper timeout
	Simulate          bool     `yaml:"simulate"`            // enable the simulated backend (dev only)

	RemoteRelease RemoteReleaseConfig `yaml:"remote_release"`
}

// OverlayConfig controls the frame/logo/text stamping collaborator.
type OverlayConfig struct {
	Enabled         bool    `yaml:"enabled"`
	FramePath       string  `yaml:"frame_path"`
	FrameStyle      string  `yaml:"frame_style"` // "border" or "full-overlay"
	LogoPath        string  `yaml:"logo_path"`
	LogoPosition    string  `yaml:"logo_position"`
	LogoSize        int     `yaml:"logo_size"`
	LogoOpacity     float64 `yaml:"logo_opacity"`
	TextEnabled     bool    `yaml:"text_enabled"`
	TextContent     string  `yaml:"text_content"`
	TextPosition    string  `yaml:"text_position"`
	TextFontSize    float64 `yaml:"text_font_size"`
	TextColor       string  `yaml:"text_color"`
	TextShadow      bool    `yaml:"text_shadow"`
	TextShadowColor string  `yaml:"text_shadow_color"`
}

// PrintingConfig controls CUPS submission.
type PrintingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AutoPrint   bool   `yaml:"auto_print"`
	PrinterName string `yaml:"printer_name"`
	PaperSize   string `yaml:"paper_size"` // "10x15cm", "13x18cm", "A4", "A6"
	Quality     string `yaml:"quality"`
	Copies      int    `yaml:"copies"`
	Margins     [4]int `yaml:"margins"` // left, bottom, right, top (points)
	TimeoutMs   int    `yaml:"timeout_ms"`
}

// UploadConfig controls remote upload.
type UploadConfig struct {
	Enabled            bool   `yaml:"enabled"`
	AutoUpload         bool   `yaml:"auto_upload"`
	Method             string `yaml:"method"` // "http", "sftp", "ftp" (unsupported)
	URL                string `yaml:"url"`
	APIKey             string `yaml:"api_key"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	KeyPath            string `yaml:"key_path"`
	KnownHostsPath     string `yaml:"known_hosts_path"`
	RemotePath         string `yaml:"remote_path"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	CompressImages     bool   `yaml:"compress_images"`
	CompressionQuality int    `yaml:"compression_quality"`
	MaxFileSizeMB      int    `yaml:"max_file_size_mb"`
}

// DispatchConfig sizes the post-processing lanes.
type DispatchConfig struct {
	QueueSize     int `yaml:"queue_size"`      // buffered tasks per kind
	Workers       int `yaml:"workers"`         // goroutines per kind
	TaskTimeoutMs int `yaml:"task_timeout_ms"` // per task timeout
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	LogFormat  string `yaml:"log_format"`  // "console" or "json"
	MockGPIO   bool   `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	AppName  string         `yaml:"app_name"`
	PhotoDir string         `yaml:"photo_dir"`
	Camera   CameraConfig   `yaml:"camera"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Printing PrintingConfig `yaml:"printing"`
	Upload   UploadConfig   `yaml:"upload"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files located directly inside a
// "configs" directory, with no ".." segments.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	_ = cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() error {
	if cfg.AppName == "" {
		cfg.AppName = "Fotobox"
	}
	if cfg.PhotoDir == "" {
		cfg.PhotoDir = "photos"
	}

	// Camera
	c := &cfg.Camera
	if len(c.Backends) == 0 {
		c.Backends = []string{"gphoto2"}
	}
	if c.ToolPath == "" {
		c.ToolPath = "gphoto2"
	}
	if c.VendorSignature == "" {
		c.VendorSignature = "Canon"
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("camera.max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.ProbeTimeoutMs <= 0 {
		c.ProbeTimeoutMs = 10000
	}
	if c.TriggerTimeoutMs <= 0 {
		c.TriggerTimeoutMs = 15000
	}
	if c.RetrieveTimeoutMs <= 0 {
		c.RetrieveTimeoutMs = 15000
	}
	if c.KillTimeoutMs <= 0 {
		c.KillTimeoutMs = 5000
	}
	if c.CooldownMs <= 0 {
		c.CooldownMs = 1000
	}
	if c.MaxCooldownMs <= 0 {
		c.MaxCooldownMs = 3000
	}
	if c.MaxCooldownMs < c.CooldownMs {
		return fmt.Errorf("camera.max_cooldown_ms (%d) must be >= cooldown_ms (%d)", c.MaxCooldownMs, c.CooldownMs)
	}
	if c.MinFileBytes <= 0 {
		c.MinFileBytes = 1000
	}
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".jpg", ".jpeg"}
	}
	for i, ext := range c.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Extensions[i] = ext
	}
	if c.ResetTimeoutMs <= 0 {
		c.ResetTimeoutMs = 10000
	}

	r := &c.RemoteRelease
	if r.FocusDelayMs <= 0 {
		r.FocusDelayMs = 500 // 500ms for autofocus
	}
	if r.ShutterDelayMs <= 0 {
		r.ShutterDelayMs = 200 // 200ms shutter hold
	}
	if r.Model == "" {
		r.Model = "Canon EOS (remote release)"
	}
	if r.SettleMs <= 0 {
		r.SettleMs = 500
	}
	if r.PollMs <= 0 {
		r.PollMs = 200
	}

	// Overlay
	o := &cfg.Overlay
	if o.FrameStyle == "" {
		o.FrameStyle = "border"
	}
	if o.FrameStyle != "border" && o.FrameStyle != "full-overlay" {
		return fmt.Errorf("overlay.frame_style must be border or full-overlay, got %q", o.FrameStyle)
	}
	if o.LogoPosition == "" {
		o.LogoPosition = "bottom-right"
	}
	if o.LogoSize <= 0 {
		o.LogoSize = 150
	}
	if o.LogoOpacity < 0 || o.LogoOpacity > 1 {
		return fmt.Errorf("overlay.logo_opacity must be between 0 and 1, got %.2f", o.LogoOpacity)
	}
	if o.LogoOpacity == 0 {
		o.LogoOpacity = 0.8
	}
	if o.TextContent == "" {
		o.TextContent = "{date}"
	}
	if o.TextPosition == "" {
		o.TextPosition = "bottom-center"
	}
	if o.TextFontSize <= 0 {
		o.TextFontSize = 36
	}
	if o.TextColor == "" {
		o.TextColor = "#FFFFFF"
	}
	if o.TextShadowColor == "" {
		o.TextShadowColor = "#00000080"
	}

	// Printing
	p := &cfg.Printing
	if p.PaperSize == "" {
		p.PaperSize = "10x15cm"
	}
	if p.Quality == "" {
		p.Quality = "high"
	}
	if p.Copies <= 0 {
		p.Copies = 1
	}
	if p.TimeoutMs <= 0 {
		p.TimeoutMs = 30000
	}

	// Upload
	u := &cfg.Upload
	if u.Method == "" {
		u.Method = "http"
	}
	if u.Port <= 0 {
		u.Port = 22
	}
	if u.RemotePath == "" {
		u.RemotePath = "/uploads"
	}
	if u.TimeoutMs <= 0 {
		u.TimeoutMs = 30000
	}
	if u.CompressionQuality <= 0 || u.CompressionQuality > 100 {
		u.CompressionQuality = 85
	}
	if u.MaxFileSizeMB <= 0 {
		u.MaxFileSizeMB = 10
	}

	// Dispatch
	d := &cfg.Dispatch
	if d.QueueSize <= 0 {
		d.QueueSize = 8
	}
	if d.Workers <= 0 {
		d.Workers = 1
	}
	if d.TaskTimeoutMs <= 0 {
		d.TaskTimeoutMs = 120000
	}

	if cfg.Defaults.LogFormat == "" {
		cfg.Defaults.LogFormat = "console"
	}
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ProbeTimeout returns the device detection timeout.
func (c *Config) ProbeTimeout() time.Duration { return ms(c.Camera.ProbeTimeoutMs) }

// TriggerTimeout returns the trigger phase timeout.
func (c *Config) TriggerTimeout() time.Duration { return ms(c.Camera.TriggerTimeoutMs) }

// RetrieveTimeout returns the retrieve phase timeout.
func (c *Config) RetrieveTimeout() time.Duration { return ms(c.Camera.RetrieveTimeoutMs) }

// KillTimeout returns the stray process kill timeout.
func (c *Config) KillTimeout() time.Duration { return ms(c.Camera.KillTimeoutMs) }

// ResetTimeout returns the reset helper timeout.
func (c *Config) ResetTimeout() time.Duration { return ms(c.Camera.ResetTimeoutMs) }

// Cooldown returns the wait after a reset for the given attempt number,
// escalating linearly and capped at max_cooldown_ms.
func (c *Config) Cooldown(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := ms(c.Camera.CooldownMs) * time.Duration(attempt)
	if max := ms(c.Camera.MaxCooldownMs); d > max {
		return max
	}
	return d
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration { return ms(c.Camera.RemoteRelease.FocusDelayMs) }

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration { return ms(c.Camera.RemoteRelease.ShutterDelayMs) }

// TaskTimeout returns the timeout applied to each dispatched task.
func (c *Config) TaskTimeout() time.Duration { return ms(c.Dispatch.TaskTimeoutMs) }

// PrintTimeout returns the lp/lpstat timeout.
func (c *Config) PrintTimeout() time.Duration { return ms(c.Printing.TimeoutMs) }

// UploadTimeout returns the upload transport timeout.
func (c *Config) UploadTimeout() time.Duration { return ms(c.Upload.TimeoutMs) }

// Source returns the configuration snapshot to use for one operation.
type Source func() *Config

// Holder keeps the current immutable configuration snapshot. Readers take a
// snapshot at call time; Reload swaps in a freshly loaded one.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewHolder wraps an already loaded configuration.
func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

// Current returns the current snapshot. Callers must not mutate it.
func (h *Holder) Current() *Config {
	return h.cur.Load()
}

// Reload re-reads the file. On error the previous snapshot stays active.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.cur.Store(cfg)
	return cfg, nil
}
