package main

import (
	"time"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/hw/camera"
	"github.com/cjeanneret/fotobox/internal/hw/gpio"
)

// newBackendSelector turns camera.backends into selector candidates. The
// simulated backend is only offered when camera.simulate is set.
func newBackendSelector(cfg *config.Config, openGPIO func() (gpio.Driver, error)) *camera.Selector {
	cc := cfg.Camera
	var candidates []camera.Candidate
	seen := map[string]bool{}
	for _, name := range cc.Backends {
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "gphoto2":
			candidates = append(candidates, gphoto2Candidate(cfg))
		case "remote_release":
			candidates = append(candidates, remoteReleaseCandidate(cfg, openGPIO))
		case "simulated":
			if !cc.Simulate {
				debug.Warn("backend simulated listed but camera.simulate is off, skipping")
				continue
			}
			candidates = append(candidates, simulatedCandidate())
		default:
			debug.Warn("unknown camera backend %q, skipping", name)
		}
	}
	if cc.Simulate && !seen["simulated"] {
		candidates = append(candidates, simulatedCandidate())
	}
	for _, c := range candidates {
		debug.Verbose("backend candidate: %s (%s)", c.Name, c.Kind)
	}
	return camera.NewSelector(candidates...)
}

func gphoto2Candidate(cfg *config.Config) camera.Candidate {
	cc := cfg.Camera
	return camera.Candidate{
		Name:  "gphoto2",
		Kind:  camera.KindCLI,
		Check: func() error { return camera.CheckGPhoto2(cc.ToolPath) },
		Open: func() (camera.Backend, error) {
			return camera.NewGPhoto2(camera.GPhoto2Options{
				Tool:         cc.ToolPath,
				KillExtra:    cc.KillExtra,
				ResetCommand: cc.ResetCommand,
				KillTimeout:  cfg.KillTimeout(),
				ResetTimeout: cfg.ResetTimeout(),
			}), nil
		},
	}
}

func remoteReleaseCandidate(cfg *config.Config, openGPIO func() (gpio.Driver, error)) camera.Candidate {
	rc := cfg.Camera.RemoteRelease
	return camera.Candidate{
		Name:  "remote_release",
		Kind:  camera.KindRemote,
		Check: func() error { return camera.CheckRemoteRelease(rc.DropDir) },
		Open: func() (camera.Backend, error) {
			g, err := openGPIO()
			if err != nil {
				return nil, err
			}
			return camera.NewRemoteRelease(g, camera.RemoteReleaseOptions{
				FocusPin:     rc.FocusPin,
				ShutterPin:   rc.ShutterPin,
				FocusDelay:   cfg.FocusDelay(),
				ShutterDelay: cfg.ShutterDelay(),
				DropDir:      rc.DropDir,
				Model:        rc.Model,
				Settle:       time.Duration(rc.SettleMs) * time.Millisecond,
				Poll:         time.Duration(rc.PollMs) * time.Millisecond,
			})
		},
	}
}

func simulatedCandidate() camera.Candidate {
	return camera.Candidate{
		Name:  "simulated",
		Kind:  camera.KindSimulated,
		Check: func() error { return nil },
		Open:  func() (camera.Backend, error) { return camera.NewSimulated(""), nil },
	}
}
