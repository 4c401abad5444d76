package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Simulated is a development backend that pretends a camera is attached and
// renders a test pattern for each shot.
type Simulated struct {
	Model string
	Delay time.Duration // per phase

	mu      sync.Mutex
	pending int
	counter int
}

// NewSimulated returns a simulated camera reporting model.
func NewSimulated(model string) *Simulated {
	if model == "" {
		model = "Canon EOS Simulator"
	}
	return &Simulated{Model: model}
}

func (s *Simulated) Name() string { return "simulated" }
func (s *Simulated) Kind() Kind   { return KindSimulated }

func (s *Simulated) Probe(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Device{{Model: s.Model, Port: "sim:0"}}, nil
}

func (s *Simulated) TriggerCapture(ctx context.Context) error {
	if err := sleepCtx(ctx, s.Delay); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	return nil
}

func (s *Simulated) RetrieveFiles(ctx context.Context, dir string) error {
	if err := sleepCtx(ctx, s.Delay); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ; s.pending > 0; s.pending-- {
		s.counter++
		name := filepath.Join(dir, fmt.Sprintf("capt%04d.jpg", s.counter))
		if err := writeTestPattern(name, s.counter); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulated) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.pending = 0
	s.mu.Unlock()
	return nil
}

func writeTestPattern(path string, seed int) error {
	const w, h = 640, 480
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8((x*y + seed*31) % 256),
				A: 255,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
