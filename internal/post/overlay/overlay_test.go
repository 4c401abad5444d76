package overlay

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/post/imageio"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func newService(oc config.OverlayConfig) *Service {
	cfg := config.Default()
	cfg.AppName = "Fotobox"
	cfg.Overlay = oc
	s := New(func() *config.Config { return cfg })
	s.now = func() time.Time { return time.Date(2024, 6, 1, 14, 30, 0, 0, time.Local) }
	return s
}

func TestApply_WritesOverlayCopy(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "photo.png", solid(200, 100, color.RGBA{R: 10, G: 20, B: 30, A: 255}))
	before, err := os.ReadFile(src)
	require.NoError(t, err)

	s := newService(config.OverlayConfig{
		TextEnabled:  true,
		TextContent:  "{date}",
		TextPosition: "center",
		TextFontSize: 24,
		TextColor:    "#FFFFFF",
	})
	out, err := s.Apply(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo_overlay.png"), out)

	after, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, before, after, "source must stay untouched")

	img, err := imageio.Load(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), img.Bounds())

	// some pixel in the middle band turned white-ish from the caption
	found := false
	for x := 0; x < 200 && !found; x++ {
		r, g, b, _ := img.At(x, 50).RGBA()
		found = r > 0xc000 && g > 0xc000 && b > 0xc000
	}
	assert.True(t, found, "caption not drawn")
}

func TestApply_BorderFrameGrowsCanvas(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "photo.png", solid(100, 80, color.Black))
	frame := writePNG(t, dir, "frame.png", image.NewNRGBA(image.Rect(0, 0, 10, 10))) // fully transparent

	s := newService(config.OverlayConfig{FramePath: frame, FrameStyle: "border"})
	out, err := s.Apply(context.Background(), src)
	require.NoError(t, err)

	img, err := imageio.Load(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 140, 120), img.Bounds())
	r, g, b, _ := img.At(5, 5).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b}, "border is white")
	r, _, _, _ = img.At(70, 60).RGBA()
	assert.Equal(t, uint32(0), r, "photo stays visible through a transparent frame")
}

func TestApply_FullOverlayKeepsSize(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "photo.png", solid(100, 80, color.Black))
	frame := writePNG(t, dir, "frame.png", solid(10, 10, color.RGBA{R: 255, A: 255}))

	s := newService(config.OverlayConfig{FramePath: frame, FrameStyle: "full-overlay"})
	out, err := s.Apply(context.Background(), src)
	require.NoError(t, err)

	img, err := imageio.Load(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 80), img.Bounds())
	r, g, _, _ := img.At(50, 40).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0), g)
}

func TestApply_LogoWithOpacity(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "photo.png", solid(300, 300, color.Black))
	logo := writePNG(t, dir, "logo.png", solid(400, 200, color.White))

	s := newService(config.OverlayConfig{LogoPath: logo, LogoPosition: "top-left", LogoSize: 100, LogoOpacity: 0.5})
	out, err := s.Apply(context.Background(), src)
	require.NoError(t, err)

	img, err := imageio.Load(out)
	require.NoError(t, err)
	// logo fits a 100x50 box at the 20px margin
	r, _, _, _ := img.At(30, 30).RGBA()
	assert.InDelta(t, 0x7fff, r, 0x0400, "half opacity white over black")
	r, _, _, _ = img.At(130, 30).RGBA()
	assert.Equal(t, uint32(0), r, "outside the logo")
	r, _, _, _ = img.At(30, 75).RGBA()
	assert.Equal(t, uint32(0), r, "below the scaled logo")
}

func TestApply_MissingAssetsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, "photo.png", solid(50, 50, color.Black))

	s := newService(config.OverlayConfig{
		FramePath: filepath.Join(dir, "nope.png"),
		LogoPath:  filepath.Join(dir, "nope.png"),
	})
	out, err := s.Apply(context.Background(), src)
	require.NoError(t, err)
	assert.FileExists(t, out)
}

func TestApply_Errors(t *testing.T) {
	s := newService(config.OverlayConfig{})
	_, err := s.Apply(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)

	dir := t.TempDir()
	src := writePNG(t, dir, "photo.png", solid(10, 10, color.Black))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Apply(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(dir, "photo_overlay.png"))
}

func TestPlace(t *testing.T) {
	img, obj := image.Pt(200, 100), image.Pt(40, 20)
	tests := map[string]image.Point{
		"top-left":      {20, 20},
		"top-center":    {80, 20},
		"top-right":     {140, 20},
		"center-left":   {20, 40},
		"center":        {80, 40},
		"center-right":  {140, 40},
		"bottom-left":   {20, 60},
		"bottom-center": {80, 60},
		"bottom-right":  {140, 60},
		"sideways":      {140, 60},
	}
	for pos, want := range tests {
		assert.Equal(t, want, place(img, obj, pos), pos)
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		w, h, box    int
		wantW, wantH int
	}{
		{400, 200, 100, 100, 50},
		{200, 400, 100, 50, 100},
		{80, 60, 100, 80, 60},
		{1000, 1, 100, 100, 1},
	}
	for _, tt := range tests {
		w, h := fit(tt.w, tt.h, tt.box)
		assert.Equal(t, [2]int{tt.wantW, tt.wantH}, [2]int{w, h}, "fit(%d,%d,%d)", tt.w, tt.h, tt.box)
	}
}

func TestExpandPlaceholders(t *testing.T) {
	now := time.Date(2024, 3, 9, 8, 5, 0, 0, time.UTC)
	got := expandPlaceholders("{app_name}: {date} {time} | {datetime} | {day}/{month}/{year}", now, "Booth")
	assert.Equal(t, "Booth: 09.03.2024 08:05 | 09.03.2024 08:05 | 9/3/2024", got)
}

func TestParseHexColor(t *testing.T) {
	fb := color.NRGBA{R: 1, G: 2, B: 3, A: 4}
	tests := map[string]color.NRGBA{
		"#FFFFFF":   {R: 255, G: 255, B: 255, A: 255},
		"#f00":      {R: 255, A: 255},
		"#00000080": {A: 128},
		" 336699 ":  {R: 0x33, G: 0x66, B: 0x99, A: 255},
		"#12345":    fb,
		"#GGGGGG":   fb,
		"":          fb,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseHexColor(in, fb), in)
	}
}
