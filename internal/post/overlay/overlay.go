// Package overlay stamps a frame, a logo and a caption onto captured photos.
package overlay

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/post/imageio"
)

const (
	margin      = 20 // distance to the image edge for logo and text
	borderWidth = 20 // white border added by the "border" frame style
	jpegQuality = 95
)

// Service applies the overlay described by the current configuration.
type Service struct {
	cfg config.Source
	now func() time.Time
}

// New returns an overlay Service reading its settings from src at call time.
func New(src config.Source) *Service {
	return &Service{cfg: src, now: time.Now}
}

// Apply writes <base>_overlay<ext> next to path and returns its path. The
// source photo is left untouched.
func (s *Service) Apply(ctx context.Context, path string) (string, error) {
	cfg := s.cfg()
	oc := cfg.Overlay

	img, err := imageio.Load(path)
	if err != nil {
		return "", err
	}
	canvas := toRGBA(img)

	if oc.FramePath != "" {
		if canvas, err = applyFrame(canvas, oc.FramePath, oc.FrameStyle); err != nil {
			debug.Warn("overlay: frame skipped: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if oc.LogoPath != "" {
		if err := applyLogo(canvas, oc.LogoPath, oc.LogoPosition, oc.LogoSize, oc.LogoOpacity); err != nil {
			debug.Warn("overlay: logo skipped: %v", err)
		}
	}
	if oc.TextEnabled {
		text := expandPlaceholders(oc.TextContent, s.now(), cfg.AppName)
		if err := drawText(canvas, text, oc); err != nil {
			debug.Warn("overlay: text skipped: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := filepath.Ext(path)
	out := strings.TrimSuffix(path, ext) + "_overlay" + ext
	if err := imageio.Save(out, canvas, jpegQuality); err != nil {
		return "", err
	}
	debug.Live("overlay: wrote %s", filepath.Base(out))
	return out, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// applyFrame either surrounds the photo with a white border and lays the
// frame over the enlarged canvas ("border"), or scales the frame over the
// photo itself ("full-overlay").
func applyFrame(canvas *image.RGBA, framePath, style string) (*image.RGBA, error) {
	frame, err := imageio.Load(framePath)
	if err != nil {
		return canvas, err
	}
	dst := canvas
	if style != "full-overlay" {
		b := canvas.Bounds()
		dst = image.NewRGBA(image.Rect(0, 0, b.Dx()+2*borderWidth, b.Dy()+2*borderWidth))
		draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
		draw.Draw(dst, b.Add(image.Pt(borderWidth, borderWidth)), canvas, image.Point{}, draw.Src)
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), frame, frame.Bounds(), draw.Over, nil)
	return dst, nil
}

func applyLogo(canvas *image.RGBA, logoPath, position string, size int, opacity float64) error {
	logo, err := imageio.Load(logoPath)
	if err != nil {
		return err
	}
	w, h := fit(logo.Bounds().Dx(), logo.Bounds().Dy(), size)
	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), logo, logo.Bounds(), draw.Src, nil)

	at := place(canvas.Bounds().Size(), image.Pt(w, h), position)
	mask := image.NewUniform(color.Alpha{A: uint8(clamp01(opacity) * 255)})
	draw.DrawMask(canvas, image.Rectangle{Min: at, Max: at.Add(image.Pt(w, h))}, scaled, image.Point{}, mask, image.Point{}, draw.Over)
	return nil
}

// fit shrinks w×h into a box×box square keeping the aspect ratio. Images
// already inside the box keep their size.
func fit(w, h, box int) (int, int) {
	if box <= 0 || (w <= box && h <= box) {
		return w, h
	}
	if w >= h {
		return box, max(1, h*box/w)
	}
	return max(1, w*box/h), box
}

func drawText(canvas *image.RGBA, text string, oc config.OverlayConfig) error {
	if text == "" {
		return nil
	}
	face, err := loadFace(oc.TextFontSize)
	if err != nil {
		return err
	}
	defer face.Close()

	d := &font.Drawer{Dst: canvas, Face: face}
	m := face.Metrics()
	size := image.Pt(d.MeasureString(text).Ceil(), (m.Ascent + m.Descent).Ceil())
	at := place(canvas.Bounds().Size(), size, oc.TextPosition)
	baseline := fixed.P(at.X, at.Y+m.Ascent.Ceil())

	if oc.TextShadow {
		off := max(2, int(oc.TextFontSize)/20)
		d.Src = image.NewUniform(parseHexColor(oc.TextShadowColor, color.NRGBA{A: 128}))
		d.Dot = baseline.Add(fixed.P(off, off))
		d.DrawString(text)
	}
	d.Src = image.NewUniform(parseHexColor(oc.TextColor, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	d.Dot = baseline
	d.DrawString(text)
	return nil
}

func loadFace(size float64) (font.Face, error) {
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// place returns the top-left corner of an item of size obj inside img for
// one of the nine named positions. Unknown names mean bottom-right.
func place(img, obj image.Point, position string) image.Point {
	left, right := margin, img.X-obj.X-margin
	top, bottom := margin, img.Y-obj.Y-margin
	cx, cy := (img.X-obj.X)/2, (img.Y-obj.Y)/2
	switch position {
	case "top-left":
		return image.Pt(left, top)
	case "top-center":
		return image.Pt(cx, top)
	case "top-right":
		return image.Pt(right, top)
	case "center-left":
		return image.Pt(left, cy)
	case "center":
		return image.Pt(cx, cy)
	case "center-right":
		return image.Pt(right, cy)
	case "bottom-left":
		return image.Pt(left, bottom)
	case "bottom-center":
		return image.Pt(cx, bottom)
	default:
		return image.Pt(right, bottom)
	}
}

func expandPlaceholders(text string, now time.Time, appName string) string {
	return strings.NewReplacer(
		"{datetime}", now.Format("02.01.2006 15:04"),
		"{date}", now.Format("02.01.2006"),
		"{time}", now.Format("15:04"),
		"{year}", strconv.Itoa(now.Year()),
		"{month}", strconv.Itoa(int(now.Month())),
		"{day}", strconv.Itoa(now.Day()),
		"{app_name}", appName,
	).Replace(text)
}

// parseHexColor accepts #RGB, #RRGGBB and #RRGGBBAA.
func parseHexColor(s string, fallback color.NRGBA) color.NRGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return fallback
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return fallback
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
