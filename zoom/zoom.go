// Package zoom converts on-screen zoom factors into render resolutions.
//
// Render resolutions are snapped to a small set of DPI buckets so that nearby
// zoom levels share cached bitmaps; the bitmap is then painted at DrawScale to
// match the exact zoom.
package zoom

import (
	"math"
	"strconv"
	"strings"

	"github.com/wudi/pagedeck/docsource"
)

// Defaults of the preview surface.
const (
	ScreenDPI = 96.0
	MinScale  = 0.05
	MaxScale  = 8.0
	// Margin is the blank border, in pixels, kept around a fitted page.
	Margin = 20

	WheelIn  = 1.10
	WheelOut = 0.90
)

// Quantizer snaps raw DPI values to buckets.
type Quantizer struct {
	Step int
	Min  int
	Max  int
}

// DefaultQuantizer snaps to multiples of 12 within [72, 240].
func DefaultQuantizer() Quantizer {
	return Quantizer{Step: 12, Min: 72, Max: 240}
}

// Quantize rounds raw to the nearest multiple of Step and clamps it to
// [Min, Max].
func (q Quantizer) Quantize(raw float64) int {
	step := q.Step
	if step <= 0 {
		step = 1
	}
	b := q.Min
	if !math.IsNaN(raw) && !math.IsInf(raw, 0) {
		b = int(math.Round(raw/float64(step))) * step
	}
	if b < q.Min {
		b = q.Min
	}
	if b > q.Max {
		b = q.Max
	}
	return b
}

// Quantize uses DefaultQuantizer.
func Quantize(raw float64) int { return DefaultQuantizer().Quantize(raw) }

// Viewport is the visible area in screen pixels.
type Viewport struct {
	Width, Height int
}

// Config parameterizes an Engine.
type Config struct {
	Quantizer Quantizer
	ScreenDPI float64
	MinScale  float64
	MaxScale  float64
	Margin    int
}

// DefaultConfig returns the preview surface defaults.
func DefaultConfig() Config {
	return Config{
		Quantizer: DefaultQuantizer(),
		ScreenDPI: ScreenDPI,
		MinScale:  MinScale,
		MaxScale:  MaxScale,
		Margin:    Margin,
	}
}

// Clamp limits s to [MinScale, MaxScale].
func (c Config) Clamp(s float64) float64 {
	return math.Max(c.MinScale, math.Min(c.MaxScale, s))
}

// FitPage returns the scale at which page (in points) fits entirely inside
// view. ok is false for a degenerate viewport, in which case callers keep
// their current scale.
func (c Config) FitPage(view Viewport, page docsource.Size) (scale float64, ok bool) {
	if view.Width <= 1 || view.Height <= 1 || page.Width <= 0 || page.Height <= 0 {
		return 0, false
	}
	px := c.ScreenDPI / docsource.PointsPerInch
	sw := (float64(view.Width) - 2*float64(c.Margin)) / (page.Width * px)
	sh := (float64(view.Height) - 2*float64(c.Margin)) / (page.Height * px)
	return c.Clamp(math.Max(0.01, math.Min(sw, sh))), true
}

// FitWidth returns the scale at which the page width fills view.
func (c Config) FitWidth(view Viewport, page docsource.Size) (scale float64, ok bool) {
	if view.Width <= 1 || page.Width <= 0 {
		return 0, false
	}
	px := c.ScreenDPI / docsource.PointsPerInch
	sw := (float64(view.Width) - 2*float64(c.Margin)) / (page.Width * px)
	return c.Clamp(math.Max(0.01, sw)), true
}

// Mode selects how the scale is chosen.
type Mode int

const (
	Manual Mode = iota
	FitPage
	FitWidth
)

func (m Mode) String() string {
	switch m {
	case Manual:
		return "manual"
	case FitPage:
		return "fit-page"
	case FitWidth:
		return "fit-width"
	}
	return "unknown"
}

// ParseMode accepts the names returned by Mode.String.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "":
		return Manual, true
	case "fit-page", "fit", "page":
		return FitPage, true
	case "fit-width", "width":
		return FitWidth, true
	}
	return Manual, false
}

// Engine tracks the zoom state of one preview surface. It is not safe for
// concurrent use.
type Engine struct {
	cfg   Config
	mode  Mode
	scale float64
	view  Viewport
	page  docsource.Size
}

// NewEngine starts in manual mode at 100%.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, scale: cfg.Clamp(1)}
}

// Mode returns the current mode.
func (e *Engine) Mode() Mode { return e.mode }

// Scale returns the current on-screen scale.
func (e *Engine) Scale() float64 { return e.scale }

// SetViewport records the visible area and refits in the fit modes.
func (e *Engine) SetViewport(v Viewport) {
	e.view = v
	e.refit()
}

// SetPageSize records the current page geometry in points and refits in the
// fit modes.
func (e *Engine) SetPageSize(s docsource.Size) {
	e.page = s
	e.refit()
}

// SetManual switches to manual mode at scale.
func (e *Engine) SetManual(scale float64) {
	e.mode = Manual
	e.scale = e.cfg.Clamp(scale)
}

// SetMode switches mode; switching to Manual keeps the current scale.
func (e *Engine) SetMode(m Mode) {
	e.mode = m
	e.refit()
}

// ZoomBy multiplies the scale by factor and switches to manual mode.
func (e *Engine) ZoomBy(factor float64) {
	e.SetManual(e.scale * factor)
}

func (e *Engine) refit() {
	var (
		s  float64
		ok bool
	)
	switch e.mode {
	case FitPage:
		s, ok = e.cfg.FitPage(e.view, e.page)
	case FitWidth:
		s, ok = e.cfg.FitWidth(e.view, e.page)
	}
	if ok {
		e.scale = s
	}
}

// DPI returns the bucket to render at for the current scale.
func (e *Engine) DPI() int {
	return e.cfg.Quantizer.Quantize(e.cfg.ScreenDPI * e.scale)
}

// DrawScale is the factor to paint a bitmap rendered at DPI() with, so that
// it appears at the exact current scale.
func (e *Engine) DrawScale() float64 {
	return e.cfg.ScreenDPI * e.scale / float64(e.DPI())
}

// Percent formats the scale the way the zoom box shows it.
func (e *Engine) Percent() string {
	return strconv.Itoa(int(math.Round(e.scale*100))) + "%"
}

// ParsePercent parses a zoom box entry such as "125%" or "87,5" into a scale.
// Unparseable input returns def.
func (c Config) ParsePercent(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "%", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return c.Clamp(v / 100)
}
