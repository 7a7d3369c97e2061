package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wudi/pagedeck/compose"
	"github.com/wudi/pagedeck/docsource/mupdf"
	"github.com/wudi/pagedeck/filetype"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pdfops"
	"github.com/wudi/pagedeck/raster"
	"github.com/wudi/pagedeck/session"
	"github.com/wudi/pagedeck/zoom"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func newSession(e env) (*session.Session, error) {
	opts := session.DefaultOptions(mupdf.Opener{})
	opts.Cache = e.cfg.CacheConfig()
	opts.Render = e.cfg.RenderConfig(e.log, nil)
	opts.Zoom = e.cfg.ZoomConfig()
	opts.Compose = e.cfg.ComposeOptions(e.log, nil)
	opts.ThumbDPI = e.cfg.Render.ThumbDPI
	opts.ThumbWidth = e.cfg.Render.ThumbWidth
	opts.Logger = e.log
	return session.New(opts)
}

func runCompose(e env, args []string) error {
	set := newFlagSet("compose", "<file|dir>...")
	out := set.String("o", "composed.pdf", "Output document")
	margin := set.Float64("margin", e.cfg.Compose.MarginRatio, "Image page margin as a fraction of each side")
	if err := set.Parse(args); err != nil {
		return err
	}
	if set.NArg() == 0 {
		set.Usage()
		return fmt.Errorf("compose: no inputs")
	}
	e.cfg.Compose.MarginRatio = *margin
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	s, err := newSession(e)
	if err != nil {
		return err
	}
	defer s.Close()
	if _, err := s.AddFiles(set.Args()...); err != nil {
		e.log.Warn("some inputs were ignored", observability.Error("error", err))
	}
	ctx, cancel := signalContext()
	defer cancel()
	rep, err := s.Save(ctx, *out)
	if err != nil {
		return err
	}
	return emit(composeSummary(*out, rep))
}

type skipSummary struct {
	Item  int    `json:"item"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

type composeResult struct {
	Output  string        `json:"output"`
	Pages   int           `json:"pages"`
	Skipped []skipSummary `json:"skipped,omitempty"`
}

func composeSummary(out string, rep *compose.Report) composeResult {
	res := composeResult{Output: out, Pages: rep.Pages}
	for _, s := range rep.Skipped {
		res.Skipped = append(res.Skipped, skipSummary{Item: s.Index + 1, Path: s.Path, Error: s.Err.Error()})
	}
	return res
}

func runRender(e env, args []string) error {
	set := newFlagSet("render", "<document>")
	page := set.Int("page", 1, "Page number, starting at 1")
	zoomPct := set.String("zoom", "100%", "Zoom level, e.g. 150% or 0.75")
	rotate := set.Int("rotate", 0, "Rotation to apply to the page, in degrees")
	out := set.String("o", "page.png", "Output image (.png or .jpg)")
	if err := set.Parse(args); err != nil {
		return err
	}
	if set.NArg() != 1 {
		set.Usage()
		return fmt.Errorf("render: expected one document")
	}
	format, err := raster.ParseFormat(strings.TrimPrefix(filepath.Ext(*out), "."))
	if err != nil {
		return err
	}
	if err := pdfops.CheckParentDir(*out); err != nil {
		return err
	}

	s, err := newSession(e)
	if err != nil {
		return err
	}
	defer s.Close()
	h, err := s.Open(set.Arg(0))
	if err != nil {
		return err
	}
	surface, err := s.Preview(h.Identity())
	if err != nil {
		return err
	}
	defer surface.Close()
	zc := e.cfg.ZoomConfig()
	if err := surface.SetZoom(zoom.Manual, zc.ParsePercent(*zoomPct, 1)); err != nil {
		return err
	}
	if err := surface.ShowPage(*page - 1); err != nil {
		return err
	}
	if err := surface.SetRotation(*rotate); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	sched := s.Scheduler()
	for surface.Frame().Loading {
		select {
		case <-sched.Ready():
			sched.Drain()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fr := surface.Frame()
	if fr.Err != nil {
		return fr.Err
	}
	err = pdfops.WriteFile(*out, func(w io.Writer) error { return raster.Encode(w, fr.Image, format) })
	if err != nil {
		return err
	}
	e.log.Info("page rendered",
		observability.Int("page", fr.Page+1),
		observability.Int("dpi", fr.DPI),
		observability.String("out", *out))
	return nil
}

func runExport(e env, args []string) error {
	set := newFlagSet("export", "<document>")
	dpi := set.Int("dpi", 150, "Render resolution")
	format := set.String("format", "png", "Image format: png or jpg")
	out := set.String("o", "", "Output ZIP (default <document>_pages.zip)")
	if err := set.Parse(args); err != nil {
		return err
	}
	if set.NArg() != 1 {
		set.Usage()
		return fmt.Errorf("export: expected one document")
	}
	f, err := raster.ParseFormat(*format)
	if err != nil {
		return err
	}
	in := set.Arg(0)
	if *out == "" {
		*out = strings.TrimSuffix(in, filepath.Ext(in)) + "_pages.zip"
	}
	h, err := mupdf.Open(in)
	if err != nil {
		return err
	}
	defer h.Close()
	ctx, cancel := signalContext()
	defer cancel()
	n, err := pdfops.ExportImages(ctx, h, *out, f, *dpi)
	if err != nil {
		return err
	}
	e.log.Info("pages exported", observability.Int("pages", n), observability.String("out", *out))
	return nil
}

func runMerge(e env, args []string) error {
	set := newFlagSet("merge", "<document>...")
	out := set.String("o", "merged.pdf", "Output document")
	if err := set.Parse(args); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := pdfops.MergeFiles(ctx, set.Args(), *out); err != nil {
		return err
	}
	e.log.Info("documents merged", observability.Int("inputs", set.NArg()), observability.String("out", *out))
	return nil
}

func runSplit(e env, args []string) error {
	set := newFlagSet("split", "<document>")
	from := set.Int("from", 1, "First page, starting at 1")
	to := set.Int("to", math.MaxInt32, "Last page, clamped to the page count")
	out := set.String("o", "", "Output document (default <document>_<from>-<to>.pdf)")
	if err := set.Parse(args); err != nil {
		return err
	}
	if set.NArg() != 1 {
		set.Usage()
		return fmt.Errorf("split: expected one document")
	}
	in := set.Arg(0)
	if *out == "" {
		last := "end"
		if *to != math.MaxInt32 {
			last = strconv.Itoa(*to)
		}
		*out = fmt.Sprintf("%s_%d-%s.pdf", strings.TrimSuffix(in, filepath.Ext(in)), *from, last)
	}
	n, err := pdfops.SplitRange(in, *out, *from, *to)
	if err != nil {
		return err
	}
	e.log.Info("pages extracted", observability.Int("pages", n), observability.String("out", *out))
	return nil
}

func runRotate(e env, args []string) error {
	set := newFlagSet("rotate", "<document>")
	deg := set.Int("deg", 90, "Clockwise rotation in degrees")
	from := set.Int("from", 1, "First page, starting at 1")
	to := set.Int("to", math.MaxInt32, "Last page")
	out := set.String("o", "rotated.pdf", "Output document")
	if err := set.Parse(args); err != nil {
		return err
	}
	if set.NArg() != 1 {
		set.Usage()
		return fmt.Errorf("rotate: expected one document")
	}
	if err := pdfops.RotateRange(set.Arg(0), *out, *deg, *from, *to); err != nil {
		return err
	}
	e.log.Info("pages rotated", observability.Int("deg", *deg), observability.String("out", *out))
	return nil
}

func runWatermark(e env, args []string) error {
	def := pdfops.DefaultWatermark("")
	set := newFlagSet("watermark", "<document>")
	text := set.String("text", "", "Watermark text")
	size := set.Float64("size", def.FontSize, "Font size in points")
	angle := set.Float64("angle", def.Angle, "Text angle in degrees")
	opacity := set.Float64("opacity", def.Opacity, "Opacity between 0 and 1")
	fill := set.String("color", "#C8C8C8", "Text colour as #RRGGBB")
	position := set.String("position", def.Position, "Anchor: c, tl, tc, tr, l, r, bl, bc, br")
	from := set.Int("from", 0, "First page (default all pages)")
	to := set.Int("to", 0, "Last page")
	out := set.String("o", "watermarked.pdf", "Output document")
	if err := set.Parse(args); err != nil {
		return err
	}
	if set.NArg() != 1 {
		set.Usage()
		return fmt.Errorf("watermark: expected one document")
	}
	c, err := parseColor(*fill)
	if err != nil {
		return err
	}
	opts := def
	opts.Text = *text
	opts.FontSize = *size
	opts.Angle = *angle
	opts.Opacity = *opacity
	opts.Color = c
	opts.Position = *position
	opts.From, opts.To = *from, *to
	if err := pdfops.WatermarkText(set.Arg(0), *out, opts); err != nil {
		return err
	}
	e.log.Info("watermark added", observability.String("out", *out))
	return nil
}

func parseColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func runImages(e env, args []string) error {
	set := newFlagSet("images", "<image|dir>...")
	out := set.String("o", "images.pdf", "Output document")
	if err := set.Parse(args); err != nil {
		return err
	}
	var images []string
	for _, p := range filetype.Flatten(set.Args()) {
		if filetype.IsImage(p) {
			images = append(images, p)
		}
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := pdfops.ImagesToPDF(ctx, images, *out); err != nil {
		return err
	}
	e.log.Info("images converted", observability.Int("pages", len(images)), observability.String("out", *out))
	return nil
}

type pageInfo struct {
	Page   int     `json:"page"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type fileInfo struct {
	Path  string     `json:"path"`
	Kind  string     `json:"kind"`
	Pages []pageInfo `json:"pages,omitempty"`
}

func runInfo(e env, args []string) error {
	set := newFlagSet("info", "<file>...")
	if err := set.Parse(args); err != nil {
		return err
	}
	infos := make([]fileInfo, 0, set.NArg())
	for _, p := range set.Args() {
		fi := fileInfo{Path: p, Kind: filetype.Detect(p).String()}
		if fi.Kind == filetype.PDF.String() {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			dims, err := pdfops.PageSizes(data)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			for i, d := range dims {
				fi.Pages = append(fi.Pages, pageInfo{Page: i + 1, Width: d.Width, Height: d.Height})
			}
		}
		infos = append(infos, fi)
	}
	return emit(infos)
}

func emit(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	fmt.Printf("%s\n", data)
	return nil
}
