// Package plot renders battery time series.
package plot

import (
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/cptspacemanspiff/batmeter/internal/series"
)

// Default page size of one rendered panel.
const (
	DefaultWidth  = 10 * vg.Inch
	DefaultHeight = 4 * vg.Inch
)

// Sink presents assembled series to the user.
type Sink interface {
	Present(all []series.TimeSeries) error
}

// palette is cycled per battery: blue, red, green, yellow.
var palette = []color.Color{
	color.RGBA{B: 255, A: 255},
	color.RGBA{R: 255, A: 255},
	color.RGBA{G: 128, A: 255},
	color.RGBA{R: 191, G: 191, A: 255},
}

// PNGSink writes one PNG per battery into Dir.
type PNGSink struct {
	Dir    string
	Width  vg.Length
	Height vg.Length
	Logger *slog.Logger

	// Location for axis tick labels. Defaults to time.Local.
	Location *time.Location
}

// Present renders every non-empty series. Series without points produce no
// file.
func (s *PNGSink) Present(all []series.TimeSeries) error {
	log := s.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if len(all) == 0 {
		log.Info("no matching batteries to plot")
		return nil
	}

	used := make(map[string]int)
	for i, ts := range all {
		if len(ts.Points) == 0 {
			log.Info("skipping empty series", "label", ts.Label)
			continue
		}
		path := filepath.Join(dir, uniqueName(used, FileName(ts.Label)))
		if err := s.render(ts, palette[i%len(palette)], path); err != nil {
			return fmt.Errorf("plot %s: %w", ts.Label, err)
		}
		log.Info("wrote plot", "path", path, "points", len(ts.Points), "excluded", ts.Excluded)
	}
	return nil
}

func (s *PNGSink) render(ts series.TimeSeries, c color.Color, path string) error {
	p := gplot.New()
	p.Title.Text = ts.Label
	p.X.Label.Text = "time"

	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	p.X.Tick.Marker = gplot.TimeTicks{Format: "01-02\n15:04", Time: gplot.UnixTimeIn(loc)}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	energy := make(plotter.XYs, len(ts.Points))
	power := make(plotter.XYs, len(ts.Points))
	voltage := make(plotter.XYs, len(ts.Points))
	for i, pt := range ts.Points {
		x := float64(pt.Time.UnixNano()) / float64(time.Second)
		energy[i] = plotter.XY{X: x, Y: pt.EnergyWh}
		power[i] = plotter.XY{X: x, Y: pt.PowerW}
		voltage[i] = plotter.XY{X: x, Y: pt.VoltageV}
	}

	for _, l := range []struct {
		label  string
		xys    plotter.XYs
		dashes []vg.Length
	}{
		{"E(t)/Wh", energy, nil},
		{"P(t)/W", power, []vg.Length{vg.Points(6), vg.Points(3)}},
		{"U(t)/V", voltage, []vg.Length{vg.Points(1), vg.Points(2)}},
	} {
		line, points, err := plotter.NewLinePoints(l.xys)
		if err != nil {
			return err
		}
		line.LineStyle.Color = c
		line.LineStyle.Width = vg.Points(1)
		line.LineStyle.Dashes = l.dashes
		points.GlyphStyle.Color = c
		points.GlyphStyle.Shape = draw.CrossGlyph{}
		points.GlyphStyle.Radius = vg.Points(2)
		p.Add(line, points)
		p.Legend.Add(l.label, line, points)
	}

	w, h := s.Width, s.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return p.Save(w, h, path)
}

// uniqueName returns name, or name with a "-2", "-3", ... suffix before the
// extension if an earlier series already took it.
func uniqueName(used map[string]int, name string) string {
	for {
		used[name]++
		n := used[name]
		if n == 1 {
			return name
		}
		ext := filepath.Ext(name)
		candidate := fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
		if used[candidate] == 0 {
			used[candidate] = 1
			return candidate
		}
	}
}

// FileName derives a PNG file name from an identity label.
func FileName(label string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, label)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "battery"
	}
	return name + ".png"
}
