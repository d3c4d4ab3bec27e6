// Package diag renders diagnostic artifacts for a pipeline run: PNG plots,
// flagged-star reports, and a single-file HTML summary.
//
// Everything here is side-effect-only presentation over already-computed
// Dataset, Model and Result state; nothing feeds back into the numerical
// pipeline.
package diag

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/model"
	"github.com/apogee-data/cannon/spectra"
)

var (
	refColor    = color.RGBA{R: 68, G: 119, B: 170, A: 160}
	surveyColor = color.RGBA{R: 204, G: 102, B: 119, A: 160}
)

// SNRComparison writes a histogram comparing per-object signal-to-noise of
// the reference and survey sets.
func SNRComparison(ref, survey *spectra.Dataset, path string) error {
	p := plot.New()
	p.Title.Text = "SNR Comparison Between Reference & Survey Stars"
	p.X.Label.Text = "Formal SNR"
	p.Y.Label.Text = "Number of Objects"

	refHist, err := plotter.NewHist(plotter.Values(ref.SNR), 16)
	if err != nil {
		return fmt.Errorf("diag: reference SNR histogram: %w", err)
	}
	refHist.FillColor = refColor
	p.Add(refHist)
	p.Legend.Add("Ref Stars", refHist)

	surveyHist, err := plotter.NewHist(plotter.Values(survey.SNR), 16)
	if err != nil {
		return fmt.Errorf("diag: survey SNR histogram: %w", err)
	}
	surveyHist.FillColor = surveyColor
	p.Add(surveyHist)
	p.Legend.Add("Survey Stars", surveyHist)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("diag: save %s: %w", path, err)
	}
	monitoring.Logf("diag: saved %s", path)
	return nil
}

// TrianglePlot writes a corner plot of every label against every other:
// histograms on the diagonal, pairwise scatters below it.
func TrianglePlot(labels *mat.Dense, names []string, path string) error {
	nObj, nLab := labels.Dims()
	if nLab != len(names) {
		return fmt.Errorf("diag: %d names for %d label columns", len(names), nLab)
	}

	plots := make([][]*plot.Plot, nLab)
	for row := 0; row < nLab; row++ {
		plots[row] = make([]*plot.Plot, nLab)
		for col := 0; col <= row; col++ {
			p := plot.New()
			if row == nLab-1 {
				p.X.Label.Text = names[col]
			}
			if col == 0 && row > 0 {
				p.Y.Label.Text = names[row]
			}
			if col == row {
				vals := make(plotter.Values, nObj)
				mat.Col(vals, col, labels)
				h, err := plotter.NewHist(vals, 16)
				if err != nil {
					return fmt.Errorf("diag: histogram for %s: %w", names[col], err)
				}
				h.FillColor = refColor
				p.Add(h)
			} else {
				xys := make(plotter.XYs, nObj)
				for i := 0; i < nObj; i++ {
					xys[i] = plotter.XY{X: labels.At(i, col), Y: labels.At(i, row)}
				}
				s, err := plotter.NewScatter(xys)
				if err != nil {
					return fmt.Errorf("diag: scatter %s vs %s: %w", names[col], names[row], err)
				}
				s.GlyphStyle.Radius = vg.Points(1.5)
				s.GlyphStyle.Color = refColor
				p.Add(s)
			}
			plots[row][col] = p
		}
	}

	const panel = 3 * vg.Inch
	img := vgimg.New(panel*vg.Length(nLab), panel*vg.Length(nLab))
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: nLab, Cols: nLab,
		PadX: vg.Millimeter, PadY: vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for row := 0; row < nLab; row++ {
		for col := 0; col <= row; col++ {
			plots[row][col].Draw(canvases[row][col])
		}
	}
	return writePNG(img, path)
}

// OneToOne writes, per label, a panel comparing inferred values against the
// reference values (scatter plus x=y line) over a histogram of the
// differences. Used when the survey set has known labels, the train==test
// regression scenario in particular.
func OneToOne(ref, inferred *mat.Dense, names []string, dir string) error {
	nObj, nLab := ref.Dims()
	if r, c := inferred.Dims(); r != nObj || c != nLab {
		return fmt.Errorf("diag: inferred labels (%d×%d) do not match reference (%d×%d)", r, c, nObj, nLab)
	}
	for l := 0; l < nLab; l++ {
		top := plot.New()
		top.Title.Text = "1-1 Plot of Label " + names[l]
		top.X.Label.Text = "Reference Value"
		top.Y.Label.Text = "Cannon Output Value"

		xys := make(plotter.XYs, nObj)
		low, high := math.Inf(1), math.Inf(-1)
		diffs := make(plotter.Values, nObj)
		for i := 0; i < nObj; i++ {
			o, c := ref.At(i, l), inferred.At(i, l)
			xys[i] = plotter.XY{X: o, Y: c}
			diffs[i] = c - o
			low = math.Min(low, math.Min(o, c))
			high = math.Max(high, math.Max(o, c))
		}
		line, err := plotter.NewLine(plotter.XYs{{X: low, Y: low}, {X: high, Y: high}})
		if err != nil {
			return fmt.Errorf("diag: x=y line: %w", err)
		}
		line.LineStyle.Width = vg.Points(1.5)
		top.Add(line)
		top.Legend.Add("x=y", line)
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("diag: 1-1 scatter for %s: %w", names[l], err)
		}
		sc.GlyphStyle.Radius = vg.Points(1.5)
		sc.GlyphStyle.Color = refColor
		top.Add(sc)

		bottom := plot.New()
		bottom.Title.Text = "Histogram of Output Minus Ref Labels"
		bottom.X.Label.Text = "Difference"
		bottom.Y.Label.Text = "Count"
		h, err := plotter.NewHist(diffs, 16)
		if err != nil {
			return fmt.Errorf("diag: difference histogram for %s: %w", names[l], err)
		}
		h.FillColor = surveyColor
		bottom.Add(h)

		img := vgimg.New(6*vg.Inch, 8*vg.Inch)
		dc := draw.New(img)
		tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 2}
		canvases := plot.Align([][]*plot.Plot{{top}, {bottom}}, tiles, dc)
		top.Draw(canvases[0][0])
		bottom.Draw(canvases[1][0])

		path := filepath.Join(dir, fmt.Sprintf("1to1_label_%s.png", sanitize(names[l])))
		if err := writePNG(img, path); err != nil {
			return err
		}
	}
	return nil
}

// ModelDiagnostics writes the fitted model's chi-squared histogram and its
// per-pixel intrinsic scatter as a function of wavelength.
func ModelDiagnostics(m *model.Model, dir string) error {
	p := plot.New()
	p.Title.Text = "Per-Pixel Training Chi-Squared"
	p.X.Label.Text = "Chi-squared"
	p.Y.Label.Text = "Pixels"
	h, err := plotter.NewHist(plotter.Values(m.Chisq), 24)
	if err != nil {
		return fmt.Errorf("diag: chi-squared histogram: %w", err)
	}
	h.FillColor = refColor
	p.Add(h)
	chisqPath := filepath.Join(dir, "model_chisq_hist.png")
	if err := p.Save(6*vg.Inch, 4*vg.Inch, chisqPath); err != nil {
		return fmt.Errorf("diag: save %s: %w", chisqPath, err)
	}
	monitoring.Logf("diag: saved %s", chisqPath)

	p = plot.New()
	p.Title.Text = "Per-Pixel Intrinsic Scatter"
	p.X.Label.Text = "Wavelength (Angstroms)"
	p.Y.Label.Text = "Scatter"
	xys := make(plotter.XYs, len(m.Scatter))
	for j, s := range m.Scatter {
		xys[j] = plotter.XY{X: m.Wavelength[j], Y: s}
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return fmt.Errorf("diag: scatter line: %w", err)
	}
	p.Add(line)
	scatterPath := filepath.Join(dir, "model_scatter.png")
	if err := p.Save(8*vg.Inch, 4*vg.Inch, scatterPath); err != nil {
		return fmt.Errorf("diag: save %s: %w", scatterPath, err)
	}
	monitoring.Logf("diag: saved %s", scatterPath)
	return nil
}

func writePNG(img *vgimg.Canvas, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("diag: create %s: %w", path, err)
	}
	defer f.Close()
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		return fmt.Errorf("diag: write %s: %w", path, err)
	}
	monitoring.Logf("diag: saved %s", path)
	return nil
}
