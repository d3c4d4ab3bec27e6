package diag

import (
	"fmt"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/mat"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/model"
	"github.com/apogee-data/cannon/spectra"
)

// WriteHTMLReport renders a single-file interactive report for a run: SNR
// distributions of both sets, the model chi-squared distribution, and (when
// the survey set carries reference labels) one inferred-vs-reference scatter
// per label. It complements the PNG plots with something shareable in a
// browser.
func WriteHTMLReport(path string, ref, survey *spectra.Dataset, m *model.Model, res *model.Result) error {
	page := components.NewPage()
	page.PageTitle = "Cannon run report"

	snr := charts.NewBar()
	snr.SetGlobalOptions(charts.WithTitleOpts(opts.Title{
		Title:    "SNR distribution",
		Subtitle: "Reference vs survey stars",
	}))
	labels, refCounts := histogramBars(ref.SNR, 16)
	_, surveyCounts := histogramBarsOn(survey.SNR, labels)
	snr.SetXAxis(labels).
		AddSeries("Ref Stars", refCounts).
		AddSeries("Survey Stars", surveyCounts)
	page.AddCharts(snr)

	if m != nil {
		chisq := charts.NewBar()
		chisq.SetGlobalOptions(charts.WithTitleOpts(opts.Title{
			Title:    "Training chi-squared",
			Subtitle: "Per-pixel model fit quality",
		}))
		labels, counts := histogramBars(m.Chisq, 24)
		chisq.SetXAxis(labels).AddSeries("Pixels", counts)
		page.AddCharts(chisq)
	}

	if res != nil && survey.Labels != nil {
		nObj, nLab := res.Labels.Dims()
		refVals := make([]float64, nObj)
		for l := 0; l < nLab; l++ {
			mat.Col(refVals, l, survey.Labels)
			sc := charts.NewScatter()
			sc.SetGlobalOptions(
				charts.WithTitleOpts(opts.Title{Title: "1-to-1: " + res.LabelNames[l]}),
				charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Reference"}),
				charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Inferred"}),
			)
			data := make([]opts.ScatterData, nObj)
			for i := 0; i < nObj; i++ {
				data[i] = opts.ScatterData{Value: []interface{}{refVals[i], res.Labels.At(i, l)}}
			}
			sc.AddSeries(res.LabelNames[l], data)
			page.AddCharts(sc)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("diag: create %s: %w", path, err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return fmt.Errorf("diag: render %s: %w", path, err)
	}
	monitoring.Logf("diag: saved %s", path)
	return nil
}

// histogramBars bins vals into n equal-width bins and returns the bin labels
// and counts.
func histogramBars(vals []float64, n int) ([]string, []opts.BarData) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if !(hi > lo) {
		hi = lo + 1
	}
	labels := make([]string, n)
	width := (hi - lo) / float64(n)
	for b := 0; b < n; b++ {
		labels[b] = fmt.Sprintf("%.3g", lo+(float64(b)+0.5)*width)
	}
	_, counts := binInto(vals, lo, width, n)
	return labels, counts
}

// histogramBarsOn bins vals onto an existing set of bin labels so two series
// share an axis. Labels are midpoints formatted by histogramBars.
func histogramBarsOn(vals []float64, labels []string) ([]string, []opts.BarData) {
	n := len(labels)
	var mid0, mid1 float64
	fmt.Sscanf(labels[0], "%g", &mid0)
	if n > 1 {
		fmt.Sscanf(labels[1], "%g", &mid1)
	} else {
		mid1 = mid0 + 1
	}
	width := mid1 - mid0
	lo := mid0 - width/2
	_, counts := binInto(vals, lo, width, n)
	return labels, counts
}

func binInto(vals []float64, lo, width float64, n int) ([]int, []opts.BarData) {
	raw := make([]int, n)
	for _, v := range vals {
		b := int((v - lo) / width)
		if b < 0 {
			b = 0
		}
		if b >= n {
			b = n - 1
		}
		raw[b]++
	}
	bars := make([]opts.BarData, n)
	for b, c := range raw {
		bars[b] = opts.BarData{Value: c}
	}
	return raw, bars
}
