package main

import (
	"fmt"
	"image/color"
	"os"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/fewshot/datasets"
)

// namedSource is implemented by the sample sources that know their image
// paths and class names.
type namedSource interface {
	Path(i int) string
	Classes() []string
}

// manifestRow is one sample of one episode.
type manifestRow struct {
	Episode   int    `csv:"episode"`
	Slot      int    `csv:"slot"`
	Class     int    `csv:"class"`
	ClassName string `csv:"class_name"`
	Role      string `csv:"role"`
	Index     int    `csv:"index"`
	Path      string `csv:"path"`
}

// report accumulates what the loader served.
type report struct {
	nSupport    int
	episodes    int
	images      int
	classCounts []int
	rows        []*manifestRow
}

func newReport(numClasses, nSupport int) *report {
	return &report{nSupport: nSupport, classCounts: make([]int, numClasses)}
}

// add records ep. The first nSupport samples of a class batch are its
// support set, the rest its queries.
func (r *report) add(ep *datasets.Episode, named namedSource) {
	var classNames []string
	if named != nil {
		classNames = named.Classes()
	}
	for slot, cl := range ep.Classes {
		r.classCounts[cl]++
		for i, idx := range ep.Indices[slot] {
			row := &manifestRow{
				Episode: r.episodes,
				Slot:    slot,
				Class:   cl,
				Role:    "query",
				Index:   idx,
			}
			if i < r.nSupport {
				row.Role = "support"
			}
			if named != nil {
				row.ClassName = classNames[cl]
				row.Path = named.Path(idx)
			}
			r.rows = append(r.rows, row)
			r.images++
		}
	}
	r.episodes++
}

func (r *report) writeManifest(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&r.rows, f); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return f.Sync()
}

// plotClassFrequency writes a bar chart of how many episodes drew each class.
func plotClassFrequency(path string, counts []int, names []string) error {
	p := plot.New()
	p.Title.Text = "Episodes per class"
	p.X.Label.Text = "class"
	p.Y.Label.Text = "episodes"

	values := make(plotter.Values, len(counts))
	for i, c := range counts {
		values[i] = float64(c)
	}
	bars, err := plotter.NewBarChart(values, vg.Points(8))
	if err != nil {
		return err
	}
	bars.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.Add(plotter.NewGrid())
	if len(names) == len(counts) && len(names) <= 40 {
		p.NominalX(names...)
	}

	width := max(6*vg.Inch, vg.Length(len(counts))*10)
	return p.Save(width, 4*vg.Inch, path)
}

// plotHistogram writes a histogram of pre-affine activations.
func plotHistogram(path string, values []float64) error {
	p := plot.New()
	p.Title.Text = "Pre-affine activations"
	p.X.Label.Text = "value"
	p.Y.Label.Text = "count"

	h, err := plotter.NewHist(plotter.Values(values), 60)
	if err != nil {
		return err
	}
	h.FillColor = color.RGBA{R: 40, G: 120, B: 40, A: 200}
	p.Add(h)
	p.Add(plotter.NewGrid())
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
