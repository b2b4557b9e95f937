package training

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// WriteHistoryPlot renders per-epoch loss and accuracy curves as SVG.
func WriteHistoryPlot(w io.Writer, history []EpochStats) error {
	if len(history) == 0 {
		return errors.New("no epochs to plot")
	}
	p := plot.New()
	p.Title.Text = "training history"
	p.X.Label.Text = "epoch"
	p.Y.Min = 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	series := []struct {
		name  string
		value func(EpochStats) float64
	}{
		{"train loss", func(s EpochStats) float64 { return s.Train.Loss }},
		{"val loss", func(s EpochStats) float64 { return s.Val.Loss }},
		{"train acc", func(s EpochStats) float64 { return s.Train.Accuracy }},
		{"val acc", func(s EpochStats) float64 { return s.Val.Accuracy }},
	}
	for i, sr := range series {
		pts := make(plotter.XYs, len(history))
		for j, s := range history {
			pts[j].X = float64(s.Epoch)
			pts[j].Y = sr.value(s)
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", sr.name, err)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(sr.name, line)
	}

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "svg")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveHistoryPlot writes the SVG chart to path.
func SaveHistoryPlot(path string, history []EpochStats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteHistoryPlot(f, history); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
