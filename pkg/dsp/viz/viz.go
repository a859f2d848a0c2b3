// Package viz renders spectrum plots of sample streams and serves them over
// HTTP.
package viz

import (
	"image/color"

	"gonum.org/v1/plot"
)

type PlotOptions func(p *plot.Plot)

// Theme colors every plot the package renders.
type Theme struct {
	Background color.Color
	Foreground color.Color
}

var DarkTheme = Theme{Background: color.Black, Foreground: color.White}

func newPlot(theme Theme) *plot.Plot {
	p := plot.New()
	p.BackgroundColor = theme.Background
	p.Title.TextStyle.Color = theme.Foreground
	p.Legend.TextStyle.Color = theme.Foreground
	for _, axis := range []*plot.Axis{&p.X, &p.Y} {
		axis.Color = theme.Foreground
		axis.Label.TextStyle.Color = theme.Foreground
		axis.Tick.Color = theme.Foreground
		axis.Tick.Label.Color = theme.Foreground
	}
	return p
}
