package scan

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha.
// The canvas library expects premultiplied RGBA.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer renders scans and correspondences as vector graphics.
// Canvas units are millimeters; Scale converts scan units to them.
type VectorRenderer struct {
	Snapshots           []SensorSnapshot
	Colors              map[string]ScanColor
	Scale               float64           // Canvas mm per scan unit
	Padding             float64           // Padding in scan units
	PointRadius         float64           // Point radius in scan units
	Resolution          canvas.Resolution // Resolution for PNG output
	GridSpacing         float64           // Grid line spacing in scan units; 0 disables
	ShowCorrespondences bool
}

// NewVectorRenderer creates a vector renderer with default settings for meter scans
func NewVectorRenderer(snaps []SensorSnapshot) *VectorRenderer {
	return &VectorRenderer{
		Snapshots:           snaps,
		Colors:              AssignColors(snapshotIDs(snaps), nil),
		Scale:               100.0, // 1m -> 10cm on paper
		Padding:             0.5,
		PointRadius:         0.015,
		Resolution:          canvas.DPI(150),
		GridSpacing:         1.0,
		ShowCorrespondences: true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// canvasSize returns the drawing size in canvas units
func (r *VectorRenderer) canvasSize(minX, minY, maxX, maxY float64) (width, height float64) {
	width = ((maxX - minX) + 2*r.Padding) * r.Scale
	height = ((maxY - minY) + 2*r.Padding) * r.Scale
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	return
}

// RenderToSVG writes the scans as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	minX, minY, maxX, maxY := snapshotBounds(r.Snapshots)
	width, height := r.canvasSize(minX, minY, maxX, maxY)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, minX, minY, maxX, maxY, width, height)

	return svgRenderer.Close()
}

// RenderToPNG writes the scans as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	minX, minY, maxX, maxY := snapshotBounds(r.Snapshots)
	width, height := r.canvasSize(minX, minY, maxX, maxY)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, minX, minY, maxX, maxY, width, height)

	return png.Encode(w, rast)
}

// renderToCanvas holds the drawing shared by SVG and PNG output
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, minX, minY, maxX, maxY, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x - minX + r.Padding) * r.Scale, (y - minY + r.Padding) * r.Scale
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.3
		gridStyle.Dashes = []float64{2.0, 2.0}

		for x := math.Floor(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(x, minY))
			gridPath.LineTo(toCanvas(x, maxY))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(minX, y))
			gridPath.LineTo(toCanvas(maxX, y))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	radius := r.PointRadius * r.Scale

	for _, s := range r.Snapshots {
		sc := r.Colors[s.SensorID]

		if r.ShowCorrespondences {
			linkStyle := canvas.DefaultStyle
			linkStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			linkStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(sc.Link)}
			linkStyle.StrokeWidth = radius / 2

			for _, c := range s.Correspondences {
				if !c.Matched() || c.Trans == nil {
					continue
				}
				link := &canvas.Path{}
				link.MoveTo(toCanvas(c.Trans.X(), c.Trans.Y()))
				link.LineTo(toCanvas(c.Match.Best.X(), c.Match.Best.Y()))
				renderer.RenderPath(link, linkStyle, canvas.Identity)
			}
		}

		refStyle := canvas.DefaultStyle
		refStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(sc.Reference)}
		refStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, p := range s.Reference {
			cx, cy := toCanvas(p.X(), p.Y())
			renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), refStyle, canvas.Identity)
		}

		curStyle := canvas.DefaultStyle
		curStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(sc.Current)}
		curStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, p := range s.Transformed {
			cx, cy := toCanvas(p.X(), p.Y())
			renderer.RenderPath(canvas.Circle(radius*0.7).Translate(cx, cy), curStyle, canvas.Identity)
		}

		// Sensor origin of the reference scan, and of the registered scan if known
		originStyle := canvas.DefaultStyle
		originStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(sc.Current)}
		originStyle.Stroke = canvas.Paint{Color: canvas.Black}
		originStyle.StrokeWidth = radius / 3

		ox, oy := toCanvas(0, 0)
		renderer.RenderPath(canvas.Rectangle(4*radius, 4*radius).Translate(ox-2*radius, oy-2*radius), originStyle, canvas.Identity)
		if s.Estimate != nil {
			d := s.Estimate.Delta
			cx, cy := toCanvas(d.X, d.Y)
			renderer.RenderPath(canvas.Circle(2*radius).Translate(cx, cy), originStyle, canvas.Identity)

			heading := &canvas.Path{}
			heading.MoveTo(cx, cy)
			heading.LineTo(cx+6*radius*math.Cos(d.Heading), cy+6*radius*math.Sin(d.Heading))
			headingStyle := canvas.DefaultStyle
			headingStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			headingStyle.Stroke = canvas.Paint{Color: canvas.Black}
			headingStyle.StrokeWidth = radius / 2
			renderer.RenderPath(heading, headingStyle, canvas.Identity)
		}
	}
}
