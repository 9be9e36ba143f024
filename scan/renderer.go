package scan

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ScanColor defines the colors used for one sensor's scans
type ScanColor struct {
	Reference color.NRGBA
	Current   color.NRGBA
	Link      color.NRGBA
}

// DefaultColors returns distinct colors for up to 4 sensors
func DefaultColors() []ScanColor {
	return []ScanColor{
		{ // Blue
			Reference: color.NRGBA{100, 149, 237, 200}, // Cornflower blue
			Current:   color.NRGBA{0, 0, 139, 255},     // Dark blue
			Link:      color.NRGBA{0, 0, 255, 90},
		},
		{ // Red
			Reference: color.NRGBA{255, 99, 71, 200}, // Tomato
			Current:   color.NRGBA{139, 0, 0, 255},   // Dark red
			Link:      color.NRGBA{255, 0, 0, 90},
		},
		{ // Green
			Reference: color.NRGBA{144, 238, 144, 200}, // Light green
			Current:   color.NRGBA{0, 100, 0, 255},     // Dark green
			Link:      color.NRGBA{0, 255, 0, 90},
		},
		{ // Yellow
			Reference: color.NRGBA{255, 255, 150, 200}, // Light yellow
			Current:   color.NRGBA{184, 134, 11, 255},  // Dark goldenrod
			Link:      color.NRGBA{255, 215, 0, 90},
		},
	}
}

// parseHexColor parses a hex color string like "#FF6B6B"
func parseHexColor(hex string) (color.NRGBA, bool) {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return color.NRGBA{}, false
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{}, false
	}
	return color.NRGBA{r, g, b, 255}, true
}

// ColorFromHex derives a ScanColor from a single base color
func ColorFromHex(hex string) (ScanColor, bool) {
	base, ok := parseHexColor(hex)
	if !ok {
		return ScanColor{}, false
	}
	return ScanColor{
		Reference: color.NRGBA{base.R, base.G, base.B, 150},
		Current:   darkenColor(base),
		Link:      color.NRGBA{base.R, base.G, base.B, 90},
	}, true
}

// darkenColor creates a darker version of a color
func darkenColor(c color.NRGBA) color.NRGBA {
	factor := 0.5
	return color.NRGBA{
		R: uint8(float64(c.R) * factor),
		G: uint8(float64(c.G) * factor),
		B: uint8(float64(c.B) * factor),
		A: 255,
	}
}

// AssignColors picks a color per sensor: the configured one if valid,
// otherwise the default palette in sorted-ID order
func AssignColors(ids []string, config *Config) map[string]ScanColor {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	palette := DefaultColors()
	colors := make(map[string]ScanColor, len(sorted))
	for i, id := range sorted {
		colors[id] = palette[i%len(palette)]
		if config == nil {
			continue
		}
		if sc := config.GetSensorByID(id); sc != nil && sc.Color != "" {
			if c, ok := ColorFromHex(sc.Color); ok {
				colors[id] = c
			}
		}
	}
	return colors
}

// snapshotIDs returns the sensor IDs of snaps in order
func snapshotIDs(snaps []SensorSnapshot) []string {
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.SensorID
	}
	return ids
}

// ScanRenderer draws reference scans, registered scans and their
// correspondences into a raster image
type ScanRenderer struct {
	Snapshots           []SensorSnapshot
	Colors              map[string]ScanColor
	Scale               float64 // Pixels per scan unit
	Padding             int     // Padding around the image
	MaxSize             int     // Largest width or height in pixels
	ShowCorrespondences bool
}

// NewScanRenderer creates a renderer with default settings
func NewScanRenderer(snaps []SensorSnapshot) *ScanRenderer {
	return &ScanRenderer{
		Snapshots:           snaps,
		Colors:              AssignColors(snapshotIDs(snaps), nil),
		Scale:               100, // 1cm per pixel for meter scans
		Padding:             40,
		MaxSize:             4000,
		ShowCorrespondences: true,
	}
}

// HasDrawableContent returns true if any snapshot holds at least one point
func (r *ScanRenderer) HasDrawableContent() bool {
	for _, s := range r.Snapshots {
		if len(s.Reference) > 0 || len(s.Transformed) > 0 {
			return true
		}
	}
	return false
}

// CalculateBounds returns the Cartesian bounds of everything drawn, including
// the sensor origin
func (r *ScanRenderer) CalculateBounds() (minX, minY, maxX, maxY float64) {
	return snapshotBounds(r.Snapshots)
}

func snapshotBounds(snaps []SensorSnapshot) (minX, minY, maxX, maxY float64) {
	// The sensor origin is always in view
	minX, minY, maxX, maxY = 0, 0, 0, 0
	extend := func(points []Point) {
		for _, p := range points {
			x, y := p.X(), p.Y()
			minX = math.Min(minX, x)
			minY = math.Min(minY, y)
			maxX = math.Max(maxX, x)
			maxY = math.Max(maxY, y)
		}
	}
	for _, s := range snaps {
		extend(s.Reference)
		extend(s.Transformed)
	}
	return
}

// Render draws all snapshots. +y points up in the image.
func (r *ScanRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY := r.CalculateBounds()

	scale := r.Scale
	if scale <= 0 {
		scale = 100
	}
	// Shrink to fit MaxSize, padding included
	if r.MaxSize > 0 {
		avail := float64(r.MaxSize - 2*r.Padding)
		span := math.Max(maxX-minX, maxY-minY)
		if avail > 0 && span*scale > avail {
			scale = avail / span
		}
	}
	width := int((maxX-minX)*scale) + 2*r.Padding
	height := int((maxY-minY)*scale) + 2*r.Padding
	if width <= 0 {
		width = 2*r.Padding + 1
	}
	if height <= 0 {
		height = 2*r.Padding + 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	toImage := func(x, y float64) (int, int) {
		ix := int((x-minX)*scale) + r.Padding
		iy := height - 1 - (int((y-minY)*scale) + r.Padding)
		return ix, iy
	}

	// First pass: correspondences underneath the points
	if r.ShowCorrespondences {
		for _, s := range r.Snapshots {
			sc := r.Colors[s.SensorID]
			for _, c := range s.Correspondences {
				if !c.Matched() || c.Trans == nil {
					continue
				}
				x0, y0 := toImage(c.Trans.X(), c.Trans.Y())
				x1, y1 := toImage(c.Match.Best.X(), c.Match.Best.Y())
				drawLine(img, x0, y0, x1, y1, sc.Link)
			}
		}
	}

	// Second pass: reference scans (blended)
	for _, s := range r.Snapshots {
		sc := r.Colors[s.SensorID]
		for _, p := range s.Reference {
			ix, iy := toImage(p.X(), p.Y())
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					blendPixel(img, ix+dx, iy+dy, sc.Reference)
				}
			}
		}
	}

	// Third pass: registered scans (opaque) and sensor origins
	for _, s := range r.Snapshots {
		sc := r.Colors[s.SensorID]
		current := color.RGBA{sc.Current.R, sc.Current.G, sc.Current.B, 255}
		for _, p := range s.Transformed {
			ix, iy := toImage(p.X(), p.Y())
			drawCircle(img, ix, iy, 1, current)
		}

		ox, oy := toImage(0, 0)
		drawSquare(img, ox, oy, 8, color.RGBA{255, 215, 0, 255})
		if s.Estimate != nil {
			cx, cy := toImage(s.Estimate.Delta.X, s.Estimate.Delta.Y)
			drawCircle(img, cx, cy, 5, current)
		}
	}

	r.drawLegend(img)

	return img
}

// EncodePNG renders and writes the image as PNG
func (r *ScanRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG renders and saves the image to a file
func (r *ScanRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.EncodePNG(f)
}

// blendPixel alpha-blends c over the pixel at (x, y)
func blendPixel(img *image.RGBA, x, y int, c color.NRGBA) {
	if !(image.Point{x, y}.In(img.Bounds())) {
		return
	}
	img.Set(x, y, blendColors(img.RGBAAt(x, y), c))
}

func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied, un-premultiply before blending
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

// drawLine draws a blended line with Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		blendPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawLegend lists each sensor with its latest registration quality
func (r *ScanRenderer) drawLegend(img *image.RGBA) {
	snaps := append([]SensorSnapshot(nil), r.Snapshots...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SensorID < snaps[j].SensorID })

	y := 15
	for _, s := range snaps {
		sc := r.Colors[s.SensorID]

		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, sc.Current)
			}
		}

		label := s.SensorID
		if s.Estimate != nil {
			label = fmt.Sprintf("%s  err=%.4f  matched=%.0f%%", s.SensorID, s.Estimate.Error, s.Estimate.MatchRatio*100)
		}
		drawText(img, 28, y, label, color.RGBA{0, 0, 0, 255})

		y += 18
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
