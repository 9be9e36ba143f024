package scan

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/tdewolff/canvas"
)

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	snap := ringSnapshot("front")
	snap.Estimate = &PoseEstimate{SensorID: "front", Delta: Pose{X: 0.1, Heading: 0.2}}
	r := NewVectorRenderer([]SensorSnapshot{snap})

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render to SVG: %v", err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Errorf("Output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Errorf("Output does not contain path elements")
	}
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorRenderer([]SensorSnapshot{ringSnapshot("front"), ringSnapshot("rear")})
	r.Resolution = canvas.DPI(72)

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}

	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Output is not a valid PNG: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Errorf("PNG has empty bounds: %v", img.Bounds())
	}
	// A square drawing area for a centered ring
	if img.Bounds().Dx() != img.Bounds().Dy() {
		t.Errorf("expected square image, got %v", img.Bounds())
	}
}

func TestVectorRenderer_Empty(t *testing.T) {
	r := NewVectorRenderer(nil)
	r.GridSpacing = 0

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render empty SVG: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("SVG output is empty")
	}
}

func TestVectorRenderer_CanvasSize(t *testing.T) {
	r := NewVectorRenderer(nil)

	w, h := r.canvasSize(-1, -2, 3, 2)
	if w != 500 || h != 500 {
		t.Errorf("canvasSize = %v x %v, want 500 x 500", w, h)
	}

	r.Padding = 0
	w, h = r.canvasSize(0, 0, 0, 0)
	if w != 1 || h != 1 {
		t.Errorf("degenerate canvasSize = %v x %v, want 1 x 1", w, h)
	}
}

func TestNrgbaToRGBA(t *testing.T) {
	tests := []struct {
		in   color.NRGBA
		want color.RGBA
	}{
		{color.NRGBA{10, 20, 30, 0}, color.RGBA{}},
		{color.NRGBA{10, 20, 30, 255}, color.RGBA{10, 20, 30, 255}},
		{color.NRGBA{255, 0, 100, 51}, color.RGBA{51, 0, 20, 51}},
	}
	for _, tt := range tests {
		if got := nrgbaToRGBA(tt.in); got != tt.want {
			t.Errorf("nrgbaToRGBA(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
