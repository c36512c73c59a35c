package imageprep

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"damageinspect/internal/damage"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{200, 200, 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestProbe(t *testing.T) {
	info := Probe(testPNG(t, 40, 20))
	if info.Width != 40 || info.Height != 20 {
		t.Fatalf("unexpected dims %dx%d", info.Width, info.Height)
	}
	if info.Format != "png" || info.MIMEType != "image/png" {
		t.Fatalf("unexpected format %s %s", info.Format, info.MIMEType)
	}

	unknown := Probe([]byte("definitely not an image"))
	if unknown.Known() {
		t.Fatalf("expected unknown dims for text input")
	}
	if unknown.MIMEType == "" {
		t.Fatalf("expected sniffed mime type")
	}
}

func TestDownscale(t *testing.T) {
	data := testPNG(t, 400, 200)
	out, info, err := Downscale(data, 100)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	if info.Width != 100 || info.Height != 50 || info.MIMEType != "image/jpeg" {
		t.Fatalf("unexpected info %+v", info)
	}
	if probed := Probe(out); probed.Width != 100 || probed.Height != 50 {
		t.Fatalf("unexpected encoded dims %+v", probed)
	}

	same, info, err := Downscale(data, 0)
	if err != nil {
		t.Fatalf("downscale disabled: %v", err)
	}
	if !bytes.Equal(same, data) || info.Width != 400 {
		t.Fatalf("expected untouched image when disabled")
	}

	raw := []byte("opaque bytes")
	passed, _, err := Downscale(raw, 10)
	if err != nil || !bytes.Equal(passed, raw) {
		t.Fatalf("expected undecodable input to pass through, err=%v", err)
	}
}

func TestOverlay(t *testing.T) {
	data := testPNG(t, 100, 100)
	result := damage.Result{Detections: []damage.Detection{{
		Name:       "hood",
		DamageType: damage.Dented,
		Rectangle: damage.Rectangle{
			BottomLeft: damage.Point{X: 0, Y: 0.5},
			TopRight:   damage.Point{X: 0.5, Y: 1},
		},
	}}}
	out, err := Overlay(data, result)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	// The rectangle covers the top-left quadrant in image rows.
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 255 || g != 0 || b != 0 {
		t.Fatalf("expected outline at top-left corner, got %d %d %d", r>>8, g, b)
	}
	r, _, _, _ = img.At(10, 90).RGBA()
	if r>>8 != 200 {
		t.Fatalf("expected untouched pixel below the rectangle, got %d", r>>8)
	}
}
