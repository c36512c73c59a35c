package imageprep

import (
	"bytes"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"damageinspect/internal/damage"
)

var overlayPalette = []color.NRGBA{
	{255, 0, 0, 255},
	{0, 200, 0, 255},
	{0, 140, 255, 255},
	{255, 204, 0, 255},
	{200, 0, 200, 255},
}

// Overlay draws every detection rectangle on top of the photo and returns a PNG.
// Rectangles use the bottom-left origin and are flipped back to image rows.
func Overlay(data []byte, result damage.Result) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	canvas := imaging.Clone(img)
	w := canvas.Bounds().Dx()
	h := canvas.Bounds().Dy()
	stroke := int(math.Max(2, 0.004*float64(min(w, h))))

	for i, d := range result.Detections {
		c := overlayPalette[i%len(overlayPalette)]
		x0 := int(d.Rectangle.BottomLeft.X * float64(w))
		x1 := int(d.Rectangle.TopRight.X * float64(w))
		y0 := int((1 - d.Rectangle.TopRight.Y) * float64(h))
		y1 := int((1 - d.Rectangle.BottomLeft.Y) * float64(h))
		for s := 0; s < stroke; s++ {
			hline(canvas, y0+s, x0, x1, c)
			hline(canvas, y1-s, x0, x1, c)
			vline(canvas, x0+s, y0, y1, c)
			vline(canvas, x1-s, y0, y1, c)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type setter interface {
	Set(x, y int, c color.Color)
}

func hline(img setter, y, x0, x1 int, c color.NRGBA) {
	for x := x0; x <= x1; x++ {
		img.Set(x, y, c)
	}
}

func vline(img setter, x, y0, y1 int, c color.NRGBA) {
	for y := y0; y <= y1; y++ {
		img.Set(x, y, c)
	}
}
