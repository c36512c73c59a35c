// Package imageprep inspects and reshapes the raw photo bytes handed to the
// providers. It never rejects an image: unknown encodings pass through and are
// left for the provider to judge.
package imageprep

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Info describes an image. Width and Height are zero when the encoding
// could not be decoded locally.
type Info struct {
	Width    int
	Height   int
	Format   string
	MIMEType string
}

// Known reports whether the pixel dimensions are available.
func (i Info) Known() bool { return i.Width > 0 && i.Height > 0 }

var mimeTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"webp": "image/webp",
}

// Probe reads the header of data. Formats without a local decoder fall back to
// content sniffing with zero dimensions.
func Probe(data []byte) Info {
	sniffed := http.DetectContentType(data)
	if sniffed == "image/webp" {
		if cfg, err := webp.DecodeConfig(bytes.NewReader(data)); err == nil {
			return Info{Width: cfg.Width, Height: cfg.Height, Format: "webp", MIMEType: sniffed}
		}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{MIMEType: sniffed}
	}
	mime, ok := mimeTypes[format]
	if !ok {
		mime = sniffed
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format, MIMEType: mime}
}

// Decode returns the decoded image with EXIF orientation applied.
func Decode(data []byte) (image.Image, error) {
	if http.DetectContentType(data) == "image/webp" {
		return webp.Decode(bytes.NewReader(data))
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.New("image: unknown or unsupported format")
	}
	return img, nil
}

// Downscale shrinks data so its longest side is at most maxSide, re-encoding
// it as JPEG. Images already within bounds, images that cannot be decoded and
// maxSide <= 0 return data untouched.
func Downscale(data []byte, maxSide int) ([]byte, Info, error) {
	info := Probe(data)
	if maxSide <= 0 || !info.Known() || (info.Width <= maxSide && info.Height <= maxSide) {
		return data, info, nil
	}
	img, err := Decode(data)
	if err != nil {
		return data, info, nil
	}
	img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, info, err
	}
	b := img.Bounds()
	return buf.Bytes(), Info{Width: b.Dx(), Height: b.Dy(), Format: "jpeg", MIMEType: "image/jpeg"}, nil
}
