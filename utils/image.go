package utils

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"strings"

	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/Perceptus-Labs/geocapture/models"
)

// DecodeDataURI splits a "data:<mimetype>;base64,<payload>" string and returns
// the decoded payload. The MIME type is discarded; the image format is sniffed
// from the bytes.
func DecodeDataURI(uri string) ([]byte, error) {
	header, encoded, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing ',' delimiter in data URI", models.ErrDecode)
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("%w: data URI is not base64 encoded", models.ErrDecode)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", models.ErrDecode)
	}
	return data, nil
}

// MaxImageDimension bounds either side of a decoded capture. Panoramas are a
// few thousand pixels wide at most.
const MaxImageDimension = 8192

// DecodeImage decodes PNG, JPEG, GIF or WebP bytes. The header is checked
// first so oversized images are rejected before any pixel buffer is allocated.
func DecodeImage(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", models.ErrImageDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxImageDimension || cfg.Height > MaxImageDimension {
		return nil, "", fmt.Errorf("%w: image dimensions %dx%d exceed %dx%d",
			models.ErrImageDecode, cfg.Width, cfg.Height, MaxImageDimension, MaxImageDimension)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", models.ErrImageDecode, err)
	}
	return img, format, nil
}

// NormalizeImage returns an opaque 8-bit image of exactly height x width.
// Images already at the target size keep their pixels; anything else is
// resampled with filter. The alpha channel is always dropped.
func NormalizeImage(img image.Image, height, width int, filter imaging.ResampleFilter) (*image.NRGBA, bool) {
	b := img.Bounds()
	resized := b.Dy() != height || b.Dx() != width

	var out *image.NRGBA
	if resized {
		out = imaging.Resize(img, width, height, filter)
	} else {
		out = image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	}

	dropAlpha(out)
	return out, resized
}

// dropAlpha keeps the color channels as they are and marks every pixel
// opaque, so the PNG encoder writes 3-channel RGB.
func dropAlpha(img *image.NRGBA) {
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xff
		}
	}
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDataURI is the inverse of DecodeDataURI for PNG images.
func EncodeDataURI(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
