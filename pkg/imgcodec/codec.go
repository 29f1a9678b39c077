// Package imgcodec decodes, downscales, and encodes raster images for
// derivative generation. Decoding understands jpeg, png, gif, bmp, and webp.
package imgcodec

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	// Register the stdlib and extended decoders for image.Decode.
	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Output formats.
const (
	FormatWebP = "webp"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// DefaultQuality is the encode quality used when a message carries none.
const DefaultQuality = 85

// ErrUnsupportedFormat is returned for encode formats outside the supported set.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Decode reads a full image and reports the detected source format.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	return img, format, nil
}

// DecodeConfig reads only the header, returning dimensions and format
// without materializing pixel data.
func DecodeConfig(r io.Reader) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, "", fmt.Errorf("decode image config: %w", err)
	}

	return cfg.Width, cfg.Height, format, nil
}

// Downscale fits the image inside width x height preserving aspect ratio.
// The full source maps onto the full destination; nothing is ever cropped.
// Images already smaller than the box are returned unchanged.
func Downscale(img image.Image, width, height int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= width && bounds.Dy() <= height {
		return img
	}

	return imaging.Fit(img, width, height, imaging.Lanczos)
}

// Encode writes the image in the requested format. Quality applies to lossy
// formats; a value outside (0, 100] is replaced by DefaultQuality.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	switch format {
	case FormatWebP:
		if err := webp.Encode(w, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return fmt.Errorf("encode webp: %w", err)
		}
	case FormatJPEG, "jpg":
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(w, img); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return nil
}

// Ext returns the file extension for an output format, without the dot.
func Ext(format string) string {
	switch format {
	case FormatJPEG, "jpg":
		return "jpg"
	case FormatPNG:
		return "png"
	default:
		return "webp"
	}
}
