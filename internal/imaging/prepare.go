// Package imaging prepares uploaded images for transmission to the vision
// agent: decode, flatten to opaque RGB and shrink until the JPEG encoding
// fits the payload budget.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	// Registered decoders for the upload formats we accept.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/Strob0t/ControlTower/internal/domain"
)

// DefaultMaxBytes is the default transmit budget for a prepared payload.
const DefaultMaxBytes = 500 << 10 // 500 KiB

const (
	startDimension = 1024
	minDimension   = 256
	startQuality   = 85
	minQuality     = 60
	qualityStep    = 10
)

// Prepare re-encodes raw image bytes as a JPEG that fits maxBytes while
// retaining as much visual detail as possible. Greedy search: starting at
// a 1024 px bounding dimension and quality 85, it first walks quality down
// in steps of 10 to a floor of 60, then shrinks the bounding dimension by
// a factor of 0.8 and resets quality. The dimension strictly decreases
// each outer round, so the search always terminates; if no candidate fits
// the budget the smallest one produced is returned rather than failing.
// Malformed input returns domain.ErrPayload.
func Prepare(data []byte, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", domain.ErrPayload, err)
	}

	maxDim := startDimension
	quality := startQuality

	var last []byte
	for maxDim >= minDimension {
		candidate, err := encode(scaleToFit(src, maxDim), quality)
		if err != nil {
			return nil, fmt.Errorf("%w: encode jpeg: %v", domain.ErrPayload, err)
		}
		last = candidate

		if len(candidate) <= maxBytes {
			slog.Debug("payload prepared",
				"in_bytes", len(data), "out_bytes", len(candidate),
				"max_dim", maxDim, "quality", quality)
			return candidate, nil
		}

		if quality > minQuality {
			quality -= qualityStep
		} else {
			maxDim = maxDim * 4 / 5
			quality = startQuality
		}
	}

	// Best effort: the budget was unattainable even at the dimension floor.
	slog.Warn("payload budget unattainable, returning smallest candidate",
		"budget", maxBytes, "out_bytes", len(last))
	return last, nil
}

// scaleToFit returns src flattened to opaque RGB and downscaled so that
// neither dimension exceeds maxDim, preserving aspect ratio. Thumbnail
// semantics: images already inside the bound are not upscaled.
func scaleToFit(src image.Image, maxDim int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	if w > maxDim || h > maxDim {
		if w >= h {
			h = h * maxDim / w
			w = maxDim
		} else {
			w = w * maxDim / h
			h = maxDim
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}

	// Drawing with Src discards any alpha or palette; the JPEG encoder
	// then sees plain three-channel color.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func encode(img *image.RGBA, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
