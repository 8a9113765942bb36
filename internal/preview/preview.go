// Package preview re-encodes image formats browsers cannot display (HEIC,
// TIFF, BMP, WebP) into a reduced-quality JPEG.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	_ "github.com/gen2brain/heic"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultQuality   = 50
	DefaultMaxDim    = 2560
	DefaultMaxPixels = 8192 * 8192
	ContentType      = "image/jpeg"
)

// ErrTooLarge is returned for images whose header declares more pixels than
// the transcoder accepts. Nothing is decoded in that case.
var ErrTooLarge = errors.New("preview: image too large")

var restricted = map[string]bool{
	".heic": true,
	".heif": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
	".webp": true,
}

// NeedsTranscode reports whether files named name are served transcoded.
func NeedsTranscode(name string) bool {
	return restricted[strings.ToLower(filepath.Ext(name))]
}

type Transcoder struct {
	// Quality is the JPEG quality, 1..100.
	Quality int
	// MaxDim bounds the longer edge of the output; 0 keeps the source size.
	MaxDim int
	// MaxPixels bounds width*height of the source as declared in its header;
	// 0 means DefaultMaxPixels.
	MaxPixels int64
}

func New() *Transcoder {
	return &Transcoder{Quality: DefaultQuality, MaxDim: DefaultMaxDim, MaxPixels: DefaultMaxPixels}
}

// Transcode decodes the image at path and returns it as JPEG bytes.
func (t *Transcoder) Transcode(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	limit := t.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, os.ErrInvalid
	}

	img := src
	if nw, nh := fit(b.Dx(), b.Dy(), t.MaxDim); nw != b.Dx() || nh != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	q := t.Quality
	if q <= 0 || q > 100 {
		q = DefaultQuality
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fit scales w x h down so the longer edge is at most max, keeping the aspect
// ratio.
func fit(w, h, max int) (int, int) {
	if max <= 0 || (w <= max && h <= max) {
		return w, h
	}
	nw, nh := w, h
	if w > h {
		nw = max
		nh = int(float64(h) * (float64(max) / float64(w)))
	} else {
		nh = max
		nw = int(float64(w) * (float64(max) / float64(h)))
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
