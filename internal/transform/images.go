package transform

import (
	"bytes"
	"context"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/conneroisu/kiln/internal/errors"
)

// ImageOptions controls OptimizeImages.
type ImageOptions struct {
	JPEGQuality int
}

// NewSVGMinifier returns a minifier for SVG documents.
func NewSVGMinifier() *minify.M {
	m := minify.New()
	m.Add("image/svg+xml", &svg.Minifier{KeepComments: false, Precision: 0})

	return m
}

// OptimizeImages recompresses raster images losslessly (PNG, GIF) or at the
// configured quality (JPEG) and minifies SVGs. A file is only replaced when
// the result is smaller; other formats pass through untouched.
func OptimizeImages(opts ImageOptions) Step {
	m := NewSVGMinifier()
	quality := opts.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	return PerFile("images", func(_ context.Context, f *File) (*File, error) {
		var optimized []byte
		var err error

		switch f.Ext() {
		case ".png":
			optimized, err = recompressPNG(f.Data)
		case ".jpg", ".jpeg":
			optimized, err = recompressJPEG(f.Data, quality)
		case ".gif":
			optimized, err = recompressGIF(f.Data)
		case ".svg":
			optimized, err = m.Bytes("image/svg+xml", f.Data)
		default:
			return f, nil
		}

		if err != nil {
			return nil, errors.NewTransformError(f.Source, "image optimisation failed", err)
		}

		if len(optimized) > 0 && len(optimized) < len(f.Data) {
			f.Data = optimized
		}

		return f, nil
	})
}

func recompressPNG(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func recompressJPEG(data []byte, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func recompressGIF(data []byte) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
