package transform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}

	return img
}

func TestOptimizeImagesPNG(t *testing.T) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	require.NoError(t, enc.Encode(&buf, solidImage(64, 64)))
	original := buf.Len()

	out, err := OptimizeImages(ImageOptions{}).Apply(context.Background(), []*File{
		{Path: "logo.png", Source: "src/img/logo.png", Data: buf.Bytes()},
	})
	require.NoError(t, err)

	assert.Less(t, len(out[0].Data), original)
	_, err = png.Decode(bytes.NewReader(out[0].Data))
	assert.NoError(t, err)
}

func TestOptimizeImagesKeepsSmallerOriginal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(32, 32), &jpeg.Options{Quality: 10}))
	original := append([]byte(nil), buf.Bytes()...)

	out, err := OptimizeImages(ImageOptions{JPEGQuality: 100}).Apply(context.Background(), []*File{
		{Path: "photo.jpg", Source: "src/img/photo.jpg", Data: buf.Bytes()},
	})
	require.NoError(t, err)
	assert.Equal(t, original, out[0].Data)
}

func TestOptimizeImagesGIF(t *testing.T) {
	palette := color.Palette{color.Black, color.White}
	frame := image.NewPaletted(image.Rect(0, 0, 8, 8), palette)

	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, &gif.GIF{Image: []*image.Paletted{frame}, Delay: []int{0}}))

	out, err := OptimizeImages(ImageOptions{}).Apply(context.Background(), []*File{
		{Path: "anim.gif", Source: "src/img/anim.gif", Data: buf.Bytes()},
	})
	require.NoError(t, err)
	_, err = gif.DecodeAll(bytes.NewReader(out[0].Data))
	assert.NoError(t, err)
}

func TestOptimizeImagesSVG(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10">
  <!-- comment -->
  <rect id="box" x="0" y="0" width="10" height="10"/>
</svg>`

	out, err := OptimizeImages(ImageOptions{}).Apply(context.Background(), []*File{
		{Path: "shape.svg", Source: "src/img/shape.svg", Data: []byte(svg)},
	})
	require.NoError(t, err)

	assert.Less(t, len(out[0].Data), len(svg))
	assert.NotContains(t, string(out[0].Data), "comment")
}

func TestOptimizeImagesPassthrough(t *testing.T) {
	data := []byte("RIFF....WEBP")

	out, err := OptimizeImages(ImageOptions{}).Apply(context.Background(), []*File{
		{Path: "pic.webp", Source: "src/img/pic.webp", Data: data},
	})
	require.NoError(t, err)
	assert.Equal(t, data, out[0].Data)
}

func TestOptimizeImagesCorrupt(t *testing.T) {
	_, err := OptimizeImages(ImageOptions{}).Apply(context.Background(), []*File{
		{Path: "bad.png", Source: "src/img/bad.png", Data: []byte("not a png")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "src/img/bad.png")
}
