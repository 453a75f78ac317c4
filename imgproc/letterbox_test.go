package imgproc

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	return imaging.New(w, h, c)
}

func TestLetterbox_Landscape(t *testing.T) {
	red := color.NRGBA{R: 200, G: 10, B: 10, A: 255}
	out, g, err := Letterbox(solid(800, 600, red), Size{640, 640}, true)
	require.NoError(t, err)
	assert.Equal(t, 640, out.Bounds().Dx())
	assert.Equal(t, 640, out.Bounds().Dy())
	assert.Equal(t, Size{640, 480}, g.Resized)
	assert.Equal(t, Point{0, 80}, g.Pad)

	// borders
	assert.Equal(t, PadColor, out.NRGBAAt(0, 0))
	assert.Equal(t, PadColor, out.NRGBAAt(320, 79))
	assert.Equal(t, PadColor, out.NRGBAAt(639, 560))
	assert.Equal(t, PadColor, out.NRGBAAt(639, 639))
	// content
	c := out.NRGBAAt(320, 320)
	assert.InDelta(t, 200, int(c.R), 1)
	assert.InDelta(t, 10, int(c.G), 1)
}

func TestLetterbox_Portrait(t *testing.T) {
	blue := color.NRGBA{B: 255, A: 255}
	out, g, err := Letterbox(solid(300, 600, blue), Size{320, 320}, true)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 320, 320), out.Bounds())
	assert.Equal(t, Size{160, 320}, g.Resized)
	assert.Equal(t, Point{80, 0}, g.Pad)
	assert.Equal(t, PadColor, out.NRGBAAt(79, 100))
	assert.Equal(t, PadColor, out.NRGBAAt(240, 100))
	assert.Equal(t, uint8(255), out.NRGBAAt(80, 100).B)
	assert.Equal(t, uint8(255), out.NRGBAAt(239, 100).B)
}

func TestLetterbox_Stretch(t *testing.T) {
	for _, src := range []Size{{800, 600}, {50, 900}, {640, 640}} {
		out, g, err := Letterbox(solid(src.W, src.H, color.NRGBA{G: 90, A: 255}), Size{256, 128}, false)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 256, 128), out.Bounds())
		assert.Equal(t, Size{256, 128}, g.Resized)
		assert.Equal(t, Point{}, g.Pad)
		assert.InDelta(t, 90, int(out.NRGBAAt(0, 0).G), 1)
	}
}

func TestLetterbox_SameGeometryTwice(t *testing.T) {
	img := solid(123, 77, color.NRGBA{R: 1, A: 255})
	a, ga, err := Letterbox(img, Size{64, 64}, true)
	require.NoError(t, err)
	b, gb, err := Letterbox(img, Size{64, 64}, true)
	require.NoError(t, err)
	assert.Equal(t, ga, gb)
	assert.Equal(t, a.Pix, b.Pix)
}
