// Package imgproc prepares images for vision models: letterbox resizing,
// tensor layout and batched loading of image directories.
package imgproc

import (
	"errors"
	"fmt"
	"image/color"
	"math"
)

// PadValue is the gray level written into letterbox borders.
const PadValue = 114

var PadColor = color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255}

var ErrInvalidSize = errors.New("invalid image size")

type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

func (s Size) Valid() bool {
	return s.W > 0 && s.H > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.W, s.H)
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Geometry records how an image was resized and padded so model outputs can be
// mapped back onto the source image. Values are created by ComputeGeometry and
// passed around by value.
type Geometry struct {
	Original Size  `json:"original"`
	Resized  Size  `json:"resized"`
	Pad      Point `json:"pad"`
	Target   Size  `json:"target"`
}

// ComputeGeometry works out the resize and padding for an image of size src
// placed into target.
//
// Without letterBox the image is stretched to target. With letterBox the
// aspect ratio is kept: a wider-than-tall image (w > h) is scaled so its width
// hits target.W and padded top/bottom, anything else (square included) is
// scaled so its height hits target.H and padded left/right. For non-square
// targets the other axis is used when the primary one would overflow.
func ComputeGeometry(src, target Size, letterBox bool) (Geometry, error) {
	if !src.Valid() {
		return Geometry{}, fmt.Errorf("%w: source %s", ErrInvalidSize, src)
	}
	if !target.Valid() {
		return Geometry{}, fmt.Errorf("%w: target %s", ErrInvalidSize, target)
	}
	g := Geometry{Original: src, Target: target}
	if !letterBox {
		g.Resized = target
		return g, nil
	}

	widthFirst := src.W > src.H
	if widthFirst && scaled(src.H, target.W, src.W) > target.H {
		widthFirst = false
	} else if !widthFirst && scaled(src.W, target.H, src.H) > target.W {
		widthFirst = true
	}

	if widthFirst {
		g.Resized = Size{W: target.W, H: scaled(src.H, target.W, src.W)}
		g.Pad = Point{Y: (target.H - g.Resized.H) / 2}
	} else {
		g.Resized = Size{W: scaled(src.W, target.H, src.H), H: target.H}
		g.Pad = Point{X: (target.W - g.Resized.W) / 2}
	}
	return g, nil
}

// scaled returns round(v * num / den), never less than one pixel.
func scaled(v, num, den int) int {
	n := int(math.Round(float64(v) * float64(num) / float64(den)))
	return max(n, 1)
}

// Padding returns the border widths on each side.
func (g Geometry) Padding() (top, bottom, left, right int) {
	top = g.Pad.Y
	left = g.Pad.X
	bottom = g.Target.H - g.Resized.H - top
	right = g.Target.W - g.Resized.W - left
	return
}

// ToOriginal maps a point in model input coordinates back onto the source image.
func (g Geometry) ToOriginal(x, y float64) (float64, float64) {
	sx := float64(g.Original.W) / float64(g.Resized.W)
	sy := float64(g.Original.H) / float64(g.Resized.H)
	return (x - float64(g.Pad.X)) * sx, (y - float64(g.Pad.Y)) * sy
}

// ToModel maps a point on the source image into model input coordinates.
func (g Geometry) ToModel(x, y float64) (float64, float64) {
	sx := float64(g.Resized.W) / float64(g.Original.W)
	sy := float64(g.Resized.H) / float64(g.Original.H)
	return x*sx + float64(g.Pad.X), y*sy + float64(g.Pad.Y)
}

// ScaleBox maps an (x1, y1, x2, y2) box from model input coordinates onto the
// source image, clipped to its bounds.
func (g Geometry) ScaleBox(box [4]float32) [4]float32 {
	x1, y1 := g.ToOriginal(float64(box[0]), float64(box[1]))
	x2, y2 := g.ToOriginal(float64(box[2]), float64(box[3]))
	w, h := float64(g.Original.W), float64(g.Original.H)
	return [4]float32{
		float32(clamp(x1, 0, w)),
		float32(clamp(y1, 0, h)),
		float32(clamp(x2, 0, w)),
		float32(clamp(y2, 0, h)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// Meta is the per-item metadata handed out next to each image tensor.
type Meta struct {
	OriShape [2]int `json:"ori_shape"`
	NewShape [2]int `json:"new_shape"`
	Pad      [2]int `json:"pad"`
}

func (g Geometry) Meta() Meta {
	return Meta{
		OriShape: [2]int{g.Original.W, g.Original.H},
		NewShape: [2]int{g.Resized.W, g.Resized.H},
		Pad:      [2]int{g.Pad.X, g.Pad.Y},
	}
}

// Geometry rebuilds the full record given the target the item was resized to.
func (m Meta) Geometry(target Size) Geometry {
	return Geometry{
		Original: Size{W: m.OriShape[0], H: m.OriShape[1]},
		Resized:  Size{W: m.NewShape[0], H: m.NewShape[1]},
		Pad:      Point{X: m.Pad[0], Y: m.Pad[1]},
		Target:   target,
	}
}
