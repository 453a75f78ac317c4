package imgproc

import (
	"image"

	"github.com/disintegration/imaging"
)

// Letterbox resizes img into target with a cubic (Catmull-Rom) kernel. When
// letterBox is set the aspect ratio is preserved and the remaining space is
// filled with PadColor. The returned image is always exactly target sized.
func Letterbox(img image.Image, target Size, letterBox bool) (*image.NRGBA, Geometry, error) {
	b := img.Bounds()
	g, err := ComputeGeometry(Size{W: b.Dx(), H: b.Dy()}, target, letterBox)
	if err != nil {
		return nil, Geometry{}, err
	}
	resized := imaging.Resize(img, g.Resized.W, g.Resized.H, imaging.CatmullRom)
	if g.Resized == target {
		return resized, g, nil
	}
	canvas := imaging.New(target.W, target.H, PadColor)
	return imaging.Paste(canvas, resized, image.Pt(g.Pad.X, g.Pad.Y)), g, nil
}
