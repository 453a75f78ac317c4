// Package cvimage is the OpenCV flavour of the image pipeline. It decodes with
// gocv, converts OpenCV's BGR layout to RGB and letterboxes with cv::resize
// and cv::copyMakeBorder.
package cvimage

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"WaffleDeploy/imgproc"

	"gocv.io/x/gocv"
)

var padColor = color.RGBA{R: imgproc.PadValue, G: imgproc.PadValue, B: imgproc.PadValue, A: 0}

// Letterbox resizes src with bicubic interpolation and pads it to target.
// The caller owns the returned Mat.
func Letterbox(src gocv.Mat, target imgproc.Size, letterBox bool) (gocv.Mat, imgproc.Geometry, error) {
	if src.Empty() {
		return gocv.NewMat(), imgproc.Geometry{}, errors.New("letterbox: empty image")
	}
	g, err := imgproc.ComputeGeometry(imgproc.Size{W: src.Cols(), H: src.Rows()}, target, letterBox)
	if err != nil {
		return gocv.NewMat(), imgproc.Geometry{}, err
	}
	resized := gocv.NewMat()
	gocv.Resize(src, &resized, image.Pt(g.Resized.W, g.Resized.H), 0, 0, gocv.InterpolationCubic)
	if g.Resized == target {
		return resized, g, nil
	}
	defer resized.Close()
	top, bottom, left, right := g.Padding()
	out := gocv.NewMat()
	gocv.CopyMakeBorder(resized, &out, top, bottom, left, right, gocv.BorderConstant, padColor)
	return out, g, nil
}

// Decoder implements imgproc.Decoder on top of cv::imread.
type Decoder struct{}

func (Decoder) Decode(path string, target imgproc.Size, letterBox bool) (imgproc.Tensor, imgproc.Meta, error) {
	bgr := gocv.IMRead(path, gocv.IMReadColor)
	defer bgr.Close()
	if bgr.Empty() {
		return imgproc.Tensor{}, imgproc.Meta{}, fmt.Errorf("%w: %s: missing, unreadable or unsupported format", imgproc.ErrDecode, path)
	}
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB)

	out, g, err := Letterbox(rgb, target, letterBox)
	defer out.Close()
	if err != nil {
		return imgproc.Tensor{}, imgproc.Meta{}, fmt.Errorf("%s: %w", path, err)
	}
	t, err := imgproc.FromHWC(out.ToBytes(), target, out.Channels())
	if err != nil {
		return imgproc.Tensor{}, imgproc.Meta{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, g.Meta(), nil
}

// Decode reads an encoded image buffer into an RGB Mat.
func Decode(buf []byte) (gocv.Mat, error) {
	bgr, err := gocv.IMDecode(buf, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %w", imgproc.ErrDecode, err)
	}
	defer bgr.Close()
	if bgr.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: decoded image is empty or unsupported format", imgproc.ErrDecode)
	}
	rgb := gocv.NewMat()
	gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB)
	return rgb, nil
}
