package imgproc

import (
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/x448/float16"
)

// Tensor is a dense float32 tensor in row-major order. Images are stored
// channel-first (C, H, W) with values in [0, 1]; batches add a leading axis.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape ...int64) Tensor {
	return Tensor{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

func numel(shape []int64) int {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

func (t Tensor) Len() int {
	return numel(t.Shape)
}

// FromNRGBA converts an image to a (3, H, W) tensor, dropping alpha.
func FromNRGBA(img *image.NRGBA) Tensor {
	r := img.Rect
	w, h := r.Dx(), r.Dy()
	t := NewTensor(3, int64(h), int64(w))
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			i := y*w + x
			t.Data[i] = float32(px[0]) / 255
			t.Data[plane+i] = float32(px[1]) / 255
			t.Data[2*plane+i] = float32(px[2]) / 255
		}
	}
	return t
}

// FromHWC converts interleaved 8-bit pixels (H, W, C) to a (C, H, W) tensor.
func FromHWC(pix []byte, size Size, channels int) (Tensor, error) {
	plane := size.W * size.H
	if len(pix) != plane*channels {
		return Tensor{}, fmt.Errorf("pixel buffer has %d bytes, want %d for %s x %d", len(pix), plane*channels, size, channels)
	}
	t := NewTensor(int64(channels), int64(size.H), int64(size.W))
	for i := 0; i < plane; i++ {
		for c := 0; c < channels; c++ {
			t.Data[c*plane+i] = float32(pix[i*channels+c]) / 255
		}
	}
	return t, nil
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, fmt.Errorf("stack: no tensors")
	}
	shape := ts[0].Shape
	out := NewTensor(append([]int64{int64(len(ts))}, shape...)...)
	n := numel(shape)
	for i, t := range ts {
		if !slices.Equal(t.Shape, shape) {
			return Tensor{}, fmt.Errorf("stack: tensor %d has shape %v, want %v", i, t.Shape, shape)
		}
		copy(out.Data[i*n:(i+1)*n], t.Data)
	}
	return out, nil
}

func (t Tensor) Float16() []float16.Float16 {
	out := make([]float16.Float16, len(t.Data))
	for i, v := range t.Data {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

// Int8 quantizes symmetrically: q = round(v / scale), saturated to int8.
func (t Tensor) Int8(scale float32) []int8 {
	out := make([]int8, len(t.Data))
	for i, v := range t.Data {
		q := math.Round(float64(v / scale))
		out[i] = int8(math.Max(math.MinInt8, math.Min(math.MaxInt8, q)))
	}
	return out
}
