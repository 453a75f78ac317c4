package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"WaffleDeploy/imgproc"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
)

var ErrUnknownPrecision = errors.New("unknown precision")

// Precision is the numeric element type a graph or engine is built for.
type Precision int

const (
	FP32 Precision = iota
	FP16
	INT8
)

var precisionNames = [...]string{FP32: "fp32", FP16: "fp16", INT8: "int8"}

func ParsePrecision(s string) (Precision, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for p, name := range precisionNames {
		if name == key {
			return Precision(p), nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownPrecision, s, strings.Join(precisionNames[:], ", "))
}

func (p Precision) Valid() bool {
	return p >= FP32 && p <= INT8
}

func (p Precision) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Precision(%d)", int(p))
	}
	return precisionNames[p]
}

// ElementType is the ONNX tensor element type for p.
func (p Precision) ElementType() ort.TensorElementDataType {
	switch p {
	case FP16:
		return ort.TensorElementDataTypeFloat16
	case INT8:
		return ort.TensorElementDataTypeInt8
	default:
		return ort.TensorElementDataTypeFloat
	}
}

// ElementSize is the width of one element in bytes.
func (p Precision) ElementSize() int {
	switch p {
	case FP16:
		return 2
	case INT8:
		return 1
	default:
		return 4
	}
}

// Int8Scale maps [0, 1] image values onto the positive int8 range.
const Int8Scale = float32(1) / 127

// Convert returns t's data in p's element type: []float32, []float16.Float16
// or []int8.
func (p Precision) Convert(t imgproc.Tensor) any {
	switch p {
	case FP16:
		return t.Float16()
	case INT8:
		return t.Int8(Int8Scale)
	default:
		return t.Data
	}
}

// Bytes returns t's data in p's element type as little-endian bytes.
func (p Precision) Bytes(t imgproc.Tensor) []byte {
	out := make([]byte, 0, len(t.Data)*p.ElementSize())
	switch v := p.Convert(t).(type) {
	case []float16.Float16:
		for _, h := range v {
			out = binary.LittleEndian.AppendUint16(out, h.Bits())
		}
	case []int8:
		for _, q := range v {
			out = append(out, byte(q))
		}
	case []float32:
		for _, f := range v {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
	}
	return out
}

func (p Precision) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPrecision, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Precision) UnmarshalText(b []byte) error {
	v, err := ParsePrecision(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
