// Package ndarray implements the typed-value portion of Needlestack's
// NDArray wire shape (spec §6): deserialization of a query or stored
// vector into a dense numeric buffer, and the reverse. Needlestack's
// `numpy_content` binary path is treated as an opaque external codec (spec
// §1) and is not implemented here — see DESIGN.md for why.
package ndarray

import (
	"gonum.org/v1/gonum/mat"

	"github.com/dreamware/needlestack/internal/apierr"
)

// DType enumerates the dtypes spec §6 names for NDArray.
type DType int

const (
	DTypeFloat16 DType = iota
	DTypeFloat32
	DTypeFloat64
	DTypeInt8
	DTypeInt16
	DTypeInt32
	DTypeInt64
)

// NDArray is the typed-value rendering of spec §6's NDArray message:
// dtype, shape, and exactly one populated typed value slice. NumpyContent
// is carried as opaque bytes and, if present, takes precedence on
// deserialization — but this package never produces or parses it.
type NDArray struct {
	NumpyContent []byte
	FloatVal     []float32
	DoubleVal    []float64
	IntVal       []int32
	LongVal      []int64
	Shape        []int
	DType        DType
}

// ToDense deserializes a into a gonum dense vector/matrix, preferring
// NumpyContent (rejected here as unsupported — see package doc), then the
// typed arrays with dtype fallback per spec §6: float_val→float32,
// double_val→float64, int_val→int32, long_val→int64.
func ToDense(a NDArray) (*mat.Dense, error) {
	if len(a.Shape) == 0 {
		return nil, apierr.New(apierr.KindDeserialization, "Missing attribute shape")
	}
	if len(a.NumpyContent) > 0 {
		return nil, apierr.New(apierr.KindDeserialization, "numpy_content decoding is not supported by this codec")
	}

	rows, cols := shapeToMatrixDims(a.Shape)
	values, err := typedValuesAsFloat64(a)
	if err != nil {
		return nil, err
	}
	if len(values) != rows*cols {
		return nil, apierr.New(apierr.KindDeserialization, "value count does not match shape")
	}

	return mat.NewDense(rows, cols, values), nil
}

// FromDense serializes m back into an NDArray of the requested dtype,
// inverse of ToDense for the typed-value path.
func FromDense(m *mat.Dense, dtype DType) (NDArray, error) {
	rows, cols := m.Dims()
	shape := []int{rows, cols}
	flat := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			flat = append(flat, m.At(r, c))
		}
	}

	out := NDArray{Shape: shape, DType: dtype}
	switch dtype {
	case DTypeFloat32, DTypeFloat16:
		out.FloatVal = make([]float32, len(flat))
		for i, v := range flat {
			out.FloatVal[i] = float32(v)
		}
	case DTypeFloat64:
		out.DoubleVal = flat
	case DTypeInt8, DTypeInt16, DTypeInt32:
		out.IntVal = make([]int32, len(flat))
		for i, v := range flat {
			out.IntVal[i] = int32(v)
		}
	case DTypeInt64:
		out.LongVal = make([]int64, len(flat))
		for i, v := range flat {
			out.LongVal[i] = int64(v)
		}
	default:
		return NDArray{}, apierr.New(apierr.KindSerialization, "unsupported dtype")
	}
	return out, nil
}

func shapeToMatrixDims(shape []int) (rows, cols int) {
	if len(shape) == 1 {
		return 1, shape[0]
	}
	rows = shape[0]
	cols = 1
	for _, d := range shape[1:] {
		cols *= d
	}
	return rows, cols
}

func typedValuesAsFloat64(a NDArray) ([]float64, error) {
	switch {
	case len(a.FloatVal) > 0:
		out := make([]float64, len(a.FloatVal))
		for i, v := range a.FloatVal {
			out[i] = float64(v)
		}
		return out, nil
	case len(a.DoubleVal) > 0:
		return a.DoubleVal, nil
	case len(a.IntVal) > 0:
		out := make([]float64, len(a.IntVal))
		for i, v := range a.IntVal {
			out[i] = float64(v)
		}
		return out, nil
	case len(a.LongVal) > 0:
		out := make([]float64, len(a.LongVal))
		for i, v := range a.LongVal {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, apierr.New(apierr.KindDeserialization, "no populated value array")
	}
}
