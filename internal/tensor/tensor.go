package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Dense is a 2-D row-major float64 matrix. The flat data slice is
// shared with the embedded gonum matrix, so element access stays
// allocation-free while matrix products go through gonum.
type Dense struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

func New(rows, cols int) *Dense {
	data := make([]float64, rows*cols)
	return &Dense{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// FromSlice wraps data as a (rows, cols) matrix without copying.
func FromSlice(rows, cols int, data []float64) *Dense {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: data length %d != %d x %d", len(data), rows, cols))
	}
	return &Dense{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

func (t *Dense) Rows() int       { return t.rows }
func (t *Dense) Cols() int       { return t.cols }
func (t *Dense) Data() []float64 { return t.data }

func (t *Dense) At(i, j int) float64     { return t.data[i*t.cols+j] }
func (t *Dense) Set(i, j int, v float64) { t.data[i*t.cols+j] = v }

// Row returns the i-th row as a sub-slice of the backing data.
func (t *Dense) Row(i int) []float64 {
	return t.data[i*t.cols : (i+1)*t.cols]
}

func (t *Dense) Clone() *Dense {
	out := New(t.rows, t.cols)
	copy(out.data, t.data)
	return out
}

// Dim returns the size along dim (0 = rows, 1 = cols).
func (t *Dense) Dim(dim int) int {
	if dim == 0 {
		return t.rows
	}
	return t.cols
}

// Zero sets every element to 0 in place.
func (t *Dense) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// ZeroRow zeroes the i-th row in place.
func (t *Dense) ZeroRow(i int) {
	row := t.Row(i)
	for j := range row {
		row[j] = 0
	}
}

// Scale multiplies every element by s in place.
func (t *Dense) Scale(s float64) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Clamp limits every element to [lo, hi] in place.
func (t *Dense) Clamp(lo, hi float64) {
	for i, v := range t.data {
		if v < lo {
			t.data[i] = lo
		} else if v > hi {
			t.data[i] = hi
		}
	}
}

// AddRowVec adds the length-cols vector v to every row in place.
func (t *Dense) AddRowVec(v []float64) {
	if len(v) != t.cols {
		panic(fmt.Sprintf("tensor: row vector length %d != cols %d", len(v), t.cols))
	}
	for i := 0; i < t.rows; i++ {
		row := t.Row(i)
		for j := range row {
			row[j] += v[j]
		}
	}
}

// MatMulT computes a @ b^T. a is (m, k), b is (n, k), result is (m, n).
// This matches the transposed weight layout of linear layers.
func MatMulT(a, b *Dense) *Dense {
	if a.cols != b.cols {
		panic(fmt.Sprintf("tensor: matmul inner dims %d != %d", a.cols, b.cols))
	}
	out := New(a.rows, b.rows)
	out.dense.Mul(a.dense, b.dense.T())
	return out
}

// NormalizeRows returns a copy of t with every row scaled to unit L2
// norm. Zero rows are left as zero.
func NormalizeRows(t *Dense) *Dense {
	out := t.Clone()
	for i := 0; i < out.rows; i++ {
		row := out.Row(i)
		var sum float64
		for _, v := range row {
			sum += v * v
		}
		if sum == 0 {
			continue
		}
		inv := 1 / math.Sqrt(sum)
		for j := range row {
			row[j] *= inv
		}
	}
	return out
}

// ConcatRows stacks parts vertically. All parts must share a column count.
func ConcatRows(parts []*Dense) *Dense {
	if len(parts) == 0 {
		panic("tensor: concat of zero parts")
	}
	cols := parts[0].cols
	rows := 0
	for _, p := range parts {
		if p.cols != cols {
			panic(fmt.Sprintf("tensor: concat cols %d != %d", p.cols, cols))
		}
		rows += p.rows
	}
	out := New(rows, cols)
	off := 0
	for _, p := range parts {
		copy(out.data[off:], p.data)
		off += len(p.data)
	}
	return out
}

// ConcatCols stacks parts side by side. All parts must share a row count.
func ConcatCols(parts []*Dense) *Dense {
	if len(parts) == 0 {
		panic("tensor: concat of zero parts")
	}
	rows := parts[0].rows
	cols := 0
	for _, p := range parts {
		if p.rows != rows {
			panic(fmt.Sprintf("tensor: concat rows %d != %d", p.rows, rows))
		}
		cols += p.cols
	}
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		dst := out.Row(i)
		off := 0
		for _, p := range parts {
			copy(dst[off:], p.Row(i))
			off += p.cols
		}
	}
	return out
}

// Concat joins parts along dim (0 = rows, 1 = cols).
func Concat(parts []*Dense, dim int) *Dense {
	if dim == 0 {
		return ConcatRows(parts)
	}
	return ConcatCols(parts)
}

// SliceRows returns a copy of rows [from, to).
func SliceRows(t *Dense, from, to int) *Dense {
	if from < 0 || to > t.rows || from > to {
		panic(fmt.Sprintf("tensor: row slice [%d, %d) out of [0, %d)", from, to, t.rows))
	}
	out := New(to-from, t.cols)
	copy(out.data, t.data[from*t.cols:to*t.cols])
	return out
}

// SliceCols returns a copy of columns [from, to).
func SliceCols(t *Dense, from, to int) *Dense {
	if from < 0 || to > t.cols || from > to {
		panic(fmt.Sprintf("tensor: col slice [%d, %d) out of [0, %d)", from, to, t.cols))
	}
	out := New(t.rows, to-from)
	for i := 0; i < t.rows; i++ {
		copy(out.Row(i), t.Row(i)[from:to])
	}
	return out
}

// Slice returns a copy of the [from, to) range along dim.
func Slice(t *Dense, dim, from, to int) *Dense {
	if dim == 0 {
		return SliceRows(t, from, to)
	}
	return SliceCols(t, from, to)
}

// SplitDim cuts t into contiguous chunks of size chunk along dim.
// t.Dim(dim) must be an exact multiple of chunk.
func SplitDim(t *Dense, dim, chunk int) []*Dense {
	total := t.Dim(dim)
	if chunk <= 0 || total%chunk != 0 {
		panic(fmt.Sprintf("tensor: cannot split dim of size %d into chunks of %d", total, chunk))
	}
	n := total / chunk
	out := make([]*Dense, n)
	for i := 0; i < n; i++ {
		out[i] = Slice(t, dim, i*chunk, (i+1)*chunk)
	}
	return out
}

// EqualApprox reports whether a and b have the same shape and all
// elements within tol of each other.
func EqualApprox(a, b *Dense, tol float64) bool {
	if a.rows != b.rows || a.cols != b.cols {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > tol {
			return false
		}
	}
	return true
}
