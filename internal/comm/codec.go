package comm

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-volley/internal/tensor"
)

// Tensors cross the wire as Arrow IPC streams: one record batch with a
// single float64 column holding the row-major data, dims carried in
// the schema metadata. Labels ride the same way as an int64 column.

func denseSchema(rows, cols int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"rows", "cols"},
		[]string{strconv.Itoa(rows), strconv.Itoa(cols)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Float64},
	}, &md)
}

func encodeDense(t *tensor.Dense) ([]byte, error) {
	schema := denseSchema(t.Rows(), t.Cols())

	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(t.Data(), nil)
	col := b.NewFloat64Array()
	defer col.Release()

	rec := array.NewRecord(schema, []arrow.Array{col}, int64(col.Len()))
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("encode tensor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode tensor: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDense(data []byte) (*tensor.Dense, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tensor: %w", err)
	}
	defer r.Release()

	if !r.Next() {
		return nil, fmt.Errorf("decode tensor: empty stream")
	}
	rec := r.Record()

	md := rec.Schema().Metadata()
	rows, err := metaInt(md, "rows")
	if err != nil {
		return nil, err
	}
	cols, err := metaInt(md, "cols")
	if err != nil {
		return nil, err
	}

	col, ok := rec.Column(0).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("decode tensor: column 0 is %s, want float64", rec.Column(0).DataType())
	}
	if col.Len() != rows*cols {
		return nil, fmt.Errorf("decode tensor: %d values for shape (%d, %d)", col.Len(), rows, cols)
	}

	out := make([]float64, col.Len())
	copy(out, col.Float64Values())
	return tensor.FromSlice(rows, cols, out), nil
}

func encodeInts(v []int64) ([]byte, error) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "labels", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(v, nil)
	col := b.NewInt64Array()
	defer col.Release()

	rec := array.NewRecord(schema, []arrow.Array{col}, int64(col.Len()))
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeInts(data []byte) ([]int64, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	defer r.Release()

	if !r.Next() {
		return nil, fmt.Errorf("decode labels: empty stream")
	}
	rec := r.Record()
	col, ok := rec.Column(0).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("decode labels: column 0 is %s, want int64", rec.Column(0).DataType())
	}
	out := make([]int64, col.Len())
	copy(out, col.Int64Values())
	return out, nil
}

func metaInt(md arrow.Metadata, key string) (int, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return 0, fmt.Errorf("decode tensor: metadata key %q missing", key)
	}
	n, err := strconv.Atoi(md.Values()[idx])
	if err != nil {
		return 0, fmt.Errorf("decode tensor: metadata %q: %w", key, err)
	}
	return n, nil
}
