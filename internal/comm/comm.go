// Package comm provides the model parallel process group: the explicit
// handle every sharded layer receives for rank bookkeeping and
// synchronous collectives.
//
// All collectives are barriers. Every rank of a group must issue the
// same operation in the same order; a mismatch poisons the group and
// every subsequent call fails. There are no retries: a transport
// failure aborts the whole distributed computation.
package comm

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

const (
	opBroadcastCopy = "broadcast_copy"
	opBroadcastInts = "broadcast_ints"
	opReduceSum     = "reduce_sum"
	opGatherConcat  = "gather_concat"
	opGatherInts    = "gather_ints"
	opScatterSplit  = "scatter_split"
)

// ProcessGroup is the collective surface sharded layers compute
// against. Implementations: the in-process group (NewLocalGroup) and
// the Arrow Flight group (NewFlightGroup).
type ProcessGroup interface {
	Rank() int
	WorldSize() int

	// BroadcastCopy returns a tensor with rank 0's contents,
	// identical on every rank.
	BroadcastCopy(ctx context.Context, t *tensor.Dense) (*tensor.Dense, error)
	// BroadcastInts is BroadcastCopy for int vectors (token ids).
	BroadcastInts(ctx context.Context, v []int64) ([]int64, error)
	// ReduceSum element-wise sums the per-rank tensors; all ranks
	// receive the same result.
	ReduceSum(ctx context.Context, t *tensor.Dense) (*tensor.Dense, error)
	// GatherConcat concatenates the per-rank tensors along dim in
	// rank order.
	GatherConcat(ctx context.Context, t *tensor.Dense, dim int) (*tensor.Dense, error)
	// GatherInts concatenates the per-rank int vectors in rank order.
	GatherInts(ctx context.Context, v []int64) ([]int64, error)
	// ScatterSplit hands each rank its contiguous slice of rank 0's
	// tensor along dim.
	ScatterSplit(ctx context.Context, t *tensor.Dense, dim int) (*tensor.Dense, error)

	Close() error
}

// TransportError is an unrecoverable collective failure. Peer ranks
// are blocked inside the same collective, so there is no local
// recovery; callers propagate it up and the run dies.
type TransportError struct {
	Op   string
	Rank int
	Seq  uint64
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("collective %s failed on rank %d (seq %d): %v", e.Op, e.Rank, e.Seq, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transport is the single primitive both group implementations
// provide: publish the local payload and return every rank's payload
// in rank order. All collectives are derived from it.
type transport interface {
	rank() int
	worldSize() int
	allGather(ctx context.Context, op string, payload []byte) ([][]byte, error)
	close() error
}

// group layers the derived collectives and metrics over a transport.
type group struct {
	tr transport
}

func (g *group) Rank() int      { return g.tr.rank() }
func (g *group) WorldSize() int { return g.tr.worldSize() }
func (g *group) Close() error   { return g.tr.close() }

func (g *group) exchange(ctx context.Context, op string, payload []byte) ([][]byte, error) {
	start := time.Now()
	parts, err := g.tr.allGather(ctx, op, payload)
	if err != nil {
		metrics.RecordCollectiveError(op)
		return nil, err
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	metrics.RecordCollective(op, n, time.Since(start))
	return parts, nil
}

func (g *group) gatherDense(ctx context.Context, op string, t *tensor.Dense) ([]*tensor.Dense, error) {
	payload, err := encodeDense(t)
	if err != nil {
		return nil, &TransportError{Op: op, Rank: g.Rank(), Err: err}
	}
	parts, err := g.exchange(ctx, op, payload)
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Dense, len(parts))
	for i, p := range parts {
		d, err := decodeDense(p)
		if err != nil {
			return nil, &TransportError{Op: op, Rank: g.Rank(), Err: fmt.Errorf("rank %d payload: %w", i, err)}
		}
		out[i] = d
	}
	return out, nil
}

func (g *group) BroadcastCopy(ctx context.Context, t *tensor.Dense) (*tensor.Dense, error) {
	if g.WorldSize() == 1 {
		return t.Clone(), nil
	}
	parts, err := g.gatherDense(ctx, opBroadcastCopy, t)
	if err != nil {
		return nil, err
	}
	return parts[0], nil
}

func (g *group) BroadcastInts(ctx context.Context, v []int64) ([]int64, error) {
	if g.WorldSize() == 1 {
		out := make([]int64, len(v))
		copy(out, v)
		return out, nil
	}
	payload, err := encodeInts(v)
	if err != nil {
		return nil, &TransportError{Op: opBroadcastInts, Rank: g.Rank(), Err: err}
	}
	parts, err := g.exchange(ctx, opBroadcastInts, payload)
	if err != nil {
		return nil, err
	}
	out, err := decodeInts(parts[0])
	if err != nil {
		return nil, &TransportError{Op: opBroadcastInts, Rank: g.Rank(), Err: err}
	}
	return out, nil
}

func (g *group) ReduceSum(ctx context.Context, t *tensor.Dense) (*tensor.Dense, error) {
	if g.WorldSize() == 1 {
		return t.Clone(), nil
	}
	parts, err := g.gatherDense(ctx, opReduceSum, t)
	if err != nil {
		return nil, err
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		p := parts[i]
		if p.Rows() != out.Rows() || p.Cols() != out.Cols() {
			return nil, &TransportError{
				Op:   opReduceSum,
				Rank: g.Rank(),
				Err:  fmt.Errorf("rank %d shape (%d, %d) != (%d, %d)", i, p.Rows(), p.Cols(), out.Rows(), out.Cols()),
			}
		}
		dst, src := out.Data(), p.Data()
		for j := range dst {
			dst[j] += src[j]
		}
	}
	return out, nil
}

func (g *group) GatherConcat(ctx context.Context, t *tensor.Dense, dim int) (*tensor.Dense, error) {
	if g.WorldSize() == 1 {
		return t.Clone(), nil
	}
	parts, err := g.gatherDense(ctx, opGatherConcat, t)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(parts, dim), nil
}

func (g *group) GatherInts(ctx context.Context, v []int64) ([]int64, error) {
	if g.WorldSize() == 1 {
		out := make([]int64, len(v))
		copy(out, v)
		return out, nil
	}
	payload, err := encodeInts(v)
	if err != nil {
		return nil, &TransportError{Op: opGatherInts, Rank: g.Rank(), Err: err}
	}
	parts, err := g.exchange(ctx, opGatherInts, payload)
	if err != nil {
		return nil, err
	}
	var out []int64
	for i, p := range parts {
		vals, err := decodeInts(p)
		if err != nil {
			return nil, &TransportError{Op: opGatherInts, Rank: g.Rank(), Err: fmt.Errorf("rank %d payload: %w", i, err)}
		}
		out = append(out, vals...)
	}
	return out, nil
}

func (g *group) ScatterSplit(ctx context.Context, t *tensor.Dense, dim int) (*tensor.Dense, error) {
	if g.WorldSize() == 1 {
		return t.Clone(), nil
	}
	parts, err := g.gatherDense(ctx, opScatterSplit, t)
	if err != nil {
		return nil, err
	}
	src := parts[0]
	total := src.Dim(dim)
	if total%g.WorldSize() != 0 {
		return nil, &TransportError{
			Op:   opScatterSplit,
			Rank: g.Rank(),
			Err:  fmt.Errorf("dim %d size %d not divisible by world size %d", dim, total, g.WorldSize()),
		}
	}
	per := total / g.WorldSize()
	return tensor.Slice(src, dim, g.Rank()*per, (g.Rank()+1)*per), nil
}
