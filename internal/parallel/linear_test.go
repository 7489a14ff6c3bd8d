package parallel

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/rng"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

func randDense(seed uint64, rows, cols int) *tensor.Dense {
	r := rand.New(rand.NewPCG(seed, 0))
	out := tensor.New(rows, cols)
	for i := range out.Data() {
		out.Data()[i] = r.NormFloat64()
	}
	return out
}

// dense reference: y = x @ W^T + b
func denseLinear(x, w *tensor.Dense, bias []float64) *tensor.Dense {
	y := tensor.MatMulT(x, w)
	if bias != nil {
		y.AddRowVec(bias)
	}
	return y
}

func TestColumnParallelMatchesDense(t *testing.T) {
	const (
		ws      = 2
		inSize  = 6
		outSize = 8
		batch   = 3
	)
	ctx := context.Background()
	x := randDense(100, batch, inSize)

	outputs := make([]*tensor.Dense, ws)
	masters := make([]*tensor.Dense, ws)
	runRanks(t, ws, func(pg comm.ProcessGroup) error {
		tk := rng.NewTracker(55)
		lin, err := NewColumnParallelLinear(pg, tk, inSize, outSize, WithKeepMaster())
		if err != nil {
			return err
		}
		out, err := lin.Forward(ctx, x.Clone())
		if err != nil {
			return err
		}
		outputs[pg.Rank()] = out
		masters[pg.Rank()] = lin.MasterWeight()
		return nil
	})

	// Bias starts at zero, so the gathered output is exactly the
	// dense product against the master weight.
	want := denseLinear(x, masters[0], nil)
	for r := 0; r < ws; r++ {
		if !tensor.EqualApprox(outputs[r], want, 1e-9) {
			t.Errorf("rank %d: gathered output differs from dense reference", r)
		}
	}
}

func TestColumnParallelNoGatherWidth(t *testing.T) {
	const ws = 2
	ctx := context.Background()
	x := randDense(3, 2, 4)

	runRanks(t, ws, func(pg comm.ProcessGroup) error {
		tk := rng.NewTracker(9)
		lin, err := NewColumnParallelLinear(pg, tk, 4, 8, WithGatherOutput(false))
		if err != nil {
			return err
		}
		out, err := lin.Forward(ctx, x.Clone())
		if err != nil {
			return err
		}
		if out.Cols() != lin.OutputSizePerPartition() {
			t.Errorf("rank %d: partial width %d, want %d", pg.Rank(), out.Cols(), lin.OutputSizePerPartition())
		}
		return nil
	})
}

func TestRowParallelMatchesDense(t *testing.T) {
	const (
		ws      = 2
		inSize  = 8
		outSize = 5
		batch   = 3
	)
	ctx := context.Background()
	x := randDense(101, batch, inSize)
	biasVals := make([]float64, outSize)
	for j := range biasVals {
		biasVals[j] = 0.1 * float64(j+1)
	}

	outputs := make([]*tensor.Dense, ws)
	masters := make([]*tensor.Dense, ws)
	runRanks(t, ws, func(pg comm.ProcessGroup) error {
		tk := rng.NewTracker(56)
		lin, err := NewRowParallelLinear(pg, tk, inSize, outSize, WithKeepMaster())
		if err != nil {
			return err
		}
		// The full-size bias is unsharded; every rank carries the
		// same values.
		copy(lin.Parameters()[1].Data(), biasVals)

		out, err := lin.Forward(ctx, x.Clone())
		if err != nil {
			return err
		}
		outputs[pg.Rank()] = out
		masters[pg.Rank()] = lin.MasterWeight()
		return nil
	})

	want := denseLinear(x, masters[0], biasVals)
	for r := 0; r < ws; r++ {
		if !tensor.EqualApprox(outputs[r], want, 1e-9) {
			t.Errorf("rank %d: output differs from dense reference", r)
		}
	}
}

// Column (gather off) feeding row (input parallel) must reproduce the
// dense two-layer MLP without the intermediate gather/scatter pair.
func TestColumnRowFusion(t *testing.T) {
	const (
		ws     = 2
		inSize = 6
		hidden = 8
		out    = 4
		batch  = 3
	)
	ctx := context.Background()
	x := randDense(200, batch, inSize)

	outputs := make([]*tensor.Dense, ws)
	colMasters := make([]*tensor.Dense, ws)
	rowMasters := make([]*tensor.Dense, ws)
	runRanks(t, ws, func(pg comm.ProcessGroup) error {
		tk := rng.NewTracker(77)
		col, err := NewColumnParallelLinear(pg, tk, inSize, hidden,
			WithoutBias(), WithGatherOutput(false), WithKeepMaster())
		if err != nil {
			return err
		}
		row, err := NewRowParallelLinear(pg, tk, hidden, out,
			WithoutBias(), WithInputParallel(), WithKeepMaster())
		if err != nil {
			return err
		}

		h, err := col.Forward(ctx, x.Clone())
		if err != nil {
			return err
		}
		y, err := row.Forward(ctx, h)
		if err != nil {
			return err
		}
		outputs[pg.Rank()] = y
		colMasters[pg.Rank()] = col.MasterWeight()
		rowMasters[pg.Rank()] = row.MasterWeight()
		return nil
	})

	h := denseLinear(x, colMasters[0], nil)
	want := denseLinear(h, rowMasters[0], nil)
	for r := 0; r < ws; r++ {
		if !tensor.EqualApprox(outputs[r], want, 1e-9) {
			t.Errorf("rank %d: fused column-row output differs from dense MLP", r)
		}
	}
}

func TestLinearWorldSizeOne(t *testing.T) {
	const (
		inSize  = 4
		outSize = 6
	)
	ctx := context.Background()
	x := randDense(5, 2, inSize)

	pg := comm.NewLocalGroup(1)[0]
	tk := rng.NewTracker(66)
	col, err := NewColumnParallelLinear(pg, tk, inSize, outSize, WithKeepMaster())
	if err != nil {
		t.Fatal(err)
	}
	got, err := col.Forward(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	want := denseLinear(x, col.MasterWeight(), nil)
	if !tensor.EqualApprox(got, want, 1e-12) {
		t.Error("world size 1 column linear differs from dense")
	}

	row, err := NewRowParallelLinear(pg, tk, inSize, outSize, WithKeepMaster())
	if err != nil {
		t.Fatal(err)
	}
	got, err = row.Forward(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	want = denseLinear(x, row.MasterWeight(), nil)
	if !tensor.EqualApprox(got, want, 1e-12) {
		t.Error("world size 1 row linear differs from dense")
	}
}

func TestLinearForwardIdempotent(t *testing.T) {
	const ws = 2
	ctx := context.Background()
	x := randDense(4, 2, 4)

	first := make([]*tensor.Dense, ws)
	second := make([]*tensor.Dense, ws)
	runRanks(t, ws, func(pg comm.ProcessGroup) error {
		tk := rng.NewTracker(2)
		lin, err := NewColumnParallelLinear(pg, tk, 4, 6)
		if err != nil {
			return err
		}
		if first[pg.Rank()], err = lin.Forward(ctx, x.Clone()); err != nil {
			return err
		}
		second[pg.Rank()], err = lin.Forward(ctx, x.Clone())
		return err
	})
	for r := 0; r < ws; r++ {
		if !tensor.EqualApprox(first[r], second[r], 0) {
			t.Errorf("rank %d: repeated forward changed the result", r)
		}
	}
}

func TestLinearParameters(t *testing.T) {
	pg := comm.NewLocalGroup(1)[0]
	tk := rng.NewTracker(1)

	withBias, err := NewColumnParallelLinear(pg, tk, 4, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(withBias.Parameters()) != 2 {
		t.Errorf("expected weight+bias, got %d params", len(withBias.Parameters()))
	}

	noBias, err := NewColumnParallelLinear(pg, tk, 4, 6, WithoutBias())
	if err != nil {
		t.Fatal(err)
	}
	if len(noBias.Parameters()) != 1 {
		t.Errorf("expected weight only, got %d params", len(noBias.Parameters()))
	}

	// Bias shards start zeroed.
	for _, v := range withBias.Parameters()[1].Data() {
		if v != 0 {
			t.Error("bias should initialize to zero")
		}
	}
}
