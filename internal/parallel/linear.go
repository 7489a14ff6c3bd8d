package parallel

import (
	"context"
	"time"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/rng"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// ColumnParallelLinear computes y = x @ W^T + b with W sharded along
// its output dimension: rank r holds rows [r*per, (r+1)*per) of W and
// the matching bias slice. With gather off, forward returns the raw
// partial y_r, which a RowParallelLinear with parallel input consumes
// directly — the standard two-layer fusion that skips one collective.
type ColumnParallelLinear struct {
	pg comm.ProcessGroup

	inputSize              int
	outputSize             int
	outputSizePerPartition int
	gatherOutput           bool

	weight *tensor.Dense
	bias   *tensor.Dense // (1, outputSizePerPartition) or nil
	master *tensor.Dense
}

func NewColumnParallelLinear(pg comm.ProcessGroup, tk *rng.Tracker,
	inputSize, outputSize int, opts ...Option) (*ColumnParallelLinear, error) {

	o := applyOptions(layerOptions{bias: true, gatherOutput: true}, opts)

	perPartition, err := Divide(outputSize, pg.WorldSize())
	if err != nil {
		return nil, err
	}

	l := &ColumnParallelLinear{
		pg:                     pg,
		inputSize:              inputSize,
		outputSize:             outputSize,
		outputSizePerPartition: perPartition,
		gatherOutput:           o.gatherOutput,
		weight:                 tensor.New(perPartition, inputSize),
	}
	if o.bias {
		// Bias starts at zero; it is sharded like the output.
		l.bias = tensor.New(1, perPartition)
	}

	l.master, err = InitializeAffineWeight(pg, tk, l.weight,
		outputSize, inputSize, perPartition, 0,
		o.init, o.stride, o.keepMaster)
	if err != nil {
		return nil, err
	}

	logger.ForRank(pg.Rank(), pg.WorldSize()).Debug("column parallel linear ready",
		"input_size", inputSize, "output_size", outputSize,
		"output_per_partition", perPartition, "gather_output", o.gatherOutput)
	return l, nil
}

func (l *ColumnParallelLinear) Parameters() []*tensor.Dense {
	if l.bias != nil {
		return []*tensor.Dense{l.weight, l.bias}
	}
	return []*tensor.Dense{l.weight}
}

// OutputSizePerPartition is the width of the un-gathered partial output.
func (l *ColumnParallelLinear) OutputSizePerPartition() int { return l.outputSizePerPartition }

// MasterWeight returns the full weight when built with WithKeepMaster.
func (l *ColumnParallelLinear) MasterWeight() *tensor.Dense { return l.master }

func (l *ColumnParallelLinear) Forward(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	defer func(start time.Time) {
		metrics.RecordForward("column_parallel_linear", time.Since(start))
	}(time.Now())

	xp, err := l.pg.BroadcastCopy(ctx, x)
	if err != nil {
		return nil, err
	}
	y := tensor.MatMulT(xp, l.weight)
	if l.bias != nil {
		y.AddRowVec(l.bias.Row(0))
	}
	if !l.gatherOutput {
		return y, nil
	}
	return l.pg.GatherConcat(ctx, y, 1)
}

// RowParallelLinear computes y = x @ W^T + b with W sharded along its
// input dimension: rank r holds columns [r*per, (r+1)*per) of W and
// sees only the matching slice of x. Partial products are sum-reduced
// and the full-size bias is added exactly once, after the reduction.
type RowParallelLinear struct {
	pg comm.ProcessGroup

	inputSize             int
	outputSize            int
	inputSizePerPartition int
	inputIsParallel       bool

	weight *tensor.Dense
	bias   *tensor.Dense // (1, outputSize) or nil; unsharded
	master *tensor.Dense
}

func NewRowParallelLinear(pg comm.ProcessGroup, tk *rng.Tracker,
	inputSize, outputSize int, opts ...Option) (*RowParallelLinear, error) {

	o := applyOptions(layerOptions{bias: true}, opts)

	perPartition, err := Divide(inputSize, pg.WorldSize())
	if err != nil {
		return nil, err
	}

	l := &RowParallelLinear{
		pg:                    pg,
		inputSize:             inputSize,
		outputSize:            outputSize,
		inputSizePerPartition: perPartition,
		inputIsParallel:       o.inputIsParallel,
		weight:                tensor.New(outputSize, perPartition),
	}
	if o.bias {
		l.bias = tensor.New(1, outputSize)
	}

	l.master, err = InitializeAffineWeight(pg, tk, l.weight,
		outputSize, inputSize, perPartition, 1,
		o.init, o.stride, o.keepMaster)
	if err != nil {
		return nil, err
	}

	logger.ForRank(pg.Rank(), pg.WorldSize()).Debug("row parallel linear ready",
		"input_size", inputSize, "output_size", outputSize,
		"input_per_partition", perPartition, "input_is_parallel", o.inputIsParallel)
	return l, nil
}

func (l *RowParallelLinear) Parameters() []*tensor.Dense {
	if l.bias != nil {
		return []*tensor.Dense{l.weight, l.bias}
	}
	return []*tensor.Dense{l.weight}
}

// MasterWeight returns the full weight when built with WithKeepMaster.
func (l *RowParallelLinear) MasterWeight() *tensor.Dense { return l.master }

func (l *RowParallelLinear) Forward(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	defer func(start time.Time) {
		metrics.RecordForward("row_parallel_linear", time.Since(start))
	}(time.Now())

	xp := x
	if !l.inputIsParallel {
		var err error
		xp, err = l.pg.ScatterSplit(ctx, x, 1)
		if err != nil {
			return nil, err
		}
	}
	y, err := l.pg.ReduceSum(ctx, tensor.MatMulT(xp, l.weight))
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		y.AddRowVec(l.bias.Row(0))
	}
	return y, nil
}
