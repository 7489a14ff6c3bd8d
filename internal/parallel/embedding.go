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

// VocabParallelEmbedding shards the embedding table along the
// vocabulary dimension: each rank owns the rows for a contiguous id
// range [vocabStart, vocabEnd).
type VocabParallelEmbedding struct {
	pg comm.ProcessGroup

	numEmbeddings             int
	embeddingDim              int
	numEmbeddingsPerPartition int
	vocabStart, vocabEnd      int

	weight *tensor.Dense
	master *tensor.Dense
}

func NewVocabParallelEmbedding(pg comm.ProcessGroup, tk *rng.Tracker,
	numEmbeddings, embeddingDim int, opts ...Option) (*VocabParallelEmbedding, error) {

	o := applyOptions(layerOptions{}, opts)

	start, end, err := VocabRangeFromGlobalVocabSize(numEmbeddings, pg.Rank(), pg.WorldSize())
	if err != nil {
		return nil, err
	}

	e := &VocabParallelEmbedding{
		pg:                        pg,
		numEmbeddings:             numEmbeddings,
		embeddingDim:              embeddingDim,
		numEmbeddingsPerPartition: end - start,
		vocabStart:                start,
		vocabEnd:                  end,
		weight:                    tensor.New(end-start, embeddingDim),
	}
	e.master, err = InitializeAffineWeight(pg, tk, e.weight,
		numEmbeddings, embeddingDim, e.numEmbeddingsPerPartition, 0,
		o.init, 1, o.keepMaster)
	if err != nil {
		return nil, err
	}

	logger.ForRank(pg.Rank(), pg.WorldSize()).Debug("vocab parallel embedding ready",
		"vocab_size", numEmbeddings, "dim", embeddingDim,
		"vocab_start", start, "vocab_end", end)
	return e, nil
}

func (e *VocabParallelEmbedding) Parameters() []*tensor.Dense {
	return []*tensor.Dense{e.weight}
}

// VocabRange returns the [start, end) id range this rank owns.
func (e *VocabParallelEmbedding) VocabRange() (int, int) {
	return e.vocabStart, e.vocabEnd
}

// MasterWeight returns the full embedding table when the layer was
// built with WithKeepMaster, else nil.
func (e *VocabParallelEmbedding) MasterWeight() *tensor.Dense { return e.master }

// Forward looks up ids against the local shard, contributing zero rows
// for ids owned by other ranks, and sum-reduces so every rank ends up
// with the complete (len(ids), embeddingDim) result. Ids outside
// [0, numEmbeddings) are owned by no rank and come back as zero rows.
func (e *VocabParallelEmbedding) Forward(ctx context.Context, ids []int64) (*tensor.Dense, error) {
	defer func(start time.Time) {
		metrics.RecordForward("vocab_parallel_embedding", time.Since(start))
	}(time.Now())

	out := tensor.New(len(ids), e.embeddingDim)
	for i, id := range ids {
		if id < int64(e.vocabStart) || id >= int64(e.vocabEnd) {
			continue // masked: row stays zero, some other rank owns it
		}
		copy(out.Row(i), e.weight.Row(int(id)-e.vocabStart))
	}
	return e.pg.ReduceSum(ctx, out)
}

// ParallelEmbedding shards the embedding table along the feature
// dimension: every rank holds the full vocabulary at a partial width.
type ParallelEmbedding struct {
	pg comm.ProcessGroup

	numEmbeddings            int
	embeddingDim             int
	embeddingDimPerPartition int

	weight *tensor.Dense
	master *tensor.Dense
}

func NewParallelEmbedding(pg comm.ProcessGroup, tk *rng.Tracker,
	numEmbeddings, embeddingDim int, opts ...Option) (*ParallelEmbedding, error) {

	o := applyOptions(layerOptions{}, opts)

	perPartition, err := Divide(embeddingDim, pg.WorldSize())
	if err != nil {
		return nil, err
	}

	e := &ParallelEmbedding{
		pg:                       pg,
		numEmbeddings:            numEmbeddings,
		embeddingDim:             embeddingDim,
		embeddingDimPerPartition: perPartition,
		weight:                   tensor.New(numEmbeddings, perPartition),
	}
	e.master, err = InitializeAffineWeight(pg, tk, e.weight,
		numEmbeddings, embeddingDim, perPartition, 1,
		o.init, 1, o.keepMaster)
	if err != nil {
		return nil, err
	}

	logger.ForRank(pg.Rank(), pg.WorldSize()).Debug("parallel embedding ready",
		"vocab_size", numEmbeddings, "dim", embeddingDim, "dim_per_partition", perPartition)
	return e, nil
}

func (e *ParallelEmbedding) Parameters() []*tensor.Dense {
	return []*tensor.Dense{e.weight}
}

// MasterWeight returns the full table when built with WithKeepMaster.
func (e *ParallelEmbedding) MasterWeight() *tensor.Dense { return e.master }

// Forward broadcast-copies the ids so every rank works on the same
// input, looks up the partial-width rows locally, and gathers along
// the feature dimension back to the full embedding width.
func (e *ParallelEmbedding) Forward(ctx context.Context, ids []int64) (*tensor.Dense, error) {
	defer func(start time.Time) {
		metrics.RecordForward("parallel_embedding", time.Since(start))
	}(time.Now())

	ids, err := e.pg.BroadcastInts(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := tensor.New(len(ids), e.embeddingDimPerPartition)
	for i, id := range ids {
		copy(out.Row(i), e.weight.Row(int(id)))
	}
	return e.pg.GatherConcat(ctx, out, 1)
}
