package parallel

import (
	"math/rand/v2"
	"time"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/rng"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// InitializeAffineWeight fills the local shard of a (outputSize,
// inputSize) weight. Every rank regenerates the full master weight
// under the tracker's model parallel stream — identical everywhere as
// long as all ranks share the tracker seed — then takes its own chunks
// along partitionDim (0 = output rows, 1 = input columns).
//
// With stride > 1 the master is cut into worldSize*stride chunks and
// rank r takes chunks r, r+worldSize, ..., which keeps fused or
// grouped weight layouts aligned across ranks.
//
// Returns the master weight when returnMaster is set (nil otherwise).
func InitializeAffineWeight(pg comm.ProcessGroup, tk *rng.Tracker, weight *tensor.Dense,
	outputSize, inputSize, perPartitionSize, partitionDim int,
	init tensor.InitFunc, stride int, returnMaster bool) (*tensor.Dense, error) {

	start := time.Now()
	defer func() {
		metrics.RecordShardInit(len(weight.Data()), time.Since(start))
	}()

	// Single rank: no partitioning work, init the shard directly.
	if pg.WorldSize() == 1 {
		if err := tk.With(rng.ModelParallelStream, func(r *rand.Rand) {
			init(r, weight)
		}); err != nil {
			return nil, err
		}
		if returnMaster {
			return weight, nil
		}
		return nil, nil
	}

	master := tensor.New(outputSize, inputSize)
	if err := tk.With(rng.ModelParallelStream, func(r *rand.Rand) {
		init(r, master)
	}); err != nil {
		return nil, err
	}

	perStride, err := Divide(perPartitionSize, stride)
	if err != nil {
		return nil, err
	}
	if _, err := Divide(master.Dim(partitionDim), perStride); err != nil {
		return nil, err
	}

	chunks := tensor.SplitDim(master, partitionDim, perStride)
	var mine []*tensor.Dense
	for i := pg.Rank(); i < len(chunks); i += pg.WorldSize() {
		mine = append(mine, chunks[i])
	}
	shard := tensor.Concat(mine, partitionDim)

	if shard.Rows() != weight.Rows() || shard.Cols() != weight.Cols() {
		return nil, &ShapeError{
			Got:  [2]int{shard.Rows(), shard.Cols()},
			Want: [2]int{weight.Rows(), weight.Cols()},
		}
	}
	copy(weight.Data(), shard.Data())

	if returnMaster {
		return master, nil
	}
	return nil, nil
}
