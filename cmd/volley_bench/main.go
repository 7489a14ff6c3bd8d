package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/parallel"
	"github.com/23skdu/longbow-volley/internal/rng"
)

var (
	vocabSize    = flag.Int("vocab", 2048, "Vocabulary size")
	embeddingDim = flag.Int("dim", 128, "Embedding dimension")
	hiddenDim    = flag.Int("hidden", 512, "Hidden dimension of the fused MLP")
	numClasses   = flag.Int("classes", 512, "Number of output classes")
	batchSize    = flag.Int("batch", 16, "Per-rank batch size")
	iterations   = flag.Int("iters", 10, "Timed forward passes per world size")
	seed         = flag.Uint64("seed", 1234, "Shared init seed")
)

func main() {
	flag.Parse()
	logger.Setup("error", "console")

	worldSizes := []int{1, 2, 4, 8}

	fmt.Printf("Forward pass benchmark: vocab=%d dim=%d hidden=%d classes=%d batch=%d iters=%d\n",
		*vocabSize, *embeddingDim, *hiddenDim, *numClasses, *batchSize, *iterations)
	fmt.Printf("%-12s %-14s %-14s %-14s\n", "world_size", "init", "per_forward", "global_batch")

	for _, ws := range worldSizes {
		if *vocabSize%ws != 0 || *embeddingDim%ws != 0 || *hiddenDim%ws != 0 || *numClasses%ws != 0 {
			fmt.Printf("%-12d skipped (dims not divisible)\n", ws)
			continue
		}
		initTime, fwdTime, err := benchWorldSize(ws)
		if err != nil {
			log.Fatalf("world size %d failed: %v", ws, err)
		}
		fmt.Printf("%-12d %-14v %-14v %-14d\n", ws, initTime.Round(time.Microsecond),
			fwdTime.Round(time.Microsecond), *batchSize**iterations*ws)
	}
}

// benchWorldSize times pipeline construction and the mean forward
// latency across ranks for one in-process group.
func benchWorldSize(ws int) (initTime, fwdTime time.Duration, err error) {
	groups := comm.NewLocalGroup(ws)
	errs := make([]error, ws)
	inits := make([]time.Duration, ws)
	fwds := make([]time.Duration, ws)

	var wg sync.WaitGroup
	for r := 0; r < ws; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			inits[r], fwds[r], errs[r] = benchRank(groups[r])
		}(r)
	}
	wg.Wait()

	for r := 0; r < ws; r++ {
		if errs[r] != nil {
			return 0, 0, errs[r]
		}
		initTime += inits[r]
		fwdTime += fwds[r]
	}
	return initTime / time.Duration(ws), fwdTime / time.Duration(ws), nil
}

func benchRank(pg comm.ProcessGroup) (initTime, fwdTime time.Duration, err error) {
	ctx := context.Background()
	tk := rng.NewTracker(*seed)

	start := time.Now()
	emb, err := parallel.NewVocabParallelEmbedding(pg, tk, *vocabSize, *embeddingDim)
	if err != nil {
		return 0, 0, err
	}
	up, err := parallel.NewColumnParallelLinear(pg, tk, *embeddingDim, *hiddenDim,
		parallel.WithoutBias(), parallel.WithGatherOutput(false))
	if err != nil {
		return 0, 0, err
	}
	down, err := parallel.NewRowParallelLinear(pg, tk, *hiddenDim, *embeddingDim,
		parallel.WithInputParallel())
	if err != nil {
		return 0, 0, err
	}
	head, err := parallel.NewArcFaceLinear(pg, tk, *embeddingDim, *numClasses)
	if err != nil {
		return 0, 0, err
	}
	initTime = time.Since(start)

	data := rand.New(rand.NewPCG(*seed, uint64(pg.Rank())+1))
	ids := make([]int64, *batchSize)
	labels := make([]int64, *batchSize)

	var total time.Duration
	for iter := 0; iter < *iterations; iter++ {
		for i := range ids {
			ids[i] = int64(data.IntN(*vocabSize))
			labels[i] = int64(data.IntN(*numClasses))
		}
		start = time.Now()
		x, err := emb.Forward(ctx, ids)
		if err != nil {
			return 0, 0, err
		}
		h, err := up.Forward(ctx, x)
		if err != nil {
			return 0, 0, err
		}
		y, err := down.Forward(ctx, h)
		if err != nil {
			return 0, 0, err
		}
		if _, _, err := head.Forward(ctx, y, labels); err != nil {
			return 0, 0, err
		}
		total += time.Since(start)
	}
	return initTime, total / time.Duration(*iterations), nil
}
