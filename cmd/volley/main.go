package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/parallel"
	"github.com/23skdu/longbow-volley/internal/rng"
)

var (
	transportFlag = flag.String("transport", "local", "Process group transport: local or flight")
	rankFlag      = flag.Int("rank", 0, "This process's rank (flight transport)")
	worldSize     = flag.Int("world-size", 2, "Number of model parallel ranks")
	peersFlag     = flag.String("peers", "", "Comma-separated rank addresses (flight transport)")

	vocabSize    = flag.Int("vocab", 512, "Vocabulary size")
	embeddingDim = flag.Int("dim", 64, "Embedding dimension")
	hiddenDim    = flag.Int("hidden", 256, "Hidden dimension of the fused MLP")
	numClasses   = flag.Int("classes", 128, "Number of output classes")
	batchSize    = flag.Int("batch", 8, "Per-rank batch size")

	margin = flag.Float64("margin", 0.50, "Angular margin m")
	scale  = flag.Float64("scale", 30.0, "Logit scale s")
	seed   = flag.Uint64("seed", 1234, "Shared init seed (must match on every rank)")

	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics (empty to disable)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	transport, err := config.ParseTransport(*transportFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Config{
		Transport:    transport,
		Rank:         *rankFlag,
		WorldSize:    *worldSize,
		VocabSize:    *vocabSize,
		EmbeddingDim: *embeddingDim,
		HiddenDim:    *hiddenDim,
		NumClasses:   *numClasses,
		BatchSize:    *batchSize,
		Margin:       *margin,
		Scale:        *scale,
		Seed:         *seed,
		LogLevel:     *logLevel,
		LogFormat:    *logFormat,
		MetricsAddr:  *metricsAddr,
	}
	if *peersFlag != "" {
		cfg.Peers = strings.Split(*peersFlag, ",")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				logger.Log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx := context.Background()

	switch cfg.Transport {
	case config.TransportFlight:
		pg, err := comm.NewFlightGroup(ctx, comm.FlightConfig{Rank: cfg.Rank, Peers: cfg.Peers})
		if err != nil {
			logger.Log.Error("flight group setup failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if err := runRank(ctx, pg, cfg); err != nil {
			logger.ForRank(cfg.Rank, cfg.WorldSize).Error("forward pass failed", "error", err)
			os.Exit(1)
		}
	default:
		// Local transport: every rank is a goroutine in this process.
		groups := comm.NewLocalGroup(cfg.WorldSize)
		errs := make([]error, cfg.WorldSize)
		var wg sync.WaitGroup
		for r := 0; r < cfg.WorldSize; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				errs[r] = runRank(ctx, groups[r], cfg)
			}(r)
		}
		wg.Wait()
		for r, err := range errs {
			if err != nil {
				logger.ForRank(r, cfg.WorldSize).Error("forward pass failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runRank builds the sharded pipeline and runs one forward pass:
// vocab-sharded embedding, fused column-row MLP, margin head.
func runRank(ctx context.Context, pg comm.ProcessGroup, cfg config.Config) error {
	log := logger.ForRank(pg.Rank(), pg.WorldSize())
	tk := rng.NewTracker(cfg.Seed)

	emb, err := parallel.NewVocabParallelEmbedding(pg, tk, cfg.VocabSize, cfg.EmbeddingDim)
	if err != nil {
		return err
	}
	up, err := parallel.NewColumnParallelLinear(pg, tk, cfg.EmbeddingDim, cfg.HiddenDim,
		parallel.WithoutBias(), parallel.WithGatherOutput(false))
	if err != nil {
		return err
	}
	down, err := parallel.NewRowParallelLinear(pg, tk, cfg.HiddenDim, cfg.EmbeddingDim,
		parallel.WithInputParallel())
	if err != nil {
		return err
	}
	head, err := parallel.NewArcFaceLinear(pg, tk, cfg.EmbeddingDim, cfg.NumClasses,
		parallel.WithMargin(cfg.Margin), parallel.WithScale(cfg.Scale))
	if err != nil {
		return err
	}

	// Synthetic batch. The data stream is forked per rank so each
	// rank contributes different samples, the way a sharded data
	// loader would.
	data := rand.New(rand.NewPCG(cfg.Seed, uint64(pg.Rank())+1))
	ids := make([]int64, cfg.BatchSize)
	labels := make([]int64, cfg.BatchSize)
	for i := range ids {
		ids[i] = int64(data.IntN(cfg.VocabSize))
		labels[i] = int64(data.IntN(cfg.NumClasses))
	}

	start := time.Now()
	x, err := emb.Forward(ctx, ids)
	if err != nil {
		return err
	}
	h, err := up.Forward(ctx, x)
	if err != nil {
		return err
	}
	y, err := down.Forward(ctx, h)
	if err != nil {
		return err
	}
	logits, allLabels, err := head.Forward(ctx, y, labels)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	classStart, classEnd := head.ClassRange()
	log.Info("forward pass complete",
		"batch", logits.Rows(),
		"logit_shard_width", logits.Cols(),
		"class_start", classStart,
		"class_end", classEnd,
		"labels", len(allLabels),
		"elapsed", elapsed.String(),
		"params", countParams(emb, up, down, head),
	)
	return nil
}

func countParams(layers ...parallel.Layer) int {
	n := 0
	for _, l := range layers {
		for _, p := range l.Parameters() {
			n += len(p.Data())
		}
	}
	return n
}
