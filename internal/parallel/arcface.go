package parallel

import (
	"context"
	"math"
	"time"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/rng"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// ArcFaceLinear is a class-sharded classification head with an
// additive angular margin on the true-class cosine. The class weight
// is column-sharded like ColumnParallelLinear; the batch and its
// labels are gathered across ranks first, because the rank that
// produced a sample's embedding is in general not the rank that owns
// that sample's true-class weight column.
//
// Bias and output gathering default off.
type ArcFaceLinear struct {
	pg comm.ProcessGroup

	embeddingSize          int
	numClasses             int
	outputSizePerPartition int
	classStart, classEnd   int
	gatherOutput           bool

	scale     float64
	margin    float64
	cosM      float64
	sinM      float64
	mm        float64
	threshold float64

	weight *tensor.Dense
	bias   *tensor.Dense
	master *tensor.Dense
}

func NewArcFaceLinear(pg comm.ProcessGroup, tk *rng.Tracker,
	embeddingSize, numClasses int, opts ...Option) (*ArcFaceLinear, error) {

	o := applyOptions(layerOptions{margin: 0.50, scale: 30.0}, opts)

	perPartition, err := Divide(numClasses, pg.WorldSize())
	if err != nil {
		return nil, err
	}
	start, end := VocabRangeFromPerPartitionVocabSize(perPartition, pg.Rank(), pg.WorldSize())

	l := &ArcFaceLinear{
		pg:                     pg,
		embeddingSize:          embeddingSize,
		numClasses:             numClasses,
		outputSizePerPartition: perPartition,
		classStart:             start,
		classEnd:               end,
		gatherOutput:           o.gatherOutput,
		scale:                  o.scale,
		margin:                 o.margin,
		cosM:                   math.Cos(o.margin),
		sinM:                   math.Sin(o.margin),
		mm:                     math.Sin(o.margin) * o.margin,
		threshold:              math.Cos(math.Pi - o.margin),
		weight:                 tensor.New(perPartition, embeddingSize),
	}
	if o.bias {
		l.bias = tensor.New(1, perPartition)
	}

	l.master, err = InitializeAffineWeight(pg, tk, l.weight,
		numClasses, embeddingSize, perPartition, 0,
		o.init, o.stride, o.keepMaster)
	if err != nil {
		return nil, err
	}

	logger.ForRank(pg.Rank(), pg.WorldSize()).Debug("arcface linear ready",
		"embedding_size", embeddingSize, "num_classes", numClasses,
		"class_start", start, "class_end", end,
		"margin", o.margin, "scale", o.scale)
	return l, nil
}

func (l *ArcFaceLinear) Parameters() []*tensor.Dense {
	if l.bias != nil {
		return []*tensor.Dense{l.weight, l.bias}
	}
	return []*tensor.Dense{l.weight}
}

// ClassRange returns the [start, end) class index range this rank owns.
func (l *ArcFaceLinear) ClassRange() (int, int) {
	return l.classStart, l.classEnd
}

// MasterWeight returns the full class weight when built with
// WithKeepMaster.
func (l *ArcFaceLinear) MasterWeight() *tensor.Dense { return l.master }

// Forward returns the scaled margin logits for the gathered batch and
// the gathered labels. Downstream loss computation must use the
// returned labels: they are the batch-dim concatenation across ranks,
// not the caller's local slice.
//
// Only the (sample, class) positions whose true class this rank owns
// get the margin; every other entry is plain scaled cosine. A label
// outside [0, numClasses) is owned by no rank and passes through
// unadjusted.
func (l *ArcFaceLinear) Forward(ctx context.Context, embeddings *tensor.Dense, labels []int64) (*tensor.Dense, []int64, error) {
	defer func(start time.Time) {
		metrics.RecordForward("arcface_linear", time.Since(start))
	}(time.Now())

	emb, err := l.pg.GatherConcat(ctx, embeddings, 0)
	if err != nil {
		return nil, nil, err
	}
	allLabels, err := l.pg.GatherInts(ctx, labels)
	if err != nil {
		return nil, nil, err
	}

	cos := tensor.MatMulT(emb, tensor.NormalizeRows(l.weight))
	if l.bias != nil {
		cos.AddRowVec(l.bias.Row(0))
	}
	cos.Clamp(-1, 1) // numerical stability

	adjusted, fallback := 0, 0
	for i, label := range allLabels {
		if label < int64(l.classStart) || label >= int64(l.classEnd) {
			continue
		}
		j := int(label) - l.classStart
		c := cos.At(i, j)
		var cM float64
		if c <= l.threshold {
			// Outside the monotonic range of cos(θ+m): fall
			// back to the additive form.
			cM = c - l.mm
			fallback++
		} else {
			cM = c*l.cosM - math.Sqrt(1-c*c)*l.sinM
		}
		cos.Set(i, j, cM)
		adjusted++
	}
	metrics.RecordMargin(adjusted, fallback)

	cos.Scale(l.scale)

	if l.gatherOutput {
		cos, err = l.pg.GatherConcat(ctx, cos, 1)
		if err != nil {
			return nil, nil, err
		}
	}
	return cos, allLabels, nil
}
