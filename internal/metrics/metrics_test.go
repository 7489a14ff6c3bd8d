package metrics

import (
	"testing"
	"time"
)

func TestRecordCollective(t *testing.T) {
	// Verify the helpers exist and don't panic
	RecordCollective("reduce_sum", 4096, 2*time.Millisecond)
	RecordCollective("gather_concat", 8192, 5*time.Millisecond)
	RecordCollective("broadcast_copy", 1024, time.Millisecond)
}

func TestRecordCollectiveError(t *testing.T) {
	RecordCollectiveError("reduce_sum")
	RecordCollectiveError("scatter_split")
}

func TestRecordForward(t *testing.T) {
	RecordForward("column_parallel_linear", 3*time.Millisecond)
	RecordForward("vocab_parallel_embedding", time.Millisecond)
	RecordForward("arcface_linear", 7*time.Millisecond)
}

func TestRecordShardInit(t *testing.T) {
	RecordShardInit(1024*512, 20*time.Millisecond)
	RecordShardInit(16, time.Microsecond)
}

func TestRecordMargin(t *testing.T) {
	RecordMargin(3, 1)
	RecordMargin(0, 0) // zero counts must not add
}
