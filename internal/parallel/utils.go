// Package parallel implements model parallel layers: embeddings and
// linear projections whose weight matrices are sharded across the
// ranks of a comm.ProcessGroup, plus an additive angular margin
// classification head over a class-sharded weight.
//
// Partitioning is always exact: a dimension that does not divide
// evenly by the world size is a construction-time error, never a
// ragged shard.
package parallel

import "fmt"

// ConfigurationError reports an invalid partitioning configuration.
// It is raised at construction and is fatal; nothing retries it.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "parallel configuration: " + e.Reason
}

// ShapeError reports a shard whose assembled shape does not match its
// declared partition shape. Construction-time fatal.
type ShapeError struct {
	Got, Want [2]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("parallel shard shape (%d, %d) != declared (%d, %d)",
		e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}

// Divide returns numerator/denominator, failing if the division leaves
// a remainder.
func Divide(numerator, denominator int) (int, error) {
	if denominator <= 0 {
		return 0, &ConfigurationError{Reason: fmt.Sprintf("invalid denominator %d", denominator)}
	}
	if numerator%denominator != 0 {
		return 0, &ConfigurationError{Reason: fmt.Sprintf("%d is not divisible by %d", numerator, denominator)}
	}
	return numerator / denominator, nil
}

// VocabRangeFromPerPartitionVocabSize returns the [start, end) index
// range rank owns, given the already-computed per-partition size.
func VocabRangeFromPerPartitionVocabSize(perPartitionSize, rank, worldSize int) (int, int) {
	start := rank * perPartitionSize
	return start, start + perPartitionSize
}

// VocabRangeFromGlobalVocabSize returns the [start, end) index range
// rank owns out of globalSize entries split evenly across worldSize.
func VocabRangeFromGlobalVocabSize(globalSize, rank, worldSize int) (int, int, error) {
	per, err := Divide(globalSize, worldSize)
	if err != nil {
		return 0, 0, err
	}
	start, end := VocabRangeFromPerPartitionVocabSize(per, rank, worldSize)
	return start, end, nil
}
