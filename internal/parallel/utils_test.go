package parallel

import (
	"errors"
	"testing"
)

func TestDivide(t *testing.T) {
	got, err := Divide(12, 3)
	if err != nil {
		t.Fatalf("Divide(12, 3): %v", err)
	}
	if got != 4 {
		t.Errorf("Divide(12, 3) = %d, want 4", got)
	}

	_, err = Divide(10, 3)
	if err == nil {
		t.Fatal("Divide(10, 3) should fail")
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}

	if _, err := Divide(10, 0); err == nil {
		t.Error("Divide by zero should fail")
	}
}

func TestVocabRangeTiling(t *testing.T) {
	const globalSize = 64

	for _, worldSize := range []int{1, 2, 4, 8} {
		covered := make([]bool, globalSize)
		prevEnd := 0
		for rank := 0; rank < worldSize; rank++ {
			start, end, err := VocabRangeFromGlobalVocabSize(globalSize, rank, worldSize)
			if err != nil {
				t.Fatalf("world %d rank %d: %v", worldSize, rank, err)
			}
			if start != prevEnd {
				t.Errorf("world %d rank %d: range starts at %d, want %d (gap or overlap)",
					worldSize, rank, start, prevEnd)
			}
			if end-start != globalSize/worldSize {
				t.Errorf("world %d rank %d: partition size %d, want %d",
					worldSize, rank, end-start, globalSize/worldSize)
			}
			for i := start; i < end; i++ {
				if covered[i] {
					t.Fatalf("world %d: index %d covered twice", worldSize, i)
				}
				covered[i] = true
			}
			prevEnd = end
		}
		if prevEnd != globalSize {
			t.Errorf("world %d: ranges end at %d, want %d", worldSize, prevEnd, globalSize)
		}
	}
}

func TestVocabRangeNotDivisible(t *testing.T) {
	if _, _, err := VocabRangeFromGlobalVocabSize(10, 0, 3); err == nil {
		t.Error("expected error for ragged partition")
	}
}

func TestVocabRangeFromPerPartition(t *testing.T) {
	start, end := VocabRangeFromPerPartitionVocabSize(16, 3, 4)
	if start != 48 || end != 64 {
		t.Errorf("got [%d, %d), want [48, 64)", start, end)
	}
}
