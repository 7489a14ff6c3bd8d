package parallel

import (
	"sync"
	"testing"

	"github.com/23skdu/longbow-volley/internal/comm"
)

// runRanks executes fn SPMD style, one goroutine per rank over a fresh
// local group, and fails the test on any rank error.
func runRanks(t *testing.T, worldSize int, fn func(pg comm.ProcessGroup) error) {
	t.Helper()
	groups := comm.NewLocalGroup(worldSize)
	errs := make([]error, worldSize)

	var wg sync.WaitGroup
	for r := 0; r < worldSize; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(groups[r])
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
}
