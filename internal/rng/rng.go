// Package rng provides named deterministic generator streams for
// weight initialization. Every rank constructs a Tracker from the same
// base seed, so a master weight regenerated independently on each rank
// comes out identical before it is sliced into shards.
package rng

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// ModelParallelStream is the stream affine weight initialization runs
// under. Data-parallel collaborators would fork their own streams.
const ModelParallelStream = "model-parallel"

type Tracker struct {
	mu      sync.Mutex
	seed    uint64
	streams map[string]*rand.Rand
}

// NewTracker creates a tracker with the model parallel stream already
// registered.
func NewTracker(seed uint64) *Tracker {
	t := &Tracker{
		seed:    seed,
		streams: make(map[string]*rand.Rand),
	}
	t.streams[ModelParallelStream] = rand.New(rand.NewPCG(seed, 0))
	return t
}

// Fork registers a new named stream seeded from the base seed and the
// given offset. Registering an existing name is an error; streams are
// never re-seeded once created.
func (t *Tracker) Fork(name string, offset uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[name]; ok {
		return fmt.Errorf("rng: stream %q already exists", name)
	}
	t.streams[name] = rand.New(rand.NewPCG(t.seed, offset))
	return nil
}

// With acquires the named stream, runs fn with it, and releases the
// stream on every exit path including panic. The state advance made by
// fn persists in the tracker, and no other goroutine can observe the
// stream mid-fn, which is what keeps lockstep ranks bit-identical.
func (t *Tracker) With(name string, fn func(r *rand.Rand)) error {
	t.mu.Lock()
	r, ok := t.streams[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("rng: unknown stream %q", name)
	}
	defer t.mu.Unlock()
	fn(r)
	return nil
}
