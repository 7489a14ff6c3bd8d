package comm

import (
	"context"
	"fmt"
	"sync"
)

// hub is the rendezvous point shared by all ranks of an in-process
// group. One collective round is in flight at a time: ranks arrive,
// deposit payloads, the last arrival flips the round to draining, and
// the round resets once every rank has picked up the result.
//
// An op-name mismatch between ranks poisons the hub permanently; that
// is the in-process stand-in for the deadlock a real transport would
// produce on divergent collective order.
type hub struct {
	mu   sync.Mutex
	cond *sync.Cond

	worldSize int
	seq       uint64

	draining bool
	op       string
	parts    [][]byte
	arrived  int
	departed int

	err error // poisoned forever once set
}

func newHub(worldSize int) *hub {
	h := &hub{worldSize: worldSize}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *hub) allGather(rank int, op string, payload []byte) ([][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Wait out the tail of the previous round.
	for h.draining && h.err == nil {
		h.cond.Wait()
	}
	if h.err != nil {
		return nil, &TransportError{Op: op, Rank: rank, Seq: h.seq, Err: h.err}
	}

	if h.arrived == 0 {
		h.op = op
		h.parts = make([][]byte, h.worldSize)
	} else if h.op != op {
		h.err = fmt.Errorf("collective order mismatch: %q vs %q", h.op, op)
		h.cond.Broadcast()
		return nil, &TransportError{Op: op, Rank: rank, Seq: h.seq, Err: h.err}
	}

	h.parts[rank] = payload
	h.arrived++

	if h.arrived == h.worldSize {
		h.draining = true
		h.cond.Broadcast()
	} else {
		for !h.draining && h.err == nil {
			h.cond.Wait()
		}
	}
	if h.err != nil {
		return nil, &TransportError{Op: op, Rank: rank, Seq: h.seq, Err: h.err}
	}

	result := h.parts

	h.departed++
	if h.departed == h.worldSize {
		h.seq++
		h.arrived = 0
		h.departed = 0
		h.draining = false
		h.cond.Broadcast()
	}
	return result, nil
}

// localTransport is one rank's view of a hub.
type localTransport struct {
	r  int
	ws int
	h  *hub
}

func (t *localTransport) rank() int      { return t.r }
func (t *localTransport) worldSize() int { return t.ws }
func (t *localTransport) close() error   { return nil }

func (t *localTransport) allGather(ctx context.Context, op string, payload []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: op, Rank: t.r, Err: err}
	}
	return t.h.allGather(t.r, op, payload)
}

// NewLocalGroup builds an in-process group of worldSize ranks sharing
// one hub. The caller runs one goroutine per rank (SPMD) and hands
// each goroutine its own ProcessGroup.
func NewLocalGroup(worldSize int) []ProcessGroup {
	if worldSize <= 0 {
		panic(fmt.Sprintf("comm: invalid world size %d", worldSize))
	}
	h := newHub(worldSize)
	out := make([]ProcessGroup, worldSize)
	for r := 0; r < worldSize; r++ {
		out[r] = &group{tr: &localTransport{r: r, ws: worldSize, h: h}}
	}
	return out
}
