package parallel

import "github.com/23skdu/longbow-volley/internal/tensor"

// Layer is the capability every sharded layer exposes besides its
// typed Forward method: enumerating the parameter tensors it owns, for
// the external optimizer. Each tensor is exclusively owned by this
// rank; cross-shard information only ever flows through collectives.
type Layer interface {
	Parameters() []*tensor.Dense
}
