package operations

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOperationNotFound is returned by Retrieve when no operation matches a definition.
var ErrOperationNotFound = errors.New("operation not found in registry")

// OperationRegistry resolves untyped operations from their definitions. Continuations carry
// only a Definition; the registry turns it back into executable code.
type OperationRegistry struct {
	mu  sync.RWMutex
	ops []*Operation[any, any, any]
}

// NewOperationRegistry returns an OperationRegistry holding ops.
func NewOperationRegistry(ops ...*Operation[any, any, any]) *OperationRegistry {
	return &OperationRegistry{
		ops: ops,
	}
}

// Retrieve returns the operation matching the ID and version of def.
func (s *OperationRegistry) Retrieve(def Definition) (*Operation[any, any, any], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, op := range s.ops {
		if op.ID() == def.ID && def.Version != nil && op.Version() == def.Version.String() {
			return op, nil
		}
	}

	return nil, fmt.Errorf("%s@%v: %w", def.ID, def.Version, ErrOperationNotFound)
}

// Definitions returns the definitions of the registered operations.
func (s *OperationRegistry) Definitions() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]Definition, 0, len(s.ops))
	for _, op := range s.ops {
		defs = append(defs, op.Def())
	}

	return defs
}

// RegisterOperation adds ops to the registry. Call it once per input, output and dependency type
// combination.
func RegisterOperation[I, O, D any](r *OperationRegistry, op ...*Operation[I, O, D]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range op {
		r.ops = append(r.ops, o.AsUntyped())
	}
}
