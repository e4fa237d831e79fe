package operations

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

// Bundle carries what a step handler needs: the logger, the context accessor, the reporter that
// records step results and the registry used to resolve steps by definition.
// Use NewBundle to create a Bundle.
type Bundle struct {
	Logger     logger.Logger
	GetContext func() context.Context
	reporter   Reporter
	// sha256 of previous reports keyed by report id.
	reportHashCache   *sync.Map
	labels            map[string]string
	OperationRegistry *OperationRegistry
}

// BundleOption configures a Bundle.
type BundleOption func(*Bundle)

// WithOperationRegistry sets the OperationRegistry of the Bundle.
func WithOperationRegistry(registry *OperationRegistry) BundleOption {
	return func(b *Bundle) {
		b.OperationRegistry = registry
	}
}

// NewBundle returns a new Bundle.
func NewBundle(getContext func() context.Context, lggr logger.Logger, reporter Reporter, opts ...BundleOption) Bundle {
	b := Bundle{
		Logger:            lggr,
		GetContext:        getContext,
		reporter:          reporter,
		reportHashCache:   &sync.Map{},
		OperationRegistry: NewOperationRegistry(),
	}
	for _, opt := range opts {
		opt(&b)
	}

	return b
}

// WithLabel returns a copy of the Bundle whose reports carry the label key=value. Labels are
// stamped on every report produced through the returned Bundle and its sequences, and are also
// attached to its logger.
func (b Bundle) WithLabel(key, value string) Bundle {
	labels := make(map[string]string, len(b.labels)+1)
	maps.Copy(labels, b.labels)
	labels[key] = value
	b.labels = labels
	if b.Logger != nil {
		b.Logger = b.Logger.With(key, value)
	}

	return b
}

// Labels returns the labels of the Bundle.
func (b Bundle) Labels() map[string]string {
	return maps.Clone(b.labels)
}

// Reporter returns the Reporter of the Bundle.
func (b Bundle) Reporter() Reporter { return b.reporter }

// OperationHandler is the function signature of an operation handler.
type OperationHandler[IN, OUT, DEP any] func(b Bundle, deps DEP, input IN) (output OUT, err error)

// Definition identifies an operation or a sequence. Two operations with the same Definition are
// the same operation.
type Definition struct {
	ID          string          `json:"id"`
	Version     *semver.Version `json:"version"`
	Description string          `json:"description"`
}

// Operation is a single step with at most one side effect, such as submitting one receipt.
// Use NewOperation to create one.
type Operation[IN, OUT, DEP any] struct {
	def     Definition
	handler OperationHandler[IN, OUT, DEP]
}

// ID returns the operation ID.
func (o *Operation[IN, OUT, DEP]) ID() string {
	return o.def.ID
}

// Version returns the operation version.
func (o *Operation[IN, OUT, DEP]) Version() string {
	return o.def.Version.String()
}

// Description returns the operation description.
func (o *Operation[IN, OUT, DEP]) Description() string {
	return o.def.Description
}

// Def returns the operation definition.
func (o *Operation[IN, OUT, DEP]) Def() Definition {
	return o.def
}

func (o *Operation[IN, OUT, DEP]) execute(b Bundle, deps DEP, input IN) (OUT, error) {
	b.Logger.Infow("Executing operation",
		"id", o.def.ID, "version", o.def.Version, "description", o.def.Description)

	return o.handler(b, deps, input)
}

// AsUntyped converts the operation to one taking and returning any. The typed handler is still
// called; mismatched inputs or dependencies fail at execution.
func (o *Operation[IN, OUT, DEP]) AsUntyped() *Operation[any, any, any] {
	return &Operation[any, any, any]{
		def: o.def,
		handler: func(b Bundle, deps any, input any) (any, error) {
			var typedInput IN
			if input != nil {
				var ok bool
				if typedInput, ok = input.(IN); !ok {
					return nil, errors.New("input type mismatch")
				}
			}

			var typedDeps DEP
			if deps != nil {
				var ok bool
				if typedDeps, ok = deps.(DEP); !ok {
					return nil, errors.New("dependencies type mismatch")
				}
			}

			return o.handler(b, typedDeps, typedInput)
		},
	}
}

// NewOperation returns a new operation.
func NewOperation[IN, OUT, DEP any](
	id string, version *semver.Version, description string, handler OperationHandler[IN, OUT, DEP],
) *Operation[IN, OUT, DEP] {
	return &Operation[IN, OUT, DEP]{
		def: Definition{
			ID:          id,
			Version:     version,
			Description: description,
		},
		handler: handler,
	}
}
