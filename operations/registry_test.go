package operations

import (
	"context"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

func Test_OperationRegistry_Retrieve(t *testing.T) {
	t.Parallel()

	stringOp := NewOperation("string-op", semver.MustParse("1.0.0"), "echo string",
		func(b Bundle, deps OpDeps, input string) (string, error) {
			return input, nil
		})
	intOp := NewOperation("int-op", semver.MustParse("1.0.0"), "echo int",
		func(b Bundle, deps OpDeps, input int) (int, error) {
			return input, nil
		})

	registry := NewOperationRegistry(stringOp.AsUntyped())
	RegisterOperation(registry, intOp)

	tests := []struct {
		name    string
		def     Definition
		input   any
		want    any
		wantErr error
	}{
		{name: "string op", def: stringOp.Def(), input: "hello", want: "hello"},
		{name: "int op", def: intOp.Def(), input: 42, want: 42},
		{
			name:    "unknown version",
			def:     Definition{ID: "int-op", Version: semver.MustParse("2.0.0")},
			wantErr: ErrOperationNotFound,
		},
		{
			name:    "missing version",
			def:     Definition{ID: "int-op"},
			wantErr: ErrOperationNotFound,
		},
		{
			name:    "unknown id",
			def:     Definition{ID: "other", Version: semver.MustParse("1.0.0")},
			wantErr: ErrOperationNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			op, err := registry.Retrieve(tt.def)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			b := NewBundle(context.Background, logger.Nop(), NewMemoryReporter(), WithOperationRegistry(registry))
			res, err := ExecuteOperation(b, op, OpDeps{}, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output)
		})
	}

	assert.Equal(t, []Definition{stringOp.Def(), intOp.Def()}, registry.Definitions())
}
