package operations

import (
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

type textOnly struct{ v string }

func (t textOnly) MarshalText() ([]byte, error) { return []byte(t.v), nil }

func Test_IsSerializable(t *testing.T) {
	t.Parallel()

	type nested struct {
		Name  string
		Inner *struct{ secret int }
	}

	tests := []struct {
		name string
		v    any
		want bool
	}{
		{name: "nil", v: nil, want: true},
		{name: "int", v: 1, want: true},
		{name: "exported struct", v: OpInput{A: 1}, want: true},
		{name: "semver pointer", v: semver.MustParse("1.2.3"), want: true},
		{name: "time", v: time.Unix(0, 0), want: true},
		{name: "text marshaler with private field", v: textOnly{v: "x"}, want: true},
		{name: "func", v: func() {}, want: false},
		{name: "chan", v: make(chan int), want: false},
		{name: "nil pointer to private struct", v: nested{Name: "a"}, want: true},
		{name: "pointer to private struct", v: nested{Inner: &struct{ secret int }{1}}, want: false},
		{name: "slice with func", v: []any{1, func() {}}, want: false},
		{name: "map of structs", v: map[string]OpInput{"a": {A: 1}}, want: true},
		{name: "map with chan value", v: map[string]any{"c": make(chan int)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, IsSerializable(logger.Nop(), tt.v))
		})
	}
}

func Test_constructUniqueHashFrom(t *testing.T) {
	t.Parallel()

	def := Definition{ID: "op", Version: semver.MustParse("1.0.0")}
	cache := &sync.Map{}

	typed, err := constructUniqueHashFrom(cache, "", def, OpInput{A: 1, B: 2})
	require.NoError(t, err)
	untyped, err := constructUniqueHashFrom(cache, "r-1", def, map[string]any{"B": 2.0, "A": 1.0})
	require.NoError(t, err)
	assert.Equal(t, typed, untyped)

	cached, ok := cache.Load("r-1")
	require.True(t, ok)
	assert.Equal(t, untyped, cached)

	other, err := constructUniqueHashFrom(cache, "", Definition{ID: "op", Version: semver.MustParse("1.0.1")}, OpInput{A: 1, B: 2})
	require.NoError(t, err)
	assert.NotEqual(t, typed, other)

	_, err = constructUniqueHashFrom(cache, "", def, func() {})
	require.Error(t, err)
}
