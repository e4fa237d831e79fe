package operations

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// IsSerializable reports whether v survives a JSON round trip without losing data. Values holding
// functions, channels or unexported struct fields are not serializable unless their type
// implements json.Marshaler or encoding.TextMarshaler.
func IsSerializable(lggr logger.Logger, v any) bool {
	return isValueSerializable(lggr, reflect.ValueOf(v))
}

func isValueSerializable(lggr logger.Logger, v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	if implementsMarshaler(v.Type()) {
		return true
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		lggr.Debugw("Value is not serializable", "type", v.Type().String())

		return false
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return true
		}

		return isValueSerializable(lggr, v.Elem())
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			field := t.Field(i)
			if !field.IsExported() {
				lggr.Debugw("Struct has an unexported field", "type", t.String(), "field", field.Name)

				return false
			}
			if !isValueSerializable(lggr, v.Field(i)) {
				return false
			}
		}

		return true
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			if !isValueSerializable(lggr, v.Index(i)) {
				return false
			}
		}

		return true
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !isValueSerializable(lggr, iter.Key()) || !isValueSerializable(lggr, iter.Value()) {
				return false
			}
		}

		return true
	default:
		return true
	}
}

func implementsMarshaler(t reflect.Type) bool {
	pt := reflect.PointerTo(t)

	return t.Implements(jsonMarshalerType) || pt.Implements(jsonMarshalerType) ||
		t.Implements(textMarshalerType) || pt.Implements(textMarshalerType)
}

// constructUniqueHashFrom returns the sha256 of the JSON encoding of def and input. Two
// executions with equal hashes are the same execution.
func constructUniqueHashFrom(cache *sync.Map, cacheKey string, def Definition, input any) (string, error) {
	if cacheKey != "" {
		if h, ok := cache.Load(cacheKey); ok {
			return h.(string), nil
		}
	}

	// Input is round tripped through JSON first so that typed values and values loaded back as
	// map[string]any hash the same.
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	var normalized any
	if err = json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("unmarshal input: %w", err)
	}

	b, err := json.Marshal(struct {
		Def   Definition `json:"def"`
		Input any        `json:"input"`
	}{def, normalized})
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	sum := sha256.Sum256(b)
	h := hex.EncodeToString(sum[:])

	if cacheKey != "" {
		cache.Store(cacheKey, h)
	}

	return h, nil
}
