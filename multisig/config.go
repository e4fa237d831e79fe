package multisig

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyMembers        = errors.New("members must not be empty")
	ErrDuplicateMember     = errors.New("duplicate member")
	ErrThresholdOutOfRange = errors.New("num_confirmations must be between 1 and the number of members")
	ErrInvalidMember       = errors.New("invalid member")
)

// ConfigError names the invariant a multisig configuration violated.
type ConfigError struct {
	// Invariant is one of the sentinel errors above.
	Invariant error
	Detail    string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return e.Invariant.Error()
	}

	return fmt.Sprintf("%s: %s", e.Invariant, e.Detail)
}

// Unwrap returns the violated invariant.
func (e *ConfigError) Unwrap() error { return e.Invariant }

// ValidateConfig checks the member list and confirmation threshold before any funds move:
// members is non-empty, free of duplicate identities and well formed, and
// 1 <= numConfirmations <= len(members). It is a pure function.
func ValidateConfig(members []Member, numConfirmations uint64) error {
	if len(members) == 0 {
		return &ConfigError{Invariant: ErrEmptyMembers}
	}

	seen := make(map[string]int, len(members))
	for i, m := range members {
		id, err := m.identity()
		if err != nil {
			return &ConfigError{Invariant: ErrInvalidMember, Detail: fmt.Sprintf("member %d: %v", i, err)}
		}
		if first, dup := seen[id]; dup {
			return &ConfigError{
				Invariant: ErrDuplicateMember,
				Detail:    fmt.Sprintf("member %d repeats member %d (%s)", i, first, m),
			}
		}
		seen[id] = i
	}

	if numConfirmations < 1 || numConfirmations > uint64(len(members)) {
		return &ConfigError{
			Invariant: ErrThresholdOutOfRange,
			Detail:    fmt.Sprintf("got %d with %d members", numConfirmations, len(members)),
		}
	}

	return nil
}

// InitArgs are the arguments of the multisig contract's init entry point.
type InitArgs struct {
	Members          []Member `json:"members"`
	NumConfirmations uint64   `json:"num_confirmations"`
}

// Encode returns the JSON argument payload of the init call.
func (a InitArgs) Encode() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode init args: %w", err)
	}

	return b, nil
}

// DecodeInitArgs parses an init call payload.
func DecodeInitArgs(b []byte) (InitArgs, error) {
	var a InitArgs
	if err := json.Unmarshal(b, &a); err != nil {
		return InitArgs{}, fmt.Errorf("decode init args: %w", err)
	}

	return a, nil
}
