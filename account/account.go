// Package account implements the platform account-id grammar and the derivation of factory
// sub-account ids.
package account

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinLength is the shortest account id accepted by the platform.
	MinLength = 2
	// MaxLength is the longest account id accepted by the platform.
	MaxLength = 64
	// MaxFactoryIDLength bounds the factory's own id so that useful labels still fit under
	// MaxLength once the factory suffix is appended.
	MaxFactoryIDLength = 23
	// Separator joins a label to its parent account id.
	Separator = "."
)

var (
	// ErrInvalidFormat is returned when an account id or label uses characters or a layout the
	// platform grammar rejects.
	ErrInvalidFormat = errors.New("invalid account format")
	// ErrTooLong is returned when a composed account id exceeds MaxLength.
	ErrTooLong = errors.New("account id too long")
)

// accountIDPattern is the platform account-id grammar: dot separated parts of lowercase
// alphanumerics, each optionally joined by single '-' or '_'.
var accountIDPattern = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// ID is a platform account id.
type ID string

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// Validate checks id against the platform grammar and length limits.
func (id ID) Validate() error {
	if len(id) > MaxLength {
		return &NameError{Name: string(id), Err: ErrTooLong}
	}
	if len(id) < MinLength || !accountIDPattern.MatchString(string(id)) {
		return &NameError{Name: string(id), Err: ErrInvalidFormat}
	}

	return nil
}

// IsSubAccountOf reports whether id is a direct sub-account of parent.
func (id ID) IsSubAccountOf(parent ID) bool {
	label, ok := strings.CutSuffix(string(id), Separator+string(parent))

	return ok && label != "" && !strings.Contains(label, Separator)
}

// ParseID parses and validates an account id.
func ParseID(s string) (ID, error) {
	id := ID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}

	return id, nil
}

// NameError describes why a name was rejected. It wraps ErrInvalidFormat or ErrTooLong.
type NameError struct {
	Name   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *NameError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %q: %s", e.Err, e.Name, e.Reason)
	}

	return fmt.Sprintf("%s %q", e.Err, e.Name)
}

// Unwrap returns the sentinel error.
func (e *NameError) Unwrap() error { return e.Err }

// ValidateName validates a proposed sub-account label and returns the canonical sub-account id
// "<label>.<factory>". The label must not be pre-qualified: sub-accounts are composed here.
// ValidateName has no side effects.
func ValidateName(proposedName string, factory ID) (ID, error) {
	if proposedName == "" {
		return "", &NameError{Name: proposedName, Reason: "name is empty", Err: ErrInvalidFormat}
	}
	if strings.Contains(proposedName, Separator) {
		return "", &NameError{Name: proposedName, Reason: "name must not contain a separator", Err: ErrInvalidFormat}
	}
	for _, r := range proposedName {
		if !isLabelRune(r) {
			return "", &NameError{
				Name:   proposedName,
				Reason: fmt.Sprintf("character %q is not allowed", r),
				Err:    ErrInvalidFormat,
			}
		}
	}

	full := ID(proposedName + Separator + string(factory))
	if len(full) > MaxLength {
		return "", &NameError{
			Name:   string(full),
			Reason: fmt.Sprintf("%d characters exceeds the limit of %d", len(full), MaxLength),
			Err:    ErrTooLong,
		}
	}
	if !accountIDPattern.MatchString(string(full)) {
		return "", &NameError{Name: proposedName, Reason: "'-' and '_' must join alphanumerics", Err: ErrInvalidFormat}
	}

	return full, nil
}

func isLabelRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}
