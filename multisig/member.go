package multisig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/smartcontractkit/multisig-factory/account"
)

// KeyType is the curve of a public key.
type KeyType string

const (
	ED25519   KeyType = "ed25519"
	SECP256K1 KeyType = "secp256k1"
)

// keyLengths is the decoded length of a public key per curve.
var keyLengths = map[KeyType]int{
	ED25519:   32,
	SECP256K1: 64,
}

// ErrInvalidPublicKey is returned for keys that do not decode to a supported curve point length.
var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKey is a decoded "<curve>:<base58>" public key.
type PublicKey struct {
	Type KeyType
	Data []byte
}

// ParsePublicKey parses a public key. A key without a curve prefix is ed25519.
func ParsePublicKey(s string) (PublicKey, error) {
	curve, encoded, found := strings.Cut(s, ":")
	if !found {
		curve, encoded = string(ED25519), s
	}

	want, ok := keyLengths[KeyType(curve)]
	if !ok {
		return PublicKey{}, fmt.Errorf("%w %q: unknown curve %q", ErrInvalidPublicKey, s, curve)
	}
	data, err := base58.Decode(encoded)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w %q: %w", ErrInvalidPublicKey, s, err)
	}
	if len(data) != want {
		return PublicKey{}, fmt.Errorf("%w %q: %s keys are %d bytes, got %d", ErrInvalidPublicKey, s, curve, want, len(data))
	}

	return PublicKey{Type: KeyType(curve), Data: data}, nil
}

// String returns the canonical "<curve>:<base58>" form.
func (k PublicKey) String() string {
	return string(k.Type) + ":" + base58.Encode(k.Data)
}

// MemberKind tells which variant of a Member is populated.
type MemberKind string

const (
	MemberAccount   MemberKind = "account_id"
	MemberPublicKey MemberKind = "public_key"
)

// Member is a multisig member: either an account id or a public key, never both.
type Member struct {
	AccountID account.ID `json:"account_id,omitempty"`
	PublicKey string     `json:"public_key,omitempty"`
}

// AccountMember returns a member identified by account id.
func AccountMember(id account.ID) Member { return Member{AccountID: id} }

// KeyMember returns a member identified by public key.
func KeyMember(pk string) Member { return Member{PublicKey: pk} }

// Kind returns the populated variant, or "" when the member is malformed.
func (m Member) Kind() MemberKind {
	switch {
	case m.AccountID != "" && m.PublicKey == "":
		return MemberAccount
	case m.PublicKey != "" && m.AccountID == "":
		return MemberPublicKey
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (m Member) String() string {
	switch m.Kind() {
	case MemberAccount:
		return "account_id:" + m.AccountID.String()
	case MemberPublicKey:
		return "public_key:" + m.PublicKey
	default:
		return "invalid member"
	}
}

// identity returns a canonical identity used to detect duplicates. Keys are compared by their
// decoded form so that "ed25519:X" and "X" are the same member.
func (m Member) identity() (string, error) {
	switch m.Kind() {
	case MemberAccount:
		if err := m.AccountID.Validate(); err != nil {
			return "", err
		}

		return string(MemberAccount) + "/" + string(m.AccountID), nil
	case MemberPublicKey:
		pk, err := ParsePublicKey(m.PublicKey)
		if err != nil {
			return "", err
		}

		return string(MemberPublicKey) + "/" + pk.String(), nil
	default:
		return "", errors.New("exactly one of account_id and public_key must be set")
	}
}

// UnmarshalJSON rejects members with both or neither variant populated.
func (m *Member) UnmarshalJSON(b []byte) error {
	type plain Member
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if Member(p).Kind() == "" {
		return fmt.Errorf("member %s: exactly one of account_id and public_key must be set", b)
	}
	*m = Member(p)

	return nil
}
