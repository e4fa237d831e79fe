// Package multisig describes the multisig contract the factory deploys: its member and
// threshold configuration, the init call payload and the pre-built contract artifact.
//
// The contract's own confirmation logic is opaque here.
package multisig

import (
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/smartcontractkit/multisig-factory/chain"
)

// DefaultInitMethod is the init entry point of the multisig contract.
const DefaultInitMethod = "new"

// CodeHash is the base58 encoded sha256 of contract code.
type CodeHash string

// HashCode returns the CodeHash of code.
func HashCode(code []byte) CodeHash {
	return CodeHash(chain.CodeHash(code))
}

// Artifact is the pre-built multisig contract binary and its init signature.
type Artifact struct {
	Name       string          `json:"name"`
	Version    *semver.Version `json:"version"`
	InitMethod string          `json:"initMethod"`
	Code       []byte          `json:"-"`
	hash       CodeHash
}

// NewArtifact returns an Artifact for code.
func NewArtifact(name string, version *semver.Version, code []byte) (Artifact, error) {
	if len(code) == 0 {
		return Artifact{}, errors.New("contract code is empty")
	}
	if version == nil {
		return Artifact{}, errors.New("artifact version is required")
	}

	return Artifact{
		Name:       name,
		Version:    version,
		InitMethod: DefaultInitMethod,
		Code:       code,
		hash:       HashCode(code),
	}, nil
}

// LoadArtifact reads the contract binary at path.
func LoadArtifact(path string, version string) (Artifact, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact version %q: %w", version, err)
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}

	return NewArtifact("multisig", v, code)
}

// Hash returns the code hash the platform reports once the code is deployed. It is computed
// from Code when the Artifact was not built by NewArtifact.
func (a Artifact) Hash() CodeHash {
	if a.hash == "" {
		return HashCode(a.Code)
	}

	return a.hash
}

// Size returns the code size in bytes.
func (a Artifact) Size() uint64 { return uint64(len(a.Code)) }

// String implements fmt.Stringer.
func (a Artifact) String() string {
	return fmt.Sprintf("%s@%s (%s)", a.Name, a.Version, a.Hash())
}
