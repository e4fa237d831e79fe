// Package optest provides utilities for operations testing.
package optest

import (
	"testing"

	"github.com/smartcontractkit/multisig-factory/operations"
	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

// NewBundle returns a Bundle with a test logger and a MemoryReporter.
func NewBundle(t *testing.T, opts ...operations.BundleOption) operations.Bundle {
	t.Helper()

	return operations.NewBundle(t.Context, logger.Test(t), operations.NewMemoryReporter(), opts...)
}
