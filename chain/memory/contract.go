package memory

import (
	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/ledger"
)

// Call is a function call executed against a deployed contract.
type Call struct {
	Account     account.ID
	Predecessor account.ID
	Method      string
	Args        []byte
	Deposit     ledger.Amount
	// GasLimit is the gas left in the receipt when the call starts.
	GasLimit ledger.Gas
}

// CallResult reports the resources a call consumed.
type CallResult struct {
	GasUsed ledger.Gas
	// StateBytes is the storage the call added to the account.
	StateBytes uint64
}

// Contract is executable code bound to a code hash. Calls run under the runtime lock and must
// not call back into the Runtime.
type Contract interface {
	Call(c Call) (CallResult, error)
}

// ContractFunc adapts a function to Contract.
type ContractFunc func(c Call) (CallResult, error)

// Call calls f.
func (f ContractFunc) Call(c Call) (CallResult, error) { return f(c) }
