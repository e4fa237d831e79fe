// Package ledger is the accounting guard of the factory. It computes the balance a new
// sub-account needs to host the multisig contract, how much of an attached deposit is
// refundable, and whether the prepaid gas of an invocation covers the whole step chain.
//
// Every function in this package is pure.
package ledger

import (
	"errors"
	"fmt"
)

// Gas is an amount of platform compute units.
type Gas uint64

// TeraGas is 10^12 gas.
const TeraGas Gas = 1_000_000_000_000

// String formats gas in Tgas when it is a whole multiple.
func (g Gas) String() string {
	if g%TeraGas == 0 {
		return fmt.Sprintf("%d Tgas", g/TeraGas)
	}

	return fmt.Sprintf("%d gas", uint64(g))
}

var (
	// ErrInsufficientDeposit is returned when the attached deposit cannot cover the minimum
	// viable balance of the new sub-account.
	ErrInsufficientDeposit = errors.New("insufficient deposit")
	// ErrGasBudget is returned when the prepaid gas cannot cover every step of the chain plus the
	// reconciliation callback. It is a configuration error and is never retried.
	ErrGasBudget = errors.New("gas budget exceeds prepaid gas")
)

// ComputeRefund returns max(0, attached - required).
func ComputeRefund(attached, required Amount) Amount {
	return attached.SaturatingSub(required)
}

// StoragePolicy prices the storage a sub-account must stake to host the contract.
type StoragePolicy struct {
	// ByteCost is the balance locked per byte of account storage.
	ByteCost Amount `mapstructure:"byte_cost" yaml:"byte_cost"`
	// AccountBaseBytes is the storage charged for an empty account record and its keys.
	AccountBaseBytes uint64 `mapstructure:"account_base_bytes" yaml:"account_base_bytes"`
	// InitStateBytes is the estimated contract state written by the init call.
	InitStateBytes uint64 `mapstructure:"init_state_bytes" yaml:"init_state_bytes"`
	// MinAttachedBalance is a floor under the computed storage cost.
	MinAttachedBalance Amount `mapstructure:"min_attached_balance" yaml:"min_attached_balance"`
}

// StorageCost returns the balance that must be locked for the given number of storage bytes.
func (p StoragePolicy) StorageCost(bytes uint64) (Amount, error) {
	cost, err := p.ByteCost.MulUint64(bytes)
	if err != nil {
		return Amount{}, fmt.Errorf("storage cost of %d bytes: %w", bytes, err)
	}

	return cost, nil
}

// RequiredBalance returns the minimum viable balance of a sub-account hosting codeSize bytes of
// contract code: the estimated storage stake, never less than MinAttachedBalance.
func (p StoragePolicy) RequiredBalance(codeSize uint64) (Amount, error) {
	cost, err := p.StorageCost(p.AccountBaseBytes + codeSize + p.InitStateBytes)
	if err != nil {
		return Amount{}, err
	}

	return Max(cost, p.MinAttachedBalance), nil
}

// CheckDeposit validates that attached covers required and returns the part of the deposit
// above required, which becomes the new contract's spendable balance.
func CheckDeposit(attached, required Amount) (Amount, error) {
	if attached.Cmp(required) < 0 {
		return Amount{}, fmt.Errorf("%w: attached %s, required %s", ErrInsufficientDeposit, attached, required)
	}

	return ComputeRefund(attached, required), nil
}

// GasBudget is the static gas reservation of each part of the deployment chain.
type GasBudget struct {
	CreateAccount Gas `mapstructure:"create_account" yaml:"create_account"`
	Transfer      Gas `mapstructure:"transfer" yaml:"transfer"`
	Deploy        Gas `mapstructure:"deploy" yaml:"deploy"`
	Init          Gas `mapstructure:"init" yaml:"init"`
	// Callback is reserved for every continuation back into the factory, one per step.
	Callback Gas `mapstructure:"callback" yaml:"callback"`
	// Compensation is reserved for the worst case rollback: account deletion and a refund.
	Compensation Gas `mapstructure:"compensation" yaml:"compensation"`
	// Compensations is the largest number of receipts a rollback submits. Each one is followed by
	// a continuation, so Callback is reserved once more per compensation.
	Compensations int `mapstructure:"-" yaml:"-"`
}

// Steps is the number of chained steps, each followed by one continuation.
const Steps = 4

// Total returns the gas the whole chain may consume.
func (b GasBudget) Total() Gas {
	return b.CreateAccount + b.Transfer + b.Deploy + b.Init + Steps*b.Callback +
		b.Compensation + Gas(b.Compensations)*b.Callback
}

// Validate checks that every step has a reservation and that the sum fits in prepaid.
func (b GasBudget) Validate(prepaid Gas) error {
	if b.CreateAccount == 0 || b.Transfer == 0 || b.Deploy == 0 || b.Init == 0 || b.Callback == 0 || b.Compensation == 0 {
		return fmt.Errorf("%w: every step needs a non-zero reservation", ErrGasBudget)
	}
	if total := b.Total(); total > prepaid {
		return fmt.Errorf("%w: chain needs %s, prepaid %s", ErrGasBudget, total, prepaid)
	}

	return nil
}

// Record is the accounting outcome of a terminal saga.
type Record struct {
	// RequiredStorageCost is the measured storage stake of the sub-account, zero on rollback.
	RequiredStorageCost Amount `json:"requiredStorageCost"`
	// RefundableAmount is returned to the caller. Zero on commit.
	RefundableAmount Amount `json:"refundableAmount"`
}
