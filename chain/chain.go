// Package chain defines the platform primitives the factory depends on: receipts of native
// account actions, their asynchronous outcomes, and the continuations that carry a saga from
// one step to the next.
//
// The platform itself is an external collaborator. chain/memory provides an in-process
// implementation.
package chain

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/ledger"
)

var (
	// ErrAccountNotFound is returned by ViewAccount for unknown accounts.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance is returned by Submit when the predecessor cannot cover the deposits
	// attached to a receipt.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ActionKind identifies a native action.
type ActionKind string

const (
	KindCreateAccount  ActionKind = "CreateAccount"
	KindTransfer       ActionKind = "Transfer"
	KindDeployContract ActionKind = "DeployContract"
	KindFunctionCall   ActionKind = "FunctionCall"
	KindDeleteAccount  ActionKind = "DeleteAccount"
)

// Action is one native operation applied to the receiver of a receipt.
type Action interface {
	Kind() ActionKind
}

// CreateAccount creates the receiver account. Only the parent account may create it.
type CreateAccount struct{}

// Transfer moves Deposit from the predecessor to the receiver.
type Transfer struct {
	Deposit ledger.Amount
}

// DeployContract installs Code on the receiver.
type DeployContract struct {
	Code []byte
}

// FunctionCall invokes Method on the receiver's contract with JSON Args, attaching Deposit.
type FunctionCall struct {
	Method  string
	Args    []byte
	Deposit ledger.Amount
}

// DeleteAccount deletes the receiver and sends its whole balance to Beneficiary.
type DeleteAccount struct {
	Beneficiary account.ID
}

func (CreateAccount) Kind() ActionKind  { return KindCreateAccount }
func (Transfer) Kind() ActionKind       { return KindTransfer }
func (DeployContract) Kind() ActionKind { return KindDeployContract }
func (FunctionCall) Kind() ActionKind   { return KindFunctionCall }
func (DeleteAccount) Kind() ActionKind  { return KindDeleteAccount }

// AttachedDeposit returns the sum of the deposits carried by actions.
func AttachedDeposit(actions []Action) (ledger.Amount, error) {
	total := ledger.Zero()
	for _, a := range actions {
		var d ledger.Amount
		switch a := a.(type) {
		case Transfer:
			d = a.Deposit
		case FunctionCall:
			d = a.Deposit
		default:
			continue
		}
		var err error
		if total, err = total.Add(d); err != nil {
			return ledger.Amount{}, err
		}
	}

	return total, nil
}

// Continuation is a callback into Receiver issued once the receipt it is attached to has been
// finalized. It is pure data: everything needed to resume lives in Data.
type Continuation struct {
	Receiver account.ID
	Data     []byte
	Gas      ledger.Gas
}

// Receipt is a batch of actions applied atomically to Receiver: either every action applies or
// none does, in which case attached deposits are returned to Predecessor.
type Receipt struct {
	// ID is assigned by the platform on submission.
	ID string
	// Signer is the account that signed the original transaction and pays for gas.
	Signer      account.ID
	Predecessor account.ID
	Receiver    account.ID
	Actions     []Action
	// Gas is the gas attached to execute the actions.
	Gas ledger.Gas
	// Then, if set, is delivered after the receipt is finalized, whatever its status.
	Then *Continuation
}

// Status is the final status of a receipt.
type Status int

const (
	StatusSuccess Status = iota + 1
	StatusFailure
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is what a continuation receives: the result of the receipt it was attached to.
type Outcome struct {
	ReceiptID string
	Signer    account.ID
	Receiver  account.ID
	Status    Status
	// Failure describes why the receipt failed.
	Failure string
	// GasBurnt is the gas consumed by the receipt.
	GasBurnt ledger.Gas
	// Refunded is the deposit returned to the predecessor after a failure.
	Refunded ledger.Amount
	// Data is the continuation payload.
	Data []byte
}

// Succeeded reports whether the receipt applied.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Envelope is the transaction envelope of an inbound call: who called, the deposit attached to
// the call (already credited to the callee) and the gas prepaid for the whole call chain.
type Envelope struct {
	Signer      account.ID
	Predecessor account.ID
	Receiver    account.ID
	Deposit     ledger.Amount
	PrepaidGas  ledger.Gas
}

// AccountView is the public state of an account.
type AccountView struct {
	ID           account.ID
	Amount       ledger.Amount
	CodeHash     string
	StorageUsage uint64
}

// Platform is the subset of the chain the factory drives.
type Platform interface {
	// Submit enqueues a receipt for asynchronous execution and returns its id. Deposits are
	// taken from the predecessor immediately.
	Submit(ctx context.Context, r Receipt) (string, error)
	// ViewAccount returns the current state of an account, or ErrAccountNotFound.
	ViewAccount(ctx context.Context, id account.ID) (AccountView, error)
	// StorageCost returns the balance an account must hold for its current storage.
	StorageCost(ctx context.Context, id account.ID) (ledger.Amount, error)
}

// Handler receives continuations addressed to an account.
type Handler interface {
	OnOutcome(ctx context.Context, o Outcome) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, o Outcome) error

// OnOutcome calls f.
func (f HandlerFunc) OnOutcome(ctx context.Context, o Outcome) error { return f(ctx, o) }

// CodeHash returns the base58 encoded sha256 of contract code, the form in which the platform
// reports deployed code.
func CodeHash(code []byte) string {
	sum := sha256.Sum256(code)

	return base58.Encode(sum[:])
}
