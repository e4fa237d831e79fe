package factory

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/ledger"
	"github.com/smartcontractkit/multisig-factory/multisig"
)

// Phase is the last platform effect of a deployment confirmed by a continuation.
type Phase int

const (
	// PhasePending is the zero value: the record exists, nothing is confirmed yet.
	PhasePending Phase = iota
	PhaseCreated
	PhaseFunded
	PhaseCodeDeployed
	PhaseInitialized
	PhaseCommitted
	PhaseRolledBack
)

var phaseNames = map[Phase]string{
	PhasePending:      "pending",
	PhaseCreated:      "created",
	PhaseFunded:       "funded",
	PhaseCodeDeployed: "code_deployed",
	PhaseInitialized:  "initialized",
	PhaseCommitted:    "committed",
	PhaseRolledBack:   "rolled_back",
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}

	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if _, ok := phaseNames[p]; !ok {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}

	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for phase, name := range phaseNames {
		if name == string(b) {
			*p = phase
			return nil
		}
	}

	return fmt.Errorf("unknown phase %q", b)
}

// Status tells whether a saga still expects continuations.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusDone         Status = "done"
	// StatusCompensationFailed marks a saga whose rollback did not complete. Funds may be
	// stranded and the record is kept until an operator resolves it.
	StatusCompensationFailed Status = "compensation_failed"
)

// CompensationAction is a native action undoing part of a failed deployment.
type CompensationAction string

const (
	// CompensateDeleteAccount deletes the sub-account, sending its balance to the beneficiary.
	CompensateDeleteAccount CompensationAction = "delete_account"
	// CompensateRefund transfers what the factory still holds of the deposit back to the caller.
	CompensateRefund CompensationAction = "refund"
)

// CompensationStatus is the progress of one compensation.
type CompensationStatus string

const (
	CompensationPending CompensationStatus = "pending"
	CompensationDone    CompensationStatus = "done"
	CompensationFailed  CompensationStatus = "failed"
)

// Compensation is one planned compensation of a rollback.
type Compensation struct {
	Action CompensationAction `json:"action"`
	// Amount is the part of the deposit the action returns to the caller.
	Amount    ledger.Amount      `json:"amount"`
	ReceiptID string             `json:"receipt_id,omitempty"`
	Status    CompensationStatus `json:"status"`
	Failure   string             `json:"failure,omitempty"`
}

// DeploymentState is the persisted record of one deployment saga. It is owned by a single saga
// and indexed by the sub-account being created.
type DeploymentState struct {
	SagaID     string     `json:"saga_id"`
	SubAccount account.ID `json:"sub_account_id"`
	// Signer pays for the gas of every receipt of the saga.
	Signer      account.ID `json:"signer"`
	Caller      account.ID `json:"caller"`
	Beneficiary account.ID `json:"beneficiary"`

	AttachedDeposit ledger.Amount `json:"attached_deposit"`
	RequiredBalance ledger.Amount `json:"required_balance"`
	InitAttachment  ledger.Amount `json:"init_attachment"`
	// FundedAmount is the part of the deposit confirmed on the sub-account.
	FundedAmount ledger.Amount `json:"funded_amount"`

	CodeHash multisig.CodeHash `json:"code_hash"`
	InitArgs json.RawMessage   `json:"init_args"`

	Phase  Phase  `json:"phase"`
	Status Status `json:"status"`
	// FailedPhase is the phase a rollback started from.
	FailedPhase   Phase          `json:"failed_phase,omitempty"`
	Failure       string         `json:"failure,omitempty"`
	Receipts      []string       `json:"receipts,omitempty"`
	Compensations []Compensation `json:"compensations,omitempty"`
	Record        *ledger.Record `json:"record,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key implements datastore.PrimaryKeyHolder.
func (s DeploymentState) Key() account.ID { return s.SubAccount }

// Clone implements datastore.Cloneable.
func (s DeploymentState) Clone() DeploymentState {
	s.InitArgs = slices.Clone(s.InitArgs)
	s.Receipts = slices.Clone(s.Receipts)
	s.Compensations = slices.Clone(s.Compensations)
	if s.Record != nil {
		record := *s.Record
		s.Record = &record
	}

	return s
}

// Terminal reports whether the saga reached Committed or RolledBack.
func (s DeploymentState) Terminal() bool { return s.Status == StatusDone }

// Stranded reports whether the rollback of the saga failed.
func (s DeploymentState) Stranded() bool { return s.Status == StatusCompensationFailed }
