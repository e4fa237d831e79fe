package factory

import (
	"context"
	"fmt"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/ledger"
)

// TerminalOutcome is what the caller of a deployment observes once the saga has terminated.
type TerminalOutcome struct {
	SagaID     string
	SubAccount account.ID
	Phase      Phase
	Status     Status
	Failure    string
	Record     ledger.Record
}

// Committed reports whether the multisig was deployed.
func (o TerminalOutcome) Committed() bool { return o.Phase == PhaseCommitted }

// String implements fmt.Stringer.
func (o TerminalOutcome) String() string {
	switch {
	case o.Phase == PhaseCommitted:
		return fmt.Sprintf("multisig deployed at sub-account %s", o.SubAccount)
	case o.Status == StatusCompensationFailed:
		return fmt.Sprintf("deployment failed, refund of sub-account %s incomplete", o.SubAccount)
	default:
		return fmt.Sprintf("deployment failed, %s tokens refunded", o.Record.RefundableAmount.TokenString())
	}
}

func outcomeOf(s DeploymentState) TerminalOutcome {
	o := TerminalOutcome{
		SagaID:     s.SagaID,
		SubAccount: s.SubAccount,
		Phase:      s.Phase,
		Status:     s.Status,
		Failure:    s.Failure,
	}
	if s.Record != nil {
		o.Record = *s.Record
	}

	return o
}

// SagaHandle tracks a deployment started by Create.
type SagaHandle struct {
	SagaID     string
	SubAccount account.ID

	done    chan struct{}
	outcome TerminalOutcome
	err     error
}

func newSagaHandle(sagaID string, sub account.ID) *SagaHandle {
	return &SagaHandle{SagaID: sagaID, SubAccount: sub, done: make(chan struct{})}
}

// Done is closed when the saga terminates.
func (h *SagaHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the saga terminates or ctx is done. The error wraps
// ErrReconciliationFailure when the rollback did not complete.
func (h *SagaHandle) Wait(ctx context.Context) (TerminalOutcome, error) {
	select {
	case <-ctx.Done():
		return TerminalOutcome{}, ctx.Err()
	case <-h.done:
		return h.outcome, h.err
	}
}

// resolve is called exactly once, by the factory.
func (h *SagaHandle) resolve(o TerminalOutcome, err error) {
	h.outcome = o
	h.err = err
	close(h.done)
}
