package factory

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/chain"
	"github.com/smartcontractkit/multisig-factory/ledger"
	"github.com/smartcontractkit/multisig-factory/operations"
)

// compensationTable lists, for the last confirmed phase of a failed saga, the native actions
// that return the whole deposit to the caller. Nothing past PhaseCodeDeployed is compensated:
// a confirmed init commits the saga.
var compensationTable = map[Phase][]CompensationAction{
	PhasePending:      {CompensateRefund},
	PhaseCreated:      {CompensateDeleteAccount, CompensateRefund},
	PhaseFunded:       {CompensateDeleteAccount, CompensateRefund},
	PhaseCodeDeployed: {CompensateDeleteAccount, CompensateRefund},
}

// maxCompensations returns the size of the largest plan in compensationTable.
func maxCompensations() int {
	n := 0
	for _, plan := range compensationTable {
		n = max(n, len(plan))
	}

	return n
}

// CompensationInput is the input of a compensation operation.
type CompensationInput struct {
	SagaID     string             `json:"saga_id"`
	SubAccount account.ID         `json:"sub_account_id"`
	Action     CompensationAction `json:"action"`
}

// RollbackInput is the input of the rollback sequence.
type RollbackInput struct {
	SagaID     string     `json:"saga_id"`
	SubAccount account.ID `json:"sub_account_id"`
	From       Phase      `json:"from"`
}

// RollbackOutput records, per compensation, the submitted receipt or the submission failure.
type RollbackOutput struct {
	Receipts map[CompensationAction]string `json:"receipts"`
	Failures map[CompensationAction]string `json:"failures,omitempty"`
}

var (
	deleteAccountOp = operations.NewOperation(
		opDeleteAccount,
		stepVersion,
		"Delete the sub-account, returning its balance to the beneficiary",
		func(b operations.Bundle, f *Factory, in CompensationInput) (StepOutput, error) {
			return f.issueCompensation(b, in)
		},
	)

	refundOp = operations.NewOperation(
		opRefund,
		stepVersion,
		"Return the deposit held by the factory to the caller",
		func(b operations.Bundle, f *Factory, in CompensationInput) (StepOutput, error) {
			return f.issueCompensation(b, in)
		},
	)

	compensationOps = map[CompensationAction]*operations.Operation[CompensationInput, StepOutput, *Factory]{
		CompensateDeleteAccount: deleteAccountOp,
		CompensateRefund:        refundOp,
	}

	rollbackSeq = operations.NewSequence(
		seqRollback,
		stepVersion,
		"Compensate the confirmed steps of a failed deployment",
		func(b operations.Bundle, f *Factory, in RollbackInput) (RollbackOutput, error) {
			out := RollbackOutput{Receipts: map[CompensationAction]string{}}
			var errs []error
			// every planned compensation is submitted, whatever happened to the previous ones
			for _, action := range compensationTable[in.From] {
				report, err := operations.ExecuteOperation(b, compensationOps[action], f, CompensationInput{
					SagaID:     in.SagaID,
					SubAccount: in.SubAccount,
					Action:     action,
				})
				if err != nil {
					if out.Failures == nil {
						out.Failures = map[CompensationAction]string{}
					}
					out.Failures[action] = err.Error()
					errs = append(errs, fmt.Errorf("%s: %w", action, err))

					continue
				}
				out.Receipts[action] = report.Output.ReceiptID
			}

			return out, errors.Join(errs...)
		},
	)
)

// issueCompensation submits the native action of one planned compensation.
func (f *Factory) issueCompensation(b operations.Bundle, in CompensationInput) (StepOutput, error) {
	ctx := b.GetContext()
	state, err := f.store.Get(ctx, in.SubAccount)
	if err != nil {
		return StepOutput{}, err
	}
	if state.SagaID != in.SagaID {
		return StepOutput{}, fmt.Errorf("saga %s no longer owns %s", in.SagaID, in.SubAccount)
	}
	i := slices.IndexFunc(state.Compensations, func(c Compensation) bool { return c.Action == in.Action })
	if i < 0 {
		return StepOutput{}, fmt.Errorf("%s is not planned for saga %s", in.Action, in.SagaID)
	}

	var (
		receiver account.ID
		actions  []chain.Action
	)
	switch in.Action {
	case CompensateDeleteAccount:
		receiver = state.SubAccount
		actions = []chain.Action{chain.DeleteAccount{Beneficiary: state.Beneficiary}}
	case CompensateRefund:
		receiver = state.Caller
		actions = []chain.Action{chain.Transfer{Deposit: state.Compensations[i].Amount}}
	default:
		return StepOutput{}, fmt.Errorf("unknown compensation %s", in.Action)
	}

	gas := f.gas.Compensation / ledger.Gas(len(state.Compensations))
	id, err := f.submit(b, state, receiver, actions, gas, continuation{
		SagaID:       state.SagaID,
		SubAccount:   state.SubAccount,
		Compensation: in.Action,
	})
	if err != nil {
		return StepOutput{}, err
	}
	b.Logger.Infow("Compensation issued", "action", in.Action, "receipt", id, "receiver", receiver,
		"amount", state.Compensations[i].Amount.TokenString())

	return StepOutput{ReceiptID: id}, nil
}

// commit terminates a saga whose init call was confirmed.
func (f *Factory) commit(b operations.Bundle, state *DeploymentState) error {
	ctx := b.GetContext()
	cost, err := f.platform.StorageCost(ctx, state.SubAccount)
	if err != nil {
		b.Logger.Warnw("Failed to measure storage cost, recording the estimate", "error", err)
		cost = state.RequiredBalance
	}

	state.Phase = PhaseCommitted
	state.Status = StatusDone
	state.Record = &ledger.Record{RequiredStorageCost: cost, RefundableAmount: ledger.Zero()}
	if err = f.save(ctx, state); err != nil {
		return err
	}

	b.Logger.Infow("Multisig deployed", "sub_account", state.SubAccount, "code_hash", state.CodeHash,
		"balance", state.AttachedDeposit.TokenString(), "storage_cost", cost.TokenString())
	f.resolve(*state, nil)

	return nil
}

// rollback plans the compensations of the current phase and submits them.
func (f *Factory) rollback(b operations.Bundle, state *DeploymentState, failure string) error {
	ctx := b.GetContext()
	b.Logger.Warnw("Deployment step failed, rolling back", "phase", state.Phase, "failure", failure)

	plan := compensationTable[state.Phase]
	state.Failure = fmt.Sprintf("%s: %s", ErrSagaFailure, failure)
	state.FailedPhase = state.Phase
	state.Status = StatusCompensating
	state.Compensations = make([]Compensation, 0, len(plan))
	for _, action := range plan {
		c := Compensation{Action: action, Status: CompensationPending}
		switch action {
		case CompensateDeleteAccount:
			c.Amount = state.FundedAmount
		case CompensateRefund:
			c.Amount = ledger.ComputeRefund(state.AttachedDeposit, state.FundedAmount)
		}
		state.Compensations = append(state.Compensations, c)
	}
	if err := f.save(ctx, state); err != nil {
		return err
	}

	report, err := operations.ExecuteSequence(b, rollbackSeq, f, RollbackInput{
		SagaID:     state.SagaID,
		SubAccount: state.SubAccount,
		From:       state.FailedPhase,
	})
	for i := range state.Compensations {
		c := &state.Compensations[i]
		if id, ok := report.Output.Receipts[c.Action]; ok {
			c.ReceiptID = id
			state.Receipts = append(state.Receipts, id)

			continue
		}
		failure, ok := report.Output.Failures[c.Action]
		if !ok && err != nil {
			failure = err.Error()
		}
		if failure != "" {
			// never submitted
			c.Status = CompensationFailed
			c.Failure = failure
		}
	}
	if err != nil {
		b.Logger.Errorw("Failed to submit compensations", "sub_account", state.SubAccount, "error", err)
	}

	return f.settle(b, state)
}

// settle terminates a rollback once every compensation has an outcome.
func (f *Factory) settle(b operations.Bundle, state *DeploymentState) error {
	var failures []string
	for _, c := range state.Compensations {
		switch c.Status {
		case CompensationPending:
			return f.save(b.GetContext(), state)
		case CompensationFailed:
			failures = append(failures, fmt.Sprintf("%s: %s", c.Action, c.Failure))
		}
	}
	if len(failures) > 0 {
		return f.strand(b, state, strings.Join(failures, "; "))
	}

	refunded := ledger.Zero()
	for _, c := range state.Compensations {
		sum, err := refunded.Add(c.Amount)
		if err != nil {
			return err
		}
		refunded = sum
	}
	state.Phase = PhaseRolledBack
	state.Status = StatusDone
	state.Record = &ledger.Record{RequiredStorageCost: ledger.Zero(), RefundableAmount: refunded}
	if err := f.save(b.GetContext(), state); err != nil {
		return err
	}

	b.Logger.Warnw("Deployment rolled back", "sub_account", state.SubAccount, "failed_phase", state.FailedPhase,
		"refunded", refunded.TokenString(), "recipient", state.Caller, "failure", state.Failure)
	f.resolve(*state, nil)

	return nil
}

// strand records a failed rollback. The record is kept and blocks the sub-account until an
// operator resolves it.
func (f *Factory) strand(b operations.Bundle, state *DeploymentState, detail string) error {
	state.Status = StatusCompensationFailed
	err := fmt.Errorf("%w: %s", ErrReconciliationFailure, detail)

	b.Logger.Errorw("Reconciliation failure, funds may be stranded",
		"sub_account", state.SubAccount,
		"caller", state.Caller,
		"beneficiary", state.Beneficiary,
		"deposit", state.AttachedDeposit.String(),
		"funded", state.FundedAmount.String(),
		"failed_phase", state.FailedPhase,
		"failure", state.Failure,
		"compensations", state.Compensations,
		"error", err,
	)
	if saveErr := f.save(b.GetContext(), state); saveErr != nil {
		return saveErr
	}
	f.resolve(*state, err)

	return nil
}
