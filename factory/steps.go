package factory

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/chain"
	"github.com/smartcontractkit/multisig-factory/ledger"
	"github.com/smartcontractkit/multisig-factory/operations"
)

var stepVersion = semver.MustParse("1.0.0")

const (
	opCheckAccount  = "check-account"
	opCreateAccount = "create-account"
	opFundAccount   = "fund-account"
	opDeployCode    = "deploy-code"
	opInitContract  = "init-contract"
	opDeleteAccount = "delete-account"
	opRefund        = "refund-deposit"
	seqRollback     = "rollback"
)

// step is one link of the deployment chain. A step may only be issued while the saga is in
// expects; its successful outcome moves the saga to confirms.
type step struct {
	id          string
	description string
	expects     Phase
	confirms    Phase
}

// deploymentSteps is the step chain, in order. Every step after the first is issued from the
// continuation of the previous one.
var deploymentSteps = []step{
	{id: opCreateAccount, description: "Create the sub-account", expects: PhasePending, confirms: PhaseCreated},
	{id: opFundAccount, description: "Fund the sub-account with its required balance", expects: PhaseCreated, confirms: PhaseFunded},
	{id: opDeployCode, description: "Deploy the multisig code", expects: PhaseFunded, confirms: PhaseCodeDeployed},
	{id: opInitContract, description: "Initialize the multisig contract", expects: PhaseCodeDeployed, confirms: PhaseInitialized},
}

func stepIndex(id string) int {
	for i, s := range deploymentSteps {
		if s.id == id {
			return i
		}
	}

	return -1
}

func stepDefinition(i int) operations.Definition {
	return operations.Definition{
		ID:          deploymentSteps[i].id,
		Version:     stepVersion,
		Description: deploymentSteps[i].description,
	}
}

// StepInput is the input of a deployment step.
type StepInput struct {
	SagaID     string     `json:"saga_id"`
	SubAccount account.ID `json:"sub_account_id"`
	// After is the receipt whose success issued this step, empty for the first step.
	After string `json:"after,omitempty"`
}

// StepOutput is the receipt submitted by a step.
type StepOutput struct {
	ReceiptID string `json:"receipt_id"`
}

// continuation is the payload attached to every receipt of a saga. It names the saga and the
// step that issued the receipt, and for deployment steps the definition of the step to resume
// with.
type continuation struct {
	SagaID       string                 `json:"saga_id"`
	SubAccount   account.ID             `json:"sub_account_id"`
	Step         string                 `json:"step,omitempty"`
	Next         *operations.Definition `json:"next,omitempty"`
	Compensation CompensationAction     `json:"compensation,omitempty"`
}

type accountCheck struct {
	SagaID     string     `json:"saga_id"`
	SubAccount account.ID `json:"sub_account_id"`
}

// checkAccountOp reports whether the sub-account exists. It is a pure view call and the only
// operation executed with retries.
var checkAccountOp = operations.NewOperation(
	opCheckAccount,
	stepVersion,
	"Check that the sub-account does not exist",
	func(b operations.Bundle, f *Factory, in accountCheck) (bool, error) {
		_, err := f.platform.ViewAccount(b.GetContext(), in.SubAccount)
		switch {
		case errors.Is(err, chain.ErrAccountNotFound):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("view %s: %w", in.SubAccount, err)
		}

		return true, nil
	},
)

func newStepOperations() []*operations.Operation[StepInput, StepOutput, *Factory] {
	ops := make([]*operations.Operation[StepInput, StepOutput, *Factory], 0, len(deploymentSteps))
	for i, s := range deploymentSteps {
		ops = append(ops, operations.NewOperation(s.id, stepVersion, s.description,
			func(b operations.Bundle, f *Factory, in StepInput) (StepOutput, error) {
				return f.issueStep(b, i, in)
			},
		))
	}

	return ops
}

// issueStep submits the receipt of deploymentSteps[i].
func (f *Factory) issueStep(b operations.Bundle, i int, in StepInput) (StepOutput, error) {
	ctx := b.GetContext()
	s := deploymentSteps[i]

	state, err := f.store.Get(ctx, in.SubAccount)
	if err != nil {
		return StepOutput{}, err
	}
	if state.SagaID != in.SagaID || state.Phase != s.expects {
		return StepOutput{}, fmt.Errorf("%s cannot run for saga %s in phase %s", s.id, state.SagaID, state.Phase)
	}

	var (
		actions []chain.Action
		gas     ledger.Gas
	)
	switch s.id {
	case opCreateAccount:
		actions, gas = []chain.Action{chain.CreateAccount{}}, f.gas.CreateAccount
	case opFundAccount:
		actions, gas = []chain.Action{chain.Transfer{Deposit: state.RequiredBalance}}, f.gas.Transfer
	case opDeployCode:
		actions, gas = []chain.Action{chain.DeployContract{Code: f.artifact.Code}}, f.gas.Deploy
	case opInitContract:
		actions = []chain.Action{chain.FunctionCall{
			Method:  f.artifact.InitMethod,
			Args:    state.InitArgs,
			Deposit: state.InitAttachment,
		}}
		gas = f.gas.Init
	default:
		return StepOutput{}, fmt.Errorf("unknown step %s", s.id)
	}

	cont := continuation{SagaID: state.SagaID, SubAccount: state.SubAccount, Step: s.id}
	if i+1 < len(deploymentSteps) {
		next := stepDefinition(i + 1)
		cont.Next = &next
	}

	id, err := f.submit(b, state, state.SubAccount, actions, gas, cont)
	if err != nil {
		return StepOutput{}, err
	}
	b.Logger.Infow("Step issued", "step", s.id, "receipt", id, "sub_account", state.SubAccount)

	return StepOutput{ReceiptID: id}, nil
}

// submit sends a receipt from the factory with a continuation back into it.
func (f *Factory) submit(
	b operations.Bundle, state DeploymentState, receiver account.ID, actions []chain.Action, gas ledger.Gas,
	cont continuation,
) (string, error) {
	data, err := json.Marshal(cont)
	if err != nil {
		return "", fmt.Errorf("encode continuation: %w", err)
	}

	return f.platform.Submit(b.GetContext(), chain.Receipt{
		Signer:      state.Signer,
		Predecessor: f.id,
		Receiver:    receiver,
		Actions:     actions,
		Gas:         gas,
		Then: &chain.Continuation{
			Receiver: f.id,
			Data:     data,
			Gas:      f.gas.Callback,
		},
	})
}
