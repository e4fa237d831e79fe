package factory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/multisig-factory/ledger"
)

func TestPhase_Text(t *testing.T) {
	t.Parallel()

	for phase, name := range phaseNames {
		b, err := phase.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(b))

		var got Phase
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, phase, got)
	}

	_, err := Phase(42).MarshalText()
	require.ErrorContains(t, err, "unknown phase 42")
	var p Phase
	require.ErrorContains(t, p.UnmarshalText([]byte("deleted")), `unknown phase "deleted"`)
}

func TestDeploymentState_JSON(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := DeploymentState{
		SagaID:          "2c9SVjs2vMdSS9xuf8iHMsRqpXm",
		SubAccount:      testSub,
		Signer:          caller,
		Caller:          caller,
		Beneficiary:     caller,
		AttachedDeposit: ledger.Tokens(5),
		RequiredBalance: ledger.MilliTokens(3500),
		InitAttachment:  ledger.MilliTokens(1500),
		FundedAmount:    ledger.MilliTokens(3500),
		InitArgs:        json.RawMessage(`{"members":[{"account_id":"wick"}],"num_confirmations":1}`),
		Phase:           PhaseRolledBack,
		Status:          StatusDone,
		FailedPhase:     PhaseFunded,
		Failure:         "deployment step failed: deploy-code: DeployContract: boom",
		Receipts:        []string{"rcpt-000001", "rcpt-000002"},
		Compensations: []Compensation{
			{Action: CompensateDeleteAccount, Amount: ledger.MilliTokens(3500), ReceiptID: "rcpt-000004", Status: CompensationDone},
			{Action: CompensateRefund, Amount: ledger.MilliTokens(1500), ReceiptID: "rcpt-000005", Status: CompensationDone},
		},
		Record:    &ledger.Record{RequiredStorageCost: ledger.Zero(), RefundableAmount: ledger.Tokens(5)},
		CreatedAt: now,
		UpdatedAt: now.Add(time.Second),
	}

	b, err := json.Marshal(state)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"phase":"rolled_back"`)
	assert.Contains(t, string(b), `"failed_phase":"funded"`)

	var got DeploymentState
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, state, got)
}

func TestDeploymentState_Clone(t *testing.T) {
	t.Parallel()

	state := DeploymentState{
		SubAccount:    testSub,
		InitArgs:      json.RawMessage(`{}`),
		Receipts:      []string{"rcpt-000001"},
		Compensations: []Compensation{{Action: CompensateRefund, Status: CompensationPending}},
		Record:        &ledger.Record{RefundableAmount: ledger.Tokens(1)},
	}

	clone := state.Clone()
	clone.InitArgs[0] = '['
	clone.Receipts[0] = "changed"
	clone.Compensations[0].Status = CompensationDone
	clone.Record.RefundableAmount = ledger.Zero()

	assert.Equal(t, json.RawMessage(`{}`), state.InitArgs)
	assert.Equal(t, "rcpt-000001", state.Receipts[0])
	assert.Equal(t, CompensationPending, state.Compensations[0].Status)
	assert.Equal(t, ledger.Tokens(1), state.Record.RefundableAmount)
	assert.Equal(t, testSub, state.Key())
}
