package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRefund(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		attached Amount
		required Amount
		want     Amount
	}{
		{name: "excess is refundable", attached: Tokens(10), required: Tokens(4), want: Tokens(6)},
		{name: "exact", attached: Tokens(4), required: Tokens(4), want: Zero()},
		{name: "short never goes negative", attached: Tokens(1), required: Tokens(4), want: Zero()},
		{name: "zero attached", attached: Zero(), required: NewAmount(1), want: Zero()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, ComputeRefund(tt.attached, tt.required))
		})
	}
}

func TestCheckDeposit(t *testing.T) {
	t.Parallel()

	excess, err := CheckDeposit(Tokens(5), MilliTokens(3500))
	require.NoError(t, err)
	assert.Equal(t, MilliTokens(1500), excess)

	_, err = CheckDeposit(Tokens(1), MilliTokens(3500))
	require.ErrorIs(t, err, ErrInsufficientDeposit)
	assert.ErrorContains(t, err, "required 3500000000000000000000000")
}

func TestStoragePolicy_RequiredBalance(t *testing.T) {
	t.Parallel()

	policy := StoragePolicy{
		ByteCost:           NewAmount(10_000_000_000_000_000_000), // 10^19 per byte
		AccountBaseBytes:   100,
		InitStateBytes:     400,
		MinAttachedBalance: Tokens(1),
	}

	// 500 bytes of code: (100 + 500 + 400) * 10^19 = 10^22 < floor
	got, err := policy.RequiredBalance(500)
	require.NoError(t, err)
	assert.Equal(t, Tokens(1), got)

	// 300_000 bytes of code: 300_500 * 10^19 = 3.005 tokens
	got, err = policy.RequiredBalance(300_000)
	require.NoError(t, err)
	assert.Equal(t, MilliTokens(3005), got)
}

func TestGasBudget_Validate(t *testing.T) {
	t.Parallel()

	budget := GasBudget{
		CreateAccount: 5 * TeraGas,
		Transfer:      5 * TeraGas,
		Deploy:        20 * TeraGas,
		Init:          25 * TeraGas,
		Callback:      25 * TeraGas,
		Compensation:  25 * TeraGas,
	}
	assert.Equal(t, 180*TeraGas, budget.Total())
	require.NoError(t, budget.Validate(300*TeraGas))

	err := budget.Validate(100 * TeraGas)
	require.ErrorIs(t, err, ErrGasBudget)
	assert.ErrorContains(t, err, "chain needs 180 Tgas, prepaid 100 Tgas")

	// every compensation receipt carries its own continuation
	budget.Compensations = 2
	assert.Equal(t, 230*TeraGas, budget.Total())
	require.NoError(t, budget.Validate(230*TeraGas))
	require.ErrorIs(t, budget.Validate(229*TeraGas), ErrGasBudget)

	budget.Callback = 0
	require.ErrorIs(t, budget.Validate(300*TeraGas), ErrGasBudget)
}

func TestAmount_Arithmetic(t *testing.T) {
	t.Parallel()

	sum, err := Tokens(2).Add(MilliTokens(500))
	require.NoError(t, err)
	assert.Equal(t, MilliTokens(2500), sum)

	diff, err := sum.Sub(Tokens(1))
	require.NoError(t, err)
	assert.Equal(t, MilliTokens(1500), diff)

	_, err = Tokens(1).Sub(Tokens(2))
	require.ErrorIs(t, err, ErrUnderflow)

	maxAmount := MustParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	_, err = maxAmount.Add(NewAmount(1))
	require.ErrorIs(t, err, ErrOverflow)

	assert.Equal(t, Tokens(3), Max(Tokens(3), Tokens(2)))
	assert.True(t, Zero().IsZero())
}

func TestAmount_TokenString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		give Amount
		want string
	}{
		{give: Zero(), want: "0"},
		{give: Tokens(5), want: "5"},
		{give: MilliTokens(3500), want: "3.5"},
		{give: NewAmount(1), want: "0.000000000000000000000001"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.give.TokenString())
		})
	}
}

func TestAmount_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		Deposit Amount `json:"deposit"`
	}{Deposit: Tokens(35)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"deposit":"35000000000000000000000000"}`, string(b))

	var got struct {
		Deposit Amount `json:"deposit"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, Tokens(35), got.Deposit)

	require.Error(t, json.Unmarshal([]byte(`{"deposit":35}`), &got))
	require.Error(t, json.Unmarshal([]byte(`{"deposit":"-1"}`), &got))
}
