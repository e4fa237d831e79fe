package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/chain"
	"github.com/smartcontractkit/multisig-factory/chain/memory"
	"github.com/smartcontractkit/multisig-factory/config"
	"github.com/smartcontractkit/multisig-factory/datastore"
	"github.com/smartcontractkit/multisig-factory/datastore/sqlstore"
	"github.com/smartcontractkit/multisig-factory/ledger"
	"github.com/smartcontractkit/multisig-factory/multisig"
	"github.com/smartcontractkit/multisig-factory/operations"
	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

const (
	factoryID = account.ID("factory.testnet")
	caller    = account.ID("caller.testnet")
	testSub   = account.ID("test.factory.testnet")

	prepaid = 300 * ledger.TeraGas
)

var (
	multisigCode = []byte("\x00asm multisig v1")

	testMembers = []multisig.Member{
		multisig.AccountMember("wick"),
		multisig.AccountMember("testmewell.testnet"),
		multisig.KeyMember("ed25519:Eg2jtsiMrprn7zgKKUk79qM1hWhANsFyE6JSX4txLEuy"),
	}

	testArgs = CreateArgs{Name: "test", Members: testMembers, NumConfirmations: 1}
)

type envConfig struct {
	lggr     logger.Logger
	budget   ledger.GasBudget
	opts     []Option
	platform func(rt *memory.Runtime) chain.Platform
}

type testEnv struct {
	rt *memory.Runtime
	f  *Factory

	mu    sync.Mutex
	inits map[account.ID]multisig.InitArgs
}

func newTestEnv(t *testing.T, mutate ...func(c *envConfig)) *testEnv {
	t.Helper()

	cfg := envConfig{
		lggr:     logger.Test(t),
		budget:   config.Default().Gas.Budget(),
		platform: func(rt *memory.Runtime) chain.Platform { return rt },
	}
	for _, m := range mutate {
		m(&cfg)
	}

	e := &testEnv{
		rt:    memory.New(memory.DefaultConfig(), logger.Test(t)),
		inits: map[account.ID]multisig.InitArgs{},
	}
	e.rt.Genesis(factoryID, ledger.Tokens(10))
	e.rt.Genesis(caller, ledger.Tokens(100))
	e.rt.RegisterContract(multisigCode, memory.ContractFunc(e.multisigContract))

	artifact, err := multisig.NewArtifact("multisig", semver.MustParse("1.0.0"), multisigCode)
	require.NoError(t, err)

	e.f, err = New(Config{
		AccountID: factoryID,
		Artifact:  artifact,
		Storage:   config.Default().Storage,
		Gas:       cfg.budget,
	}, cfg.platform(e.rt), cfg.lggr, cfg.opts...)
	require.NoError(t, err)
	e.rt.RegisterHandler(factoryID, e.f)

	return e
}

// multisigContract stands in for the multisig binary: its init call rejects invalid
// configurations and writes 150 bytes of state.
func (e *testEnv) multisigContract(c memory.Call) (memory.CallResult, error) {
	if c.Method != multisig.DefaultInitMethod {
		return memory.CallResult{GasUsed: ledger.TeraGas}, fmt.Errorf("method %s not found", c.Method)
	}
	args, err := multisig.DecodeInitArgs(c.Args)
	if err != nil {
		return memory.CallResult{GasUsed: ledger.TeraGas}, err
	}
	if err = multisig.ValidateConfig(args.Members, args.NumConfirmations); err != nil {
		return memory.CallResult{GasUsed: ledger.TeraGas}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits[c.Account] = args

	return memory.CallResult{GasUsed: 5 * ledger.TeraGas, StateBytes: 150}, nil
}

func (e *testEnv) initArgs(id account.ID) (multisig.InitArgs, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args, ok := e.inits[id]

	return args, ok
}

// create sends a creation request from caller to the factory as an inbound call.
func (e *testEnv) create(t *testing.T, deposit ledger.Amount, gas ledger.Gas, args CreateArgs) (*SagaHandle, error) {
	t.Helper()

	var handle *SagaHandle
	err := e.rt.Call(t.Context(), caller, factoryID, deposit, gas, func(ctx context.Context, env chain.Envelope) error {
		var err error
		handle, err = e.f.Create(ctx, env, args)

		return err
	})

	return handle, err
}

// settle processes every queued receipt and returns the outcome of h.
func (e *testEnv) settle(t *testing.T, h *SagaHandle) (TerminalOutcome, error) {
	t.Helper()

	require.NoError(t, e.rt.ProcessAll(t.Context()))
	select {
	case <-h.Done():
	default:
		require.FailNow(t, "saga did not terminate", h.SagaID)
	}

	return h.Wait(t.Context())
}

func reportIDs(reports []operations.Report[any, any]) []string {
	ids := make([]string, 0, len(reports))
	for _, r := range reports {
		ids = append(ids, r.Def.ID)
	}

	return ids
}

func TestFactory_Create_Commits(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := t.Context()
	deposit := ledger.Tokens(5)
	supply := e.rt.Supply()
	callerBefore := e.rt.Balance(caller)
	factoryBefore := e.rt.Balance(factoryID)

	h, err := e.create(t, deposit, prepaid, testArgs)
	require.NoError(t, err)
	assert.Equal(t, testSub, h.SubAccount)

	got, err := e.settle(t, h)
	require.NoError(t, err)
	require.True(t, got.Committed(), got.Failure)
	assert.Equal(t, "multisig deployed at sub-account test.factory.testnet", got.String())

	// the contract is deployed and initialized with the requested members and threshold
	view, err := e.rt.ViewAccount(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, string(e.f.Artifact().Hash()), view.CodeHash)
	args, ok := e.initArgs(testSub)
	require.True(t, ok)
	assert.Equal(t, multisig.InitArgs{Members: testMembers, NumConfirmations: 1}, args)

	// the sub-account owns the whole deposit; its storage stake is locked inside it
	storageCost, err := e.rt.StorageCost(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, deposit, view.Amount)
	assert.Equal(t, storageCost, got.Record.RequiredStorageCost)
	assert.True(t, got.Record.RefundableAmount.IsZero())
	spendable, err := view.Amount.Sub(storageCost)
	require.NoError(t, err)
	assert.Positive(t, spendable.Cmp(ledger.Zero()))

	// the caller paid the deposit and gas, the factory keeps nothing
	wantCaller, err := callerBefore.Sub(deposit)
	require.NoError(t, err)
	assert.Equal(t, wantCaller.SaturatingSub(e.rt.GasCost(caller)), e.rt.Balance(caller))
	assert.Equal(t, factoryBefore, e.rt.Balance(factoryID))
	assert.Equal(t, supply, e.rt.Supply())

	state, err := e.f.Deployment(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, state.Phase)
	assert.Equal(t, StatusDone, state.Status)
	assert.Equal(t, caller, state.Caller)
	assert.Len(t, state.Receipts, len(deploymentSteps))
	assert.Empty(t, state.Compensations)

	assert.Equal(t,
		[]string{opCheckAccount, opCreateAccount, opFundAccount, opDeployCode, opInitContract},
		reportIDs(e.f.Reports(h.SagaID)),
	)
}

func TestFactory_Create_InsufficientDeposit(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := t.Context()
	callerBefore := e.rt.Balance(caller)

	_, err := e.create(t, ledger.Tokens(1), prepaid, testArgs)
	require.ErrorIs(t, err, ledger.ErrInsufficientDeposit)

	_, err = e.rt.ViewAccount(ctx, testSub)
	require.ErrorIs(t, err, chain.ErrAccountNotFound)
	_, err = e.f.Deployment(ctx, testSub)
	require.ErrorIs(t, err, datastore.ErrRecordNotFound)
	assert.Zero(t, e.rt.Pending())

	// only the gas of the rejected call was spent
	assert.Equal(t, callerBefore.SaturatingSub(e.rt.GasCost(caller)), e.rt.Balance(caller))
}

func TestFactory_Create_DeployFailureRollsBack(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := t.Context()
	deposit := ledger.Tokens(5)
	supply := e.rt.Supply()
	callerBefore := e.rt.Balance(caller)
	factoryBefore := e.rt.Balance(factoryID)
	e.rt.InjectFault(memory.FailOnce(testSub, chain.KindDeployContract, "simulated deploy failure"))

	h, err := e.create(t, deposit, prepaid, testArgs)
	require.NoError(t, err)

	got, err := e.settle(t, h)
	require.NoError(t, err)
	assert.Equal(t, PhaseRolledBack, got.Phase)
	assert.Equal(t, "deployment failed, 5 tokens refunded", got.String())
	assert.Contains(t, got.Failure, "simulated deploy failure")

	_, err = e.rt.ViewAccount(ctx, testSub)
	require.ErrorIs(t, err, chain.ErrAccountNotFound)

	// deposit - gas <= refund <= deposit, and the caller only lost gas
	assert.Equal(t, deposit, got.Record.RefundableAmount)
	assert.Equal(t, callerBefore.SaturatingSub(e.rt.GasCost(caller)), e.rt.Balance(caller))
	assert.Equal(t, factoryBefore, e.rt.Balance(factoryID))
	assert.Equal(t, supply, e.rt.Supply())

	state, err := e.f.Deployment(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, PhaseFunded, state.FailedPhase)
	assert.Equal(t, StatusDone, state.Status)
	require.Len(t, state.Compensations, 2)
	for _, c := range state.Compensations {
		assert.Equal(t, CompensationDone, c.Status)
	}
}

func TestFactory_Create_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		gas            ledger.Gas
		args           CreateArgs
		wantErr        error
		wantValidation bool
	}{
		{
			name:           "name with separator",
			args:           CreateArgs{Name: "bad.name", Members: testMembers, NumConfirmations: 1},
			wantErr:        account.ErrInvalidFormat,
			wantValidation: true,
		},
		{
			name:           "name too long",
			args:           CreateArgs{Name: strings.Repeat("a", 50), Members: testMembers, NumConfirmations: 1},
			wantErr:        account.ErrTooLong,
			wantValidation: true,
		},
		{
			name:           "no members",
			args:           CreateArgs{Name: "test", NumConfirmations: 1},
			wantErr:        multisig.ErrEmptyMembers,
			wantValidation: true,
		},
		{
			name:           "zero confirmations",
			args:           CreateArgs{Name: "test", Members: testMembers},
			wantErr:        multisig.ErrThresholdOutOfRange,
			wantValidation: true,
		},
		{
			name: "duplicate members",
			args: CreateArgs{
				Name:             "test",
				Members:          []multisig.Member{multisig.AccountMember("wick"), multisig.AccountMember("wick")},
				NumConfirmations: 1,
			},
			wantErr:        multisig.ErrDuplicateMember,
			wantValidation: true,
		},
		{
			name:    "prepaid gas below the budget",
			gas:     100 * ledger.TeraGas,
			args:    testArgs,
			wantErr: ledger.ErrGasBudget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t)
			gas := tt.gas
			if gas == 0 {
				gas = prepaid
			}
			callerBefore := e.rt.Balance(caller)

			_, err := e.create(t, ledger.Tokens(5), gas, tt.args)
			require.ErrorIs(t, err, tt.wantErr)
			var verr *ValidationError
			assert.Equal(t, tt.wantValidation, errors.As(err, &verr))

			assert.Zero(t, e.rt.Pending())
			assert.Equal(t, callerBefore.SaturatingSub(e.rt.GasCost(caller)), e.rt.Balance(caller))
			all, err := e.f.store.Fetch(t.Context())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestFactory_Create_WrongReceiver(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	_, err := e.f.Create(t.Context(), chain.Envelope{
		Signer:      caller,
		Predecessor: caller,
		Receiver:    "other.testnet",
		Deposit:     ledger.Tokens(5),
		PrepaidGas:  prepaid,
	}, testArgs)
	require.ErrorContains(t, err, "not to factory factory.testnet")
}

func TestFactory_Create_AccountExistsAndInFlight(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.rt.Genesis("taken.factory.testnet", ledger.Tokens(1))

	_, err := e.create(t, ledger.Tokens(5), prepaid, CreateArgs{Name: "taken", Members: testMembers, NumConfirmations: 1})
	require.ErrorIs(t, err, ErrAccountExists)

	first, err := e.create(t, ledger.Tokens(5), prepaid, testArgs)
	require.NoError(t, err)

	// the first saga owns the sub-account until it terminates
	_, err = e.create(t, ledger.Tokens(5), prepaid, testArgs)
	require.ErrorIs(t, err, ErrSagaInFlight)

	got, err := e.settle(t, first)
	require.NoError(t, err)
	require.True(t, got.Committed())

	_, err = e.create(t, ledger.Tokens(5), prepaid, testArgs)
	require.ErrorIs(t, err, ErrAccountExists)
}

// flakyPlatform fails the first failures account views.
type flakyPlatform struct {
	*memory.Runtime
	failures atomic.Int32
}

func (p *flakyPlatform) ViewAccount(ctx context.Context, id account.ID) (chain.AccountView, error) {
	if p.failures.Add(-1) >= 0 {
		return chain.AccountView{}, errors.New("connection reset by peer")
	}

	return p.Runtime.ViewAccount(ctx, id)
}

func TestFactory_Create_RetriesAccountView(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int32
		wantErr  string
	}{
		{name: "transient failures are retried", failures: 2},
		{name: "gives up after the last attempt", failures: 5, wantErr: "connection reset by peer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t, func(c *envConfig) {
				c.opts = append(c.opts, WithViewRetry(operations.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}))
				c.platform = func(rt *memory.Runtime) chain.Platform {
					p := &flakyPlatform{Runtime: rt}
					p.failures.Store(tt.failures)

					return p
				}
			})

			h, err := e.create(t, ledger.Tokens(5), prepaid, testArgs)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				assert.Zero(t, e.rt.Pending())

				return
			}
			require.NoError(t, err)

			got, err := e.settle(t, h)
			require.NoError(t, err)
			assert.True(t, got.Committed())
		})
	}
}

func TestFactory_DuplicateContinuationsAreIgnored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fault     memory.Fault
		wantPhase Phase
	}{
		{name: "commit", wantPhase: PhaseCommitted},
		{
			name:      "rollback",
			fault:     memory.FailOnce(testSub, chain.KindFunctionCall, "init rejected"),
			wantPhase: PhaseRolledBack,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t)
			if tt.fault != nil {
				e.rt.InjectFault(tt.fault)
			}
			// every continuation is delivered twice
			e.rt.RegisterHandler(factoryID, chain.HandlerFunc(func(ctx context.Context, o chain.Outcome) error {
				if err := e.f.OnOutcome(ctx, o); err != nil {
					return err
				}

				return e.f.OnOutcome(ctx, o)
			}))
			supply := e.rt.Supply()
			callerBefore := e.rt.Balance(caller)
			factoryBefore := e.rt.Balance(factoryID)

			h, err := e.create(t, ledger.Tokens(5), prepaid, testArgs)
			require.NoError(t, err)
			got, err := e.settle(t, h)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, got.Phase)

			spent := e.rt.GasCost(caller)
			if got.Committed() {
				assert.Equal(t, ledger.Tokens(5), e.rt.Balance(testSub), "funded once")
				spent, err = spent.Add(ledger.Tokens(5))
				require.NoError(t, err)
			}
			assert.Equal(t, callerBefore.SaturatingSub(spent), e.rt.Balance(caller), "refunded once")
			assert.Equal(t, factoryBefore, e.rt.Balance(factoryID))
			assert.Equal(t, supply, e.rt.Supply())
		})
	}
}

func TestFactory_ConcurrentSagas(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	supply := e.rt.Supply()

	runCtx, cancel := context.WithCancel(t.Context())
	var runner errgroup.Group
	runner.Go(func() error { return e.rt.Run(runCtx) })

	const n = 8
	handles := make([]*SagaHandle, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			args := testArgs
			args.Name = fmt.Sprintf("multisig-%d", i)
			h, err := e.create(t, ledger.Tokens(5), prepaid, args)
			handles[i] = h

			return err
		})
	}
	require.NoError(t, g.Wait())

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer waitCancel()
	for _, h := range handles {
		got, err := h.Wait(waitCtx)
		require.NoError(t, err)
		assert.True(t, got.Committed(), got.Failure)
		assert.Equal(t, ledger.Tokens(5), e.rt.Balance(h.SubAccount))
	}

	cancel()
	require.NoError(t, runner.Wait())
	assert.Equal(t, supply, e.rt.Supply())
}

func TestFactory_ReleasesTerminatedSagas(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, func(c *envConfig) { c.opts = append(c.opts, WithReportRetention(2)) })

	const n = 5
	sagaIDs := make([]string, 0, n)
	for i := range n {
		args := testArgs
		args.Name = fmt.Sprintf("multisig-%d", i)
		h, err := e.create(t, ledger.Tokens(5), prepaid, args)
		require.NoError(t, err)
		got, err := e.settle(t, h)
		require.NoError(t, err)
		require.True(t, got.Committed(), got.Failure)
		sagaIDs = append(sagaIDs, h.SagaID)
	}

	// a rejected request keeps nothing either
	args := testArgs
	args.Name = "multisig-0"
	_, err := e.create(t, ledger.Tokens(5), prepaid, args)
	require.ErrorIs(t, err, ErrAccountExists)

	for _, id := range sagaIDs[:n-2] {
		assert.Empty(t, e.f.Reports(id))
	}
	for _, id := range sagaIDs[n-2:] {
		assert.Equal(t, []string{opCheckAccount, opCreateAccount, opFundAccount, opDeployCode, opInitContract},
			reportIDs(e.f.Reports(id)))
	}

	e.f.mu.Lock()
	assert.Empty(t, e.f.reporters)
	assert.Empty(t, e.f.handles)
	e.f.mu.Unlock()
	assert.Equal(t, 2, e.f.finished.Len())
	assert.Zero(t, e.f.locks.held())
}

func TestFactory_ResumesFromPersistedState(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store, err := sqlstore.Open[account.ID, DeploymentState](ctx, sqlstore.Config{
		Driver: sqlstore.DriverRamSQL,
		DSN:    strings.ReplaceAll(t.Name(), "/", "_"),
		Table:  "deployments",
	}, logger.Test(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := newTestEnv(t, func(c *envConfig) { c.opts = append(c.opts, WithStore(store)) })
	h, err := e.create(t, ledger.Tokens(5), prepaid, testArgs)
	require.NoError(t, err)

	// a new process takes over the factory account before any continuation is delivered
	restarted, err := New(Config{
		AccountID: factoryID,
		Artifact:  e.f.Artifact(),
		Storage:   config.Default().Storage,
		Gas:       config.Default().Gas.Budget(),
	}, e.rt, logger.Test(t), WithStore(store))
	require.NoError(t, err)
	e.rt.RegisterHandler(factoryID, restarted)

	require.NoError(t, e.rt.ProcessAll(ctx))

	state, err := restarted.Deployment(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, h.SagaID, state.SagaID)
	assert.Equal(t, PhaseCommitted, state.Phase)
	require.NotNil(t, state.Record)
	assert.Equal(t, ledger.Tokens(5), e.rt.Balance(testSub))

	// the original handle belongs to the stopped process
	select {
	case <-h.Done():
		t.Fatal("handle of the stopped process resolved")
	default:
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	artifact, err := multisig.NewArtifact("multisig", semver.MustParse("1.0.0"), multisigCode)
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     Config
		opts    []Option
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{AccountID: factoryID, Artifact: artifact, Storage: config.Default().Storage},
		},
		{
			name: "artifact literal",
			cfg: Config{
				AccountID: factoryID,
				Artifact:  multisig.Artifact{Name: "multisig", Version: semver.MustParse("1.0.0"), Code: multisigCode},
				Storage:   config.Default().Storage,
			},
		},
		{
			name:    "no report retention",
			cfg:     Config{AccountID: factoryID, Artifact: artifact, Storage: config.Default().Storage},
			opts:    []Option{WithReportRetention(0)},
			wantErr: "report retention 0",
		},
		{
			name:    "factory account too long",
			cfg:     Config{AccountID: "a-very-long-factory-name.testnet", Artifact: artifact, Storage: config.Default().Storage},
			wantErr: "longer than 23 characters",
		},
		{
			name:    "invalid factory account",
			cfg:     Config{AccountID: "Factory", Artifact: artifact, Storage: config.Default().Storage},
			wantErr: "factory account",
		},
		{
			name:    "no code",
			cfg:     Config{AccountID: factoryID, Storage: config.Default().Storage},
			wantErr: "no code",
		},
		{
			name:    "free storage",
			cfg:     Config{AccountID: factoryID, Artifact: artifact},
			wantErr: "byte cost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f, err := New(tt.cfg, memory.New(memory.DefaultConfig(), logger.Nop()), logger.Nop(), tt.opts...)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, factoryID, f.MasterAccountID())
			assert.Equal(t, multisig.HashCode(multisigCode), f.Artifact().Hash())
			assert.Equal(t, multisig.DefaultInitMethod, f.Artifact().InitMethod)

			minBalance, err := f.MinAttachedBalance()
			require.NoError(t, err)
			assert.Equal(t, ledger.MilliTokens(3500), minBalance)
		})
	}
}
