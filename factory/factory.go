// Package factory deploys multisig contracts on fresh sub-accounts of the factory account.
//
// A deployment is a saga of four asynchronous platform steps (create the account, fund it,
// deploy the code, initialize the contract). Each step is issued from the continuation of the
// previous one; a continuation carries only the saga id and the definition of the next step,
// and every resumption reloads the DeploymentState from the datastore. A failed step triggers
// the compensations listed for the last confirmed phase, so that the caller either owns a
// committed multisig or gets the whole deposit back.
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/segmentio/ksuid"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/chain"
	"github.com/smartcontractkit/multisig-factory/datastore"
	"github.com/smartcontractkit/multisig-factory/ledger"
	"github.com/smartcontractkit/multisig-factory/multisig"
	"github.com/smartcontractkit/multisig-factory/operations"
	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

var _ chain.Handler = (*Factory)(nil)

// Config describes a factory account and the contract it deploys.
type Config struct {
	AccountID account.ID
	Artifact  multisig.Artifact
	Storage   ledger.StoragePolicy
	Gas       ledger.GasBudget
}

// Option configures a Factory.
type Option func(*Factory)

// WithStore sets the datastore holding deployment records. Defaults to a MemoryStore.
func WithStore(store datastore.MutableStore[account.ID, DeploymentState]) Option {
	return func(f *Factory) {
		f.store = store
	}
}

// WithReportRetention sets how many terminated sagas keep their step reports. Reports of older
// sagas are dropped. Defaults to 256.
func WithReportRetention(n int) Option {
	return func(f *Factory) {
		f.retention = n
	}
}

// WithViewRetry sets the retry policy of the pre-flight account check.
func WithViewRetry(policy operations.RetryPolicy) Option {
	return func(f *Factory) {
		f.viewRetry = policy
	}
}

// CreateArgs is the payload of a creation request.
type CreateArgs struct {
	Name             string            `json:"name"`
	Members          []multisig.Member `json:"members"`
	NumConfirmations uint64            `json:"num_confirmations"`
}

// Factory creates multisig sub-accounts. It is the chain.Handler of its account.
type Factory struct {
	id       account.ID
	artifact multisig.Artifact
	storage  ledger.StoragePolicy
	gas      ledger.GasBudget

	platform  chain.Platform
	store     datastore.MutableStore[account.ID, DeploymentState]
	registry  *operations.OperationRegistry
	steps     []*operations.Operation[StepInput, StepOutput, *Factory]
	viewRetry operations.RetryPolicy
	lggr      logger.Logger
	now       func() time.Time

	locks *subAccountLocks

	retention int
	// reporters of terminated sagas, at most retention of them
	finished *lru.Cache

	mu      sync.Mutex
	handles map[string]*SagaHandle
	// reporters of the sagas still running
	reporters map[string]*operations.MemoryReporter
}

// New returns a Factory. Register it as the continuation handler of cfg.AccountID on the
// platform.
func New(cfg Config, platform chain.Platform, lggr logger.Logger, opts ...Option) (*Factory, error) {
	if err := cfg.AccountID.Validate(); err != nil {
		return nil, fmt.Errorf("factory account: %w", err)
	}
	if len(cfg.AccountID) > account.MaxFactoryIDLength {
		return nil, fmt.Errorf("factory account %s is longer than %d characters", cfg.AccountID,
			account.MaxFactoryIDLength)
	}
	if len(cfg.Artifact.Code) == 0 {
		return nil, errors.New("multisig artifact has no code")
	}
	if cfg.Artifact.InitMethod == "" {
		cfg.Artifact.InitMethod = multisig.DefaultInitMethod
	}
	if cfg.Storage.ByteCost.IsZero() {
		return nil, errors.New("storage byte cost must be positive")
	}

	f := &Factory{
		id:       cfg.AccountID,
		artifact: cfg.Artifact,
		storage:  cfg.Storage,
		gas:      cfg.Gas,
		platform: platform,
		store:    datastore.NewMemoryStore[account.ID, DeploymentState](),
		viewRetry: operations.RetryPolicy{
			MaxAttempts: 3,
			Delay:       50 * time.Millisecond,
		},
		lggr:    lggr.Named("factory").With("factory", cfg.AccountID),
		now:     func() time.Time { return time.Now().UTC() },
		locks:     newSubAccountLocks(),
		retention: 256,
		handles:   map[string]*SagaHandle{},
		reporters: map[string]*operations.MemoryReporter{},
	}
	for _, opt := range opts {
		opt(f)
	}

	finished, err := lru.New(f.retention)
	if err != nil {
		return nil, fmt.Errorf("report retention %d: %w", f.retention, err)
	}
	f.finished = finished

	f.gas.Compensations = maxCompensations()
	f.steps = newStepOperations()
	f.registry = operations.NewOperationRegistry()
	operations.RegisterOperation(f.registry, f.steps...)
	operations.RegisterOperation(f.registry, deleteAccountOp, refundOp)

	return f, nil
}

// MasterAccountID returns the factory account.
func (f *Factory) MasterAccountID() account.ID { return f.id }

// Artifact returns the contract the factory deploys.
func (f *Factory) Artifact() multisig.Artifact { return f.artifact }

// MinAttachedBalance returns the smallest deposit Create accepts.
func (f *Factory) MinAttachedBalance() (ledger.Amount, error) {
	return f.storage.RequiredBalance(f.artifact.Size())
}

// Deployment returns the record of the latest saga for sub.
func (f *Factory) Deployment(ctx context.Context, sub account.ID) (DeploymentState, error) {
	return f.store.Get(ctx, sub)
}

// Stranded returns the sagas whose rollback failed.
func (f *Factory) Stranded(ctx context.Context) ([]DeploymentState, error) {
	return f.store.Filter(ctx, datastore.NewFilter[account.ID](DeploymentState.Stranded))
}

// Reports returns the step reports of a running saga, or of a terminated one that is still
// retained.
func (f *Factory) Reports(sagaID string) []operations.Report[any, any] {
	f.mu.Lock()
	reporter, ok := f.reporters[sagaID]
	f.mu.Unlock()
	if !ok {
		v, found := f.finished.Get(sagaID)
		if !found {
			return nil
		}
		reporter = v.(*operations.MemoryReporter)
	}
	reports, _ := reporter.GetReports()

	return reports
}

const sagaLabel = "saga_id"

// Create validates a creation request and starts its deployment saga. env.Deposit must already
// be credited to the factory. Every error is returned before any platform effect, so the
// caller keeps the deposit.
func (f *Factory) Create(ctx context.Context, env chain.Envelope, args CreateArgs) (*SagaHandle, error) {
	if env.Receiver != f.id {
		return nil, fmt.Errorf("request addressed to %s, not to factory %s", env.Receiver, f.id)
	}
	sub, err := account.ValidateName(args.Name, f.id)
	if err != nil {
		return nil, &ValidationError{Field: "name", Err: err}
	}
	if err = multisig.ValidateConfig(args.Members, args.NumConfirmations); err != nil {
		return nil, &ValidationError{Field: "multisig config", Err: err}
	}
	if err = f.gas.Validate(env.PrepaidGas); err != nil {
		return nil, err
	}
	required, err := f.storage.RequiredBalance(f.artifact.Size())
	if err != nil {
		return nil, err
	}
	initAttachment, err := ledger.CheckDeposit(env.Deposit, required)
	if err != nil {
		return nil, err
	}
	initArgs, err := multisig.InitArgs{Members: args.Members, NumConfirmations: args.NumConfirmations}.Encode()
	if err != nil {
		return nil, err
	}

	sagaID := ksuid.New().String()
	b := f.bundle(ctx, sagaID)
	started := false
	defer func() {
		if !started {
			f.dropReports(sagaID)
		}
	}()

	unlock := f.lock(sub)
	defer unlock()

	existing, err := f.store.Get(ctx, sub)
	switch {
	case err == nil && !existing.Terminal():
		return nil, fmt.Errorf("%w: %s (saga %s, %s)", ErrSagaInFlight, sub, existing.SagaID, existing.Status)
	case err != nil && !errors.Is(err, datastore.ErrRecordNotFound):
		return nil, err
	}

	check, err := operations.ExecuteOperation(b, checkAccountOp, f, accountCheck{SagaID: sagaID, SubAccount: sub},
		operations.WithRetryConfig[accountCheck, *Factory](operations.RetryConfig[accountCheck, *Factory]{
			Enabled: true,
			Policy:  f.viewRetry,
		}))
	if err != nil {
		return nil, err
	}
	if check.Output {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, sub)
	}

	now := f.now()
	state := DeploymentState{
		SagaID:          sagaID,
		SubAccount:      sub,
		Signer:          env.Signer,
		Caller:          env.Predecessor,
		Beneficiary:     env.Predecessor,
		AttachedDeposit: env.Deposit,
		RequiredBalance: required,
		InitAttachment:  initAttachment,
		FundedAmount:    ledger.Zero(),
		CodeHash:        f.artifact.Hash(),
		InitArgs:        initArgs,
		Phase:           PhasePending,
		Status:          StatusRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err = f.store.Upsert(ctx, state); err != nil {
		return nil, fmt.Errorf("persist deployment of %s: %w", sub, err)
	}

	handle := newSagaHandle(sagaID, sub)
	f.mu.Lock()
	f.handles[sagaID] = handle
	f.mu.Unlock()

	report, err := operations.ExecuteOperation(b, f.steps[0], f, StepInput{SagaID: sagaID, SubAccount: sub})
	if err != nil {
		// Nothing reached the platform; the failed call returns the deposit.
		f.mu.Lock()
		delete(f.handles, sagaID)
		f.mu.Unlock()
		if delErr := f.store.Delete(ctx, sub); delErr != nil {
			b.Logger.Errorw("Failed to remove unstarted deployment", "sub_account", sub, "error", delErr)
		}

		return nil, fmt.Errorf("start deployment of %s: %w", sub, err)
	}
	started = true
	state.Receipts = append(state.Receipts, report.Output.ReceiptID)
	if err = f.save(ctx, &state); err != nil {
		return nil, err
	}

	b.Logger.Infow("Deployment started", "sub_account", sub, "caller", state.Caller,
		"deposit", env.Deposit.TokenString(), "required", required.TokenString(), "artifact", f.artifact.String())

	return handle, nil
}

// OnOutcome implements chain.Handler. It resumes the saga named by the continuation payload.
// Stale and duplicate continuations are ignored.
func (f *Factory) OnOutcome(ctx context.Context, o chain.Outcome) error {
	var c continuation
	if err := json.Unmarshal(o.Data, &c); err != nil {
		return fmt.Errorf("decode continuation of %s: %w", o.ReceiptID, err)
	}

	unlock := f.lock(c.SubAccount)
	defer unlock()

	state, err := f.store.Get(ctx, c.SubAccount)
	if err != nil {
		return fmt.Errorf("load deployment for %s: %w", o.ReceiptID, err)
	}
	if state.SagaID != c.SagaID {
		f.lggr.Debugw("Ignoring continuation of a replaced saga", "receipt", o.ReceiptID,
			sagaLabel, c.SagaID, "current", state.SagaID)
		return nil
	}
	if state.Terminal() || state.Stranded() {
		f.lggr.Debugw("Ignoring continuation of a terminated saga", "receipt", o.ReceiptID,
			sagaLabel, c.SagaID, "status", state.Status)
		return nil
	}
	b := f.bundle(ctx, c.SagaID)

	if c.Compensation != "" {
		return f.onCompensation(b, &state, c, o)
	}

	return f.onStep(b, &state, c, o)
}

func (f *Factory) onStep(b operations.Bundle, state *DeploymentState, c continuation, o chain.Outcome) error {
	i := stepIndex(c.Step)
	if i < 0 {
		return fmt.Errorf("continuation of %s names unknown step %q", o.ReceiptID, c.Step)
	}
	s := deploymentSteps[i]
	if state.Status != StatusRunning || state.Phase != s.expects {
		b.Logger.Debugw("Ignoring duplicate continuation", "receipt", o.ReceiptID, "step", s.id, "phase", state.Phase)
		return nil
	}

	if !o.Succeeded() {
		return f.rollback(b, state, fmt.Sprintf("%s: %s", s.id, o.Failure))
	}

	state.Phase = s.confirms
	if s.confirms == PhaseFunded {
		state.FundedAmount = state.RequiredBalance
	}
	b.Logger.Debugw("Step confirmed", "step", s.id, "receipt", o.ReceiptID, "phase", state.Phase,
		"gas_burnt", o.GasBurnt.String())

	if c.Next == nil {
		return f.commit(b, state)
	}
	if err := f.save(b.GetContext(), state); err != nil {
		return err
	}

	op, err := b.OperationRegistry.Retrieve(*c.Next)
	if err != nil {
		return f.rollback(b, state, err.Error())
	}
	report, err := operations.ExecuteOperation(b, op, any(f), any(StepInput{
		SagaID:     state.SagaID,
		SubAccount: state.SubAccount,
		After:      o.ReceiptID,
	}))
	if err != nil {
		return f.rollback(b, state, fmt.Sprintf("%s: %v", c.Next.ID, err))
	}
	if out, ok := report.Output.(StepOutput); ok {
		state.Receipts = append(state.Receipts, out.ReceiptID)
	}

	return f.save(b.GetContext(), state)
}

func (f *Factory) onCompensation(b operations.Bundle, state *DeploymentState, c continuation, o chain.Outcome) error {
	var comp *Compensation
	for i := range state.Compensations {
		if state.Compensations[i].Action == c.Compensation && state.Compensations[i].ReceiptID == o.ReceiptID {
			comp = &state.Compensations[i]
		}
	}
	if comp == nil || comp.Status != CompensationPending || state.Status != StatusCompensating {
		b.Logger.Debugw("Ignoring duplicate continuation", "receipt", o.ReceiptID, "compensation", c.Compensation)
		return nil
	}

	if o.Succeeded() {
		comp.Status = CompensationDone
	} else {
		comp.Status = CompensationFailed
		comp.Failure = o.Failure
	}

	return f.settle(b, state)
}

func (f *Factory) bundle(ctx context.Context, sagaID string) operations.Bundle {
	return operations.NewBundle(
		func() context.Context { return ctx },
		f.lggr,
		f.reporterOf(sagaID),
		operations.WithOperationRegistry(f.registry),
	).WithLabel(sagaLabel, sagaID)
}

func (f *Factory) lock(sub account.ID) func() {
	return f.locks.lock(sub)
}

// reporterOf returns the reporter of a saga. A saga this process has not seen yet, such as one
// resumed after a restart, gets a new one.
func (f *Factory) reporterOf(sagaID string) *operations.MemoryReporter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.reporters[sagaID]; ok {
		return r
	}
	if v, ok := f.finished.Get(sagaID); ok {
		return v.(*operations.MemoryReporter)
	}
	r := operations.NewMemoryReporter()
	f.reporters[sagaID] = r

	return r
}

// retireReports moves the reporter of a terminated saga to the bounded finished set.
func (f *Factory) retireReports(sagaID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.reporters[sagaID]; ok {
		delete(f.reporters, sagaID)
		f.finished.Add(sagaID, r)
	}
}

// dropReports forgets the reports of a saga that never started.
func (f *Factory) dropReports(sagaID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.reporters, sagaID)
}

func (f *Factory) save(ctx context.Context, state *DeploymentState) error {
	state.UpdatedAt = f.now()
	if err := f.store.Update(ctx, *state); err != nil {
		return fmt.Errorf("persist deployment of %s: %w", state.SubAccount, err)
	}

	return nil
}

// resolve completes the handle of a terminated saga, if this process started it.
func (f *Factory) resolve(state DeploymentState, err error) {
	f.retireReports(state.SagaID)

	f.mu.Lock()
	h, ok := f.handles[state.SagaID]
	delete(f.handles, state.SagaID)
	f.mu.Unlock()

	if ok {
		h.resolve(outcomeOf(state), err)
	}
}
