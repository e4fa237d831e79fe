// Package memory is an in-process implementation of chain.Platform.
//
// Receipts are executed asynchronously, in submission order, by ProcessAll or by the Run loop.
// Each receipt applies atomically; on failure its attached deposits return to the predecessor.
// Continuations are delivered as their own queued entries after the receipt they follow is
// finalized, so a saga's callbacks fire in program order while independent sagas interleave.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/chain"
	"github.com/smartcontractkit/multisig-factory/ledger"
	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

var _ chain.Platform = (*Runtime)(nil)

// ActionCosts is the gas burnt by each native action.
type ActionCosts struct {
	CreateAccount  ledger.Gas
	Transfer       ledger.Gas
	DeployContract ledger.Gas
	FunctionCall   ledger.Gas
	DeleteAccount  ledger.Gas
	// Callback is burnt by every continuation delivery.
	Callback ledger.Gas
}

func (c ActionCosts) of(a chain.Action) ledger.Gas {
	switch a.Kind() {
	case chain.KindCreateAccount:
		return c.CreateAccount
	case chain.KindTransfer:
		return c.Transfer
	case chain.KindDeployContract:
		return c.DeployContract
	case chain.KindFunctionCall:
		return c.FunctionCall
	case chain.KindDeleteAccount:
		return c.DeleteAccount
	default:
		return 0
	}
}

// Config holds the economic parameters of the simulated chain.
type Config struct {
	StorageByteCost  ledger.Amount
	AccountBaseBytes uint64
	// GasPrice is the yocto charged to the signer per unit of gas burnt.
	GasPrice ledger.Amount
	Costs    ActionCosts
}

// DefaultConfig mirrors mainnet-like parameters: 10^19 yocto per storage byte, 100 bytes per
// empty account and a gas price of 10^8 yocto.
func DefaultConfig() Config {
	return Config{
		StorageByteCost:  ledger.NewAmount(10_000_000_000_000_000_000),
		AccountBaseBytes: 100,
		GasPrice:         ledger.NewAmount(100_000_000),
		Costs: ActionCosts{
			CreateAccount:  ledger.TeraGas,
			Transfer:       ledger.TeraGas,
			DeployContract: 5 * ledger.TeraGas,
			FunctionCall:   2 * ledger.TeraGas,
			DeleteAccount:  ledger.TeraGas,
			Callback:       2 * ledger.TeraGas,
		},
	}
}

// Fault lets tests fail an action. A non-nil error fails the whole receipt.
type Fault func(r chain.Receipt, a chain.Action) error

// FailOnce returns a Fault failing the first action of the given kind applied to receiver.
// An empty receiver matches any account.
func FailOnce(receiver account.ID, kind chain.ActionKind, reason string) Fault {
	var (
		mu    sync.Mutex
		fired bool
	)

	return func(r chain.Receipt, a chain.Action) error {
		mu.Lock()
		defer mu.Unlock()

		if fired || a.Kind() != kind || (receiver != "" && r.Receiver != receiver) {
			return nil
		}
		fired = true

		return errors.New(reason)
	}
}

type accountState struct {
	amount   ledger.Amount
	code     []byte
	codeHash string
	storage  uint64
}

type entry struct {
	receipt chain.Receipt
	// callback is set when the entry delivers a continuation rather than executing actions.
	callback *chain.Outcome
	cont     *chain.Continuation
}

// Runtime is the simulated chain.
type Runtime struct {
	cfg  Config
	lggr logger.Logger

	mu        sync.Mutex
	accounts  map[account.ID]accountState
	contracts map[string]Contract
	handlers  map[account.ID]chain.Handler
	faults    []Fault
	queue     []entry
	seq       uint64
	inflight  ledger.Amount
	burnt     map[account.ID]ledger.Amount
	outcomes  map[string]chain.Outcome

	processing sync.Mutex
	wake       chan struct{}
}

// New returns an empty Runtime.
func New(cfg Config, lggr logger.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		lggr:      lggr.Named("chain"),
		accounts:  map[account.ID]accountState{},
		contracts: map[string]Contract{},
		handlers:  map[account.ID]chain.Handler{},
		burnt:     map[account.ID]ledger.Amount{},
		outcomes:  map[string]chain.Outcome{},
		wake:      make(chan struct{}, 1),
	}
}

// Genesis creates a top-level account holding amount. Intended for test setup.
func (rt *Runtime) Genesis(id account.ID, amount ledger.Amount) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.accounts[id] = accountState{amount: amount, storage: rt.cfg.AccountBaseBytes}
}

// RegisterHandler routes continuations addressed to id to h.
func (rt *Runtime) RegisterHandler(id account.ID, h chain.Handler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.handlers[id] = h
}

// RegisterContract makes code executable by binding it to c.
func (rt *Runtime) RegisterContract(code []byte, c Contract) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.contracts[chain.CodeHash(code)] = c
}

// InjectFault adds a fault consulted before every action.
func (rt *Runtime) InjectFault(f Fault) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.faults = append(rt.faults, f)
}

// Call simulates an inbound transaction from signer to receiver attaching deposit. The deposit
// is credited to receiver before fn runs; if fn fails the deposit goes back to signer.
func (rt *Runtime) Call(
	ctx context.Context, signer, receiver account.ID, deposit ledger.Amount, prepaid ledger.Gas,
	fn func(ctx context.Context, env chain.Envelope) error,
) error {
	rt.mu.Lock()
	if err := rt.move(signer, receiver, deposit); err != nil {
		rt.mu.Unlock()
		return err
	}
	rt.chargeGas(signer, rt.cfg.Costs.FunctionCall)
	rt.mu.Unlock()

	err := fn(ctx, chain.Envelope{
		Signer:      signer,
		Predecessor: signer,
		Receiver:    receiver,
		Deposit:     deposit,
		PrepaidGas:  prepaid,
	})
	if err == nil {
		return nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rerr := rt.move(receiver, signer, deposit); rerr != nil {
		return errors.Join(err, fmt.Errorf("revert deposit: %w", rerr))
	}

	return err
}

// Submit implements chain.Platform.
func (rt *Runtime) Submit(_ context.Context, r chain.Receipt) (string, error) {
	if r.Receiver == "" || r.Predecessor == "" {
		return "", errors.New("receipt needs a receiver and a predecessor")
	}
	deposit, err := chain.AttachedDeposit(r.Actions)
	if err != nil {
		return "", err
	}

	rt.mu.Lock()
	pred, ok := rt.accounts[r.Predecessor]
	if !ok {
		rt.mu.Unlock()
		return "", fmt.Errorf("predecessor %s: %w", r.Predecessor, chain.ErrAccountNotFound)
	}
	remaining, err := pred.amount.Sub(deposit)
	if err != nil {
		rt.mu.Unlock()
		return "", fmt.Errorf("%s cannot attach %s: %w", r.Predecessor, deposit, chain.ErrInsufficientBalance)
	}
	pred.amount = remaining
	rt.accounts[r.Predecessor] = pred
	rt.inflight = mustAdd(rt.inflight, deposit)

	rt.seq++
	r.ID = fmt.Sprintf("rcpt-%06d", rt.seq)
	rt.queue = append(rt.queue, entry{receipt: r})
	rt.mu.Unlock()

	rt.lggr.Debugw("Receipt submitted", "id", r.ID, "receiver", r.Receiver, "actions", len(r.Actions))
	rt.notify()

	return r.ID, nil
}

// ViewAccount implements chain.Platform.
func (rt *Runtime) ViewAccount(_ context.Context, id account.ID) (chain.AccountView, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, ok := rt.accounts[id]
	if !ok {
		return chain.AccountView{}, fmt.Errorf("%s: %w", id, chain.ErrAccountNotFound)
	}

	return chain.AccountView{ID: id, Amount: st.amount, CodeHash: st.codeHash, StorageUsage: st.storage}, nil
}

// StorageCost implements chain.Platform.
func (rt *Runtime) StorageCost(ctx context.Context, id account.ID) (ledger.Amount, error) {
	view, err := rt.ViewAccount(ctx, id)
	if err != nil {
		return ledger.Amount{}, err
	}

	return rt.cfg.StorageByteCost.MulUint64(view.StorageUsage)
}

// Balance returns the balance of id, zero for unknown accounts.
func (rt *Runtime) Balance(id account.ID) ledger.Amount {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.accounts[id].amount
}

// GasCost returns the tokens signer has paid for gas so far.
func (rt *Runtime) GasCost(signer account.ID) ledger.Amount {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.burnt[signer]
}

// Supply returns every token the runtime accounts for: balances, deposits in flight and tokens
// burnt for gas. It is constant across receipts.
func (rt *Runtime) Supply() ledger.Amount {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	total := rt.inflight
	for _, st := range rt.accounts {
		total = mustAdd(total, st.amount)
	}
	for _, b := range rt.burnt {
		total = mustAdd(total, b)
	}

	return total
}

// Outcome returns the outcome of an executed receipt.
func (rt *Runtime) Outcome(receiptID string) (chain.Outcome, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	o, ok := rt.outcomes[receiptID]

	return o, ok
}

// Pending returns the number of queued entries.
func (rt *Runtime) Pending() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return len(rt.queue)
}

// ProcessAll executes queued receipts and continuations, including those they enqueue, until
// the queue is empty.
func (rt *Runtime) ProcessAll(ctx context.Context) error {
	rt.processing.Lock()
	defer rt.processing.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rt.mu.Lock()
		if len(rt.queue) == 0 {
			rt.mu.Unlock()
			return nil
		}
		next := rt.queue[0]
		rt.queue = rt.queue[1:]
		rt.mu.Unlock()

		if next.callback != nil {
			rt.deliver(ctx, *next.callback, *next.cont)
			continue
		}
		rt.execute(next.receipt)
	}
}

// Run processes the queue whenever receipts are submitted, until ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	for {
		if err := rt.ProcessAll(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-rt.wake:
		}
	}
}

func (rt *Runtime) notify() {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

// execute applies a receipt atomically and enqueues its continuation.
func (rt *Runtime) execute(r chain.Receipt) {
	rt.mu.Lock()

	deposit, _ := chain.AttachedDeposit(r.Actions)
	rt.inflight = rt.inflight.SaturatingSub(deposit)

	snapshot := maps.Clone(rt.accounts)
	gasLeft := r.Gas
	var burnt ledger.Gas
	failure := rt.applyAll(r, &gasLeft, &burnt)
	if failure == nil {
		failure = rt.checkStorage(r.Receiver)
	}

	outcome := chain.Outcome{
		ReceiptID: r.ID,
		Signer:    r.Signer,
		Receiver:  r.Receiver,
		Status:    chain.StatusSuccess,
		GasBurnt:  burnt,
	}
	if failure != nil {
		rt.accounts = snapshot
		outcome.Status = chain.StatusFailure
		outcome.Failure = failure.Error()
		if !deposit.IsZero() {
			if pred, ok := rt.accounts[r.Predecessor]; ok {
				pred.amount = mustAdd(pred.amount, deposit)
				rt.accounts[r.Predecessor] = pred
			} else {
				rt.burn(r.Signer, deposit)
			}
			outcome.Refunded = deposit
		}
	}
	rt.chargeGas(r.Signer, burnt)
	rt.outcomes[r.ID] = outcome

	if r.Then != nil {
		outcome.Data = r.Then.Data
		cont := *r.Then
		rt.queue = append(rt.queue, entry{callback: &outcome, cont: &cont})
	}
	rt.mu.Unlock()

	if failure != nil {
		rt.lggr.Infow("Receipt failed", "id", r.ID, "receiver", r.Receiver, "failure", outcome.Failure,
			"refunded", outcome.Refunded.String())
	} else {
		rt.lggr.Debugw("Receipt applied", "id", r.ID, "receiver", r.Receiver, "gasBurnt", burnt.String())
	}
}

func (rt *Runtime) applyAll(r chain.Receipt, gasLeft, burnt *ledger.Gas) error {
	for _, a := range r.Actions {
		cost := rt.cfg.Costs.of(a)
		if cost > *gasLeft {
			*burnt += *gasLeft
			*gasLeft = 0

			return fmt.Errorf("%s: exceeded the prepaid gas", a.Kind())
		}
		*gasLeft -= cost
		*burnt += cost

		for _, f := range rt.faults {
			if err := f(r, a); err != nil {
				return fmt.Errorf("%s: %w", a.Kind(), err)
			}
		}
		if err := rt.apply(r, a, gasLeft, burnt); err != nil {
			return fmt.Errorf("%s: %w", a.Kind(), err)
		}
	}

	return nil
}

func (rt *Runtime) apply(r chain.Receipt, a chain.Action, gasLeft, burnt *ledger.Gas) error {
	recv, exists := rt.accounts[r.Receiver]

	switch a := a.(type) {
	case chain.CreateAccount:
		if exists {
			return fmt.Errorf("account %s already exists", r.Receiver)
		}
		if !r.Receiver.IsSubAccountOf(r.Predecessor) {
			return fmt.Errorf("%s cannot create %s", r.Predecessor, r.Receiver)
		}
		rt.accounts[r.Receiver] = accountState{storage: rt.cfg.AccountBaseBytes}

		return nil

	case chain.Transfer:
		if !exists {
			return fmt.Errorf("account %s does not exist", r.Receiver)
		}
		recv.amount = mustAdd(recv.amount, a.Deposit)
		rt.accounts[r.Receiver] = recv

		return nil

	case chain.DeployContract:
		if err := rt.authorize(r, exists); err != nil {
			return err
		}
		recv.storage = recv.storage - uint64(len(recv.code)) + uint64(len(a.Code))
		recv.code = a.Code
		recv.codeHash = chain.CodeHash(a.Code)
		rt.accounts[r.Receiver] = recv

		return nil

	case chain.FunctionCall:
		if !exists {
			return fmt.Errorf("account %s does not exist", r.Receiver)
		}
		contract, ok := rt.contracts[recv.codeHash]
		if recv.codeHash == "" || !ok {
			return fmt.Errorf("no executable contract on %s", r.Receiver)
		}
		recv.amount = mustAdd(recv.amount, a.Deposit)
		res, err := contract.Call(Call{
			Account:     r.Receiver,
			Predecessor: r.Predecessor,
			Method:      a.Method,
			Args:        a.Args,
			Deposit:     a.Deposit,
			GasLimit:    *gasLeft,
		})
		if res.GasUsed > *gasLeft {
			*burnt += *gasLeft
			*gasLeft = 0

			return errors.New("exceeded the prepaid gas")
		}
		*gasLeft -= res.GasUsed
		*burnt += res.GasUsed
		if err != nil {
			return fmt.Errorf("%s rejected %s: %w", r.Receiver, a.Method, err)
		}
		recv.storage += res.StateBytes
		rt.accounts[r.Receiver] = recv

		return nil

	case chain.DeleteAccount:
		if err := rt.authorize(r, exists); err != nil {
			return err
		}
		ben, ok := rt.accounts[a.Beneficiary]
		if !ok || a.Beneficiary == r.Receiver {
			return fmt.Errorf("invalid beneficiary %s", a.Beneficiary)
		}
		ben.amount = mustAdd(ben.amount, recv.amount)
		rt.accounts[a.Beneficiary] = ben
		delete(rt.accounts, r.Receiver)

		return nil

	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}

// authorize allows privileged actions from the account itself or from its parent.
func (rt *Runtime) authorize(r chain.Receipt, exists bool) error {
	if !exists {
		return fmt.Errorf("account %s does not exist", r.Receiver)
	}
	if r.Predecessor != r.Receiver && !r.Receiver.IsSubAccountOf(r.Predecessor) {
		return fmt.Errorf("%s has no access to %s", r.Predecessor, r.Receiver)
	}

	return nil
}

// checkStorage enforces storage staking on accounts hosting code. Code-less accounts fall under
// the platform's zero-balance allowance.
func (rt *Runtime) checkStorage(id account.ID) error {
	st, ok := rt.accounts[id]
	if !ok || st.codeHash == "" {
		return nil
	}
	cost, err := rt.cfg.StorageByteCost.MulUint64(st.storage)
	if err != nil {
		return err
	}
	if st.amount.Cmp(cost) < 0 {
		return fmt.Errorf("LackBalanceForState: %s holds %s, storage of %d bytes needs %s", id, st.amount, st.storage, cost)
	}

	return nil
}

// deliver runs a continuation. Handlers run without the runtime lock so they can submit.
func (rt *Runtime) deliver(ctx context.Context, o chain.Outcome, cont chain.Continuation) {
	rt.mu.Lock()
	h, ok := rt.handlers[cont.Receiver]
	cost := rt.cfg.Costs.Callback
	if cont.Gas < cost {
		rt.chargeGas(o.Signer, cont.Gas)
	} else {
		rt.chargeGas(o.Signer, cost)
	}
	rt.mu.Unlock()

	switch {
	case cont.Gas < cost:
		rt.lggr.Errorw("Continuation exceeded the prepaid gas", "receipt", o.ReceiptID, "receiver", cont.Receiver,
			"gas", cont.Gas.String(), "needs", cost.String())
	case !ok:
		rt.lggr.Errorw("No handler for continuation", "receipt", o.ReceiptID, "receiver", cont.Receiver)
	default:
		if err := h.OnOutcome(ctx, o); err != nil {
			rt.lggr.Errorw("Continuation failed", "receipt", o.ReceiptID, "receiver", cont.Receiver, "error", err)
		}
	}
}

// move transfers amount between existing accounts. Callers hold rt.mu.
func (rt *Runtime) move(from, to account.ID, amount ledger.Amount) error {
	src, ok := rt.accounts[from]
	if !ok {
		return fmt.Errorf("%s: %w", from, chain.ErrAccountNotFound)
	}
	if _, ok = rt.accounts[to]; !ok {
		return fmt.Errorf("%s: %w", to, chain.ErrAccountNotFound)
	}
	remaining, err := src.amount.Sub(amount)
	if err != nil {
		return fmt.Errorf("%s cannot pay %s: %w", from, amount, chain.ErrInsufficientBalance)
	}
	src.amount = remaining
	rt.accounts[from] = src
	dst := rt.accounts[to]
	dst.amount = mustAdd(dst.amount, amount)
	rt.accounts[to] = dst

	return nil
}

// chargeGas debits the signer for gas. Callers hold rt.mu.
func (rt *Runtime) chargeGas(signer account.ID, gas ledger.Gas) {
	price, err := rt.cfg.GasPrice.MulUint64(uint64(gas))
	if err != nil || price.IsZero() {
		return
	}
	st, ok := rt.accounts[signer]
	if !ok {
		return
	}
	paid := price
	if st.amount.Cmp(price) < 0 {
		paid = st.amount
	}
	st.amount = st.amount.SaturatingSub(paid)
	rt.accounts[signer] = st
	rt.burn(signer, paid)
}

func (rt *Runtime) burn(signer account.ID, amount ledger.Amount) {
	rt.burnt[signer] = mustAdd(rt.burnt[signer], amount)
}

func mustAdd(a, b ledger.Amount) ledger.Amount {
	sum, err := a.Add(b)
	if err != nil {
		panic(fmt.Sprintf("balance overflow: %s + %s", a, b))
	}

	return sum
}
