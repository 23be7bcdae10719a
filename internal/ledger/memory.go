package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"ledgerflow/internal/domain"
)

// Memory is an in-process ledger used by tests and by the "memory" driver.
// Calls settle after ConfirmAfter status reads; behaviour can be scripted per
// call to reject, hold, revert or go unavailable.
type Memory struct {
	DebtAsset    string
	ConfirmAfter int

	mu          sync.Mutex
	seq         int
	block       int64
	accounts    map[string]*memAccount
	allowances  map[string]*big.Int
	txs         map[Handle]*memTx
	log         []Call
	rejectNext  map[string]string
	unavailable bool
	hold        func(Call) bool
	revert      func(Call) string
}

type memAccount struct {
	obligation *big.Int
	balances   map[string]*big.Int
	collateral map[string]*big.Int
	invested   map[string]*big.Int
	locked     []string
}

type memTx struct {
	call   Call
	polls  int
	status TxStatus
	reason string
	block  int64
	forced bool
}

func NewMemory(debtAsset string) *Memory {
	if debtAsset == "" {
		debtAsset = "USDC"
	}
	return &Memory{
		DebtAsset:    debtAsset,
		ConfirmAfter: 1,
		accounts:     map[string]*memAccount{},
		allowances:   map[string]*big.Int{},
		txs:          map[Handle]*memTx{},
		rejectNext:   map[string]string{},
	}
}

func (m *Memory) account(id string) *memAccount {
	a, ok := m.accounts[id]
	if !ok {
		a = &memAccount{
			obligation: new(big.Int),
			balances:   map[string]*big.Int{},
			collateral: map[string]*big.Int{},
			invested:   map[string]*big.Int{},
		}
		m.accounts[id] = a
	}
	return a
}

func allowanceKey(owner, spender, asset string) string {
	return owner + "|" + spender + "|" + asset
}

// --- seeding and scripting ---

func (m *Memory) SetBalance(account, asset string, amount domain.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(account).balances[asset] = amount.Big()
}

func (m *Memory) SetObligation(account string, amount domain.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(account).obligation = amount.Big()
}

func (m *Memory) SetLockedItems(account string, items []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(account).locked = append([]string(nil), items...)
}

func (m *Memory) SetAllowance(owner, spender, asset string, amount domain.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey(owner, spender, asset)] = amount.Big()
}

// RejectNext makes the next Submit of method fail as if the signer declined.
func (m *Memory) RejectNext(method, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext[method] = reason
}

func (m *Memory) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// HoldWhen keeps matching calls pending until Settle is called for them.
func (m *Memory) HoldWhen(fn func(Call) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = fn
}

// RevertWhen reverts matching calls with the returned reason when non-empty.
func (m *Memory) RevertWhen(fn func(Call) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revert = fn
}

// Settle forces a held call to its final outcome.
func (m *Memory) Settle(h Handle) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[h]
	if !ok {
		return Receipt{}, fmt.Errorf("unknown handle %s", h)
	}
	tx.forced = true
	if tx.status == TxPending {
		m.settle(tx)
	}
	return Receipt{Handle: h, Status: tx.status, Reason: tx.reason, Block: tx.block}, nil
}

// Submissions returns every call accepted by Submit, in order.
func (m *Memory) Submissions() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.log...)
}

// Handles returns the handles of every accepted call, in order.
func (m *Memory) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.log))
	for i := range m.log {
		out = append(out, handleFor(i+1))
	}
	return out
}

func handleFor(seq int) Handle {
	return Handle(fmt.Sprintf("0x%064x", seq))
}

// --- Ledger ---

func (m *Memory) Submit(ctx context.Context, call Call) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", &UnavailableError{Method: call.Method, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", &UnavailableError{Method: call.Method}
	}
	if reason, ok := m.rejectNext[call.Method]; ok {
		delete(m.rejectNext, call.Method)
		return "", &RejectedError{Method: call.Method, Reason: reason}
	}
	m.seq++
	h := handleFor(m.seq)
	m.txs[h] = &memTx{call: call, status: TxPending}
	m.log = append(m.log, call)
	return h, nil
}

func (m *Memory) Status(ctx context.Context, h Handle) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Receipt{}, &UnavailableError{Method: "status"}
	}
	tx, ok := m.txs[h]
	if !ok {
		return Receipt{Handle: h, Status: TxUnknown}, nil
	}
	if tx.status == TxPending && !tx.forced && (m.hold == nil || !m.hold(tx.call)) {
		tx.polls++
		if tx.polls >= m.ConfirmAfter {
			m.settle(tx)
		}
	}
	return Receipt{Handle: h, Status: tx.status, Reason: tx.reason, Block: tx.block}, nil
}

func (m *Memory) settle(tx *memTx) {
	m.block++
	tx.block = m.block
	reason := ""
	if m.revert != nil {
		reason = m.revert(tx.call)
	}
	if reason == "" {
		reason = m.apply(tx.call)
	}
	if reason != "" {
		tx.status = TxReverted
		tx.reason = reason
		return
	}
	tx.status = TxConfirmed
}

func bigArg(c Call) *big.Int {
	return domain.Amount(c.Arg("amount")).Big()
}

func get(m map[string]*big.Int, k string) *big.Int {
	if v, ok := m[k]; ok {
		return v
	}
	return new(big.Int)
}

// apply executes the call against in-memory state and returns a revert reason.
func (m *Memory) apply(c Call) string {
	a := m.account(c.Account)
	amt := bigArg(c)
	switch c.Method {
	case MethodAuthorize:
		m.allowances[allowanceKey(c.Account, c.Arg("spender"), c.Arg("asset"))] = amt
	case MethodDepositCollateral:
		asset := c.Arg("asset")
		bal := get(a.balances, asset)
		if bal.Cmp(amt) < 0 {
			return "insufficient balance"
		}
		a.balances[asset] = new(big.Int).Sub(bal, amt)
		a.collateral[asset] = new(big.Int).Add(get(a.collateral, asset), amt)
	case MethodWithdrawCollateral:
		asset := c.Arg("asset")
		col := get(a.collateral, asset)
		if col.Cmp(amt) < 0 {
			return "insufficient collateral"
		}
		a.collateral[asset] = new(big.Int).Sub(col, amt)
		a.balances[asset] = new(big.Int).Add(get(a.balances, asset), amt)
	case MethodBorrow:
		asset := c.Arg("asset")
		if asset == "" {
			asset = m.DebtAsset
		}
		a.obligation = new(big.Int).Add(a.obligation, amt)
		a.balances[asset] = new(big.Int).Add(get(a.balances, asset), amt)
	case MethodRepay:
		bal := get(a.balances, m.DebtAsset)
		if bal.Cmp(amt) < 0 {
			return "insufficient balance"
		}
		if a.obligation.Cmp(amt) < 0 {
			return "repayment exceeds obligation"
		}
		a.balances[m.DebtAsset] = new(big.Int).Sub(bal, amt)
		a.obligation = new(big.Int).Sub(a.obligation, amt)
	case MethodInvestTranche:
		bal := get(a.balances, m.DebtAsset)
		if bal.Cmp(amt) < 0 {
			return "insufficient balance"
		}
		a.balances[m.DebtAsset] = new(big.Int).Sub(bal, amt)
		tranche := c.Arg("tranche")
		a.invested[tranche] = new(big.Int).Add(get(a.invested, tranche), amt)
	case MethodFinanceAsset:
		item := c.Arg("item")
		for _, it := range a.locked {
			if it == item {
				return "item already financed"
			}
		}
		a.obligation = new(big.Int).Add(a.obligation, amt)
		a.balances[m.DebtAsset] = new(big.Int).Add(get(a.balances, m.DebtAsset), amt)
		a.locked = append(a.locked, item)
	case MethodReleaseLockedItem:
		if a.obligation.Sign() != 0 {
			return "obligation outstanding"
		}
		item := c.Arg("item")
		for i, it := range a.locked {
			if it == item {
				a.locked = append(a.locked[:i:i], a.locked[i+1:]...)
				return ""
			}
		}
		return "item not locked"
	default:
		return "unknown method " + c.Method
	}
	return ""
}

func (m *Memory) OutstandingObligation(ctx context.Context, account string) (domain.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return domain.Zero, &UnavailableError{Method: "getOutstandingObligation"}
	}
	return domain.AmountFromBig(m.account(account).obligation), nil
}

func (m *Memory) LockedItems(ctx context.Context, account string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, &UnavailableError{Method: "getLockedItems"}
	}
	return append([]string(nil), m.account(account).locked...), nil
}

func (m *Memory) Balance(ctx context.Context, account, asset string) (domain.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return domain.Zero, &UnavailableError{Method: "getBalance"}
	}
	return domain.AmountFromBig(get(m.account(account).balances, asset)), nil
}

func (m *Memory) Allowance(ctx context.Context, owner, spender, asset string) (domain.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return domain.Zero, &UnavailableError{Method: "getAllowance"}
	}
	return domain.AmountFromBig(get(m.allowances, allowanceKey(owner, spender, asset))), nil
}

// Collateral returns posted collateral; not part of the Ledger interface.
func (m *Memory) Collateral(account, asset string) domain.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.AmountFromBig(get(m.account(account).collateral, asset))
}
