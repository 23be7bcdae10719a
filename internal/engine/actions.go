package engine

import (
	"context"
	"fmt"
	"strings"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/ledger"
)

const (
	ActionDeposit  = "deposit"
	ActionWithdraw = "withdraw"
	ActionBorrow   = "borrow"
	ActionRepay    = "repay"
	ActionInvest   = "invest"
	ActionFinance  = "finance"
)

// Actions lists the workflow actions in catalog order.
var Actions = []string{ActionDeposit, ActionWithdraw, ActionBorrow, ActionRepay, ActionInvest, ActionFinance}

// ActionRequest is a user-initiated action for one account.
type ActionRequest struct {
	Account   string
	Action    string
	Amount    domain.Amount
	Asset     string
	Tranche   string
	Item      string
	AutoRepay bool
	ActorID   string
}

// Plan is the step list for an action and the scope its target lock covers.
type Plan struct {
	Scope string
	Steps []domain.StepSpec
}

func stepFromCall(kind string, c ledger.Call, deltas ...domain.FieldDelta) domain.StepSpec {
	return domain.StepSpec{Kind: kind, Method: c.Method, Args: c.Args, Deltas: deltas}
}

func delta(field string, amount domain.Amount) domain.FieldDelta {
	return domain.FieldDelta{Field: field, Delta: amount}
}

func (r ActionRequest) validate() error {
	if strings.TrimSpace(r.Account) == "" {
		return invalid("account", "required")
	}
	if r.Amount.Sign() <= 0 {
		return invalid("amount", "must be a positive integer")
	}
	switch r.Action {
	case ActionDeposit, ActionWithdraw:
		if r.Asset == "" {
			return invalid("asset", "required for %s", r.Action)
		}
	case ActionInvest:
		if r.Tranche == "" {
			return invalid("tranche", "required for invest")
		}
	case ActionFinance:
		if r.Item == "" {
			return invalid("item", "required for finance")
		}
	case ActionBorrow, ActionRepay:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, r.Action)
	}
	return nil
}

// BuildPlan turns an action into its ordered steps. An authorize step is
// prepended only when the ledger's current allowance does not cover the
// amount.
func (e Engine) BuildPlan(ctx context.Context, req ActionRequest) (Plan, error) {
	cfg, err := e.config()
	if err != nil {
		return Plan{}, err
	}
	if err := req.validate(); err != nil {
		return Plan{}, err
	}
	acct, amt := req.Account, req.Amount
	debt := cfg.Ledger.DebtAsset
	sp := cfg.Ledger.Spenders

	var (
		plan         Plan
		spender      string
		authorizeFor string
	)
	switch req.Action {
	case ActionDeposit:
		plan.Scope = "pool"
		spender, authorizeFor = sp.Pool, req.Asset
		plan.Steps = []domain.StepSpec{stepFromCall(domain.KindAct, ledger.DepositCollateral(acct, amt, req.Asset),
			delta(domain.BalanceField(req.Asset), amt.Neg()))}
	case ActionWithdraw:
		plan.Scope = "pool"
		plan.Steps = []domain.StepSpec{stepFromCall(domain.KindAct, ledger.WithdrawCollateral(acct, amt, req.Asset),
			delta(domain.BalanceField(req.Asset), amt))}
	case ActionBorrow:
		plan.Scope = "pool"
		plan.Steps = []domain.StepSpec{stepFromCall(domain.KindAct, ledger.Borrow(acct, amt, debt),
			delta(domain.FieldObligation, amt), delta(domain.BalanceField(debt), amt))}
	case ActionRepay:
		plan.Scope = "pool"
		spender, authorizeFor = sp.Pool, debt
		plan.Steps = []domain.StepSpec{stepFromCall(domain.KindAct, ledger.Repay(acct, amt),
			delta(domain.FieldObligation, amt.Neg()), delta(domain.BalanceField(debt), amt.Neg()))}
	case ActionInvest:
		plan.Scope = "tranche:" + req.Tranche
		spender, authorizeFor = sp.Tranche, debt
		plan.Steps = []domain.StepSpec{stepFromCall(domain.KindAct, ledger.InvestTranche(acct, req.Tranche, amt),
			delta(domain.BalanceField(debt), amt.Neg()))}
	case ActionFinance:
		plan.Scope = "item:" + req.Item
		spender, authorizeFor = sp.Financing, req.Item
		plan.Steps = []domain.StepSpec{stepFromCall(domain.KindAct, ledger.FinanceAsset(acct, req.Item, amt, req.AutoRepay),
			delta(domain.FieldObligation, amt), delta(domain.BalanceField(debt), amt))}
	}

	if spender != "" {
		allowance, err := e.Ledger.Allowance(ctx, acct, spender, authorizeFor)
		if err != nil {
			return Plan{}, fmt.Errorf("read allowance: %w", err)
		}
		if allowance.Cmp(amt) < 0 {
			step := stepFromCall(domain.KindAuthorize, ledger.Authorize(acct, spender, authorizeFor, amt))
			plan.Steps = append([]domain.StepSpec{step}, plan.Steps...)
		}
	}
	return plan, nil
}

// TargetKey names the logical target guarded against concurrent work.
func TargetKey(account, scope string) string {
	return account + "|" + scope
}

// ReleaseScope is the lock scope shared by pool actions and release batches.
const ReleaseScope = "pool"
