package ledger

import "ledgerflow/internal/domain"

const (
	MethodAuthorize          = "authorize"
	MethodDepositCollateral  = "depositCollateral"
	MethodWithdrawCollateral = "withdrawCollateral"
	MethodBorrow             = "borrow"
	MethodRepay              = "repay"
	MethodInvestTranche      = "investTranche"
	MethodFinanceAsset       = "financeAsset"
	MethodReleaseLockedItem  = "releaseLockedItem"
)

func Authorize(account, spender, asset string, amount domain.Amount) Call {
	return Call{Method: MethodAuthorize, Account: account, Args: map[string]string{
		"spender": spender,
		"asset":   asset,
		"amount":  amount.String(),
	}}
}

func DepositCollateral(account string, amount domain.Amount, asset string) Call {
	return Call{Method: MethodDepositCollateral, Account: account, Args: map[string]string{
		"amount": amount.String(),
		"asset":  asset,
	}}
}

func WithdrawCollateral(account string, amount domain.Amount, asset string) Call {
	return Call{Method: MethodWithdrawCollateral, Account: account, Args: map[string]string{
		"amount": amount.String(),
		"asset":  asset,
	}}
}

func Borrow(account string, amount domain.Amount, debtAsset string) Call {
	return Call{Method: MethodBorrow, Account: account, Args: map[string]string{
		"amount": amount.String(),
		"asset":  debtAsset,
	}}
}

func Repay(account string, amount domain.Amount) Call {
	return Call{Method: MethodRepay, Account: account, Args: map[string]string{
		"amount": amount.String(),
	}}
}

func InvestTranche(account, tranche string, amount domain.Amount) Call {
	return Call{Method: MethodInvestTranche, Account: account, Args: map[string]string{
		"tranche": tranche,
		"amount":  amount.String(),
	}}
}

func FinanceAsset(account, item string, amount domain.Amount, autoRepay bool) Call {
	flag := "false"
	if autoRepay {
		flag = "true"
	}
	return Call{Method: MethodFinanceAsset, Account: account, Args: map[string]string{
		"item":       item,
		"amount":     amount.String(),
		"auto_repay": flag,
	}}
}

func ReleaseLockedItem(account, item string) Call {
	return Call{Method: MethodReleaseLockedItem, Account: account, Args: map[string]string{
		"item": item,
	}}
}
