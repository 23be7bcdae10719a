// Package ledger is the boundary to the external append-only ledger.
//
// The orchestration core only sees the Ledger interface: one write primitive
// (Submit), one finality probe (Status) and the reads used for reconciliation.
package ledger

import (
	"context"

	"ledgerflow/internal/domain"
)

// Handle identifies a submitted call on the ledger (a transaction hash).
type Handle string

// Call is one state-changing request. Args are opaque to the core.
type Call struct {
	Method  string            `json:"method"`
	Account string            `json:"account"`
	Args    map[string]string `json:"args,omitempty"`
}

func (c Call) Arg(name string) string {
	if c.Args == nil {
		return ""
	}
	return c.Args[name]
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	// TxUnknown means the ledger has no record of the handle.
	TxUnknown TxStatus = "unknown"
)

// Receipt is the ledger's view of a handle at the time of the read.
type Receipt struct {
	Handle Handle   `json:"handle"`
	Status TxStatus `json:"status"`
	Reason string   `json:"reason,omitempty"`
	Block  int64    `json:"block,omitempty"`
}

// Submitter sends exactly one call.
type Submitter interface {
	Submit(ctx context.Context, call Call) (Handle, error)
}

// StatusReader reports the finality of a handle.
type StatusReader interface {
	Status(ctx context.Context, h Handle) (Receipt, error)
}

// Reader exposes the authoritative values reconciliation depends on.
type Reader interface {
	OutstandingObligation(ctx context.Context, account string) (domain.Amount, error)
	LockedItems(ctx context.Context, account string) ([]string, error)
	Balance(ctx context.Context, account, asset string) (domain.Amount, error)
	Allowance(ctx context.Context, owner, spender, asset string) (domain.Amount, error)
}

type Ledger interface {
	Submitter
	StatusReader
	Reader
}
