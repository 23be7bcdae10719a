package engine

import (
	"context"
	"log/slog"

	"ledgerflow/internal/ledger"
	"ledgerflow/internal/metrics"
)

// Executor sends exactly one call per Submit. It never retries; retrying is
// a decision for whoever owns the workflow.
type Executor struct {
	Ledger  ledger.Submitter
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

func (e Engine) executor() Executor {
	return Executor{Ledger: e.Ledger, Metrics: e.Metrics, Log: e.log()}
}

func (x Executor) Submit(ctx context.Context, call ledger.Call) (ledger.Handle, error) {
	h, err := x.Ledger.Submit(ctx, call)
	switch {
	case err == nil:
		x.Metrics.Submission(call.Method, "ok")
	case ledger.IsRejected(err):
		x.Metrics.Submission(call.Method, "rejected")
	case ledger.IsUnavailable(err):
		x.Metrics.Submission(call.Method, "unavailable")
	default:
		x.Metrics.Submission(call.Method, "error")
	}
	if x.Log != nil {
		if err != nil {
			x.Log.Warn("submission failed", "method", call.Method, "account", call.Account, "err", err)
		} else {
			x.Log.Info("submitted", "method", call.Method, "account", call.Account, "handle", h)
		}
	}
	return h, err
}
