package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/ledger"
)

// Outcome is what a watcher saw for one handle. Status is one of
// domain.OpConfirmed, domain.OpReverted or domain.OpTimedOut.
type Outcome struct {
	Status  string
	Reason  string
	Block   int64
	Polls   int
	Elapsed time.Duration
}

// Watcher polls the ledger for a handle's finality until a terminal status or
// its patience runs out. Polls are paced by a token bucket rather than fixed
// sleeps.
type Watcher struct {
	Ledger   ledger.StatusReader
	Timeout  time.Duration
	Interval time.Duration
	Burst    int
	Log      *slog.Logger
}

func (e Engine) watcher() Watcher {
	w := Watcher{Ledger: e.Ledger, Log: e.log()}
	if e.Config != nil {
		w.Timeout = e.Config.Confirmation.Timeout
		w.Interval = e.Config.Confirmation.PollInterval
		w.Burst = e.Config.Confirmation.PollBurst
	}
	return w
}

// Await blocks until h is confirmed or reverted, the timeout elapses
// (TimedOut, nil error) or ctx is cancelled (ctx.Err()). A timeout says
// nothing about the operation itself.
func (w Watcher) Await(ctx context.Context, h ledger.Handle) (Outcome, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	burst := w.Burst
	if burst <= 0 {
		burst = 1
	}
	log := w.Log
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(interval), burst)

	out := Outcome{}
	for {
		if err := limiter.Wait(tctx); err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out.Status = domain.OpTimedOut
			out.Elapsed = time.Since(start)
			return out, nil
		}
		out.Polls++
		rcpt, err := w.Ledger.Status(tctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			log.Warn("status read failed", "handle", h, "poll", out.Polls, "err", err)
			continue
		}
		switch rcpt.Status {
		case ledger.TxConfirmed:
			out.Status = domain.OpConfirmed
		case ledger.TxReverted:
			out.Status = domain.OpReverted
			out.Reason = rcpt.Reason
		default:
			continue
		}
		out.Block = rcpt.Block
		out.Elapsed = time.Since(start)
		return out, nil
	}
}
