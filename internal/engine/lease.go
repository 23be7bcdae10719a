package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/repo"
)

const defaultLease = 30 * time.Second

func (e Engine) leaseTTL() time.Duration {
	if e.Config != nil && e.Config.Confirmation.Lease > 0 {
		return e.Config.Confirmation.Lease
	}
	return defaultLease
}

// holdLease stamps r's target lock with this process and an expiry, and
// renews it every third of the lease until the returned func is called.
// Other processes sharing the database leave r alone while the lease holds.
func (e Engine) holdLease(ctx context.Context, r run) (func(), error) {
	ttl := e.leaseTTL()
	holder := e.live.holderID()
	renew := func() error {
		expires := e.now().Add(ttl).UTC().Format(time.RFC3339Nano)
		_, err := e.Repo.RenewTargetLease(ctx, nil, r.target(), r.id(), holder, expires)
		return err
	}
	if err := renew(); err != nil {
		return nil, fmt.Errorf("lease %s: %w", r.target(), err)
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		every := ttl / 3
		if every <= 0 {
			every = ttl
		}
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if err := renew(); err != nil {
					e.log().Warn("lease renewal failed", r.kind()+"_id", r.id(), "target", r.target(), "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		if err := e.Repo.DropTargetLease(ctx, nil, r.target(), r.id(), holder); err != nil {
			e.log().Warn("lease release failed", r.kind()+"_id", r.id(), "target", r.target(), "err", err)
		}
	}, nil
}

// ownerLive reports whether ownerID is being driven, by this process or by
// another one holding an unexpired lease on target.
func (e Engine) ownerLive(ctx context.Context, target, ownerID string) (bool, error) {
	if e.live.driving(ownerID) {
		return true, nil
	}
	lock, err := e.Repo.GetTargetLock(ctx, target)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return leaseLive(lock, ownerID, e.live.holderID(), e.now()), nil
}

// leaseLive is false for a lease this process wrote but no longer drives:
// that driver has returned without clearing it.
func leaseLive(lock domain.TargetLock, ownerID, self string, now time.Time) bool {
	if lock.OwnerID != ownerID || lock.LeaseExpiresAt == nil || lock.LeaseHolder == self {
		return false
	}
	expires, err := time.Parse(time.RFC3339Nano, *lock.LeaseExpiresAt)
	if err != nil {
		return false
	}
	return now.Before(expires)
}
