// Package auth decides which actors may act for which ledger accounts.
//
// An account always acts for itself. Other actors need a delegation granted
// by the account, recorded in account_delegates.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/events"
	"ledgerflow/internal/repo"
)

// ForbiddenError indicates the actor may not act for the account.
type ForbiddenError struct {
	ActorID string
	Account string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not act for account %s", e.ActorID, e.Account)
}

// ErrUnauthenticated means no usable credential was presented.
var ErrUnauthenticated = errors.New("unauthenticated")

type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// CanActFor returns nil when actorID is the account or one of its delegates.
func (s Service) CanActFor(ctx context.Context, actorID, account string) error {
	if actorID == "" {
		return ErrUnauthenticated
	}
	if strings.EqualFold(actorID, account) {
		return nil
	}
	ok, err := s.Repo.IsDelegate(ctx, account, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{ActorID: actorID, Account: account}
	}
	return nil
}

// Grant lets delegate act for account. Only the account itself may grant.
func (s Service) Grant(ctx context.Context, grantedBy, account, delegate string) (domain.Delegate, error) {
	if !strings.EqualFold(grantedBy, account) {
		return domain.Delegate{}, ForbiddenError{ActorID: grantedBy, Account: account}
	}
	if delegate == "" {
		return domain.Delegate{}, errors.New("delegate actor required")
	}
	d := domain.Delegate{Account: account, ActorID: delegate, CreatedAt: s.stamp()}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertDelegate(ctx, tx, d); err != nil {
			return err
		}
		entry := events.Entry{Type: events.DelegateGranted, Account: account, EntityKind: "delegate", EntityID: delegate, ActorID: grantedBy}
		return s.writer().Append(ctx, tx, entry, events.EventPayload{"delegate": delegate})
	})
	return d, err
}

// Revoke removes a delegation. Revoking one that does not exist returns
// repo.ErrNotFound.
func (s Service) Revoke(ctx context.Context, revokedBy, account, delegate string) error {
	if !strings.EqualFold(revokedBy, account) {
		return ForbiddenError{ActorID: revokedBy, Account: account}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.DeleteDelegate(ctx, tx, account, delegate); err != nil {
			return err
		}
		entry := events.Entry{Type: events.DelegateRevoked, Account: account, EntityKind: "delegate", EntityID: delegate, ActorID: revokedBy}
		return s.writer().Append(ctx, tx, entry, events.EventPayload{"delegate": delegate})
	})
}

// IssueAPIKey creates a key for actorID. The plaintext key is only returned
// here; the store keeps its hash.
func (s Service) IssueAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor required")
	}
	raw, err := repo.GenerateAPIKey()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: s.stamp(),
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		entry := events.Entry{Type: events.APIKeyCreated, EntityKind: "api_key", EntityID: key.ID, ActorID: actorID}
		return s.writer().Append(ctx, tx, entry, events.EventPayload{"name": name})
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

// ResolveAPIKey returns the actor owning a plaintext key.
func (s Service) ResolveAPIKey(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", ErrUnauthenticated
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", err
	}
	return key.ActorID, nil
}

func (s Service) writer() events.Writer {
	w := s.Events
	if w.Now == nil {
		w.Now = s.now
	}
	return w
}

func (s Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
