// Package enroll implements delegated-consent enrollment: it hands out the
// authorization URL under a transient cache identity, completes the
// authorization-code exchange, records the subscriber and rebinds the cached
// credential blob to the resolved account.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"comebearing.dev/internal/audit"
	"comebearing.dev/internal/msauth"
	"comebearing.dev/internal/presence"
	"comebearing.dev/internal/tablestore"
)

// CodeExchanger is the slice of the credential client enrollment needs.
type CodeExchanger interface {
	AuthCodeURL(state string) string
	AcquireTokenByAuthCode(ctx context.Context, code string) (msauth.Token, error)
}

// CredentialFactory mints per-identity credential clients and migrates cache
// keys. Satisfied by FactoryAdapter over msauth.Factory.
type CredentialFactory interface {
	WithTransientIdentity() (CodeExchanger, string, error)
	ForIdentifier(identifier string) (CodeExchanger, error)
	SwitchTransientKeyToActual(ctx context.Context, transientID, actualID string) error
}

// FactoryAdapter exposes msauth.Factory under the enrollment interfaces.
type FactoryAdapter struct {
	Factory *msauth.Factory
}

func (a FactoryAdapter) WithTransientIdentity() (CodeExchanger, string, error) {
	return a.Factory.WithTransientIdentity()
}

func (a FactoryAdapter) ForIdentifier(identifier string) (CodeExchanger, error) {
	return a.Factory.ForIdentifier(identifier)
}

func (a FactoryAdapter) SwitchTransientKeyToActual(ctx context.Context, transientID, actualID string) error {
	return a.Factory.SwitchTransientKeyToActual(ctx, transientID, actualID)
}

// Service runs the two-step enrollment flow.
type Service struct {
	factory CredentialFactory
	store   tablestore.Store
}

// New wires the enrollment service over the subscriber store.
func New(factory CredentialFactory, store tablestore.Store) *Service {
	return &Service{factory: factory, store: store}
}

// Start mints a transient identity and returns the interactive authorization
// URL. The transient key rides in the OAuth state so Complete can find the
// cache blob the exchange produced.
func (s *Service) Start(ctx context.Context) (authURL, transientID string, err error) {
	client, transientID, err := s.factory.WithTransientIdentity()
	if err != nil {
		return "", "", err
	}
	return client.AuthCodeURL(transientID), transientID, nil
}

// Complete finishes enrollment: exchanges the authorization code under the
// transient identity, migrates the cache blob to the resolved account id and
// upserts the Subscriber Record. An occupied migration destination means the
// account is re-enrolling with a live cache already in place; the migration
// stays fail-closed and the existing blob remains authoritative.
func (s *Service) Complete(ctx context.Context, transientID, code string) (presence.Subscriber, error) {
	if !msauth.IsTransient(transientID) {
		return presence.Subscriber{}, fmt.Errorf("state %q is not a transient identity", transientID)
	}
	if strings.TrimSpace(code) == "" {
		return presence.Subscriber{}, errors.New("authorization code is required")
	}

	client, err := s.factory.ForIdentifier(transientID)
	if err != nil {
		return presence.Subscriber{}, err
	}
	token, err := client.AcquireTokenByAuthCode(ctx, code)
	if err != nil {
		return presence.Subscriber{}, fmt.Errorf("authorization code exchange: %w", err)
	}
	acct := token.Account

	err = s.factory.SwitchTransientKeyToActual(ctx, transientID, acct.HomeAccountID)
	switch {
	case errors.Is(err, tablestore.ErrExists):
		_ = audit.LogEvent(ctx, "enroll.cache_migration_skipped", map[string]any{
			"upn":        acct.UPN,
			"account_id": acct.HomeAccountID,
		})
	case err != nil:
		return presence.Subscriber{}, fmt.Errorf("rebind cache key: %w", err)
	default:
		_ = audit.LogEvent(ctx, "enroll.cache_migrated", map[string]any{
			"upn":        acct.UPN,
			"account_id": acct.HomeAccountID,
		})
	}

	sub := presence.Subscriber{
		AccountID: acct.HomeAccountID,
		ObjectID:  acct.ObjectID,
		UPN:       acct.UPN,
		TenantID:  acct.TenantID,
	}
	entity, err := sub.Entity()
	if err != nil {
		return presence.Subscriber{}, err
	}
	if err := s.store.Upsert(ctx, entity); err != nil {
		return presence.Subscriber{}, fmt.Errorf("record subscriber: %w", err)
	}

	_ = audit.LogEvent(ctx, "enroll.completed", map[string]any{
		"upn":       sub.UPN,
		"object_id": sub.ObjectID,
		"tenant_id": sub.TenantID,
	})
	return sub, nil
}
