package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/counter-pulse/internal/provider"
)

var errSubscriptionClosed = errors.New("account subscription closed")

// Watch subscribes to identity changes and applies them until ctx ends or
// the subscription fails. Only one watcher may ever run per manager.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return ErrAlreadyWatching
	}
	m.watching = true
	m.mu.Unlock()

	p, err := m.awaitProvider(ctx)
	if err != nil {
		return err
	}

	ch := make(chan []common.Address, 8)
	sub, err := p.SubscribeAccounts(ctx, ch)
	if err != nil {
		return fmt.Errorf("subscribe accounts: %w", err)
	}
	defer sub.Unsubscribe()

	m.logger.Info("watching account changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errSubscriptionClosed
			}
			return fmt.Errorf("account subscription: %w", err)
		case accounts := <-ch:
			m.AccountsChanged(ctx, accounts)
		}
	}
}

// awaitProvider blocks until a provider is present. Without a Dialer a
// missing provider never appears, so it fails at once.
func (m *Manager) awaitProvider(ctx context.Context) (provider.Provider, error) {
	if m.dial == nil {
		m.mu.Lock()
		p := m.provider
		m.mu.Unlock()
		if p == nil {
			return nil, ErrProviderUnavailable
		}
		return p, nil
	}

	select {
	case <-m.dialed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider, nil
}

// AccountsChanged applies one identity-change notification: a non-empty
// list re-runs the full connect sequence, an empty one tears the session
// down.
func (m *Manager) AccountsChanged(ctx context.Context, accounts []common.Address) {
	if len(accounts) == 0 {
		m.logger.Info("wallet reported no accounts")
		m.teardown()
		return
	}

	m.logger.Info("wallet accounts changed", "active", accounts[0].Hex())
	if err := m.Connect(ctx); err != nil {
		m.logger.Debug("reconnect after account change did not complete", "error", err)
	}
}
