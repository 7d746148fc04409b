// Package session owns the wallet-contract session: the authenticated
// identity, the contract binding derived from it, the observed counter and
// the single in-flight write.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/marko911/counter-pulse/internal/provider"
)

// Manager mediates every read and write against the counter program and
// keeps State consistent with the asynchronous results.
type Manager struct {
	binder Binder
	logger *slog.Logger
	now    func() time.Time
	dial   Dialer

	mu       sync.Mutex
	provider provider.Provider
	dialed   chan struct{} // closed once a provider is present
	state    State
	seq      uint64
	attempts uint64
	watching bool

	// pub is held from state change through feed delivery, so subscribers
	// receive snapshots in Seq order. Lock order: pub, then mu.
	pub  sync.Mutex
	feed event.Feed
}

// Dialer obtains a provider on demand.
type Dialer func(ctx context.Context) (provider.Provider, error)

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBinder replaces the contract binder.
func WithBinder(b Binder) Option {
	return func(m *Manager) {
		if b != nil {
			m.binder = b
		}
	}
}

// WithDialer lets Connect dial a provider when none is present yet, so a
// wallet that was unreachable at startup can still be used later.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager for p. A nil provider is allowed; Connect
// then dials one through the configured Dialer, or fails with
// ErrProviderUnavailable when there is none.
func NewManager(p provider.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: p,
		dialed:   make(chan struct{}),
		binder:   ContractBinder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if p != nil {
		close(m.dialed)
	}
	m.logger = m.logger.With("component", "session-manager")
	return m
}

// acquireProvider returns the current provider, dialing one if needed.
func (m *Manager) acquireProvider(ctx context.Context) (provider.Provider, error) {
	m.mu.Lock()
	p := m.provider
	m.mu.Unlock()
	if p != nil {
		return p, nil
	}
	if m.dial == nil {
		return nil, provider.ErrUnavailable
	}

	p, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	if p == nil {
		return nil, provider.ErrUnavailable
	}

	m.mu.Lock()
	if m.provider != nil {
		existing := m.provider
		m.mu.Unlock()
		p.Close()
		return existing, nil
	}
	m.provider = p
	close(m.dialed)
	m.mu.Unlock()

	m.logger.Info("wallet provider dialed")
	return p, nil
}

// Close releases the provider, including one dialed on demand.
func (m *Manager) Close() {
	m.mu.Lock()
	p := m.provider
	m.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.snapshot(m.seq, "")
}

// SubscribeState delivers a snapshot after every state change. Receivers
// must drain ch promptly; delivery blocks the publishing operation.
func (m *Manager) SubscribeState(ch chan<- Snapshot) event.Subscription {
	return m.feed.Subscribe(ch)
}

// update applies fn under the state lock and publishes the result.
func (m *Manager) update(cause Cause, fn func(s *State)) Snapshot {
	snap, _ := m.commit(cause, func(s *State) bool {
		fn(s)
		return true
	})
	return snap
}

// commit applies fn under the state lock. When fn reports a change, the
// snapshot is numbered and delivered before any later commit publishes.
func (m *Manager) commit(cause Cause, fn func(s *State) bool) (Snapshot, bool) {
	m.pub.Lock()
	defer m.pub.Unlock()

	m.mu.Lock()
	if !fn(&m.state) {
		m.mu.Unlock()
		return Snapshot{}, false
	}
	m.seq++
	snap := m.state.snapshot(m.seq, cause)
	m.mu.Unlock()

	m.feed.Send(snap)
	return snap, true
}

func (m *Manager) fail(cause Cause, opErr *OpError) *OpError {
	m.update(cause, func(s *State) {
		s.Err = opErr
	})
	m.logger.Warn("operation failed",
		"kind", opErr.KindName(),
		"message", opErr.Message,
		"error", opErr.Err,
	)
	return opErr
}

// Connect authenticates with the provider, binds the contract to the
// resulting signer, reads the owner and then the counter. A failed attempt
// leaves any prior session in place. Only the most recent attempt may
// install its session; older ones return ErrSuperseded.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.update(CauseConnecting, func(s *State) {
		s.Err = nil
	})

	p, err := m.acquireProvider(ctx)
	if err != nil {
		return m.fail(CauseConnectFailed, connectError(err))
	}

	accounts, err := p.RequestAccounts(ctx)
	if err != nil {
		return m.fail(CauseConnectFailed, connectError(err))
	}
	if len(accounts) == 0 {
		return m.fail(CauseConnectFailed, connectError(provider.ErrNoAccounts))
	}
	address := accounts[0]

	signer, err := p.Signer(ctx, address)
	if err != nil {
		return m.fail(CauseConnectFailed, connectError(err))
	}

	binding, err := m.binder(p.Backend(), signer)
	if err != nil {
		return m.fail(CauseConnectFailed, connectError(err))
	}

	owner, err := binding.Owner(ctx)
	if err != nil {
		binding.Revoke()
		return m.fail(CauseConnectFailed, &OpError{Kind: ErrReadFailed, Message: msgOwnerReadFailed, Err: err})
	}

	if !m.install(attempt, address, signer, binding, owner) {
		binding.Revoke()
		m.logger.Info("discarding superseded connect attempt", "address", address.Hex())
		return ErrSuperseded
	}

	m.logger.Info("session established",
		"address", address.Hex(),
		"owner", owner.Hex(),
		"is_owner", owner == address,
	)

	// Read-after-connect. A failure is surfaced in state and does not undo
	// the session.
	_ = m.SyncCounter(ctx)
	return nil
}

// install replaces session, binding and ownership together. The previous
// binding is revoked before the lock is released.
func (m *Manager) install(attempt uint64, address common.Address, signer *bind.TransactOpts, binding Binding, owner common.Address) bool {
	_, installed := m.commit(CauseConnected, func(s *State) bool {
		if attempt != m.attempts {
			return false
		}
		if s.Binding != nil {
			s.Binding.Revoke()
		}
		s.Version++
		s.Session = &Session{Address: address, Signer: signer}
		s.Binding = binding
		s.Ownership = &Ownership{Owner: owner, IsOwner: owner == address}
		return true
	})
	return installed
}

// teardown clears session, binding and ownership together. Any connect
// attempt still in progress is superseded. An in-flight transaction is left
// to resolve on its own.
func (m *Manager) teardown() {
	var address common.Address
	_, cleared := m.commit(CauseDisconnected, func(s *State) bool {
		m.attempts++
		if s.Session == nil && s.Binding == nil && s.Ownership == nil {
			return false
		}
		if s.Binding != nil {
			s.Binding.Revoke()
		}
		if s.Session != nil {
			address = s.Session.Address
		}
		s.Version++
		s.Session = nil
		s.Binding = nil
		s.Ownership = nil
		return true
	})
	if cleared {
		m.logger.Info("session cleared", "address", address.Hex())
	}
}
