package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/marko911/counter-pulse/internal/contract"
	"github.com/marko911/counter-pulse/internal/provider"
)

var (
	addrA = common.HexToAddress("0x000000000000000000000000000000000000AAA0")
	addrB = common.HexToAddress("0x000000000000000000000000000000000000BBB0")
)

type fakeProvider struct {
	mu         sync.Mutex
	accounts   []common.Address
	requestErr error
	signerErr  error
	requests   int

	subCh      chan<- []common.Address
	subscribed chan struct{}
}

func newFakeProvider(accounts ...common.Address) *fakeProvider {
	return &fakeProvider{
		accounts:   accounts,
		subscribed: make(chan struct{}),
	}
}

func (p *fakeProvider) setAccounts(accounts ...common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = accounts
}

func (p *fakeProvider) setRequestErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestErr = err
}

func (p *fakeProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.requestErr != nil {
		return nil, p.requestErr
	}
	return append([]common.Address(nil), p.accounts...), nil
}

func (p *fakeProvider) Backend() provider.Backend {
	return nil
}

func (p *fakeProvider) Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	if p.signerErr != nil {
		return nil, p.signerErr
	}
	return &bind.TransactOpts{
		From: account,
		Signer: func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
			return tx, nil
		},
	}, nil
}

func (p *fakeProvider) SubscribeAccounts(ctx context.Context, ch chan<- []common.Address) (ethereum.Subscription, error) {
	p.mu.Lock()
	p.subCh = ch
	p.mu.Unlock()
	close(p.subscribed)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (p *fakeProvider) Close() {}

// fakeChain is the remote program shared by all bindings.
type fakeChain struct {
	mu         sync.Mutex
	owner      common.Address
	counter    *big.Int
	ownerErr   error
	counterErr error
	sendErr    error
	status     uint64
	reason     string
	hold       chan struct{}

	readHold    chan struct{}
	readStarted chan struct{}
	nonce       uint64
	pending     map[common.Hash]contract.Op
	bindings    []*fakeBinding
}

func newFakeChain(owner common.Address, counter int64) *fakeChain {
	return &fakeChain{
		owner:   owner,
		counter: big.NewInt(counter),
		status:  types.ReceiptStatusSuccessful,
		pending: make(map[common.Hash]contract.Op),
	}
}

func (c *fakeChain) binder(backend provider.Backend, signer *bind.TransactOpts) (Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &fakeBinding{chain: c, signer: signer.From}
	c.bindings = append(c.bindings, b)
	return b, nil
}

func (c *fakeChain) set(fn func(c *fakeChain)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeChain) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter.Int64()
}

type fakeBinding struct {
	chain   *fakeChain
	signer  common.Address
	revoked atomic.Bool
}

func (b *fakeBinding) Signer() common.Address { return b.signer }

func (b *fakeBinding) Owner(ctx context.Context) (common.Address, error) {
	if b.revoked.Load() {
		return common.Address{}, contract.ErrRevoked
	}
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	if b.chain.ownerErr != nil {
		return common.Address{}, b.chain.ownerErr
	}
	return b.chain.owner, nil
}

// GetCounter observes the chain when called. With readHold set, the result
// is delivered only once the hold is released.
func (b *fakeBinding) GetCounter(ctx context.Context) (*big.Int, error) {
	if b.revoked.Load() {
		return nil, contract.ErrRevoked
	}
	b.chain.mu.Lock()
	hold, started := b.chain.readHold, b.chain.readStarted
	err := b.chain.counterErr
	value := new(big.Int).Set(b.chain.counter)
	b.chain.mu.Unlock()

	if hold != nil {
		if started != nil {
			started <- struct{}{}
		}
		<-hold
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *fakeBinding) Transact(ctx context.Context, op contract.Op) (*types.Transaction, error) {
	if b.revoked.Load() {
		return nil, contract.ErrRevoked
	}
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	if b.chain.sendErr != nil {
		return nil, b.chain.sendErr
	}
	if op == contract.OpReset && b.signer != b.chain.owner {
		return nil, errors.New("execution reverted: caller is not the owner")
	}
	b.chain.nonce++
	tx := types.NewTx(&types.LegacyTx{Nonce: b.chain.nonce, Gas: 50000, GasPrice: big.NewInt(1)})
	b.chain.pending[tx.Hash()] = op
	return tx, nil
}

func (b *fakeBinding) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	b.chain.mu.Lock()
	hold := b.chain.hold
	b.chain.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	op := b.chain.pending[tx.Hash()]
	delete(b.chain.pending, tx.Hash())

	if b.chain.status == types.ReceiptStatusSuccessful {
		switch op {
		case contract.OpIncrement:
			b.chain.counter.Add(b.chain.counter, big.NewInt(1))
		case contract.OpDecrement:
			b.chain.counter.Sub(b.chain.counter, big.NewInt(1))
		case contract.OpReset:
			b.chain.counter.SetInt64(0)
		}
	}
	return &types.Receipt{Status: b.chain.status, TxHash: tx.Hash(), BlockNumber: big.NewInt(10)}, nil
}

func (b *fakeBinding) RevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	return b.chain.reason
}

func (b *fakeBinding) Revoke() { b.revoked.Store(true) }

func newTestManager(p provider.Provider, chain *fakeChain) *Manager {
	return NewManager(p, WithBinder(chain.binder))
}

// waitFor drains snapshots until pred holds.
func waitFor(t *testing.T, ch <-chan Snapshot, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if pred(snap) {
				return snap
			}
		case <-timeout:
			t.Fatal("timed out waiting for snapshot")
			return Snapshot{}
		}
	}
}

// checkConsistent asserts the session, binding and ownership invariant on
// the live state.
func checkConsistent(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, b, o := m.state.Session != nil, m.state.Binding != nil, m.state.Ownership != nil
	if s != b || b != o {
		t.Fatalf("partial session state: session=%v binding=%v ownership=%v", s, b, o)
	}
}
