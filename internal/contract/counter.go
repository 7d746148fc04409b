package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/counter-pulse/internal/provider"
)

var (
	ErrRevoked   = errors.New("binding revoked: session changed")
	ErrUnknownOp = errors.New("unknown counter operation")
	ErrNoSigner  = errors.New("signing capability required")
)

// Counter is the counter interface bound to Address and one signer. It is
// immutable apart from revocation.
type Counter struct {
	address  common.Address
	backend  provider.Backend
	contract *bind.BoundContract
	opts     bind.TransactOpts

	revoked atomic.Bool
}

// New binds the interface to Address for signer.
func New(backend provider.Backend, signer *bind.TransactOpts) (*Counter, error) {
	if backend == nil {
		return nil, errors.New("contract backend is required")
	}
	if signer == nil || signer.Signer == nil {
		return nil, ErrNoSigner
	}

	c := &Counter{
		address: TargetAddress(),
		backend: backend,
		opts:    *signer,
	}

	sign := signer.Signer
	c.opts.Signer = func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
		if c.revoked.Load() {
			return nil, ErrRevoked
		}
		return sign(from, tx)
	}
	c.contract = bind.NewBoundContract(c.address, counterABI, backend, backend, backend)
	return c, nil
}

// Address returns the bound program address.
func (c *Counter) Address() common.Address {
	return c.address
}

// Signer returns the identity writes are signed under.
func (c *Counter) Signer() common.Address {
	return c.opts.From
}

// Revoke invalidates the binding. Calls in progress that have not reached
// signing yet fail with ErrRevoked.
func (c *Counter) Revoke() {
	c.revoked.Store(true)
}

func (c *Counter) Revoked() bool {
	return c.revoked.Load()
}

func (c *Counter) call(ctx context.Context, method string) (interface{}, error) {
	if c.revoked.Load() {
		return nil, ErrRevoked
	}

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: c.opts.From}
	if err := c.contract.Call(opts, &out, method); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("call %s: expected 1 result, got %d", method, len(out))
	}
	return out[0], nil
}

func (c *Counter) readUint(ctx context.Context, method string) (*big.Int, error) {
	v, err := c.call(ctx, method)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return nil, fmt.Errorf("call %s: unexpected result type %T", method, v)
	}
	return n, nil
}

// Owner reads the program owner.
func (c *Counter) Owner(ctx context.Context) (common.Address, error) {
	v, err := c.call(ctx, MethodOwner)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("call %s: unexpected result type %T", MethodOwner, v)
	}
	return addr, nil
}

// Counter reads the public counter variable.
func (c *Counter) Counter(ctx context.Context) (*big.Int, error) {
	return c.readUint(ctx, MethodCounter)
}

// GetCounter reads the counter through its getter.
func (c *Counter) GetCounter(ctx context.Context) (*big.Int, error) {
	return c.readUint(ctx, MethodGetCounter)
}

// Transact signs and sends op. It returns once the transaction has been
// accepted by the provider, not once it is included.
func (c *Counter) Transact(ctx context.Context, op Op) (*types.Transaction, error) {
	method, err := op.Method()
	if err != nil {
		return nil, err
	}
	if c.revoked.Load() {
		return nil, ErrRevoked
	}

	opts := c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method)
	if err != nil {
		return nil, fmt.Errorf("transact %s: %w", method, err)
	}
	return tx, nil
}

// WaitMined blocks until tx is included. There is no client-side timeout;
// only ctx ends the wait.
func (c *Counter) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.backend, tx)
}

// RevertReason replays a failed transaction against the state preceding its
// block and returns the reason the program gave, if any.
func (c *Counter) RevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:  c.opts.From,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}

	var block *big.Int
	if receipt != nil && receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}

	if _, err := c.backend.CallContract(ctx, msg, block); err != nil {
		reason, _ := Reason(err)
		return reason
	}
	return ""
}

const revertedPrefix = "execution reverted"

// Reason extracts a revert reason from a provider error. The boolean reports
// whether the error represents a revert by the remote program.
func Reason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := revertData(dataErr.ErrorData()); ok {
			if reason, uerr := abi.UnpackRevert(data); uerr == nil {
				return reason, true
			}
			return revertedPrefix, true
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, revertedPrefix); i >= 0 {
		rest := strings.TrimPrefix(msg[i:], revertedPrefix)
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		if rest == "" {
			return revertedPrefix, true
		}
		return rest, true
	}
	return "", false
}

func revertData(v interface{}) ([]byte, bool) {
	switch d := v.(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil || len(b) == 0 {
			return nil, false
		}
		return b, true
	case []byte:
		return d, len(d) > 0
	case hexutil.Bytes:
		return d, len(d) > 0
	default:
		return nil, false
	}
}
