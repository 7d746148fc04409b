// Package provider adapts an external wallet to the narrow capability set the
// session core needs: identity access, a chain connection handle, a signing
// capability and identity-change notifications.
package provider

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrUnavailable  = errors.New("wallet provider unavailable")
	ErrUserRejected = errors.New("user rejected the request")
	ErrNoAccounts   = errors.New("wallet returned no accounts")
)

// userRejectedCode is the EIP-1193 error code a wallet returns when the user
// declines a request.
const userRejectedCode = 4001

// Backend is the read/write capable connection handle produced by a provider.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type Provider interface {
	// RequestAccounts asks the wallet for access to its identities. The first
	// returned address is the active one.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// Backend returns the connection handle contract calls are dispatched on.
	Backend() Backend

	// Signer derives the signing capability for account.
	Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error)

	// SubscribeAccounts delivers the full list of active identities every
	// time the wallet reports a change. An empty list means disconnected.
	SubscribeAccounts(ctx context.Context, ch chan<- []common.Address) (ethereum.Subscription, error)

	Close()
}

// classify maps wallet-level RPC errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return errors.Join(ErrUserRejected, err)
	}
	if errors.Is(err, rpc.ErrClientQuit) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
