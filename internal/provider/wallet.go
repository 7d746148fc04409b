package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Wallet talks to an EIP-1193 style wallet bridge over JSON-RPC. Chain calls
// are proxied through the same endpoint, signing is delegated to the wallet
// with eth_signTransaction.
type Wallet struct {
	cfg    *Config
	logger *slog.Logger

	mu        sync.RWMutex
	rpcClient *rpc.Client
	client    *ethclient.Client
	chainID   *big.Int
	closed    bool
}

type signArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Input                hexutil.Bytes   `json:"input"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

type signResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

// DialWallet connects to the wallet bridge at cfg.URL.
func DialWallet(ctx context.Context, cfg *Config, logger *slog.Logger) (*Wallet, error) {
	logger.Info("connecting to wallet", "url", maskURL(cfg.URL))

	rpcClient, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial wallet: %w", ErrUnavailable, err)
	}

	w, err := NewWalletWithClient(ctx, rpcClient, cfg, logger)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	return w, nil
}

// NewWalletWithClient wraps an already established RPC client.
func NewWalletWithClient(ctx context.Context, rpcClient *rpc.Client, cfg *Config, logger *slog.Logger) (*Wallet, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := ethclient.NewClient(rpcClient)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: get chain ID: %w", ErrUnavailable, err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", cfg.ChainID, chainID.Uint64())
	}

	w := &Wallet{
		cfg:       cfg,
		logger:    logger.With("component", "wallet-provider"),
		rpcClient: rpcClient,
		client:    client,
		chainID:   chainID,
	}
	w.logger.Info("wallet connected", "chain_id", chainID.String())
	return w, nil
}

func (w *Wallet) conn() (*rpc.Client, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrUnavailable
	}
	return w.rpcClient, nil
}

// RequestAccounts issues eth_requestAccounts, which prompts the user to
// authorize the application if it has not been authorized yet.
func (w *Wallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	rc, err := w.conn()
	if err != nil {
		return nil, err
	}

	var accounts []common.Address
	if err := rc.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, fmt.Errorf("eth_requestAccounts: %w", classify(err))
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	w.logger.Debug("accounts granted", "count", len(accounts), "active", accounts[0].Hex())
	return accounts, nil
}

func (w *Wallet) Backend() Backend {
	return w.client
}

// Signer returns transaction options whose signing step is performed by the
// wallet on behalf of account.
func (w *Wallet) Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	if _, err := w.conn(); err != nil {
		return nil, err
	}

	return &bind.TransactOpts{
		From:    account,
		Context: ctx,
		Signer: func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if from != account {
				return nil, bind.ErrNotAuthorized
			}
			return w.signTransaction(from, tx)
		},
	}, nil
}

func (w *Wallet) signTransaction(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	rc, err := w.conn()
	if err != nil {
		return nil, err
	}

	args := signArgs{
		From:    from,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Input:   tx.Data(),
		ChainID: (*hexutil.Big)(w.chainID),
	}
	if tx.Type() == types.LegacyTxType {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	} else {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	}

	// Signing waits on the user and is not cancellable once requested.
	var res signResult
	if err := rc.CallContext(context.Background(), &res, "eth_signTransaction", args); err != nil {
		return nil, fmt.Errorf("eth_signTransaction: %w", classify(err))
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(res.Raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(w.chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("recover signer: %w", err)
	}
	if sender != from {
		return nil, fmt.Errorf("wallet signed with %s, expected %s", sender.Hex(), from.Hex())
	}
	if signed.Nonce() != tx.Nonce() || !sameRecipient(signed.To(), tx.To()) {
		return nil, errors.New("wallet altered the transaction while signing")
	}

	return signed, nil
}

func sameRecipient(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SubscribeAccounts subscribes to the wallet's accountsChanged notifications
// via wallet_subscribe.
func (w *Wallet) SubscribeAccounts(ctx context.Context, ch chan<- []common.Address) (ethereum.Subscription, error) {
	rc, err := w.conn()
	if err != nil {
		return nil, err
	}

	sub, err := rc.Subscribe(ctx, "wallet", ch, "accountsChanged")
	if err != nil {
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return nil, fmt.Errorf("account notifications require a WebSocket wallet URL: %w", err)
		}
		return nil, fmt.Errorf("subscribe accountsChanged: %w", classify(err))
	}
	return sub, nil
}

func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

func (w *Wallet) IsWebSocket() bool {
	return strings.HasPrefix(w.cfg.URL, "ws://") || strings.HasPrefix(w.cfg.URL, "wss://")
}

func (w *Wallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.rpcClient.Close()
	w.logger.Info("wallet connection closed")
}

var _ Provider = (*Wallet)(nil)
