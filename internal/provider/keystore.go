package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
)

// Keystore is a provider backed by a local encrypted keystore directory and a
// chain node. Authenticating unlocks the configured account.
type Keystore struct {
	cfg    *Config
	logger *slog.Logger

	ks      *keystore.KeyStore
	backend Backend
	chainID *big.Int

	mu      sync.RWMutex
	account accounts.Account
}

// OpenKeystore dials cfg.NodeURL and opens the keystore at cfg.KeystoreDir.
func OpenKeystore(ctx context.Context, cfg *Config, logger *slog.Logger) (*Keystore, error) {
	if cfg.KeystoreDir == "" {
		return nil, fmt.Errorf("%w: keystore directory not configured", ErrUnavailable)
	}
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("%w: node URL not configured", ErrUnavailable)
	}

	logger.Info("connecting to chain node", "url", maskURL(cfg.NodeURL), "keystore", cfg.KeystoreDir)

	client, err := ethclient.DialContext(ctx, cfg.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial node: %w", ErrUnavailable, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: get chain ID: %w", ErrUnavailable, err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", cfg.ChainID, chainID.Uint64())
	}

	ks := keystore.NewKeyStore(cfg.KeystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
	return NewKeystore(ks, client, chainID, cfg, logger), nil
}

// NewKeystore wraps an opened keystore and chain backend.
func NewKeystore(ks *keystore.KeyStore, backend Backend, chainID *big.Int, cfg *Config, logger *slog.Logger) *Keystore {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keystore{
		cfg:     cfg,
		logger:  logger.With("component", "keystore-provider"),
		ks:      ks,
		backend: backend,
		chainID: chainID,
	}
}

func (k *Keystore) resolveAccount() (accounts.Account, error) {
	if k.cfg.Account == "" {
		all := k.ks.Accounts()
		if len(all) == 0 {
			return accounts.Account{}, ErrNoAccounts
		}
		return all[0], nil
	}
	if !common.IsHexAddress(k.cfg.Account) {
		return accounts.Account{}, fmt.Errorf("invalid account address %q", k.cfg.Account)
	}
	acct, err := k.ks.Find(accounts.Account{Address: common.HexToAddress(k.cfg.Account)})
	if err != nil {
		return accounts.Account{}, fmt.Errorf("%w: %w", ErrNoAccounts, err)
	}
	return acct, nil
}

// RequestAccounts unlocks the configured account with the passphrase held in
// the environment variable named by cfg.PassphraseEnv.
func (k *Keystore) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acct, err := k.resolveAccount()
	if err != nil {
		return nil, err
	}

	if err := k.ks.Unlock(acct, os.Getenv(k.cfg.PassphraseEnv)); err != nil {
		return nil, fmt.Errorf("unlock %s: %w", acct.Address.Hex(), err)
	}

	k.mu.Lock()
	k.account = acct
	k.mu.Unlock()

	k.logger.Info("account unlocked", "address", acct.Address.Hex())
	return []common.Address{acct.Address}, nil
}

func (k *Keystore) Backend() Backend {
	return k.backend
}

func (k *Keystore) Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	acct, err := k.ks.Find(accounts.Account{Address: account})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", account.Hex(), err)
	}
	opts, err := bind.NewKeyStoreTransactorWithChainID(k.ks, acct, k.chainID)
	if err != nil {
		return nil, fmt.Errorf("keystore transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// activeAccounts reports the unlocked account while its key file is still
// present in the keystore.
func (k *Keystore) activeAccounts() []common.Address {
	k.mu.RLock()
	acct := k.account
	k.mu.RUnlock()

	if acct.Address == (common.Address{}) || !k.ks.HasAddress(acct.Address) {
		return []common.Address{}
	}
	return []common.Address{acct.Address}
}

// SubscribeAccounts translates keystore wallet arrivals and drops into
// account lists.
func (k *Keystore) SubscribeAccounts(ctx context.Context, ch chan<- []common.Address) (ethereum.Subscription, error) {
	walletEvents := make(chan accounts.WalletEvent, 16)
	ksSub := k.ks.Subscribe(walletEvents)

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer ksSub.Unsubscribe()
		for {
			select {
			case ev := <-walletEvents:
				if ev.Kind == accounts.WalletOpened {
					continue
				}
				select {
				case ch <- k.activeAccounts():
				case <-quit:
					return nil
				}
			case err := <-ksSub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (k *Keystore) Close() {
	if c, ok := k.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

var _ Provider = (*Keystore)(nil)
