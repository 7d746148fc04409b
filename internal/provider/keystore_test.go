package provider

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testPassphraseEnv = "COUNTER_TEST_PASSPHRASE"

func newTestKeystore(t *testing.T) (*Keystore, *keystore.KeyStore) {
	t.Helper()
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	cfg := DefaultConfig()
	cfg.Mode = ModeKeystore
	cfg.PassphraseEnv = testPassphraseEnv
	return NewKeystore(ks, nil, big.NewInt(testChainID), &cfg, nil), ks
}

func TestKeystore_NoAccounts(t *testing.T) {
	k, _ := newTestKeystore(t)
	if _, err := k.RequestAccounts(context.Background()); err == nil {
		t.Fatal("expected error for empty keystore")
	}
}

func TestKeystore_UnlockAndSign(t *testing.T) {
	k, ks := newTestKeystore(t)
	acct, err := ks.NewAccount("correct horse")
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	t.Setenv(testPassphraseEnv, "correct horse")

	accounts, err := k.RequestAccounts(context.Background())
	if err != nil {
		t.Fatalf("RequestAccounts failed: %v", err)
	}
	if len(accounts) != 1 || accounts[0] != acct.Address {
		t.Fatalf("accounts = %v, want [%s]", accounts, acct.Address.Hex())
	}

	opts, err := k.Signer(context.Background(), acct.Address)
	if err != nil {
		t.Fatalf("Signer failed: %v", err)
	}
	signed, err := opts.Signer(acct.Address, testTx())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(testChainID)), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != acct.Address {
		t.Errorf("sender = %s, want %s", sender.Hex(), acct.Address.Hex())
	}
}

func TestKeystore_WrongPassphrase(t *testing.T) {
	k, ks := newTestKeystore(t)
	if _, err := ks.NewAccount("correct horse"); err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	t.Setenv(testPassphraseEnv, "battery staple")

	if _, err := k.RequestAccounts(context.Background()); err == nil {
		t.Fatal("expected unlock failure")
	}
}

func TestKeystore_ConfiguredAccount(t *testing.T) {
	k, ks := newTestKeystore(t)
	if _, err := ks.NewAccount("a"); err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	second, err := ks.NewAccount("b")
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	k.cfg.Account = second.Address.Hex()
	t.Setenv(testPassphraseEnv, "b")

	accounts, err := k.RequestAccounts(context.Background())
	if err != nil {
		t.Fatalf("RequestAccounts failed: %v", err)
	}
	if accounts[0] != second.Address {
		t.Errorf("active = %s, want %s", accounts[0].Hex(), second.Address.Hex())
	}
}

func TestKeystore_DroppedAccountNotifiesEmpty(t *testing.T) {
	k, ks := newTestKeystore(t)
	acct, err := ks.NewAccount("pw")
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	t.Setenv(testPassphraseEnv, "pw")
	if _, err := k.RequestAccounts(context.Background()); err != nil {
		t.Fatalf("RequestAccounts failed: %v", err)
	}

	ch := make(chan []common.Address, 4)
	sub, err := k.SubscribeAccounts(context.Background(), ch)
	if err != nil {
		t.Fatalf("SubscribeAccounts failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := ks.Delete(acct, "pw"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	select {
	case got := <-ch:
		if len(got) != 0 {
			t.Errorf("accounts = %v, want empty", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for account drop")
	}
}
