package contract

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

var testChainID = big.NewInt(1337)

// fakeBackend serves the counter program from memory.
type fakeBackend struct {
	mu         sync.Mutex
	owner      common.Address
	counter    *big.Int
	callErr    error
	gasErr     error
	onEstimate func()
	status     uint64
	nonce      uint64
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	calls      []*big.Int
}

func newFakeBackend(owner common.Address, counter int64) *fakeBackend {
	return &fakeBackend{
		owner:    owner,
		counter:  big.NewInt(counter),
		status:   types.ReceiptStatusSuccessful,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, blockNumber)
	if b.callErr != nil {
		return nil, b.callErr
	}
	if len(call.Data) < 4 {
		return nil, errors.New("missing selector")
	}
	method, err := counterABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case MethodOwner:
		return method.Outputs.Pack(b.owner)
	case MethodCounter, MethodGetCounter:
		return method.Outputs.Pack(new(big.Int).Set(b.counter))
	default:
		return nil, nil
	}
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(10)}, nil
}

func (b *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if b.onEstimate != nil {
		b.onEstimate()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gasErr != nil {
		return 0, b.gasErr
	}
	return 30_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonce++
	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      b.status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(11),
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (b *fakeBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

// revertError mimics the JSON-RPC error a node returns for a reverted call.
type revertError struct {
	data string
}

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func packRevert(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("new type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack reason: %v", err)
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, *bind.TransactOpts) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, testChainID)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	return key, opts
}
