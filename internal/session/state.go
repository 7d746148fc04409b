package session

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/counter-pulse/internal/contract"
	"github.com/marko911/counter-pulse/internal/provider"
)

// Binding is the contract interface bound to the current signer.
// *contract.Counter implements it.
type Binding interface {
	Signer() common.Address
	Owner(ctx context.Context) (common.Address, error)
	GetCounter(ctx context.Context) (*big.Int, error)
	Transact(ctx context.Context, op contract.Op) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	RevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string
	Revoke()
}

// Binder builds a binding for a signer.
type Binder func(backend provider.Backend, signer *bind.TransactOpts) (Binding, error)

// ContractBinder binds the counter program.
func ContractBinder(backend provider.Backend, signer *bind.TransactOpts) (Binding, error) {
	c, err := contract.New(backend, signer)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Phase string

const (
	PhaseSubmitted Phase = "submitted"
	PhaseConfirmed Phase = "confirmed"
	PhaseFailed    Phase = "failed"
)

// Cause tags the state change a snapshot was published for.
type Cause string

const (
	CauseConnecting    Cause = "connecting"
	CauseConnected     Cause = "connected"
	CauseConnectFailed Cause = "connect_failed"
	CauseDisconnected  Cause = "disconnected"
	CauseCounterSynced Cause = "counter_synced"
	CauseReadFailed    Cause = "read_failed"
	CauseTxSubmitted   Cause = "tx_submitted"
	CauseTxSent        Cause = "tx_sent"
	CauseTxConfirmed   Cause = "tx_confirmed"
	CauseTxFailed      Cause = "tx_failed"
	CauseIdle          Cause = "idle"
)

type Session struct {
	Address common.Address
	Signer  *bind.TransactOpts
}

type Ownership struct {
	Owner   common.Address
	IsOwner bool
}

// Transaction is the single in-flight write.
type Transaction struct {
	ID          string      `json:"id"`
	Kind        contract.Op `json:"kind"`
	Phase       Phase       `json:"phase"`
	Hash        string      `json:"hash,omitempty"`
	Error       string      `json:"error,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// State is the whole session context. Session, Binding and Ownership are
// either all set or all nil. Version changes whenever they do.
type State struct {
	Version uint64

	Session   *Session
	Binding   Binding
	Ownership *Ownership

	Counter       *big.Int
	CounterSynced bool
	SyncedAt      time.Time

	Tx  *Transaction
	Err *OpError
}

// Snapshot is an immutable view of State for renderers.
type Snapshot struct {
	Seq     uint64 `json:"seq"`
	Version uint64 `json:"version"`
	Cause   Cause  `json:"cause"`

	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	Owner     string `json:"owner,omitempty"`
	IsOwner   bool   `json:"is_owner"`

	Counter       *big.Int  `json:"counter"`
	CounterSynced bool      `json:"counter_synced"`
	SyncedAt      time.Time `json:"synced_at,omitempty"`

	Busy        bool         `json:"busy"`
	Transaction *Transaction `json:"transaction,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// CanWrite reports whether increment and decrement controls are enabled.
func (s Snapshot) CanWrite() bool {
	return s.Connected && !s.Busy
}

// CanReset reports whether the owner-only reset control is enabled.
func (s Snapshot) CanReset() bool {
	return s.CanWrite() && s.IsOwner
}

func (s *State) snapshot(seq uint64, cause Cause) Snapshot {
	snap := Snapshot{
		Seq:           seq,
		Version:       s.Version,
		Cause:         cause,
		Connected:     s.Session != nil,
		Counter:       new(big.Int),
		CounterSynced: s.CounterSynced,
		SyncedAt:      s.SyncedAt,
		Busy:          s.Tx != nil,
	}
	if s.Session != nil {
		snap.Address = s.Session.Address.Hex()
	}
	if s.Ownership != nil {
		snap.Owner = s.Ownership.Owner.Hex()
		snap.IsOwner = s.Ownership.IsOwner
	}
	if s.Counter != nil {
		snap.Counter.Set(s.Counter)
	}
	if s.Tx != nil {
		tx := *s.Tx
		snap.Transaction = &tx
	}
	if s.Err != nil {
		snap.Error = s.Err.Message
		snap.ErrorKind = s.Err.KindName()
	}
	return snap
}
