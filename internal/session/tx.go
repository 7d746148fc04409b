package session

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/marko911/counter-pulse/internal/contract"
)

// Submit runs one write through Idle -> Submitted -> Confirmed|Failed -> Idle.
// It returns ErrBusy or ErrNotConnected without side effects when a write is
// already in flight or no binding exists; concurrent requests are refused,
// never queued. It blocks until the outcome is known.
//
// The owner-only restriction on reset is enforced by the program itself; a
// refused reset surfaces as ErrExecutionFailed.
func (m *Manager) Submit(ctx context.Context, op contract.Op) error {
	tx, binding, err := m.admit(op)
	if err != nil {
		return err
	}
	return m.run(ctx, tx, binding)
}

// Start is Submit with the outcome delivered on the returned channel.
// Refusals are still returned synchronously, so a nil error means the
// write was admitted.
func (m *Manager) Start(ctx context.Context, op contract.Op) (<-chan error, error) {
	tx, binding, err := m.admit(op)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- m.run(ctx, tx, binding)
	}()
	return done, nil
}

func (m *Manager) admit(op contract.Op) (*Transaction, Binding, error) {
	if _, err := op.Method(); err != nil {
		return nil, nil, err
	}

	tx, binding, err := m.begin(op)
	if err != nil {
		m.logger.Debug("write refused", "op", op, "reason", err)
		return nil, nil, err
	}
	return tx, binding, nil
}

func (m *Manager) run(ctx context.Context, tx *Transaction, binding Binding) error {
	op := tx.Kind
	m.logger.Info("submitting transaction", "tx_id", tx.ID, "op", op, "signer", binding.Signer().Hex())

	signed, err := binding.Transact(ctx, op)
	if err != nil {
		return m.finishFailed(tx, submissionError(err))
	}

	m.update(CauseTxSent, func(s *State) {
		if s.Tx == tx {
			s.Tx.Hash = signed.Hash().Hex()
		}
	})
	m.logger.Info("transaction sent", "tx_id", tx.ID, "tx_hash", signed.Hash().Hex())

	receipt, err := binding.WaitMined(ctx, signed)
	if err != nil {
		return m.finishFailed(tx, &OpError{Kind: ErrSubmissionFailed, Message: msgWaitInterrupted, Err: err})
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := binding.RevertReason(ctx, signed, receipt)
		return m.finishFailed(tx, executionError(reason))
	}

	m.update(CauseTxConfirmed, func(s *State) {
		if s.Tx == tx {
			s.Tx.Phase = PhaseConfirmed
		}
	})
	m.logger.Info("transaction confirmed",
		"tx_id", tx.ID,
		"tx_hash", signed.Hash().Hex(),
		"block", receipt.BlockNumber,
	)

	// Read-after-write through whichever binding is current now, which may
	// belong to a different identity than the submitter.
	_ = m.SyncCounter(ctx)

	m.update(CauseIdle, func(s *State) {
		if s.Tx == tx {
			s.Tx = nil
		}
	})
	return nil
}

func (m *Manager) Increment(ctx context.Context) error {
	return m.Submit(ctx, contract.OpIncrement)
}

func (m *Manager) Decrement(ctx context.Context) error {
	return m.Submit(ctx, contract.OpDecrement)
}

func (m *Manager) Reset(ctx context.Context) error {
	return m.Submit(ctx, contract.OpReset)
}

// begin is the entry guard: the controller must be idle and a binding must
// exist.
func (m *Manager) begin(op contract.Op) (*Transaction, Binding, error) {
	var (
		tx      *Transaction
		binding Binding
		refusal error
	)
	m.commit(CauseTxSubmitted, func(s *State) bool {
		if s.Tx != nil {
			refusal = ErrBusy
			return false
		}
		if s.Binding == nil {
			refusal = ErrNotConnected
			return false
		}
		binding = s.Binding
		tx = &Transaction{
			ID:          uuid.NewString(),
			Kind:        op,
			Phase:       PhaseSubmitted,
			SubmittedAt: m.now(),
		}
		s.Tx = tx
		s.Err = nil
		return true
	})
	if refusal != nil {
		return nil, nil, refusal
	}
	return tx, binding, nil
}

func (m *Manager) finishFailed(tx *Transaction, opErr *OpError) error {
	m.update(CauseTxFailed, func(s *State) {
		if s.Tx == tx {
			s.Tx.Phase = PhaseFailed
			s.Tx.Error = opErr.Message
		}
		s.Err = opErr
	})
	m.logger.Warn("transaction failed",
		"tx_id", tx.ID,
		"op", tx.Kind,
		"kind", opErr.KindName(),
		"reason", opErr.Message,
		"error", opErr.Err,
	)

	m.update(CauseIdle, func(s *State) {
		if s.Tx == tx {
			s.Tx = nil
		}
	})
	return opErr
}
