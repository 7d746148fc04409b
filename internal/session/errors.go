package session

import (
	"errors"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/counter-pulse/internal/contract"
	"github.com/marko911/counter-pulse/internal/provider"
)

// Failure kinds surfaced to the user. Every failure is wrapped in an
// *OpError whose Kind is one of these.
var (
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrReadFailed           = errors.New("read failed")
	ErrSubmissionFailed     = errors.New("submission failed")
	ErrExecutionFailed      = errors.New("execution failed")
)

// Refusals. These never touch session state.
var (
	ErrBusy            = errors.New("a transaction is already in flight")
	ErrNotConnected    = errors.New("no active session")
	ErrSuperseded      = errors.New("superseded by a newer session change")
	ErrAlreadyWatching = errors.New("account watcher already running")
)

const (
	msgProviderUnavailable = "No wallet provider is available. Install or configure a wallet first."
	msgAuthFailed          = "Failed to connect the wallet. Please try again."
	msgOwnerReadFailed     = "Failed to read the contract owner."
	msgCounterReadFailed   = "Failed to load the counter value."
	msgTxFallback          = "Transaction failed. Check the logs for details."
	msgSessionChanged      = "The wallet account changed before the transaction was signed."
	msgWaitInterrupted     = "Stopped waiting for the transaction confirmation."
)

// OpError is a failure captured at the boundary where it occurred, carrying
// the single message shown to the user.
type OpError struct {
	Kind    error
	Message string
	Err     error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Err.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindName returns the taxonomy name of the failure.
func (e *OpError) KindName() string {
	switch e.Kind {
	case ErrProviderUnavailable:
		return "ProviderUnavailable"
	case ErrAuthenticationFailed:
		return "AuthenticationFailed"
	case ErrReadFailed:
		return "ReadFailed"
	case ErrSubmissionFailed:
		return "SubmissionFailed"
	case ErrExecutionFailed:
		return "ExecutionFailed"
	default:
		return "Unknown"
	}
}

func connectError(err error) *OpError {
	if errors.Is(err, provider.ErrUnavailable) {
		return &OpError{Kind: ErrProviderUnavailable, Message: msgProviderUnavailable, Err: err}
	}
	return &OpError{Kind: ErrAuthenticationFailed, Message: msgAuthFailed, Err: err}
}

// submissionError classifies a failure to get a write accepted. A revert
// during submission (gas estimation) is the remote program refusing the
// call and is reported as an execution failure.
func submissionError(err error) *OpError {
	if errors.Is(err, contract.ErrRevoked) {
		return &OpError{Kind: ErrSubmissionFailed, Message: msgSessionChanged, Err: err}
	}
	if reason, reverted := contract.Reason(err); reverted {
		return &OpError{Kind: ErrExecutionFailed, Message: reason, Err: err}
	}
	return &OpError{Kind: ErrSubmissionFailed, Message: providerReason(err), Err: err}
}

func executionError(reason string) *OpError {
	if reason == "" {
		reason = msgTxFallback
	}
	return &OpError{Kind: ErrExecutionFailed, Message: reason}
}

// providerReason returns the wallet-supplied message when there is one.
func providerReason(err error) string {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.Error() != "" {
		return rpcErr.Error()
	}
	return msgTxFallback
}
