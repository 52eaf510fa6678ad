// Package chain wraps the on-chain task registry. Writes return only after
// the transaction is mined; reads never mutate.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"taskmarket/internal/domain"
)

var (
	// ErrTaskNotFound is returned by reads when the registry has no such task.
	ErrTaskNotFound = errors.New("task not found on chain")
	// ErrUnavailable wraps provider and network failures. Safe to retry.
	ErrUnavailable = errors.New("chain provider unavailable")
	// ErrDeadlineExceeded means the signed deadline passed before the
	// transaction was confirmed. The signature must not be reused.
	ErrDeadlineExceeded = errors.New("deadline passed before confirmation")
)

// RevertError is a transaction the registry refused. Retrying the same
// request will not help.
type RevertError struct {
	Method string
	Reason string
	TxHash string
}

func (e *RevertError) Error() string {
	msg := fmt.Sprintf("%s reverted", e.Method)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return msg
}

// UnconfirmedError is a transaction that was broadcast but whose receipt
// was never observed. It may still be mined; only Reconcile can tell, so
// callers must not retry it or report it as failed.
type UnconfirmedError struct {
	Method string
	TxHash string
	Err    error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("%s sent as %s but not confirmed: %v", e.Method, e.TxHash, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var unconfirmed *UnconfirmedError
	if errors.As(err, &unconfirmed) {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}

// TxRef identifies a confirmed transaction.
type TxRef struct {
	Hash        common.Hash
	BlockNumber uint64
}

func (r TxRef) Hex() string { return r.Hash.Hex() }

// Task is the registry's view of a task.
type Task struct {
	ID           common.Hash
	RewardAmount *big.Int
	Complexity   uint8
	Status       domain.Status
	Assignee     common.Address
	Title        string
}

// HasAssignee reports whether the registry recorded an assignee.
func (t Task) HasAssignee() bool {
	return t.Assignee != (common.Address{})
}

type CreateParams struct {
	TaskID       common.Hash
	RewardAmount *big.Int
	Complexity   uint8
	Title        string
}

// Validation is the outcome of validateSubmission. Valid=false is a
// confirmed transaction whose evidence was rejected.
type Validation struct {
	Tx    TxRef
	Valid bool
}

// Registry is the task registry as the engine uses it.
type Registry interface {
	CreateTask(ctx context.Context, p CreateParams) (TxRef, error)
	ClaimTask(ctx context.Context, taskID common.Hash, claimant common.Address, deadline time.Time, sig []byte) (TxRef, error)
	ValidateSubmission(ctx context.Context, taskID common.Hash, evidenceURL string, deadline time.Time, sig []byte) (Validation, error)
	CompleteTask(ctx context.Context, taskID common.Hash) (TxRef, error)

	GetTask(ctx context.Context, taskID common.Hash) (Task, error)
	IsTaskClaimable(ctx context.Context, taskID common.Hash) (bool, error)
	GetTaskAssignee(ctx context.Context, taskID common.Hash) (common.Address, error)
	GetTaskStatus(ctx context.Context, taskID common.Hash) (domain.Status, error)
	Nonces(ctx context.Context, addr common.Address) (*big.Int, error)
	DomainSeparator(ctx context.Context) (common.Hash, error)
}

// statusCodes is the registry enum order.
var statusCodes = []domain.Status{
	domain.StatusAvailable,
	domain.StatusClaimed,
	domain.StatusInProgress,
	domain.StatusSubmitted,
	domain.StatusValidated,
	domain.StatusCompleted,
	domain.StatusCancelled,
	domain.StatusExpired,
}

// StatusFromCode maps the registry enum to a status.
func StatusFromCode(code uint8) (domain.Status, error) {
	if int(code) >= len(statusCodes) {
		return "", fmt.Errorf("unknown registry status %d", code)
	}
	return statusCodes[code], nil
}

// StatusCode is the inverse of StatusFromCode.
func StatusCode(s domain.Status) (uint8, error) {
	for i, st := range statusCodes {
		if st == s {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("status %q has no registry code", s)
}

// TaskHash parses a 0x-prefixed 32-byte task id.
func TaskHash(id string) (common.Hash, error) {
	if !domain.ValidTaskID(id) {
		return common.Hash{}, fmt.Errorf("invalid task id %q", id)
	}
	return common.HexToHash(id), nil
}

// Address parses a hex address.
func Address(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr), nil
}

// withDeadline bounds ctx by the signed deadline and maps expiry to
// ErrDeadlineExceeded.
func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}
