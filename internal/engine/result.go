package engine

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"taskmarket/internal/chain"
	"taskmarket/internal/domain"
	"taskmarket/internal/signer"
)

// Kind classifies a failed orchestration.
type Kind string

const (
	KindPrecondition Kind = "precondition"
	KindAuthority    Kind = "authority"
	KindChain        Kind = "chain"
	KindRejected     Kind = "rejected"
	KindInternal     Kind = "internal"
)

// State is an orchestrator step.
type State string

const (
	StateIdle                 State = "idle"
	StateCheckingAvailability State = "checking_availability"
	StateCheckingClaimability State = "checking_claimability"
	StateCheckingAssignment   State = "checking_assignment"
	StateAuthorizing          State = "authorizing"
	StateSigning              State = "signing"
	StateSubmittingChainTx    State = "submitting_chain_tx"
	StateWritingStore         State = "writing_store"
	StateLoggingHistory       State = "logging_history"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

const (
	CodeTaskNotFound      = "task_not_found"
	CodeNotOnChain        = "not_on_chain"
	CodeNotAvailable      = "not_available"
	CodeAlreadyClaimed    = "already_claimed"
	CodeNotClaimable      = "not_claimable"
	CodeNotAssignee       = "not_assignee"
	CodeInvalidStatus     = "invalid_status"
	CodeInvalidInput      = "invalid_input"
	CodeForbidden         = "forbidden"
	CodeSignerUnavailable = "signer_unavailable"
	CodeChainRevert       = "chain_revert"
	CodeChainUnavailable  = "chain_unavailable"
	CodeDeadlineExceeded  = "deadline_exceeded"
	CodeTxUnconfirmed     = "tx_unconfirmed"
	CodeEvidenceRejected  = "evidence_rejected"
	CodeStoreWriteFailed  = "store_write_failed"
	CodeInternal          = "internal"
)

// Result is what an orchestrator returns instead of an error. A success
// with a Warning means the chain accepted the write but the store did not
// follow; reconciliation repairs it.
type Result struct {
	Success   bool         `json:"success"`
	TxHash    string       `json:"txHash,omitempty"`
	Error     string       `json:"error,omitempty"`
	Kind      Kind         `json:"kind,omitempty"`
	Code      string       `json:"code,omitempty"`
	Warning   string       `json:"warning,omitempty"`
	State     State        `json:"state"`
	FailedAt  State        `json:"failedAt,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	Task      *domain.Task `json:"task,omitempty"`
}

// failure is the outcome of a pure decision step.
type failure struct {
	kind Kind
	code string
	msg  string
}

func (f *failure) Error() string { return f.msg }

// Code exposes the failure code to callers that receive it as an error.
func (f *failure) Code() string { return f.code }

func precondition(code, msg string) *failure {
	return &failure{kind: KindPrecondition, code: code, msg: msg}
}

// run tracks one orchestration so every transition is logged with the
// same fields.
type run struct {
	op    string
	state State
	log   logrus.FieldLogger
}

func (e Engine) start(op, taskID, actor string) *run {
	r := &run{op: op, state: StateIdle, log: e.logger().WithFields(logrus.Fields{"op": op, "task_id": taskID, "actor": actor})}
	r.log.WithField("state", r.state).Debug("orchestration started")
	return r
}

func (r *run) to(s State) {
	r.state = s
	r.log.WithField("state", s).Debug("transition")
}

func (r *run) fail(kind Kind, code string, err error) Result {
	res := Result{
		Kind:      kind,
		Code:      code,
		Error:     err.Error(),
		State:     StateFailed,
		FailedAt:  r.state,
		Retryable: kind == KindChain && chain.IsRetryable(err),
	}
	entry := r.log.WithError(err).WithFields(logrus.Fields{"state": StateFailed, "failed_at": r.state, "code": code})
	switch kind {
	case KindPrecondition, KindRejected:
		entry.Info("orchestration rejected")
	case KindAuthority, KindInternal:
		entry.Error("orchestration failed")
	default:
		entry.Warn("orchestration failed")
	}
	return res
}

func (r *run) decline(f *failure) Result {
	return r.fail(f.kind, f.code, f)
}

func (r *run) done(txHash string, t *domain.Task) Result {
	r.to(StateDone)
	return Result{Success: true, TxHash: txHash, State: StateDone, Task: t}
}

// signFailure maps a signing error. A missing or revoked key is an
// authority failure; a nonce read failure belongs to the chain.
func (r *run) signFailure(err error) Result {
	if errors.Is(err, signer.ErrUnavailable) {
		return r.fail(KindAuthority, CodeSignerUnavailable, err)
	}
	return r.fail(KindChain, CodeChainUnavailable, errors.Wrap(chain.ErrUnavailable, err.Error()))
}

// chainFailure maps a registry write error.
func (r *run) chainFailure(err error) Result {
	var rev *chain.RevertError
	var unconfirmed *chain.UnconfirmedError
	switch {
	case errors.As(err, &unconfirmed):
		// The transaction may still land; the outcome is unknown, not failed.
		res := r.fail(KindChain, CodeTxUnconfirmed, errors.Wrap(err, "outcome unknown, run reconcile"))
		res.TxHash = unconfirmed.TxHash
		return res
	case errors.Is(err, chain.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return r.fail(KindChain, CodeDeadlineExceeded, err)
	case errors.Is(err, chain.ErrTaskNotFound):
		return r.fail(KindPrecondition, CodeNotOnChain, err)
	case errors.As(err, &rev):
		if strings.Contains(strings.ToLower(rev.Reason), "expired") {
			return r.fail(KindChain, CodeDeadlineExceeded, err)
		}
		return r.fail(KindChain, CodeChainRevert, err)
	default:
		return r.fail(KindChain, CodeChainUnavailable, err)
	}
}

// readFailure maps a registry read error met before any write.
func (r *run) readFailure(err error) Result {
	if errors.Is(err, chain.ErrTaskNotFound) {
		return r.fail(KindPrecondition, CodeNotOnChain, err)
	}
	return r.fail(KindChain, CodeChainUnavailable, err)
}
