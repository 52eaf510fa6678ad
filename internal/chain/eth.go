package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"taskmarket/internal/domain"
)

// ErrReadOnly is returned by writes when no relayer key was configured.
var ErrReadOnly = errors.New("registry opened without a relayer key")

// Backend is what the registry needs from an RPC client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EthRegistry talks to a deployed TaskRegistry over JSON-RPC. Build it once
// at startup and share it.
type EthRegistry struct {
	address  common.Address
	abi      abi.ABI
	backend  Backend
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	log      logrus.FieldLogger
	closer   func()

	// sendMu orders relayer submissions so account nonces do not collide.
	// It is released before waiting for the receipt.
	sendMu sync.Mutex
}

// Dial connects to rpcURL. relayerKey pays for and submits transactions; nil
// opens the registry read-only.
func Dial(ctx context.Context, rpcURL string, registry common.Address, relayerKey *ecdsa.PrivateKey, chainID int64, log logrus.FieldLogger) (*EthRegistry, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "dial %s: %v", rpcURL, err)
	}
	r, err := NewEthRegistry(client, registry, relayerKey, chainID, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.closer = client.Close
	return r, nil
}

func NewEthRegistry(backend Backend, registry common.Address, relayerKey *ecdsa.PrivateKey, chainID int64, log logrus.FieldLogger) (*EthRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse registry abi")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &EthRegistry{
		address:  registry,
		abi:      parsed,
		backend:  backend,
		contract: bind.NewBoundContract(registry, parsed, backend, backend, backend),
		log:      log.WithField("registry", registry.Hex()),
	}
	if relayerKey != nil {
		opts, err := bind.NewKeyedTransactorWithChainID(relayerKey, big.NewInt(chainID))
		if err != nil {
			return nil, errors.Wrap(err, "relayer transactor")
		}
		r.opts = opts
	}
	return r, nil
}

func (r *EthRegistry) Close() {
	if r.closer != nil {
		r.closer()
	}
}

func (r *EthRegistry) Address() common.Address { return r.address }

func (r *EthRegistry) CreateTask(ctx context.Context, p CreateParams) (TxRef, error) {
	receipt, err := r.transact(ctx, time.Time{}, "createTask", p.TaskID, p.RewardAmount, p.Complexity, p.Title)
	if err != nil {
		return TxRef{}, err
	}
	return refOf(receipt), nil
}

func (r *EthRegistry) ClaimTask(ctx context.Context, taskID common.Hash, claimant common.Address, deadline time.Time, sig []byte) (TxRef, error) {
	receipt, err := r.transact(ctx, deadline, "claimTask", taskID, claimant, big.NewInt(deadline.Unix()), sig)
	if err != nil {
		return TxRef{}, err
	}
	return refOf(receipt), nil
}

func (r *EthRegistry) ValidateSubmission(ctx context.Context, taskID common.Hash, evidenceURL string, deadline time.Time, sig []byte) (Validation, error) {
	receipt, err := r.transact(ctx, deadline, "validateSubmission", taskID, evidenceURL, big.NewInt(deadline.Unix()), sig)
	if err != nil {
		return Validation{}, err
	}
	valid, err := ParseValidation(r.abi, r.address, receipt.Logs)
	if err != nil {
		return Validation{}, errors.Wrapf(err, "validateSubmission tx %s", receipt.TxHash.Hex())
	}
	return Validation{Tx: refOf(receipt), Valid: valid}, nil
}

func (r *EthRegistry) CompleteTask(ctx context.Context, taskID common.Hash) (TxRef, error) {
	receipt, err := r.transact(ctx, time.Time{}, "completeTask", taskID)
	if err != nil {
		return TxRef{}, err
	}
	return refOf(receipt), nil
}

func (r *EthRegistry) GetTask(ctx context.Context, taskID common.Hash) (Task, error) {
	out, err := r.call(ctx, "getTask", taskID)
	if err != nil {
		return Task{}, err
	}
	if len(out) != 6 {
		return Task{}, errors.Errorf("getTask returned %d values", len(out))
	}
	exists := *abi.ConvertType(out[5], new(bool)).(*bool)
	if !exists {
		return Task{}, ErrTaskNotFound
	}
	code := *abi.ConvertType(out[2], new(uint8)).(*uint8)
	status, err := StatusFromCode(code)
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:           taskID,
		RewardAmount: abi.ConvertType(out[0], new(big.Int)).(*big.Int),
		Complexity:   *abi.ConvertType(out[1], new(uint8)).(*uint8),
		Status:       status,
		Assignee:     *abi.ConvertType(out[3], new(common.Address)).(*common.Address),
		Title:        *abi.ConvertType(out[4], new(string)).(*string),
	}, nil
}

func (r *EthRegistry) IsTaskClaimable(ctx context.Context, taskID common.Hash) (bool, error) {
	out, err := r.call(ctx, "isTaskClaimable", taskID)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (r *EthRegistry) GetTaskAssignee(ctx context.Context, taskID common.Hash) (common.Address, error) {
	out, err := r.call(ctx, "getTaskAssignee", taskID)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (r *EthRegistry) GetTaskStatus(ctx context.Context, taskID common.Hash) (domain.Status, error) {
	out, err := r.call(ctx, "getTaskStatus", taskID)
	if err != nil {
		return "", err
	}
	return StatusFromCode(*abi.ConvertType(out[0], new(uint8)).(*uint8))
}

func (r *EthRegistry) Nonces(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := r.call(ctx, "nonces", addr)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (r *EthRegistry) DomainSeparator(ctx context.Context) (common.Hash, error) {
	out, err := r.call(ctx, "DOMAIN_SEPARATOR")
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)), nil
}

func (r *EthRegistry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, Classify(ctx, method, err, "")
	}
	return out, nil
}

func (r *EthRegistry) transact(ctx context.Context, deadline time.Time, method string, args ...any) (*types.Receipt, error) {
	if r.opts == nil {
		return nil, errors.Wrap(ErrReadOnly, method)
	}
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()
	opts := *r.opts
	opts.Context = ctx

	r.sendMu.Lock()
	tx, err := r.contract.Transact(&opts, method, args...)
	r.sendMu.Unlock()
	if err != nil {
		return nil, Classify(ctx, method, err, "")
	}
	log := r.log.WithFields(logrus.Fields{"method": method, "tx": tx.Hash().Hex()})
	log.Debug("transaction sent")

	receipt, err := bind.WaitMined(ctx, r.backend, tx)
	if err != nil {
		return nil, Classify(ctx, method, err, tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Warn("transaction reverted")
		return nil, &RevertError{Method: method, Reason: "receipt status failed", TxHash: tx.Hash().Hex()}
	}
	log.WithField("block", receipt.BlockNumber).Debug("transaction confirmed")
	return receipt, nil
}

func refOf(receipt *types.Receipt) TxRef {
	ref := TxRef{Hash: receipt.TxHash}
	if receipt.BlockNumber != nil {
		ref.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return ref
}

// ParseValidation reads isValid from the SubmissionValidated event emitted
// by registry.
func ParseValidation(parsed abi.ABI, registry common.Address, logs []*types.Log) (bool, error) {
	ev, ok := parsed.Events["SubmissionValidated"]
	if !ok {
		return false, errors.New("abi has no SubmissionValidated event")
	}
	for _, l := range logs {
		if l == nil || l.Address != registry || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		vals, err := parsed.Unpack("SubmissionValidated", l.Data)
		if err != nil {
			return false, errors.Wrap(err, "unpack SubmissionValidated")
		}
		if len(vals) != 1 {
			return false, errors.Errorf("SubmissionValidated carried %d values", len(vals))
		}
		valid, ok := vals[0].(bool)
		if !ok {
			return false, errors.Errorf("SubmissionValidated isValid has type %T", vals[0])
		}
		return valid, nil
	}
	return false, errors.New("receipt has no SubmissionValidated event")
}

// Classify sorts a provider error into the package taxonomy. A non-empty
// txHash means the transaction was already broadcast: anything short of a
// revert is then an UnconfirmedError carrying the hash.
func Classify(ctx context.Context, method string, err error, txHash string) error {
	if err == nil {
		return nil
	}
	if reason, ok := revertReason(err); ok {
		if isNotFound(reason) {
			return ErrTaskNotFound
		}
		return &RevertError{Method: method, Reason: reason, TxHash: txHash}
	}
	var cause error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = errors.Wrap(ErrDeadlineExceeded, method)
	} else if txHash == "" {
		return errors.Wrapf(ErrUnavailable, "%s: %v", method, err)
	} else {
		cause = err
	}
	if txHash != "" {
		return &UnconfirmedError{Method: method, TxHash: txHash, Err: cause}
	}
	return cause
}

func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	const marker = "execution reverted"
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len(marker):], ":"))
	return reason, true
}

func isNotFound(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "does not exist") || strings.Contains(r, "not found")
}
