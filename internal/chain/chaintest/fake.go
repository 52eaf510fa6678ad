// Package chaintest provides an in-memory task registry for tests. It
// enforces claim exclusivity, per-address nonces and deadlines, and can
// verify signatures against a signer domain.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"taskmarket/internal/chain"
	"taskmarket/internal/domain"
	"taskmarket/internal/signer"
)

type task struct {
	reward     *big.Int
	complexity uint8
	title      string
	status     domain.Status
	assignee   common.Address
	claimedAt  time.Time
	evidence   string
}

// Fake implements chain.Registry.
type Fake struct {
	mu      sync.Mutex
	tasks   map[common.Hash]*task
	nonces  map[common.Address]*big.Int
	calls   map[string]int
	fail    map[string][]error
	txCount uint64

	// Now drives deadline checks. Defaults to time.Now.
	Now func() time.Time
	// Domain and Signer enable signature verification when Signer is set.
	Domain signer.Domain
	Signer common.Address
	// ClaimWindow reopens a claimed task once it elapses. Zero disables.
	ClaimWindow func(complexity uint8) time.Duration
	// Validate decides validateSubmission outcomes. Defaults to true.
	Validate func(taskID common.Hash, evidenceURL string) bool
	// BeforeWrite runs before each write takes the lock; tests use it to
	// line up concurrent callers.
	BeforeWrite func(method string)
}

var _ chain.Registry = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		tasks:  map[common.Hash]*task{},
		nonces: map[common.Address]*big.Int{},
		calls:  map[string]int{},
		fail:   map[string][]error{},
		Now:    time.Now,
	}
}

// FailNext queues err for the next call of method.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = append(f.fail[method], err)
}

// Calls reports how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Force overwrites the registry state of a task, creating it if needed.
func (f *Fake) Force(taskID common.Hash, status domain.Status, assignee common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		t = &task{reward: big.NewInt(0), title: taskID.Hex()}
		f.tasks[taskID] = t
	}
	t.status = status
	t.assignee = assignee
	if status.Claimed() && t.claimedAt.IsZero() {
		t.claimedAt = f.now()
	}
}

// Seed registers a task directly, bypassing createTask.
func (f *Fake) Seed(taskID common.Hash, reward int64, complexity uint8, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID] = &task{reward: big.NewInt(reward), complexity: complexity, title: title, status: domain.StatusAvailable}
}

func (f *Fake) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	if q := f.fail[method]; len(q) > 0 {
		f.fail[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) write(method string) {
	if f.BeforeWrite != nil {
		f.BeforeWrite(method)
	}
}

func (f *Fake) nextTx() chain.TxRef {
	f.txCount++
	return chain.TxRef{
		Hash:        crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", f.txCount))),
		BlockNumber: f.txCount,
	}
}

func (f *Fake) nonce(addr common.Address) *big.Int {
	n, ok := f.nonces[addr]
	if !ok {
		n = big.NewInt(0)
		f.nonces[addr] = n
	}
	return n
}

func revert(method, reason string) error {
	return &chain.RevertError{Method: method, Reason: reason}
}

func (f *Fake) claimable(t *task) bool {
	switch t.status {
	case domain.StatusAvailable:
		return true
	case domain.StatusClaimed, domain.StatusInProgress:
		if f.ClaimWindow == nil {
			return false
		}
		w := f.ClaimWindow(t.complexity)
		return w > 0 && !f.now().Before(t.claimedAt.Add(w))
	}
	return false
}

func (f *Fake) checkDeadline(ctx context.Context, method string, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return chain.Classify(ctx, method, err, "")
	}
	if !deadline.IsZero() && !f.now().Before(deadline) {
		return revert(method, "Signature expired")
	}
	return nil
}

func (f *Fake) verify(method string, digest common.Hash, sig []byte) error {
	if f.Signer == (common.Address{}) {
		return nil
	}
	got, err := signer.Recover(digest, sig)
	if err != nil || got != f.Signer {
		return revert(method, "Invalid signature")
	}
	return nil
}

func (f *Fake) CreateTask(ctx context.Context, p chain.CreateParams) (chain.TxRef, error) {
	f.write("createTask")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("createTask"); err != nil {
		return chain.TxRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return chain.TxRef{}, chain.Classify(ctx, "createTask", err, "")
	}
	if _, ok := f.tasks[p.TaskID]; ok {
		return chain.TxRef{}, revert("createTask", "Task already exists")
	}
	reward := new(big.Int)
	if p.RewardAmount != nil {
		reward.Set(p.RewardAmount)
	}
	f.tasks[p.TaskID] = &task{reward: reward, complexity: p.Complexity, title: p.Title, status: domain.StatusAvailable}
	return f.nextTx(), nil
}

func (f *Fake) ClaimTask(ctx context.Context, taskID common.Hash, claimant common.Address, deadline time.Time, sig []byte) (chain.TxRef, error) {
	f.write("claimTask")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("claimTask"); err != nil {
		return chain.TxRef{}, err
	}
	if err := f.checkDeadline(ctx, "claimTask", deadline); err != nil {
		return chain.TxRef{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return chain.TxRef{}, revert("claimTask", "Task does not exist")
	}
	if !f.claimable(t) {
		return chain.TxRef{}, revert("claimTask", "Task not claimable")
	}
	nonce := f.nonce(claimant)
	digest, err := signer.ClaimDigest(f.Domain, signer.ClaimMessage{
		TaskID: taskID, Claimant: claimant, Deadline: big.NewInt(deadline.Unix()), Nonce: new(big.Int).Set(nonce),
	})
	if err != nil {
		return chain.TxRef{}, err
	}
	if err := f.verify("claimTask", digest, sig); err != nil {
		return chain.TxRef{}, err
	}
	nonce.Add(nonce, big.NewInt(1))
	t.status = domain.StatusClaimed
	t.assignee = claimant
	t.claimedAt = f.now()
	return f.nextTx(), nil
}

func (f *Fake) ValidateSubmission(ctx context.Context, taskID common.Hash, evidenceURL string, deadline time.Time, sig []byte) (chain.Validation, error) {
	f.write("validateSubmission")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("validateSubmission"); err != nil {
		return chain.Validation{}, err
	}
	if err := f.checkDeadline(ctx, "validateSubmission", deadline); err != nil {
		return chain.Validation{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return chain.Validation{}, revert("validateSubmission", "Task does not exist")
	}
	if t.status != domain.StatusClaimed && t.status != domain.StatusInProgress {
		return chain.Validation{}, revert("validateSubmission", "Task not in progress")
	}
	nonce := f.nonce(t.assignee)
	digest, err := signer.ValidationDigest(f.Domain, signer.ValidationMessage{
		TaskID: taskID, Assignee: t.assignee, EvidenceURL: evidenceURL, Deadline: big.NewInt(deadline.Unix()), Nonce: new(big.Int).Set(nonce),
	})
	if err != nil {
		return chain.Validation{}, err
	}
	if err := f.verify("validateSubmission", digest, sig); err != nil {
		return chain.Validation{}, err
	}
	nonce.Add(nonce, big.NewInt(1))
	valid := true
	if f.Validate != nil {
		valid = f.Validate(taskID, evidenceURL)
	}
	if valid {
		t.status = domain.StatusSubmitted
		t.evidence = evidenceURL
	}
	return chain.Validation{Tx: f.nextTx(), Valid: valid}, nil
}

func (f *Fake) CompleteTask(ctx context.Context, taskID common.Hash) (chain.TxRef, error) {
	f.write("completeTask")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("completeTask"); err != nil {
		return chain.TxRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return chain.TxRef{}, chain.Classify(ctx, "completeTask", err, "")
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return chain.TxRef{}, revert("completeTask", "Task does not exist")
	}
	if t.status != domain.StatusSubmitted && t.status != domain.StatusValidated {
		return chain.TxRef{}, revert("completeTask", "Task not submitted")
	}
	t.status = domain.StatusCompleted
	return f.nextTx(), nil
}

func (f *Fake) GetTask(_ context.Context, taskID common.Hash) (chain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("getTask"); err != nil {
		return chain.Task{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return chain.Task{}, chain.ErrTaskNotFound
	}
	return chain.Task{
		ID:           taskID,
		RewardAmount: new(big.Int).Set(t.reward),
		Complexity:   t.complexity,
		Status:       t.status,
		Assignee:     t.assignee,
		Title:        t.title,
	}, nil
}

func (f *Fake) IsTaskClaimable(_ context.Context, taskID common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("isTaskClaimable"); err != nil {
		return false, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return false, nil
	}
	return f.claimable(t), nil
}

func (f *Fake) GetTaskAssignee(_ context.Context, taskID common.Hash) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("getTaskAssignee"); err != nil {
		return common.Address{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return common.Address{}, chain.ErrTaskNotFound
	}
	return t.assignee, nil
}

func (f *Fake) GetTaskStatus(_ context.Context, taskID common.Hash) (domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("getTaskStatus"); err != nil {
		return "", err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return "", chain.ErrTaskNotFound
	}
	return t.status, nil
}

func (f *Fake) Nonces(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("nonces"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.nonce(addr)), nil
}

func (f *Fake) DomainSeparator(_ context.Context) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DOMAIN_SEPARATOR"); err != nil {
		return common.Hash{}, err
	}
	return f.Domain.Separator()
}
