package engine_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"pgregory.net/rapid"

	"taskmarket/internal/chain"
	"taskmarket/internal/chain/chaintest"
	"taskmarket/internal/config"
	"taskmarket/internal/db"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/history"
	"taskmarket/internal/logging"
	"taskmarket/internal/migrate"
	"taskmarket/internal/notify"
	"taskmarket/internal/pending"
	"taskmarket/internal/repo"
	"taskmarket/internal/signer"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Chain  *chaintest.Fake
	Events *notify.Recorder
	Clock  *clock
	Ctx    context.Context
}

// fataler is the part of *testing.T and *rapid.T the helpers need.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env, closeEnv := openTestEnv(t, t.TempDir())
	t.Cleanup(closeEnv)
	return env
}

// openTestEnv builds an env in dir; the caller runs the returned func when done.
func openTestEnv(t fataler, dir string) (*testEnv, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	calculator := cfg.Calculator()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dom := signer.Domain{
		Name:              cfg.Chain.DomainName,
		Version:           cfg.Chain.DomainVersion,
		ChainID:           cfg.Chain.ChainID,
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
	fake := chaintest.New()
	fake.Now = clk.Now
	fake.Domain = dom
	fake.Signer = crypto.PubkeyToAddress(key.PublicKey)
	fake.ClaimWindow = func(complexity uint8) time.Duration {
		return calculator.ClaimTimeout(calculator.DaysForComplexity(int(complexity)))
	}
	authority := signer.New(key, dom, fake, logging.Discard())

	eng := engine.New(conn, cfg, fake, authority)
	eng.Now = clk.Now
	eng.Log = logging.Discard()
	rec := &notify.Recorder{}
	eng.Notify = rec
	return &testEnv{Engine: eng, Chain: fake, Events: rec, Clock: clk, Ctx: context.Background()}, func() { conn.Close() }
}

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func (env *testEnv) create(t fataler, key string, complexity int, validators ...string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Key:        key,
		Title:      "Task " + key,
		Complexity: complexity,
		Platform:   "github",
		Validators: validators,
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) get(t fataler, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (env *testEnv) actions(t fataler, id string) []string {
	t.Helper()
	entries, err := env.Engine.TaskHistory(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func (env *testEnv) count(t fataler, id, action string) int {
	t.Helper()
	n := 0
	for _, a := range env.actions(t, id) {
		if a == action {
			n++
		}
	}
	return n
}

func (env *testEnv) collaborator(t fataler, address string) domain.Collaborator {
	t.Helper()
	c, err := env.Engine.Collaborator(env.Ctx, address)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Collaborator{Address: address}
	}
	if err != nil {
		t.Fatalf("collaborator: %v", err)
	}
	return c
}

func mustSucceed(t fataler, res engine.Result, what string) {
	t.Helper()
	if !res.Success {
		t.Fatalf("%s: %s (%s/%s at %s)", what, res.Error, res.Kind, res.Code, res.FailedAt)
	}
}

func TestCreateTaskDerivesRewardAndId(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Fix Login Bug", 3)
	if task.ID != domain.TaskIDFromKey("fix-login-bug") {
		t.Fatalf("id %s not derived from key", task.ID)
	}
	if task.EstimatedDays != 3 || task.RewardAmount != 150 {
		t.Fatalf("days %d reward %d, want 3/150", task.EstimatedDays, task.RewardAmount)
	}
	if task.Status != domain.StatusAvailable || task.CreateTxHash == nil {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := env.actions(t, task.ID); len(got) != 1 || got[0] != history.ActionCreated {
		t.Fatalf("history %v", got)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Key: "fix login bug", Title: "again", Complexity: 3}); !errors.Is(err, engine.ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Key: "x", Title: "bad", Complexity: 0}); err == nil {
		t.Fatalf("expected complexity error")
	}
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	validator := addr(0xbeef)
	contributor := addr(0xc0de)
	task := env.create(t, "happy", 3, validator)

	res := env.Engine.ClaimTask(env.Ctx, task.ID, contributor)
	mustSucceed(t, res, "claim")
	if res.TxHash == "" || res.Warning != "" {
		t.Fatalf("claim result %+v", res)
	}
	claimed := env.get(t, task.ID)
	if claimed.Status != domain.StatusClaimed || claimed.Assignee() != contributor || claimed.ClaimedAt == nil || claimed.ClaimExpiresAt == nil {
		t.Fatalf("claimed task %+v", claimed)
	}
	if c := env.collaborator(t, contributor); c.TasksInProgress != 1 {
		t.Fatalf("in progress after claim %d", c.TasksInProgress)
	}
	if left, ok := env.Engine.Remaining(claimed); !ok || left != 48*time.Hour {
		t.Fatalf("remaining %s ok=%v, want 48h", left, ok)
	}

	res = env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://github.com/org/repo/pull/1")
	mustSucceed(t, res, "submit")
	submitted := env.get(t, task.ID)
	if submitted.Status != domain.StatusSubmitted || submitted.SubmittedAt == nil || submitted.EvidenceURL == nil {
		t.Fatalf("submitted task %+v", submitted)
	}

	res = env.Engine.CompleteTask(env.Ctx, engine.CompleteRequest{TaskID: task.ID, Actor: validator})
	mustSucceed(t, res, "complete")
	done := env.get(t, task.ID)
	if done.Status != domain.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("completed task %+v", done)
	}
	c := env.collaborator(t, contributor)
	if c.TasksCompleted != 1 || c.TotalReward != 150 || c.TasksInProgress != 0 || c.Rank != "contributor" {
		t.Fatalf("collaborator %+v", c)
	}
	want := []string{history.ActionCreated, history.ActionClaimed, history.ActionSubmitted, history.ActionCompleted}
	if got := env.actions(t, task.ID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("history %v, want %v", got, want)
	}
	entries, _ := env.Engine.TaskHistory(env.Ctx, task.ID)
	if entries[1].Metadata["tx_hash"] == nil || entries[1].Metadata["signature"] == nil {
		t.Fatalf("claim entry lacks tx hash or signature: %+v", entries[1].Metadata)
	}
	types := env.Events.Types(task.ID)
	if strings.Join(types, ",") != "task.created,task.claimed,task.submitted,task.settled,task.completed" {
		t.Fatalf("events %v", types)
	}
	board, err := env.Engine.Leaderboard(env.Ctx, 10)
	if err != nil || len(board) != 1 || board[0].Address != contributor {
		t.Fatalf("leaderboard %+v err %v", board, err)
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "race", 2)

	var arrived int32
	gate := make(chan struct{})
	env.Chain.BeforeWrite = func(method string) {
		if method != "claimTask" {
			return
		}
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(gate)
		}
		select {
		case <-gate:
		case <-time.After(5 * time.Second):
		}
	}

	claimants := []string{addr(1), addr(2)}
	results := make([]engine.Result, len(claimants))
	var wg sync.WaitGroup
	for i, c := range claimants {
		wg.Add(1)
		go func(i int, c string) {
			defer wg.Done()
			results[i] = env.Engine.ClaimTask(env.Ctx, task.ID, c)
		}(i, c)
	}
	wg.Wait()

	wins := 0
	winner := ""
	for i, res := range results {
		if res.Success {
			wins++
			winner = claimants[i]
			continue
		}
		if res.Kind != engine.KindChain || res.Code != engine.CodeChainRevert {
			t.Fatalf("loser result %+v", res)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d: %+v", wins, results)
	}
	if got := env.get(t, task.ID); got.Assignee() != winner {
		t.Fatalf("store assignee %s, want %s", got.Assignee(), winner)
	}
	if n := env.count(t, task.ID, history.ActionClaimed); n != 1 {
		t.Fatalf("claimed entries %d", n)
	}
}

func TestClaimPreconditionsFailBeforeChain(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "pre", 1)

	res := env.Engine.ClaimTask(env.Ctx, domain.TaskIDFromKey("missing"), addr(1))
	if res.Success || res.Code != engine.CodeTaskNotFound || res.FailedAt != engine.StateCheckingAvailability {
		t.Fatalf("missing task result %+v", res)
	}
	res = env.Engine.ClaimTask(env.Ctx, task.ID, "not-an-address")
	if res.Kind != engine.KindPrecondition || res.Code != engine.CodeInvalidInput {
		t.Fatalf("bad address result %+v", res)
	}

	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, addr(1)), "first claim")
	res = env.Engine.ClaimTask(env.Ctx, task.ID, addr(1))
	if res.Code != engine.CodeAlreadyClaimed {
		t.Fatalf("repeat claim result %+v", res)
	}
	res = env.Engine.ClaimTask(env.Ctx, task.ID, addr(2))
	if res.Code != engine.CodeNotAvailable {
		t.Fatalf("competing claim result %+v", res)
	}
	if n := env.Chain.Calls("claimTask"); n != 1 {
		t.Fatalf("claimTask called %d times, want 1", n)
	}
}

func TestClaimReopensAfterExclusivityLapses(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "reopen", 1)
	first, second := addr(1), addr(2)
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, first), "first claim")

	// complexity 1: one day, 12 + 12 hours of exclusivity
	env.Clock.Advance(25 * time.Hour)
	listed, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Open: true})
	if err != nil || len(listed) != 1 {
		t.Fatalf("open listing %v err %v", listed, err)
	}
	res := env.Engine.ClaimTask(env.Ctx, task.ID, second)
	mustSucceed(t, res, "second claim")
	got := env.get(t, task.ID)
	if got.Assignee() != second {
		t.Fatalf("assignee %s, want %s", got.Assignee(), second)
	}
	if c := env.collaborator(t, first); c.TasksInProgress != 0 {
		t.Fatalf("previous holder in progress %d", c.TasksInProgress)
	}
	if c := env.collaborator(t, second); c.TasksInProgress != 1 {
		t.Fatalf("new holder in progress %d", c.TasksInProgress)
	}
}

func TestClaimFailureKinds(t *testing.T) {
	t.Run("revoked signer", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "revoked", 1)
		env.Engine.Signer.Revoke("compromised")
		res := env.Engine.ClaimTask(env.Ctx, task.ID, addr(1))
		if res.Kind != engine.KindAuthority || res.Code != engine.CodeSignerUnavailable || res.Retryable {
			t.Fatalf("result %+v", res)
		}
		if env.Chain.Calls("claimTask") != 0 {
			t.Fatalf("chain write attempted with revoked signer")
		}
	})
	t.Run("nonce read failure", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "nonce", 1)
		env.Chain.FailNext("nonces", errors.New("connection refused"))
		res := env.Engine.ClaimTask(env.Ctx, task.ID, addr(1))
		if res.Kind != engine.KindChain || !res.Retryable || res.FailedAt != engine.StateSigning {
			t.Fatalf("result %+v", res)
		}
	})
	t.Run("provider down", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "down", 1)
		env.Chain.FailNext("claimTask", errors.Wrap(chain.ErrUnavailable, "dial tcp"))
		res := env.Engine.ClaimTask(env.Ctx, task.ID, addr(1))
		if res.Code != engine.CodeChainUnavailable || !res.Retryable {
			t.Fatalf("result %+v", res)
		}
		if got := env.get(t, task.ID); got.Status != domain.StatusAvailable {
			t.Fatalf("store written after chain failure: %s", got.Status)
		}
		if n := env.count(t, task.ID, history.ActionClaimed); n != 0 {
			t.Fatalf("history written after chain failure")
		}
	})
	t.Run("sent but not confirmed", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "unseen", 1)
		env.Chain.FailNext("claimTask", &chain.UnconfirmedError{Method: "claimTask", TxHash: "0xfeed", Err: context.Canceled})
		res := env.Engine.ClaimTask(env.Ctx, task.ID, addr(1))
		if res.Code != engine.CodeTxUnconfirmed || res.Retryable || res.TxHash != "0xfeed" {
			t.Fatalf("result %+v", res)
		}
		if got := env.get(t, task.ID); got.Status != domain.StatusAvailable {
			t.Fatalf("store written for unconfirmed claim: %s", got.Status)
		}
	})
	t.Run("deadline passes before confirmation", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "late", 1)
		env.Chain.BeforeWrite = func(string) { env.Clock.Advance(2 * time.Hour) }
		res := env.Engine.ClaimTask(env.Ctx, task.ID, addr(1))
		if res.Code != engine.CodeDeadlineExceeded || res.Retryable {
			t.Fatalf("result %+v", res)
		}
		if got := env.get(t, task.ID); got.Status != domain.StatusAvailable {
			t.Fatalf("store written after expired deadline")
		}
	})
}

func TestAsymmetricClaimConvergesThroughReconcile(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "asym", 2)
	claimant := addr(7)
	if _, err := env.Engine.DB.Exec(`CREATE TRIGGER fail_claim BEFORE UPDATE ON tasks WHEN NEW.status='claimed' BEGIN SELECT RAISE(ABORT,'disk full'); END`); err != nil {
		t.Fatalf("install trigger: %v", err)
	}

	res := env.Engine.ClaimTask(env.Ctx, task.ID, claimant)
	if !res.Success || res.Warning == "" || res.Code != engine.CodeStoreWriteFailed || res.TxHash == "" {
		t.Fatalf("asymmetric result %+v", res)
	}
	if got := env.get(t, task.ID); got.Status != domain.StatusAvailable {
		t.Fatalf("store status %s, want available", got.Status)
	}
	if n := env.count(t, task.ID, history.ActionClaimed); n != 1 {
		t.Fatalf("claimed entries %d, want 1", n)
	}

	if _, err := env.Engine.DB.Exec(`DROP TRIGGER fail_claim`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	out, err := env.Engine.Reconcile(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Action != engine.PlanAdopt || out.Anomaly {
		t.Fatalf("outcome %+v", out)
	}
	got := env.get(t, task.ID)
	if got.Status != domain.StatusClaimed || got.Assignee() != claimant || got.ClaimedAt == nil {
		t.Fatalf("reconciled task %+v", got)
	}
	if n := env.count(t, task.ID, history.ActionClaimed); n != 1 {
		t.Fatalf("claimed entries after reconcile %d, want 1", n)
	}
	if c := env.collaborator(t, claimant); c.TasksInProgress != 1 {
		t.Fatalf("in progress %d", c.TasksInProgress)
	}

	again, err := env.Engine.Reconcile(env.Ctx, task.ID)
	if err != nil || again.Action != engine.PlanNoop {
		t.Fatalf("second reconcile %+v err %v", again, err)
	}
}

// cancelAfterConfirm confirms claims and completions on the registry, then
// cancels the caller's context the way a dropped HTTP connection would.
type cancelAfterConfirm struct {
	*chaintest.Fake
	cancel context.CancelFunc
}

func (c cancelAfterConfirm) CompleteTask(ctx context.Context, taskID common.Hash) (chain.TxRef, error) {
	ref, err := c.Fake.CompleteTask(ctx, taskID)
	c.cancel()
	return ref, err
}

func (c cancelAfterConfirm) ClaimTask(ctx context.Context, taskID common.Hash, claimant common.Address, deadline time.Time, sig []byte) (chain.TxRef, error) {
	ref, err := c.Fake.ClaimTask(ctx, taskID, claimant, deadline, sig)
	c.cancel()
	return ref, err
}

func TestClaimMirrorsAfterCallerCancels(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "gone", 3)
	claimant := addr(9)
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Engine.Chain = cancelAfterConfirm{Fake: env.Chain, cancel: cancel}

	res := env.Engine.ClaimTask(ctx, task.ID, claimant)
	mustSucceed(t, res, "claim")
	if res.Warning != "" || res.Code == engine.CodeStoreWriteFailed {
		t.Fatalf("result %+v", res)
	}
	if ctx.Err() == nil {
		t.Fatalf("context not cancelled by registry wrapper")
	}
	got := env.get(t, task.ID)
	if got.Status != domain.StatusClaimed || got.Assignee() != claimant {
		t.Fatalf("store task %+v", got)
	}
	entries, err := env.Engine.TaskHistory(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var claimed *domain.HistoryEntry
	for i := range entries {
		if entries[i].Action == history.ActionClaimed {
			claimed = &entries[i]
		}
	}
	if claimed == nil {
		t.Fatalf("no claimed entry in %v", env.actions(t, task.ID))
	}
	if claimed.Metadata["tx_hash"] != res.TxHash || claimed.Metadata["signature"] == nil {
		t.Fatalf("claimed metadata %+v", claimed.Metadata)
	}
	if n := len(env.Events.Events()); n == 0 {
		t.Fatalf("no events published")
	}
}

func TestCompletionSettlesAfterCallerCancels(t *testing.T) {
	env := newTestEnv(t)
	validator := addr(50)
	task := env.create(t, "gone-complete", 3, validator)
	contributor := addr(10)
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, contributor), "claim")
	mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://x.test/pr/9"), "submit")

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Engine.Chain = cancelAfterConfirm{Fake: env.Chain, cancel: cancel}
	res := env.Engine.CompleteTask(ctx, engine.CompleteRequest{TaskID: task.ID, Actor: validator})
	mustSucceed(t, res, "complete")
	if res.Warning != "" {
		t.Fatalf("result %+v", res)
	}
	if got := env.get(t, task.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("status %s", got.Status)
	}
	if c := env.collaborator(t, contributor); c.TotalReward != task.RewardAmount || c.TasksCompleted != 1 {
		t.Fatalf("collaborator %+v", c)
	}
}

func TestRejectedSubmissionLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.Chain.Validate = func(common.Hash, string) bool { return false }
	task := env.create(t, "reject", 2)
	contributor := addr(3)
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, contributor), "claim")
	before := env.collaborator(t, contributor)

	res := env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://example.com/proof")
	if res.Success || res.Kind != engine.KindRejected || res.Code != engine.CodeEvidenceRejected || res.TxHash == "" {
		t.Fatalf("result %+v", res)
	}
	if got := env.get(t, task.ID); got.Status != domain.StatusClaimed || got.EvidenceURL != nil {
		t.Fatalf("task changed: %+v", got)
	}
	if after := env.collaborator(t, contributor); after != before {
		t.Fatalf("collaborator changed: %+v -> %+v", before, after)
	}
	acts := env.actions(t, task.ID)
	if acts[len(acts)-1] != history.ActionRejected {
		t.Fatalf("history %v", acts)
	}
}

func TestSubmissionPreconditions(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "sub", 1)
	res := env.Engine.SubmitEvidence(env.Ctx, task.ID, addr(1), "https://x.test/1")
	if res.Code != engine.CodeInvalidStatus {
		t.Fatalf("unclaimed submit %+v", res)
	}
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, addr(1)), "claim")
	if res := env.Engine.SubmitEvidence(env.Ctx, task.ID, addr(2), "https://x.test/1"); res.Code != engine.CodeNotAssignee {
		t.Fatalf("stranger submit %+v", res)
	}
	if res := env.Engine.SubmitEvidence(env.Ctx, task.ID, addr(1), "ftp://x"); res.Code != engine.CodeInvalidInput {
		t.Fatalf("bad evidence %+v", res)
	}
	if env.Chain.Calls("validateSubmission") != 0 {
		t.Fatalf("chain called for rejected preconditions")
	}
	hash := "0x" + strings.Repeat("ab", 32)
	mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, "0x"+strings.ToUpper(addr(1)[2:]), hash), "content hash evidence")
}

func TestCompleteRequiresValidator(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "gate", 1)
	contributor, stranger, operator := addr(1), addr(2), addr(3)
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, contributor), "claim")
	res := env.Engine.CompleteTask(env.Ctx, engine.CompleteRequest{TaskID: task.ID, Actor: contributor})
	if res.Code != engine.CodeInvalidStatus {
		t.Fatalf("complete before submit %+v", res)
	}
	mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://x.test/pr"), "submit")

	res = env.Engine.CompleteTask(env.Ctx, engine.CompleteRequest{TaskID: task.ID, Actor: stranger})
	if res.Code != engine.CodeForbidden {
		t.Fatalf("stranger completion %+v", res)
	}
	if err := env.Engine.Auth.Grant(env.Ctx, operator, "validator"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	mustSucceed(t, env.Engine.CompleteTask(env.Ctx, engine.CompleteRequest{TaskID: task.ID, Actor: operator}), "operator completion")
	res = env.Engine.CompleteTask(env.Ctx, engine.CompleteRequest{TaskID: task.ID, Actor: operator})
	if res.Code != engine.CodeInvalidStatus {
		t.Fatalf("second completion %+v", res)
	}
}

func TestCompletionSurvivesSettlementFailure(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "settle-fail", 1, addr(9))
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, addr(1)), "claim")
	mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, addr(1), "https://x.test/pr"), "submit")
	if _, err := env.Engine.DB.Exec(`CREATE TRIGGER fail_complete BEFORE UPDATE ON tasks WHEN NEW.status='completed' BEGIN SELECT RAISE(ABORT,'boom'); END`); err != nil {
		t.Fatalf("install trigger: %v", err)
	}
	res := env.Engine.CompleteTask(env.Ctx, engine.CompleteRequest{TaskID: task.ID, Actor: addr(9)})
	if !res.Success || res.Warning == "" {
		t.Fatalf("result %+v", res)
	}
	if _, err := env.Engine.Settlement(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("settlement row written despite rollback: %v", err)
	}
	if _, err := env.Engine.DB.Exec(`DROP TRIGGER fail_complete`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	out, err := env.Engine.Reconcile(env.Ctx, task.ID)
	if err != nil || out.Action != engine.PlanSettle || !out.Settled {
		t.Fatalf("reconcile %+v err %v", out, err)
	}
	if c := env.collaborator(t, addr(1)); c.TotalReward != 50 || c.TasksCompleted != 1 || c.TasksInProgress != 0 {
		t.Fatalf("collaborator %+v", c)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp("", "settle-idem")
		if err != nil {
			rt.Fatalf("temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		env, closeEnv := openTestEnv(rt, dir)
		defer closeEnv()
		complexity := rapid.IntRange(1, 10).Draw(rt, "complexity")
		calls := rapid.IntRange(1, 6).Draw(rt, "calls")
		contributor := addr(rapid.IntRange(1, 1000).Draw(rt, "contributor"))
		task := env.create(rt, "idem", complexity)
		mustSucceed(rt, env.Engine.ClaimTask(env.Ctx, task.ID, contributor), "claim")
		mustSucceed(rt, env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://x.test/pr"), "submit")

		applied := 0
		for i := 0; i < calls; i++ {
			ok, err := env.Engine.Settle(env.Ctx, task.ID, "", "system")
			if err != nil {
				rt.Fatalf("settle %d: %v", i, err)
			}
			if ok {
				applied++
			}
		}
		if applied != 1 {
			rt.Fatalf("settlement applied %d times", applied)
		}
		c := env.collaborator(rt, contributor)
		if c.TotalReward != task.RewardAmount || c.TasksCompleted != 1 || c.TasksInProgress != 0 {
			rt.Fatalf("collaborator %+v after %d calls", c, calls)
		}
		if n := env.count(rt, task.ID, history.ActionCompleted); n != 1 {
			rt.Fatalf("completed entries %d", n)
		}
	})
}

func TestReconcileRules(t *testing.T) {
	t.Run("imports a task only the registry knows", func(t *testing.T) {
		env := newTestEnv(t)
		id := domain.TaskIDFromKey("imported")
		hash := common.HexToHash(id)
		env.Chain.Seed(hash, 100, 2, "From chain")
		out, err := env.Engine.Reconcile(env.Ctx, id)
		if err != nil || out.Action != engine.PlanImport {
			t.Fatalf("outcome %+v err %v", out, err)
		}
		got := env.get(t, id)
		if got.Status != domain.StatusAvailable || got.Title != "From chain" || got.RewardAmount != 100 {
			t.Fatalf("imported %+v", got)
		}
	})
	t.Run("imports and settles a completed task", func(t *testing.T) {
		env := newTestEnv(t)
		id := domain.TaskIDFromKey("done-elsewhere")
		hash := common.HexToHash(id)
		env.Chain.Seed(hash, 250, 4, "Done")
		env.Chain.Force(hash, domain.StatusCompleted, common.HexToAddress(addr(5)))
		out, err := env.Engine.Reconcile(env.Ctx, id)
		if err != nil || !out.Settled {
			t.Fatalf("outcome %+v err %v", out, err)
		}
		if c := env.collaborator(t, addr(5)); c.TotalReward != 250 || c.TasksCompleted != 1 || c.TasksInProgress != 0 {
			t.Fatalf("collaborator %+v", c)
		}
	})
	t.Run("advances claimed to in_progress", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "advance", 1)
		mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, addr(1)), "claim")
		env.Chain.Force(common.HexToHash(task.ID), domain.StatusInProgress, common.HexToAddress(addr(1)))
		out, err := env.Engine.Reconcile(env.Ctx, task.ID)
		if err != nil || out.Action != engine.PlanAdopt {
			t.Fatalf("outcome %+v err %v", out, err)
		}
		if got := env.get(t, task.ID); got.Status != domain.StatusInProgress {
			t.Fatalf("status %s", got.Status)
		}
		if n := env.count(t, task.ID, history.ActionInProgress); n != 1 {
			t.Fatalf("in_progress entries %d", n)
		}
		if c := env.collaborator(t, addr(1)); c.TasksInProgress != 1 {
			t.Fatalf("in progress %d", c.TasksInProgress)
		}
	})
	t.Run("settles when the registry completed", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "chain-done", 2)
		mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, addr(1)), "claim")
		mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, addr(1), "https://x.test/pr"), "submit")
		env.Chain.Force(common.HexToHash(task.ID), domain.StatusCompleted, common.HexToAddress(addr(1)))
		out, err := env.Engine.Reconcile(env.Ctx, task.ID)
		if err != nil || out.Action != engine.PlanSettle || !out.Settled {
			t.Fatalf("outcome %+v err %v", out, err)
		}
		if c := env.collaborator(t, addr(1)); c.TotalReward != 100 || c.TasksCompleted != 1 {
			t.Fatalf("collaborator %+v", c)
		}
	})
	t.Run("store ahead is forced back without stats rollback", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "ahead", 1)
		mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, addr(1)), "claim")
		mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, addr(1), "https://x.test/pr"), "submit")
		before := env.collaborator(t, addr(1))
		env.Chain.Force(common.HexToHash(task.ID), domain.StatusClaimed, common.HexToAddress(addr(1)))
		out, err := env.Engine.Reconcile(env.Ctx, task.ID)
		if err != nil || out.Action != engine.PlanAnomaly || !out.Anomaly {
			t.Fatalf("outcome %+v err %v", out, err)
		}
		if got := env.get(t, task.ID); got.Status != domain.StatusClaimed {
			t.Fatalf("status %s", got.Status)
		}
		if after := env.collaborator(t, addr(1)); after.TasksInProgress != before.TasksInProgress || after.TotalReward != before.TotalReward {
			t.Fatalf("stats changed by anomaly repair: %+v -> %+v", before, after)
		}
		entries, _ := env.Engine.TaskHistory(env.Ctx, task.ID)
		last := entries[len(entries)-1]
		if last.Action != history.ActionReconciled || last.Metadata["anomaly"] != true {
			t.Fatalf("last entry %+v", last)
		}
	})
	t.Run("adopts cancellation", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.create(t, "cancel", 1)
		mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, addr(1)), "claim")
		env.Chain.Force(common.HexToHash(task.ID), domain.StatusCancelled, common.HexToAddress(addr(1)))
		if _, err := env.Engine.Reconcile(env.Ctx, task.ID); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		got := env.get(t, task.ID)
		if got.Status != domain.StatusCancelled || got.ClaimedAt != nil {
			t.Fatalf("task %+v", got)
		}
		if c := env.collaborator(t, addr(1)); c.TasksInProgress != 0 {
			t.Fatalf("in progress %d", c.TasksInProgress)
		}
	})
	t.Run("leaves tasks missing on chain alone", func(t *testing.T) {
		env := newTestEnv(t)
		id := domain.TaskIDFromKey("orphan")
		now := domain.FormatTime(env.Clock.Now())
		if err := env.Engine.Repo.InsertTask(env.Ctx, nil, domain.Task{
			ID: id, Key: "orphan", Title: "Orphan", Complexity: 1, RewardAmount: 50, EstimatedDays: 1,
			Status: domain.StatusAvailable, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		out, err := env.Engine.Reconcile(env.Ctx, id)
		if err != nil || out.Action != engine.PlanMissing {
			t.Fatalf("outcome %+v err %v", out, err)
		}
	})
}

func TestReconcileAllSweepsUnsettledTasks(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "sweep-a", 1)
	b := env.create(t, "sweep-b", 2)
	env.create(t, "sweep-c", 3)
	env.Chain.Force(common.HexToHash(a.ID), domain.StatusClaimed, common.HexToAddress(addr(1)))
	env.Chain.Force(common.HexToHash(b.ID), domain.StatusCancelled, common.Address{})
	extra := domain.TaskIDFromKey("sweep-extra")
	env.Chain.Seed(common.HexToHash(extra), 50, 1, "Extra")

	rep, err := env.Engine.ReconcileAll(env.Ctx, extra)
	if err != nil {
		t.Fatalf("reconcile all: %v", err)
	}
	if rep.Checked != 4 || rep.Changed != 3 || rep.Failed != 0 {
		t.Fatalf("report %+v", rep)
	}
	if got := env.get(t, a.ID); got.Status != domain.StatusClaimed {
		t.Fatalf("a status %s", got.Status)
	}
	if got := env.get(t, b.ID); got.Status != domain.StatusCancelled {
		t.Fatalf("b status %s", got.Status)
	}
}

func TestReviewApprovalCompletesTask(t *testing.T) {
	env := newTestEnv(t)
	validator, contributor := addr(0xa1), addr(0xc1)
	task := env.create(t, "review", 2, validator)
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, contributor), "claim")
	mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://x.test/pr"), "submit")

	rev, fut, err := env.Engine.OpenReview(env.Ctx, task.ID, contributor)
	if err != nil {
		t.Fatalf("open review: %v", err)
	}
	done := make(chan engine.Result, 1)
	go func() { done <- env.Engine.AwaitReview(env.Ctx, rev, fut) }()

	resolved, _, err := env.Engine.ResolveReview(env.Ctx, rev.ID, engine.Verdict{Approved: true, ValidatorID: validator})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != engine.ReviewApproved {
		t.Fatalf("review status %s", resolved.Status)
	}
	select {
	case res := <-done:
		mustSucceed(t, res, "await review")
	case <-time.After(5 * time.Second):
		t.Fatalf("review waiter never returned")
	}
	if got := env.get(t, task.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("status %s", got.Status)
	}
	if _, _, err := env.Engine.ResolveReview(env.Ctx, rev.ID, engine.Verdict{Approved: false, ValidatorID: validator}); !errors.Is(err, engine.ErrReviewClosed) {
		t.Fatalf("expected closed review, got %v", err)
	}
}

func TestReviewRejectionAndTimeout(t *testing.T) {
	env := newTestEnv(t)
	validator, contributor := addr(0xa2), addr(0xc2)
	task := env.create(t, "review-no", 1, validator)
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, contributor), "claim")
	mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://x.test/pr"), "submit")

	rev, fut, err := env.Engine.OpenReview(env.Ctx, task.ID, contributor)
	if err != nil {
		t.Fatalf("open review: %v", err)
	}
	if _, _, err := env.Engine.ResolveReview(env.Ctx, rev.ID, engine.Verdict{ValidatorID: addr(0xdead)}); err == nil {
		t.Fatalf("non-validator resolved a review")
	}
	if _, _, err := env.Engine.ResolveReview(env.Ctx, rev.ID, engine.Verdict{ValidatorID: validator, Reason: "tests missing"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	res := env.Engine.AwaitReview(env.Ctx, rev, fut)
	if res.Kind != engine.KindRejected || res.Code != engine.CodeReviewRejected {
		t.Fatalf("rejection result %+v", res)
	}
	if got := env.get(t, task.ID); got.Status != domain.StatusSubmitted {
		t.Fatalf("status %s after rejection", got.Status)
	}

	env.Engine.Config.Claims.ReviewTimeout = 20 * time.Millisecond
	res = env.Engine.ReviewAndComplete(env.Ctx, task.ID, contributor)
	if res.Code != engine.CodeReviewTimedOut {
		t.Fatalf("timeout result %+v", res)
	}
	reviews, err := env.Engine.ListReviews(env.Ctx, task.ID)
	if err != nil || len(reviews) != 2 {
		t.Fatalf("reviews %+v err %v", reviews, err)
	}
	statuses := map[string]bool{}
	for _, r := range reviews {
		statuses[r.Status] = true
	}
	if !statuses[engine.ReviewRejected] || !statuses[engine.ReviewTimedOut] {
		t.Fatalf("statuses %v", statuses)
	}
}

func TestReviewResolvedAfterRestartCompletesDirectly(t *testing.T) {
	env := newTestEnv(t)
	validator, contributor := addr(0xa3), addr(0xc3)
	task := env.create(t, "review-restart", 1, validator)
	mustSucceed(t, env.Engine.ClaimTask(env.Ctx, task.ID, contributor), "claim")
	mustSucceed(t, env.Engine.SubmitEvidence(env.Ctx, task.ID, contributor, "https://x.test/pr"), "submit")
	rev, _, err := env.Engine.OpenReview(env.Ctx, task.ID, contributor)
	if err != nil {
		t.Fatalf("open review: %v", err)
	}

	// A fresh broker has no waiter for the persisted review.
	restarted := env.Engine
	restarted.Reviews = pending.NewBroker[engine.Verdict]()
	_, res, err := restarted.ResolveReview(env.Ctx, rev.ID, engine.Verdict{Approved: true, ValidatorID: validator})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	mustSucceed(t, res, "direct completion")
	if got := env.get(t, task.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("status %s", got.Status)
	}
}
