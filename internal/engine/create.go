package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"taskmarket/internal/chain"
	"taskmarket/internal/domain"
	"taskmarket/internal/history"
	"taskmarket/internal/notify"
	"taskmarket/internal/repo"
)

// ErrTaskExists is returned when the key maps to a task already in the store.
var ErrTaskExists = errors.New("task already exists")

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Key         string
	Title       string
	Description string
	Complexity  int
	Platform    string
	Category    string
	Priority    string
	Skills      []string
	Tags        []string
	Validators  []string
	ActorID     string
}

// CreateTask registers a task on chain and mirrors it into the store. The
// id is derived from the key so retries land on the same task.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	key := domain.NormalizeKey(opts.Key)
	if key == "" {
		return domain.Task{}, errors.New("key is required")
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Complexity < 1 || opts.Complexity > 255 {
		return domain.Task{}, fmt.Errorf("complexity %d out of range", opts.Complexity)
	}
	validators := make([]string, 0, len(opts.Validators))
	for _, v := range opts.Validators {
		_, addr, err := parseAddress(v)
		if err != nil {
			return domain.Task{}, fmt.Errorf("validator: %w", err)
		}
		validators = append(validators, addr)
	}
	id := domain.TaskIDFromKey(key)
	if _, err := e.Repo.GetTask(ctx, id); err == nil {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskExists, key)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}

	days := e.Calc.DaysForComplexity(opts.Complexity)
	reward := e.Calc.RewardForDays(days)
	hash, err := chain.TaskHash(id)
	if err != nil {
		return domain.Task{}, err
	}
	ref, err := e.Chain.CreateTask(ctx, chain.CreateParams{
		TaskID:       hash,
		RewardAmount: big.NewInt(reward),
		Complexity:   uint8(opts.Complexity),
		Title:        title,
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("create on chain: %w", err)
	}
	pctx := context.WithoutCancel(ctx)

	now := domain.FormatTime(e.now())
	txHash := ref.Hex()
	t := domain.Task{
		ID:            id,
		Key:           key,
		Title:         title,
		Description:   opts.Description,
		Complexity:    opts.Complexity,
		RewardAmount:  reward,
		EstimatedDays: days,
		Platform:      opts.Platform,
		Category:      opts.Category,
		Priority:      opts.Priority,
		Skills:        nonNil(opts.Skills),
		Tags:          nonNil(opts.Tags),
		Status:        domain.StatusAvailable,
		Validators:    validators,
		CreateTxHash:  &txHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(pctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(pctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.appendHistory(pctx, tx, id, history.ActionCreated, opts.ActorID, history.Metadata{
		"tx_hash":        txHash,
		"key":            key,
		"complexity":     opts.Complexity,
		"estimated_days": days,
		"reward_amount":  reward,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.invalidate(pctx, id, false)
	e.publish(pctx, notify.Event{Type: notify.EventTaskCreated, TaskID: id, Actor: opts.ActorID, Status: string(t.Status), TxHash: txHash})
	return t, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
