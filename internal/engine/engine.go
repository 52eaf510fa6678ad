package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"taskmarket/internal/cache"
	"taskmarket/internal/calc"
	"taskmarket/internal/chain"
	"taskmarket/internal/config"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/history"
	"taskmarket/internal/logging"
	"taskmarket/internal/notify"
	"taskmarket/internal/pending"
	"taskmarket/internal/repo"
	"taskmarket/internal/signer"
	"taskmarket/internal/store"
)

// Engine drives task lifecycle transitions across the registry and the
// task store. It holds no lock across I/O; claim races are decided by the
// registry.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Store   *store.Store
	History history.Writer
	Chain   chain.Registry
	Signer  *signer.Authority
	Notify  notify.Publisher
	Reviews *pending.Broker[Verdict]
	Auth    auth.Service
	Calc    calc.Calculator
	Config  *config.Config
	Log     logrus.FieldLogger
	Now     func() time.Time
}

// New wires an engine with an in-memory cache and no event sink. Callers
// replace Store and Notify for production use.
func New(db *sql.DB, cfg *config.Config, registry chain.Registry, authority *signer.Authority) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	log := logging.GetLogger()
	return Engine{
		DB:      db,
		Repo:    r,
		Store:   store.New(r, cache.NewMemory(), cfg.Cache.TTL, log),
		History: history.Writer{DB: db},
		Chain:   registry,
		Signer:  authority,
		Notify:  notify.Nop{},
		Reviews: pending.NewBroker[Verdict](),
		Auth:    auth.Service{Repo: r, Roles: cfg.RolePermissions()},
		Calc:    cfg.Calculator(),
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logging.GetLogger()
	}
	return e.Log
}

func (e Engine) signatureTTL() time.Duration {
	if e.Config != nil && e.Config.Claims.SignatureTTL > 0 {
		return e.Config.Claims.SignatureTTL
	}
	return time.Hour
}

// appendHistory writes through the ledger with the engine clock.
func (e Engine) appendHistory(ctx context.Context, tx *sql.Tx, taskID, action, actorID string, meta history.Metadata) error {
	w := e.History
	w.Now = e.now
	_, err := w.Append(ctx, tx, taskID, action, actorID, meta)
	return err
}

// invalidate drops cached reads touched by a write. Failures are logged;
// the entries expire on their own.
func (e Engine) invalidate(ctx context.Context, taskID string, leaderboard bool) {
	if e.Store == nil {
		return
	}
	if err := e.Store.InvalidateTask(ctx, taskID); err != nil {
		e.logger().WithError(err).WithField("task_id", taskID).Warn("cache invalidation failed")
	}
	if leaderboard {
		if err := e.Store.InvalidateLeaderboard(ctx); err != nil {
			e.logger().WithError(err).Warn("leaderboard invalidation failed")
		}
	}
}

// publish sends a lifecycle event after the store commit. It never fails
// the caller.
func (e Engine) publish(ctx context.Context, ev notify.Event) {
	if e.Notify == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if err := e.Notify.Publish(ctx, ev); err != nil {
		e.logger().WithError(err).WithFields(logrus.Fields{"task_id": ev.TaskID, "event": ev.Type}).Warn("publish failed")
	}
}

// parseAddress validates a contributor address and returns it with its
// stored lowercase form.
func parseAddress(addr string) (common.Address, string, error) {
	addr = strings.TrimSpace(addr)
	if !domain.ValidAddress(addr) {
		return common.Address{}, "", fmt.Errorf("invalid address %q", addr)
	}
	a := common.HexToAddress(addr)
	return a, strings.ToLower(a.Hex()), nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
