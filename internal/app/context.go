// Package app wires configuration, storage, the registry client and the
// signing authority into an engine.
package app

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"taskmarket/internal/cache"
	"taskmarket/internal/chain"
	"taskmarket/internal/config"
	"taskmarket/internal/db"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/logging"
	"taskmarket/internal/migrate"
	"taskmarket/internal/notify"
	"taskmarket/internal/signer"
	"taskmarket/internal/store"
)

// Environment variables holding secrets. They never appear in
// taskmarket.yml.
const (
	EnvSignerKey     = "TASKMARKET_SIGNER_KEY"
	EnvRelayerKey    = "TASKMARKET_RELAYER_KEY"
	EnvRedisPassword = "TASKMARKET_REDIS_PASSWORD"
	EnvJWTSecret     = "TASKMARKET_JWT_SECRET"
)

type Secrets struct {
	SignerKey     string
	RelayerKey    string
	RedisPassword string
	JWTSecret     string
}

// SecretsFromEnv reads secrets from the process environment.
func SecretsFromEnv() Secrets {
	return Secrets{
		SignerKey:     strings.TrimSpace(os.Getenv(EnvSignerKey)),
		RelayerKey:    strings.TrimSpace(os.Getenv(EnvRelayerKey)),
		RedisPassword: os.Getenv(EnvRedisPassword),
		JWTSecret:     os.Getenv(EnvJWTSecret),
	}
}

type Options struct {
	Workspace string
	Config    *config.Config
	Secrets   Secrets
	// Registry replaces the JSON-RPC client; tests pass an in-memory fake.
	Registry chain.Registry
	// ReadOnly skips the signer and the domain check; used by commands that
	// only read the store.
	ReadOnly bool
	Log      logrus.FieldLogger
}

// App owns the engine and everything that must be closed with it.
type App struct {
	Engine  engine.Engine
	closers []func() error
}

// Open builds a ready engine: database migrated, cache and event sink
// selected from config, signing domain checked against the registry.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = logging.GetLogger()
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	a := &App{}
	conn, err := OpenDB(ctx, opts.Workspace)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, conn.Close)

	registry := opts.Registry
	if registry == nil && !opts.ReadOnly {
		eth, err := dialRegistry(ctx, cfg, opts.Secrets, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error { eth.Close(); return nil })
		registry = eth
	}

	var authority *signer.Authority
	if !opts.ReadOnly {
		authority, err = newAuthority(ctx, cfg, opts.Secrets, registry, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	e := engine.New(conn, cfg, registry, authority)
	e.Log = log
	if addr := strings.TrimSpace(cfg.Cache.RedisAddr); addr != "" {
		rc := cache.NewRedis(addr, opts.Secrets.RedisPassword, cfg.Cache.RedisDB)
		if err := rc.Ping(ctx); err != nil {
			log.WithError(err).WithField("addr", addr).Warn("redis unavailable; using in-process cache")
			_ = rc.Close()
		} else {
			e.Store = store.New(e.Repo, rc, cfg.Cache.TTL, log)
			a.closers = append(a.closers, rc.Close)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		e.Notify = k
		a.closers = append(a.closers, k.Close)
	}
	a.Engine = e
	return a, nil
}

// OpenDB opens and migrates the workspace database.
func OpenDB(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

func dialRegistry(ctx context.Context, cfg *config.Config, secrets Secrets, log logrus.FieldLogger) (*chain.EthRegistry, error) {
	if cfg.Chain.RPCURL == "" || cfg.Chain.RegistryAddress == "" {
		return nil, errors.New("chain.rpc_url and chain.registry_address are required")
	}
	var relayer *ecdsa.PrivateKey
	if secrets.RelayerKey != "" {
		key, err := signer.ParseKey(secrets.RelayerKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvRelayerKey, err)
		}
		relayer = key
	}
	return chain.Dial(ctx, cfg.Chain.RPCURL, common.HexToAddress(cfg.Chain.RegistryAddress), relayer, cfg.Chain.ChainID, log)
}

// SigningDomain is the EIP-712 domain the registry verifies against.
func SigningDomain(cfg *config.Config) signer.Domain {
	return signer.Domain{
		Name:              cfg.Chain.DomainName,
		Version:           cfg.Chain.DomainVersion,
		ChainID:           cfg.Chain.ChainID,
		VerifyingContract: common.HexToAddress(cfg.Chain.RegistryAddress),
	}
}

// newAuthority builds the signer. Without a key the authority refuses to
// sign; claims and submissions then fail as authority errors while reads
// keep working.
func newAuthority(ctx context.Context, cfg *config.Config, secrets Secrets, registry chain.Registry, log logrus.FieldLogger) (*signer.Authority, error) {
	var key *ecdsa.PrivateKey
	if secrets.SignerKey != "" {
		parsed, err := signer.ParseKey(secrets.SignerKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSignerKey, err)
		}
		key = parsed
	} else {
		log.Warnf("%s not set; claims and submissions will be refused", EnvSignerKey)
	}
	authority := signer.New(key, SigningDomain(cfg), registry, log)
	if registry != nil {
		if err := authority.VerifyDomain(ctx, registry); err != nil {
			return nil, err
		}
	}
	return authority, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// BootstrapAdmin grants the admin role to actorID when no admin exists yet.
func BootstrapAdmin(ctx context.Context, e engine.Engine, actorID string) (bool, error) {
	if strings.TrimSpace(actorID) == "" {
		return false, nil
	}
	n, err := e.Repo.CountActorsWithRole(ctx, auth.RoleAdmin)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := e.Auth.Grant(ctx, actorID, auth.RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

// RunReconcileLoop sweeps on the configured interval until ctx ends.
func RunReconcileLoop(ctx context.Context, e engine.Engine) {
	interval := e.Config.Reconcile.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	log := e.Log.WithField("component", "reconcile")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rep, err := e.ReconcileAll(ctx)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("reconcile sweep failed")
			continue
		}
		fields := logrus.Fields{"checked": rep.Checked, "changed": rep.Changed, "settled": rep.Settled, "anomalies": rep.Anomalies, "failed": rep.Failed}
		if rep.Changed > 0 || rep.Anomalies > 0 || rep.Failed > 0 {
			log.WithFields(fields).Info("reconcile sweep")
		} else {
			log.WithFields(fields).Debug("reconcile sweep")
		}
	}
}
