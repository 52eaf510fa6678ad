// Package signer issues EIP-712 authorizations for registry writes. The
// signing key can be rotated or revoked while the process runs.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable means no usable signing key is loaded. It is an
// operational condition and is never retried.
var ErrUnavailable = errors.New("signing authority unavailable")

// NonceSource reads the registry nonce of an address.
type NonceSource interface {
	Nonces(ctx context.Context, addr common.Address) (*big.Int, error)
}

// DomainSource exposes the registry's domain separator.
type DomainSource interface {
	DomainSeparator(ctx context.Context) (common.Hash, error)
}

// Signature is a signed authorization plus the values it commits to.
type Signature struct {
	Bytes    []byte
	Digest   common.Hash
	Signer   common.Address
	Nonce    *big.Int
	Deadline time.Time
}

func (s Signature) Hex() string {
	return "0x" + common.Bytes2Hex(s.Bytes)
}

type Authority struct {
	domain Domain
	nonces NonceSource
	log    logrus.FieldLogger

	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	revoked string

	locksMu sync.Mutex
	locks   map[common.Address]*sync.Mutex
}

// New builds an authority. A nil key yields an authority that refuses to
// sign until Rotate is called.
func New(key *ecdsa.PrivateKey, domain Domain, nonces NonceSource, log logrus.FieldLogger) *Authority {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Authority{
		domain: domain,
		nonces: nonces,
		log:    log,
		key:    key,
		locks:  map[common.Address]*sync.Mutex{},
	}
}

// ParseKey decodes a hex private key with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && (hexKey[:2] == "0x" || hexKey[:2] == "0X") {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

func (a *Authority) Domain() Domain { return a.domain }

// Address returns the current signer address.
func (a *Authority) Address() (common.Address, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.key == nil || a.revoked != "" {
		return common.Address{}, ErrUnavailable
	}
	return crypto.PubkeyToAddress(a.key.PublicKey), nil
}

// Rotate installs a new key and clears any revocation.
func (a *Authority) Rotate(key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("rotate: key required")
	}
	a.mu.Lock()
	a.key = key
	a.revoked = ""
	a.mu.Unlock()
	a.log.WithField("signer", crypto.PubkeyToAddress(key.PublicKey).Hex()).Warn("signing key rotated")
	return nil
}

// Revoke drops the key. Every later signing call fails with ErrUnavailable
// until Rotate.
func (a *Authority) Revoke(reason string) {
	if reason == "" {
		reason = "revoked"
	}
	a.mu.Lock()
	a.key = nil
	a.revoked = reason
	a.mu.Unlock()
	a.log.WithField("reason", reason).Error("signing key revoked")
}

func (a *Authority) DomainSeparator() (common.Hash, error) {
	return a.domain.Separator()
}

// VerifyDomain checks that the local domain matches the registry's.
func (a *Authority) VerifyDomain(ctx context.Context, src DomainSource) error {
	local, err := a.domain.Separator()
	if err != nil {
		return err
	}
	remote, err := src.DomainSeparator(ctx)
	if err != nil {
		return fmt.Errorf("read registry domain separator: %w", err)
	}
	if local != remote {
		return fmt.Errorf("domain separator mismatch: local %s registry %s", local.Hex(), remote.Hex())
	}
	return nil
}

// SignClaim authorizes claimant to claim taskID until deadline, bound to the
// claimant's current registry nonce.
func (a *Authority) SignClaim(ctx context.Context, taskID common.Hash, claimant common.Address, deadline time.Time) (Signature, error) {
	return a.sign(ctx, claimant, deadline, func(nonce *big.Int) (common.Hash, error) {
		return ClaimDigest(a.domain, ClaimMessage{
			TaskID:   taskID,
			Claimant: claimant,
			Deadline: big.NewInt(deadline.Unix()),
			Nonce:    nonce,
		})
	})
}

// SignValidation authorizes validation of evidenceURL submitted by assignee.
func (a *Authority) SignValidation(ctx context.Context, taskID common.Hash, assignee common.Address, evidenceURL string, deadline time.Time) (Signature, error) {
	return a.sign(ctx, assignee, deadline, func(nonce *big.Int) (common.Hash, error) {
		return ValidationDigest(a.domain, ValidationMessage{
			TaskID:      taskID,
			Assignee:    assignee,
			EvidenceURL: evidenceURL,
			Deadline:    big.NewInt(deadline.Unix()),
			Nonce:       nonce,
		})
	})
}

func (a *Authority) sign(ctx context.Context, actor common.Address, deadline time.Time, build func(*big.Int) (common.Hash, error)) (Signature, error) {
	// Fail before touching the registry when there is nothing to sign with.
	if _, err := a.Address(); err != nil {
		return Signature{}, err
	}
	lock := a.lockFor(actor)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := a.nonces.Nonces(ctx, actor)
	if err != nil {
		return Signature{}, fmt.Errorf("read nonce for %s: %w", actor.Hex(), err)
	}
	h, err := build(nonce)
	if err != nil {
		return Signature{}, fmt.Errorf("typed data hash: %w", err)
	}

	a.mu.RLock()
	key, revoked := a.key, a.revoked
	a.mu.RUnlock()
	if key == nil || revoked != "" {
		return Signature{}, ErrUnavailable
	}
	sig, err := crypto.Sign(h.Bytes(), key)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sig[64] += 27
	return Signature{
		Bytes:    sig,
		Digest:   h,
		Signer:   crypto.PubkeyToAddress(key.PublicKey),
		Nonce:    nonce,
		Deadline: deadline,
	}, nil
}

func (a *Authority) lockFor(addr common.Address) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		a.locks[addr] = l
	}
	return l
}

// Recover returns the address that produced sig over digest. It accepts
// V in either {0,1} or {27,28}.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
