package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	primaryClaim      = "ClaimTask"
	primaryValidation = "ValidateSubmission"
)

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryClaim: {
		{Name: "taskId", Type: "bytes32"},
		{Name: "claimant", Type: "address"},
		{Name: "deadline", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
	primaryValidation: {
		{Name: "taskId", Type: "bytes32"},
		{Name: "assignee", Type: "address"},
		{Name: "evidenceUrl", Type: "string"},
		{Name: "deadline", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Domain is the EIP-712 domain shared by both message families.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Separator is hashStruct(EIP712Domain), the value the registry exposes as
// DOMAIN_SEPARATOR().
func (d Domain) Separator() (common.Hash, error) {
	td := apitypes.TypedData{Types: typedDataTypes, Domain: d.typed()}
	h, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

// ClaimMessage authorizes claimant to claim taskID until deadline.
type ClaimMessage struct {
	TaskID   common.Hash
	Claimant common.Address
	Deadline *big.Int
	Nonce    *big.Int
}

// ValidationMessage authorizes the registry to validate evidence for assignee.
type ValidationMessage struct {
	TaskID      common.Hash
	Assignee    common.Address
	EvidenceURL string
	Deadline    *big.Int
	Nonce       *big.Int
}

// ClaimDigest returns the EIP-712 digest that is signed for a claim.
func ClaimDigest(d Domain, m ClaimMessage) (common.Hash, error) {
	return digest(d, primaryClaim, apitypes.TypedDataMessage{
		"taskId":   m.TaskID.Hex(),
		"claimant": m.Claimant.Hex(),
		"deadline": m.Deadline.String(),
		"nonce":    m.Nonce.String(),
	})
}

// ValidationDigest returns the EIP-712 digest that is signed for a submission.
func ValidationDigest(d Domain, m ValidationMessage) (common.Hash, error) {
	return digest(d, primaryValidation, apitypes.TypedDataMessage{
		"taskId":      m.TaskID.Hex(),
		"assignee":    m.Assignee.Hex(),
		"evidenceUrl": m.EvidenceURL,
		"deadline":    m.Deadline.String(),
		"nonce":       m.Nonce.String(),
	})
}

func digest(d Domain, primary string, msg apitypes.TypedDataMessage) (common.Hash, error) {
	td := apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: primary,
		Domain:      d.typed(),
		Message:     msg,
	}
	h, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}
