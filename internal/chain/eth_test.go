package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/domain"
)

func parsedABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	require.NoError(t, err)
	return parsed
}

func TestRegistryABIHasEveryOperation(t *testing.T) {
	parsed := parsedABI(t)
	for _, m := range []string{"createTask", "claimTask", "validateSubmission", "completeTask", "getTask",
		"isTaskClaimable", "getTaskAssignee", "getTaskStatus", "nonces", "DOMAIN_SEPARATOR"} {
		_, ok := parsed.Methods[m]
		assert.True(t, ok, m)
	}
	_, ok := parsed.Events["SubmissionValidated"]
	assert.True(t, ok)
}

func TestStatusCodesRoundTrip(t *testing.T) {
	for _, s := range domain.Statuses() {
		code, err := StatusCode(s)
		require.NoError(t, err)
		back, err := StatusFromCode(code)
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
	_, err := StatusFromCode(200)
	assert.Error(t, err)
	_, err = StatusCode("bogus")
	assert.Error(t, err)
}

func TestParseValidationReadsEvent(t *testing.T) {
	parsed := parsedABI(t)
	registry := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	ev := parsed.Events["SubmissionValidated"]
	mk := func(valid bool, addr common.Address) *types.Log {
		data, err := ev.Inputs.NonIndexed().Pack(valid)
		require.NoError(t, err)
		return &types.Log{Address: addr, Topics: []common.Hash{ev.ID, {}, {}}, Data: data}
	}
	other := &types.Log{Address: registry, Topics: []common.Hash{parsed.Events["TaskClaimed"].ID}}

	valid, err := ParseValidation(parsed, registry, []*types.Log{other, mk(true, registry)})
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = ParseValidation(parsed, registry, []*types.Log{mk(false, registry)})
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = ParseValidation(parsed, registry, []*types.Log{mk(true, common.Address{1})})
	assert.Error(t, err)
}

type dataErr struct {
	msg  string
	data any
}

func (e dataErr) Error() string  { return e.msg }
func (e dataErr) ErrorData() any { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	err := Classify(ctx, "claimTask", dataErr{msg: "execution reverted", data: revertData(t, "Task not claimable")}, "")
	var rev *RevertError
	require.ErrorAs(t, err, &rev)
	assert.Equal(t, "Task not claimable", rev.Reason)
	assert.False(t, IsRetryable(err))

	err = Classify(ctx, "claimTask", errors.New("execution reverted: Invalid signature"), "")
	require.ErrorAs(t, err, &rev)
	assert.Equal(t, "Invalid signature", rev.Reason)

	err = Classify(ctx, "getTaskStatus", errors.New("execution reverted: Task does not exist"), "")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	err = Classify(ctx, "nonces", fmt.Errorf("dial tcp: connection refused"), "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	err = Classify(expired, "claimTask", expired.Err(), "")
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.False(t, IsRetryable(err))

	var unconfirmed *UnconfirmedError
	err = Classify(expired, "claimTask", expired.Err(), "0xabc")
	require.ErrorAs(t, err, &unconfirmed)
	assert.Equal(t, "0xabc", unconfirmed.TxHash)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.False(t, IsRetryable(err))

	cancelled, stop := context.WithCancel(ctx)
	stop()
	err = Classify(cancelled, "claimTask", cancelled.Err(), "0xdef")
	require.ErrorAs(t, err, &unconfirmed)
	assert.Equal(t, "claimTask", unconfirmed.Method)
	assert.Equal(t, "0xdef", unconfirmed.TxHash)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsRetryable(err))

	err = Classify(ctx, "claimTask", errors.New("execution reverted: Task not claimable"), "0xdef")
	require.ErrorAs(t, err, &rev)
	assert.Equal(t, "0xdef", rev.TxHash)

	assert.NoError(t, Classify(ctx, "x", nil, ""))
}

func TestTaskHashAndAddress(t *testing.T) {
	id := domain.TaskIDFromKey("abc")
	h, err := TaskHash(id)
	require.NoError(t, err)
	assert.Equal(t, id, h.Hex())
	_, err = TaskHash("abc")
	assert.Error(t, err)

	a, err := Address("0x00000000000000000000000000000000000000c0")
	require.NoError(t, err)
	assert.Equal(t, byte(0xc0), a[19])
	_, err = Address("nope")
	assert.Error(t, err)
}

func TestWritesRequireRelayer(t *testing.T) {
	r, err := NewEthRegistry(nil, common.Address{}, nil, 1, nil)
	require.NoError(t, err)
	_, err = r.CompleteTask(context.Background(), common.Hash{})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestRevertErrorMessage(t *testing.T) {
	err := &RevertError{Method: "claimTask", Reason: "Task not claimable", TxHash: "0x01"}
	assert.Equal(t, "claimTask reverted: Task not claimable (tx 0x01)", err.Error())
}
