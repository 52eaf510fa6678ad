package pending_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/pending"
)

func TestResolveWakesWaiter(t *testing.T) {
	b := pending.NewBroker[string]()
	f := b.Open()
	require.NotEmpty(t, f.ID)
	assert.True(t, b.Pending(f.ID))

	go func() {
		time.Sleep(5 * time.Millisecond)
		assert.NoError(t, b.Resolve(f.ID, "approved"))
	}()
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "approved", v)
	assert.False(t, b.Pending(f.ID))
	assert.ErrorIs(t, b.Resolve(f.ID, "again"), pending.ErrUnknown)
}

func TestCancelAndReject(t *testing.T) {
	b := pending.NewBroker[int]()
	f := b.Open()
	require.NoError(t, b.Cancel(f.ID))
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, pending.ErrCancelled)

	g := b.Open()
	boom := errors.New("validator unreachable")
	require.NoError(t, b.Reject(g.ID, boom))
	_, err = g.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTimeoutWithdrawsRequest(t *testing.T) {
	b := pending.NewBroker[bool]()
	f := b.Open()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.Len())
	assert.ErrorIs(t, b.Resolve(f.ID, true), pending.ErrUnknown)
}

func TestOpenIDRejectsDuplicates(t *testing.T) {
	b := pending.NewBroker[bool]()
	_, err := b.OpenID("review-1")
	require.NoError(t, err)
	_, err = b.OpenID("review-1")
	assert.Error(t, err)
}

func TestIDsAreIndependent(t *testing.T) {
	b := pending.NewBroker[string]()
	f1, f2 := b.Open(), b.Open()
	require.NotEqual(t, f1.ID, f2.ID)
	require.NoError(t, b.Resolve(f2.ID, "two"))
	require.NoError(t, b.Resolve(f1.ID, "one"))
	v1, _ := f1.Wait(context.Background())
	v2, _ := f2.Wait(context.Background())
	assert.Equal(t, "one", v1)
	assert.Equal(t, "two", v2)
}
