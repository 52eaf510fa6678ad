package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/notify"
)

func TestEncodeDecode(t *testing.T) {
	ev := notify.Event{
		Type:      notify.EventTaskClaimed,
		TaskID:    "0x01",
		Actor:     "0xa1",
		TxHash:    "0xbeef",
		Data:      map[string]any{"reward": float64(150)},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := notify.Encode(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"taskId":"0x01"`)
	back, err := notify.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, back)
}

func TestRecorderFiltersByTask(t *testing.T) {
	var r notify.Recorder
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, notify.Event{Type: notify.EventTaskClaimed, TaskID: "a"}))
	require.NoError(t, r.Publish(ctx, notify.Event{Type: notify.EventTaskClaimed, TaskID: "b"}))
	require.NoError(t, r.Publish(ctx, notify.Event{Type: notify.EventTaskSubmitted, TaskID: "a"}))
	assert.Equal(t, []string{notify.EventTaskClaimed, notify.EventTaskSubmitted}, r.Types("a"))
	assert.Len(t, r.Events(), 3)
}

func TestNopPublisher(t *testing.T) {
	var p notify.Publisher = notify.Nop{}
	assert.NoError(t, p.Publish(context.Background(), notify.Event{}))
	assert.NoError(t, p.Close())
}
