package taskmarketsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndDecodesTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("open"))
		assert.Equal(t, "reward", r.URL.Query().Get("sort"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": "0xabc", "key": "demo", "status": "available", "reward_amount": 150}},
			"next_cursor": "150|0xabc",
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/")
	c.BearerToken = "tok"
	page, err := c.ListTasks(context.Background(), ListOptions{Open: true, Sort: "reward", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "demo", page.Items[0].Key)
	assert.Equal(t, int64(150), page.Items[0].RewardAmount)
	assert.Equal(t, "150|0xabc", page.NextCursor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks/demo/submit", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://github.com/o/r/pull/1", body["evidence_url"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code":    "validation_rejected",
			"message": "evidence rejected by registry",
			"details": map[string]any{"kind": "rejected", "tx_hash": "0xfeed", "retryable": false},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	_, err := c.SubmitEvidence(context.Background(), "demo", "https://github.com/o/r/pull/1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "validation_rejected", apiErr.Code)
	assert.Equal(t, "0xfeed", apiErr.TxHash())
	assert.False(t, apiErr.Retryable())
}

func TestClientNonEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetTask(context.Background(), "demo")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "upstream down")
}

func TestResolveReviewReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reviews/r1/resolve", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"review": map[string]any{"id": "r1", "status": "approved"},
			"result": map[string]any{"success": true, "state": "settled", "txHash": "0x01"},
		})
	}))
	defer srv.Close()

	rev, res, err := New(srv.URL).ResolveReview(context.Background(), "r1", true, "")
	require.NoError(t, err)
	assert.Equal(t, "approved", rev.Status)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, "0x01", res.TxHash)
}
