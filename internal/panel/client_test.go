package panel_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnova-bot/internal/panel"
)

func TestClient_CreateUser(t *testing.T) {
	t.Parallel()

	var gotAuth, gotIdem string
	var gotReq panel.CreateUserRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/users", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("X-Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{
			"uuid":            "u-1",
			"username":        gotReq.Username,
			"subscriptionUrl": "https://vpn.example/sub/u-1",
		}})
	}))
	defer srv.Close()

	c := panel.NewClient(srv.URL, "secret-key", time.Second)
	resp, err := c.CreateUser(context.Background(), panel.CreateUserRequest{
		Username: "user_42",
		Status:   "ACTIVE",
		Tag:      "sub-abc",
	}, "task-1")
	require.NoError(t, err)

	assert.Equal(t, "u-1", resp.UUID)
	assert.Equal(t, "https://vpn.example/sub/u-1", resp.SubscriptionURL)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "task-1", gotIdem)
	assert.Equal(t, "sub-abc", gotReq.Tag)
}

func TestClient_UserByTag(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/users/by-tag/sub-abc", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{"uuid": "u-1", "tag": "sub-abc"}})
		}))
		defer srv.Close()

		resp, err := panel.NewClient(srv.URL, "k", time.Second).UserByTag(context.Background(), "sub-abc")
		require.NoError(t, err)
		assert.Equal(t, "u-1", resp.UUID)
	})

	t.Run("404 maps to ErrNotFound", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := panel.NewClient(srv.URL, "k", time.Second).UserByTag(context.Background(), "missing")
		assert.ErrorIs(t, err, panel.ErrNotFound)
	})

	t.Run("empty envelope maps to ErrNotFound", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{}})
		}))
		defer srv.Close()

		_, err := panel.NewClient(srv.URL, "k", time.Second).UserByTag(context.Background(), "missing")
		assert.ErrorIs(t, err, panel.ErrNotFound)
	})
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	t.Run("5xx is retryable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		err := panel.NewClient(srv.URL, "k", time.Second).DisableUser(context.Background(), "u-1")
		require.Error(t, err)
		assert.True(t, panel.IsRetryable(err))
	})

	t.Run("rate limit is retryable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		err := panel.NewClient(srv.URL, "k", time.Second).DisableUser(context.Background(), "u-1")
		require.Error(t, err)
		assert.True(t, panel.IsRetryable(err))
	})

	t.Run("4xx is terminal", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		err := panel.NewClient(srv.URL, "k", time.Second).DisableUser(context.Background(), "u-1")
		require.Error(t, err)
		assert.False(t, panel.IsRetryable(err))
	})

	t.Run("not found is terminal", func(t *testing.T) {
		t.Parallel()
		assert.False(t, panel.IsRetryable(panel.ErrNotFound))
	})

	t.Run("connection failure is retryable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // refuse connections

		err := panel.NewClient(srv.URL, "k", time.Second).DisableUser(context.Background(), "u-1")
		require.Error(t, err)
		assert.True(t, panel.IsRetryable(err))
	})
}

func TestClient_UpdateExpiry(t *testing.T) {
	t.Parallel()

	var gotBody panel.ExtendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/users/u-1/extend", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{"uuid": "u-1"}})
	}))
	defer srv.Close()

	expiry := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	err := panel.NewClient(srv.URL, "k", time.Second).UpdateExpiry(context.Background(), "u-1", expiry)
	require.NoError(t, err)
	assert.Equal(t, "2025-07-01T00:00:00Z", gotBody.ExpireAt)
}
