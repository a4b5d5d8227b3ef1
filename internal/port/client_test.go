package port

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/resilience"
)

// fakePort is a minimal Port API double
type fakePort struct {
	mux       *http.ServeMux
	server    *httptest.Server
	authCalls atomic.Int64
	token     string
}

func newFakePort(t *testing.T) *fakePort {
	f := &fakePort{mux: http.NewServeMux(), token: "tok-1"}
	f.mux.HandleFunc("/v1/auth/access_token", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": f.token,
			"expiresIn":   3600,
		})
	})
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePort) client(t *testing.T) *Client {
	c, err := NewClient(Config{
		BaseURL:       f.server.URL,
		ClientID:      "id",
		ClientSecret:  "secret",
		IntegrationID: "my-integration",
		Retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	})
	require.NoError(t, err)
	return c
}

func TestClientTokenCached(t *testing.T) {
	f := newFakePort(t)
	f.mux.HandleFunc("/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	c := f.client(t)

	e := &entity.Entity{Identifier: "svc-1", Blueprint: "service"}
	require.NoError(t, c.UpsertEntity(context.Background(), e, UpsertOptions{}))
	require.NoError(t, c.UpsertEntity(context.Background(), e, UpsertOptions{}))

	assert.Equal(t, int64(1), f.authCalls.Load())
}

func TestClientReauthenticatesOn401(t *testing.T) {
	f := newFakePort(t)
	var calls atomic.Int64
	f.mux.HandleFunc("/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c := f.client(t)

	e := &entity.Entity{Identifier: "svc-1", Blueprint: "service"}
	require.NoError(t, c.UpsertEntity(context.Background(), e, UpsertOptions{}))

	// The stale token was dropped and fetched again for the resend.
	assert.Equal(t, int64(2), f.authCalls.Load())
	assert.Equal(t, int64(2), calls.Load())
}

func TestClientRetriesTransient(t *testing.T) {
	f := newFakePort(t)
	var calls atomic.Int64
	f.mux.HandleFunc("/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c := f.client(t)

	e := &entity.Entity{Identifier: "svc-1", Blueprint: "service"}
	require.NoError(t, c.UpsertEntity(context.Background(), e, UpsertOptions{}))
	assert.Equal(t, int64(3), calls.Load())
}

func TestClientPermanentErrorNotRetried(t *testing.T) {
	f := newFakePort(t)
	var calls atomic.Int64
	f.mux.HandleFunc("/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "schema violation"})
	})
	c := f.client(t)

	e := &entity.Entity{Identifier: "svc-1", Blueprint: "service"}
	err := c.UpsertEntity(context.Background(), e, UpsertOptions{})

	require.Error(t, err)
	assert.Equal(t, oceanerr.KindPermanentRemote, oceanerr.KindOf(err))
	assert.Contains(t, err.Error(), "schema violation")
	assert.Equal(t, int64(1), calls.Load())
}

func TestClientInvalidEntityRejectedLocally(t *testing.T) {
	f := newFakePort(t)
	c := f.client(t)

	err := c.UpsertEntity(context.Background(), &entity.Entity{Blueprint: "service"}, UpsertOptions{})
	require.Error(t, err)
	assert.Equal(t, oceanerr.KindMapping, oceanerr.KindOf(err))
}

func TestUpsertBatchResultsInOrder(t *testing.T) {
	f := newFakePort(t)
	f.mux.HandleFunc("/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		var req upsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Entity.Identifier == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c := f.client(t)

	entities := []*entity.Entity{
		{Identifier: "a", Blueprint: "service"},
		{Identifier: "bad", Blueprint: "service"},
		{Identifier: "b", Blueprint: "service"},
	}
	results := c.UpsertBatch(context.Background(), entities, UpsertOptions{})

	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())
	assert.Equal(t, "a", results[0].Key.Identifier)
	assert.Equal(t, "bad", results[1].Key.Identifier)
	assert.Equal(t, "b", results[2].Key.Identifier)
}

func TestDeleteMissingEntityIsSuccess(t *testing.T) {
	f := newFakePort(t)
	f.mux.HandleFunc("/v1/entities/service/gone", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	c := f.client(t)

	err := c.Delete(context.Background(), entity.Key{Blueprint: "service", Identifier: "gone"}, false)
	assert.NoError(t, err)
}

func TestDeleteWithDependents(t *testing.T) {
	f := newFakePort(t)
	f.mux.HandleFunc("/v1/entities/service/svc-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("delete_dependents"))
		w.WriteHeader(http.StatusOK)
	})
	c := f.client(t)

	err := c.Delete(context.Background(), entity.Key{Blueprint: "service", Identifier: "svc-1"}, true)
	assert.NoError(t, err)
}

func TestSearchAndOwnedIdentifiers(t *testing.T) {
	f := newFakePort(t)
	f.mux.HandleFunc("/v1/entities/search", func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "service", req.Blueprint)
		require.Len(t, req.Query.Rules, 1)
		assert.Equal(t, "$createdByIntegration", req.Query.Rules[0].Property)
		assert.Equal(t, "my-integration", req.Query.Rules[0].Value)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"entities": []map[string]string{
				{"identifier": "svc-1"},
				{"identifier": "svc-2"},
			},
		})
	})
	c := f.client(t)

	ids, err := c.OwnedIdentifiers(context.Background(), "service")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-1", "svc-2"}, ids)
}

func TestIntegrationStateRoundtrip(t *testing.T) {
	f := newFakePort(t)
	var stored *IntegrationState
	f.mux.HandleFunc("/v1/integration/my-integration/state", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(stored)
		case http.MethodPut:
			var s IntegrationState
			require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
			stored = &s
			w.WriteHeader(http.StatusOK)
		}
	})
	c := f.client(t)
	ctx := context.Background()

	// First run: missing state comes back empty, not as an error.
	state, err := c.GetIntegrationState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.LastRunID)
	assert.NotNil(t, state.PerKind)

	state.LastRunID = "run-1"
	state.PerKind["service"] = KindState{SeenCount: 7}
	require.NoError(t, c.SetIntegrationState(ctx, state))

	loaded, err := c.GetIntegrationState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.LastRunID)
	assert.Equal(t, int64(7), loaded.PerKind["service"].SeenCount)
}

func TestEnsureBlueprintConflictTolerated(t *testing.T) {
	f := newFakePort(t)
	f.mux.HandleFunc("/v1/blueprints", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	c := f.client(t)

	err := c.EnsureBlueprint(context.Background(), entity.Blueprint{Identifier: "service"})
	assert.NoError(t, err)
}
