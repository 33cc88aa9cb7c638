package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// fastRetry keeps client retries from slowing the suite down.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func newTestStore(t *testing.T) (*Client, *Memory) {
	t.Helper()
	backend := NewMemory()
	srv := httptest.NewServer(NewServer(backend, nil).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client(), fastRetry(), nil), backend
}

func TestClient_PutGetRoundTrip(t *testing.T) {
	client, backend := newTestStore(t)
	data := []byte("remote artifact")

	ref, err := client.Put(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputeDigest(data), ref.Digest)
	assert.Equal(t, 1, backend.WriteCount(ref.Digest))

	got, err := client.Get(context.Background(), ref.Digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := client.Exists(context.Background(), ref.Digest)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestClient_GetMissing(t *testing.T) {
	client, _ := newTestStore(t)

	_, err := client.Get(context.Background(), domain.ComputeDigest([]byte("nowhere")))
	require.ErrorIs(t, err, taskerrors.ErrArtifactNotFound)

	exists, err := client.Exists(context.Background(), domain.ComputeDigest([]byte("nowhere")))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClient_PutIdempotentAcrossClients(t *testing.T) {
	backend := NewMemory()
	srv := httptest.NewServer(NewServer(backend, nil).Handler())
	t.Cleanup(srv.Close)

	a := NewClient(srv.URL, srv.Client(), fastRetry(), nil)
	b := NewClient(srv.URL, srv.Client(), fastRetry(), nil)

	data := []byte("shared bytes")
	refA, err := a.Put(context.Background(), data)
	require.NoError(t, err)
	refB, err := b.Put(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, refA.Digest, refB.Digest)
	assert.Equal(t, 1, backend.WriteCount(refA.Digest))
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	backend := NewMemory()
	inner := NewServer(backend, nil).Handler()

	var failures int
	flaky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures < 2 {
			failures++
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(flaky)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, srv.Client(), fastRetry(), nil)
	ref, err := client.Put(context.Background(), []byte("eventually stored"))
	require.NoError(t, err)
	assert.Equal(t, 2, failures)

	exists, err := backend.Exists(context.Background(), ref.Digest)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestClient_ExhaustsRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, srv.Client(), fastRetry(), nil)
	_, err := client.Put(context.Background(), []byte("never lands"))
	require.Error(t, err)
	assert.True(t, taskerrors.IsRetryable(err), "exhausted transient failure should classify transient")
}

func TestServer_RejectsBadDigestPath(t *testing.T) {
	backend := NewMemory()
	srv := httptest.NewServer(NewServer(backend, nil).Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/artifacts/not-a-digest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
