package ledger

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
)

func samplePage() []LabeledMetadata {
	return []LabeledMetadata{
		{TxHash: "aa11", JSON: json.RawMessage(`{"version":1.1,"did":"did:cardano:testnet:abc"}`)},
		{TxHash: "bb22", JSON: json.RawMessage(`{"version":1,"did":"did:cardano:w#cc"}`)},
	}
}

func TestClientFetchesPage(t *testing.T) {
	var gotPath, gotQuery, gotProject string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotProject = r.Header.Get("project_id")
		require.NoError(t, json.NewEncoder(w).Encode(samplePage()))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "testproject", 5)
	entries, err := c.MetadataByLabel(context.Background(), "1990", 2, 50)
	require.NoError(t, err)

	assert.Equal(t, "/metadata/txs/labels/1990", gotPath)
	assert.Equal(t, "page=2&count=50", gotQuery)
	assert.Equal(t, "testproject", gotProject)
	require.Len(t, entries, 2)
	assert.Equal(t, "aa11", entries[0].TxHash)
	assert.JSONEq(t, `{"version":1.1,"did":"did:cardano:testnet:abc"}`, string(entries[0].JSON))
}

func TestClientUnusedLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status_code":404}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5)
	entries, err := c.MetadataByLabel(context.Background(), "1990", 1, 100)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(samplePage()))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5)
	entries, err := c.MetadataByLabel(context.Background(), "1990", 1, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientExhaustsRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("waits through backoff")
	}

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5)
	_, err := c.MetadataByLabel(context.Background(), "1990", 1, 100)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientPermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad project", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong", 5)
	_, err := c.MetadataByLabel(context.Background(), "1990", 1, 100)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, "", 5)
	start := time.Now()
	_, err := c.MetadataByLabel(ctx, "1990", 1, 100)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "cancellation must cut the backoff short")
}
