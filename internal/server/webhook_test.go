package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/binstore/internal/binary"
	"github.com/kilupskalvis/binstore/internal/gcjob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookNotifier_NilConfig(t *testing.T) {
	wn := NewWebhookNotifier(nil, slog.Default())
	assert.Nil(t, wn)
}

func TestNewWebhookNotifier_EmptyURLs(t *testing.T) {
	wn := NewWebhookNotifier(&WebhookConfig{URLs: nil}, slog.Default())
	assert.Nil(t, wn)
}

func TestWebhookNotifier_NotifyGC_NilReceiver(t *testing.T) {
	// Should not panic
	var wn *WebhookNotifier
	wn.NotifyGC("default", &gcjob.Result{})
}

func TestWebhookNotifier_NotifyGC(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookEvent

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)

	wn.NotifyGC("tenant-a", &gcjob.Result{
		Deleted: true,
		Status:  binary.Status{NumBinaries: 2, NumBinariesGC: 3, SizeBinariesGC: 42},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "gc", received[0].Event)
	assert.Equal(t, "tenant-a", received[0].Scope)
	assert.True(t, received[0].Deleted)
	assert.Equal(t, int64(2), received[0].Retained)
	assert.Equal(t, int64(3), received[0].Collected)
	assert.Equal(t, int64(42), received[0].CollectedBytes)
	assert.NotEmpty(t, received[0].Timestamp)
}

func TestWebhookNotifier_NotifyGC_MultipleURLs(t *testing.T) {
	var mu sync.Mutex
	callCount := 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	ts1 := httptest.NewServer(handler)
	defer ts1.Close()
	ts2 := httptest.NewServer(handler)
	defer ts2.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts1.URL, ts2.URL}}, slog.Default())
	require.NotNil(t, wn)

	wn.NotifyGC("default", &gcjob.Result{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return callCount == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookNotifier_Post_4xxNoRetry(t *testing.T) {
	callCount := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)

	err := wn.post(ts.URL, []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, 1, callCount) // no retry for 4xx
}

func TestWebhookNotifier_Post_5xxRetries(t *testing.T) {
	callCount := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)
	wn.backoff = time.Millisecond

	require.NoError(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, 3, callCount)
}
