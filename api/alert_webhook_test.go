package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertWebhook_Delivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received AlertEvent
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "Authorization: Bearer tok", nil)
	wh.Notify(AlertEvent{Type: AlertFailureSpike, Count: 7, Threshold: 5, Timestamp: time.Unix(0, 0).UTC()})
	wh.Close()
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, AlertFailureSpike, received.Type)
	assert.Equal(t, 7, received.Count)
}

func TestAlertWebhook_Retries(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   int32
	}{
		{"retry once on 5xx", http.StatusBadGateway, 2},
		{"no retry on 4xx", http.StatusBadRequest, 1},
		{"no retry on success", http.StatusOK, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			wh := NewAlertWebhook(srv.URL, "", nil)
			wh.retryDelay = time.Millisecond
			wh.Notify(AlertEvent{Type: AlertIssuanceBurst})
			wh.Close()
			assert.Equal(t, tc.want, attempts.Load())
		})
	}
}

func TestAlertWebhook_WiredThroughAPI(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "", nil)
	a := New(nil, WithAlertFunc(wh.Notify), WithLogger(slog.New(slog.DiscardHandler)))
	a.audit.metrics.failures.threshold = 2

	req := httptest.NewRequest(http.MethodPost, "/cert/generate", nil)
	a.audit.log(AuditIssueFailed, req)
	a.audit.log(AuditIssueFailed, req)
	wh.Close()

	require.Equal(t, int32(1), got.Load())
}
