package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"auditrelay/internal/app"
	"auditrelay/internal/config"
)

type flakyDB struct {
	calls     int
	failUntil int
}

func (f *flakyDB) PingContext(ctx context.Context) error {
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("connection refused")
	}
	return nil
}

func TestPingWithRetry_Success(t *testing.T) {
	db := &flakyDB{}
	err := app.PingWithRetry(context.Background(), db, 1, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 1, db.calls)
}

func TestPingWithRetry_Retries(t *testing.T) {
	db := &flakyDB{failUntil: 2}
	err := app.PingWithRetry(context.Background(), db, 5, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, db.calls)
}

func TestPingWithRetry_Fail(t *testing.T) {
	db := &flakyDB{failUntil: 100}
	err := app.PingWithRetry(context.Background(), db, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, db.calls)
}

func TestPingWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	db := &flakyDB{failUntil: 100}
	err := app.PingWithRetry(ctx, db, 5, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, db.calls)
}

func TestCreateTopics(t *testing.T) {
	var mu sync.Mutex
	var created []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/topic/create", r.URL.Path)
		topic := r.URL.Query().Get("topic")
		if topic == "rejected" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		created = append(created, topic)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host := server.Listener.Addr().String()
	n := app.CreateTopics(context.Background(), server.Client(), host, append(app.Topics, "rejected")...)

	assert.Equal(t, len(app.Topics), n)
	assert.Equal(t, []string{config.TopicSourceRemoved, config.TopicJobDeadLettered, config.TopicFetchMetrics}, created)
}

func TestCreateTopics_Unreachable(t *testing.T) {
	n := app.CreateTopics(context.Background(), http.DefaultClient, "127.0.0.1:1", config.TopicFetchMetrics)
	assert.Equal(t, 0, n)
}

func TestBootstrap_DBDown(t *testing.T) {
	cfg := &config.Config{
		DBHost:                     "localhost",
		DBPort:                     54322,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "test",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}

	start := time.Now()
	deps, err := app.Bootstrap(context.Background(), cfg)

	assert.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to ping db")
	assert.Less(t, time.Since(start), 2*time.Second)
}
