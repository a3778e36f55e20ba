package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"campflow/internal/automation"
	"campflow/internal/bandetect"
	"campflow/internal/counterstore"
	"campflow/internal/database"
	"campflow/internal/dispatcher"
	"campflow/internal/models"
	"campflow/internal/ratelimiter"
	"campflow/pkg/provider/types"
	"campflow/pkg/provider/waha"
)

// providerRequest is one send the mock WAHA server received.
type providerRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

// TestEnvironment wires a real SQLite database, a mock WAHA server, and
// the dispatcher and automation engine against each other, the same shape
// the process runs in production minus the HTTP surface.
type TestEnvironment struct {
	t *testing.T

	DB     *database.Database
	Store  counterstore.Store
	Engine *automation.Engine
	disp   *dispatcher.Dispatcher

	providerServer *httptest.Server

	mu        sync.Mutex
	requests  []providerRequest
	waits     []time.Duration
	nextMsgID int

	clockOffset time.Duration
	cleanup     []func()
}

// NewTestEnvironment builds a fully wired environment. The dispatcher clock
// is shifted forward to midday so the nightly blackout gate never trips,
// and its pacing sleeps are recorded instead of slept.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	env := &TestEnvironment{t: t}

	start := time.Now().UTC()
	noon := time.Date(start.Year(), start.Month(), start.Day(), 12, 0, 0, 0, time.UTC)
	if noon.Before(start) {
		noon = noon.Add(24 * time.Hour)
	}
	env.clockOffset = noon.Sub(start)

	dbPath := filepath.Join(t.TempDir(), "campflow-test.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	env.DB = db
	env.cleanup = append(env.cleanup, func() { _ = db.Close() })

	env.Store = counterstore.NewSQLiteStore(db.SQL())
	env.setupProviderServer()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	provider := waha.NewClient(types.ClientConfig{
		BaseURL:     env.providerServer.URL,
		APIKey:      "test-key",
		SessionName: "default",
		TimeoutSec:  5,
	})

	rateCfg := models.RateLimitConfig{
		DailyLimit:         1000,
		BlackoutStartHour:  23,
		BlackoutEndHour:    7,
		MinDelaySec:        10,
		ProviderTimeoutSec: 5,
	}
	limiter := ratelimiter.New(rateCfg, env.Store, logger)
	detector := bandetect.New(env.Store, logger, nil)

	env.disp = dispatcher.New(db, provider, limiter, detector, env.Store, rateCfg, logger,
		dispatcher.WithClock(env.Now),
		dispatcher.WithWaitFunc(env.recordWait),
	)

	env.Engine = automation.NewEngine(db, models.AutomationConfig{ReplyWindowHours: 24}, logger)
	return env
}

func (env *TestEnvironment) Cleanup() {
	env.providerServer.Close()
	for i := len(env.cleanup) - 1; i >= 0; i-- {
		env.cleanup[i]()
	}
}

// Now is the dispatcher's clock: real time shifted to midday. It never runs
// behind the wall clock, so rows stamped with time.Now stay due.
func (env *TestEnvironment) Now() time.Time {
	return time.Now().UTC().Add(env.clockOffset)
}

func (env *TestEnvironment) recordWait(ctx context.Context, d time.Duration) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.waits = append(env.waits, d)
	return nil
}

func (env *TestEnvironment) setupProviderServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sendText", func(w http.ResponseWriter, r *http.Request) {
		var req providerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		env.mu.Lock()
		env.requests = append(env.requests, req)
		env.nextMsgID++
		id := env.nextMsgID
		env.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id": {"_serialized": "wamid.test.%d"}}`, id)
	})
	env.providerServer = httptest.NewServer(mux)
}

// ProviderRequests returns a copy of every send the mock provider saw, in
// arrival order.
func (env *TestEnvironment) ProviderRequests() []providerRequest {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]providerRequest, len(env.requests))
	copy(out, env.requests)
	return out
}

// RecordedWaits returns every pacing delay the dispatcher asked for.
func (env *TestEnvironment) RecordedWaits() []time.Duration {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]time.Duration, len(env.waits))
	copy(out, env.waits)
	return out
}

// Drain processes due messages one at a time until the queue is empty,
// the way the run loop does, bounded so a bug cannot spin forever.
func (env *TestEnvironment) Drain(ctx context.Context, maxIterations int) int {
	env.t.Helper()
	processed := 0
	for i := 0; i < maxIterations; i++ {
		msg, err := env.DB.NextDueMessage(ctx, env.Now())
		require.NoError(env.t, err)
		if msg == nil {
			return processed
		}
		_, err = env.disp.Process(ctx, msg)
		require.NoError(env.t, err)
		processed++
	}
	return processed
}
