package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveHandlerAlwaysOK(t *testing.T) {
	t.Parallel()

	c := NewChecker()
	c.AddCheck("failing", func(context.Context) error {
		return errors.New("dependency down")
	})
	c.SetDraining(true)

	w := httptest.NewRecorder()
	c.LiveHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestReadyHandlerWithoutChecks(t *testing.T) {
	t.Parallel()

	c := NewChecker()

	w := httptest.NewRecorder()
	c.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "ok", report.Status)
}

func TestReadyHandlerRunsChecks(t *testing.T) {
	t.Parallel()

	c := NewChecker()
	c.AddCheck("store", func(context.Context) error { return nil })
	c.AddCheck("gateway", func(context.Context) error { return nil })

	w := httptest.NewRecorder()
	c.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "ok", report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "ok", report.Checks["store"].Status)
	assert.Equal(t, "ok", report.Checks["gateway"].Status)
}

func TestReadyHandlerReportsFailure(t *testing.T) {
	t.Parallel()

	c := NewChecker()
	c.AddCheck("store", func(context.Context) error { return nil })
	c.AddCheck("consul", func(context.Context) error {
		return errors.New("connection refused")
	})

	w := httptest.NewRecorder()
	c.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "error", report.Status)
	assert.Equal(t, "ok", report.Checks["store"].Status)
	assert.Equal(t, "error", report.Checks["consul"].Status)
	assert.Equal(t, "connection refused", report.Checks["consul"].Error)
}

func TestReadyHandlerWhileDraining(t *testing.T) {
	t.Parallel()

	var probed bool
	c := NewChecker()
	c.AddCheck("store", func(context.Context) error {
		probed = true
		return nil
	})

	c.SetDraining(true)
	assert.True(t, c.Draining())

	w := httptest.NewRecorder()
	c.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "draining", report.Status)
	assert.False(t, probed, "draining short-circuits the checks")

	// Draining is reversible.
	c.SetDraining(false)
	w = httptest.NewRecorder()
	c.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, probed)
}

func TestCheckTimeoutIsEnforced(t *testing.T) {
	t.Parallel()

	c := NewChecker(WithCheckTimeout(20 * time.Millisecond))
	c.AddCheck("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	report := c.Run(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "error", report.Status)
	assert.Contains(t, report.Checks["slow"].Error, "context deadline exceeded")
}

func TestRegisterMountsProbes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	NewChecker().Register(mux)

	for _, path := range []string{"/live", "/ready"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	c := NewChecker()
	for i := 0; i < 4; i++ {
		c.AddCheck(string(rune('a'+i)), func(context.Context) error {
			time.Sleep(30 * time.Millisecond)
			return nil
		})
	}

	start := time.Now()
	report := c.Run(context.Background())

	// Four 30ms checks in sequence would take 120ms.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, "ok", report.Status)
	assert.Len(t, report.Checks, 4)
}
