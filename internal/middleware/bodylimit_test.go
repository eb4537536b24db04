package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
)

func TestBodyLimitAllowsSmallBody(t *testing.T) {
	t.Parallel()

	handler := BodyLimit(64, observability.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write(body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/entities", strings.NewReader("small payload"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "small payload", rec.Body.String())
}

func TestBodyLimitRejectsDeclaredOversize(t *testing.T) {
	t.Parallel()

	var handlerCalled bool
	handler := BodyLimit(8, observability.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/entities", strings.NewReader("this body is far too long"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.False(t, handlerCalled)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var env proxy.Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, proxy.ReasonBodyTooLarge, env.Reason)
}

func TestBodyLimitCapsChunkedRead(t *testing.T) {
	t.Parallel()

	var readErr error
	handler := BodyLimit(8, observability.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	// ContentLength -1 skips the up-front check; the reader enforces it.
	req := httptest.NewRequest(http.MethodPost, "/api/entities", strings.NewReader("this body is far too long"))
	req.ContentLength = -1
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Error(t, readErr)

	var maxErr *http.MaxBytesError
	assert.ErrorAs(t, readErr, &maxErr)
}

func TestBodyLimitDisabledWhenZero(t *testing.T) {
	t.Parallel()

	handler := BodyLimit(0, observability.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Len(t, body, 1024)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/entities", strings.NewReader(strings.Repeat("x", 1024)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
