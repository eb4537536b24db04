package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{name: "json info", cfg: LogConfig{Level: "info", Format: "json"}},
		{name: "console debug", cfg: LogConfig{Level: "debug", Format: "console"}},
		{name: "stderr output", cfg: LogConfig{Level: "warn", Format: "json", Output: "stderr"}},
		{name: "invalid level", cfg: LogConfig{Level: "verbose", Format: "json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLoggerWith(t *testing.T) {
	logger := NopLogger()

	child := logger.With(String("component", "registry"))
	assert.NotNil(t, child)

	child.Info("message")
	logger.Info("message")
}

func TestLoggerWithContext(t *testing.T) {
	logger := NopLogger()

	ctx := context.Background()
	assert.Equal(t, logger, logger.WithContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-123")
	ctx = ContextWithTraceID(ctx, "trace-456")
	enriched := logger.WithContext(ctx)
	assert.NotEqual(t, logger, enriched)
}

func TestRequestIDFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-789")
	assert.Equal(t, "req-789", RequestIDFromContext(ctx))
}

func TestTraceIDFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))

	ctx = ContextWithTraceID(ctx, "trace-789")
	assert.Equal(t, "trace-789", TraceIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, L(), "global logger must never be nil")

	logger := NopLogger()
	SetGlobalLogger(logger)
	assert.Equal(t, logger, L())
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}
