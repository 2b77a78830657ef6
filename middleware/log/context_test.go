package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithTraceIDContext(t *testing.T) {
	t.Run("keeps provided id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		assert.Equal(t, "trace-1", GetTraceID(ctx))
	})

	t.Run("generates uuid when empty", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "")
		assert.Len(t, GetTraceID(ctx), 36)
	})

	t.Run("preserves other values", func(t *testing.T) {
		type key string
		ctx := context.WithValue(context.Background(), key("k"), "v")
		ctx = WithTraceID(ctx, "trace-2")
		assert.Equal(t, "v", ctx.Value(key("k")))
		assert.Equal(t, "trace-2", GetTraceID(ctx))
	})
}

func TestGetTraceID(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetTraceID(context.WithValue(context.Background(), TraceIDKey, 42)))
}

func TestNewTraceID(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	assert.NotEqual(t, a, b)
}
