package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCtx(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, defaultLogger, Ctx(ctx))

	custom := slog.New(slog.DiscardHandler)
	ctx = With(ctx, custom)
	assert.Equal(t, custom, Ctx(ctx))

	// a child context keeps the logger
	child := context.WithValue(ctx, struct{ k string }{"k"}, "v")
	assert.Equal(t, custom, Ctx(child))
}
