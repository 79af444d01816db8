package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

func okHandler(data map[string]any) HandlerFunc {
	return func(ctx context.Context, params map[string]any, actx Context) models.ActionResult {
		return models.ActionOK(data)
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("b", okHandler(nil)))
	require.NoError(t, reg.RegisterTool(Definition{Name: "a", Description: "tool a"}, okHandler(nil)))

	h, ok := reg.Get("a")
	require.True(t, ok)
	assert.True(t, h.Execute(context.Background(), nil, Context{}).Success)

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.True(t, reg.IsTool("a"))
	assert.False(t, reg.IsTool("b"))

	tools := reg.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "a", tools[0].Name)
}

func TestRegistry_RejectsDuplicatesAndBadInput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("crawl", okHandler(nil)))
	assert.Error(t, reg.Register("crawl", okHandler(nil)))
	assert.Error(t, reg.Register("", okHandler(nil)))
	assert.Error(t, reg.Register("nil", nil))
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinOptions{}))

	assert.Equal(t, []string{ActionAnalyzeBusiness, ActionCrawlWebsite, ActionDetectPlatform, ActionSummarizeInterview}, reg.Names())
	assert.False(t, reg.IsTool(ActionSummarizeInterview))
	assert.Len(t, reg.Tools(), 3)
}
