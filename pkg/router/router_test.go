package router_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/router"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputString(t *testing.T, step router.Step, key string) string {
	t.Helper()
	v, ok := step.Input.Get(key)
	require.True(t, ok, "missing input key %s", key)
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}

func TestKeywordRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("SearchGoal", func(t *testing.T) {
		r := router.NewKeywordRouter(router.DefaultRules)
		steps, err := r.Route(ctx, "Search for trace execution logs", models.Null())
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, models.ToolCallTaskKind, steps[0].Kind)
		assert.Equal(t, "search_web", steps[0].Name)
		assert.Equal(t, "Search for trace execution logs", inputString(t, steps[0], "query"))
	})

	t.Run("FallbackToReasoning", func(t *testing.T) {
		r := router.NewKeywordRouter(router.DefaultRules)
		steps, err := r.Route(ctx, "Summarise the quarterly report", models.Null())
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, models.ReasoningTaskKind, steps[0].Kind)
		assert.Equal(t, "analyze_request", steps[0].Name)
		assert.Equal(t, "Summarise the quarterly report", inputString(t, steps[0], "goal"))
	})

	t.Run("MultipleRulesInOrderDeduplicated", func(t *testing.T) {
		r := router.NewKeywordRouter([]router.Rule{
			{Keyword: "search", Tool: "search_web"},
			{Keyword: "find", Tool: "search_web"},
			{Keyword: "summar", Kind: models.ReasoningTaskKind, Tool: "analyze_request", InputKey: "goal"},
		})
		steps, err := r.Route(ctx, "find and SUMMARISE, then search again", models.Null())
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "search_web", steps[0].Name)
		assert.Equal(t, models.ToolCallTaskKind, steps[0].Kind)
		assert.Equal(t, "analyze_request", steps[1].Name)
	})

	t.Run("NoFallback", func(t *testing.T) {
		r := router.NewKeywordRouter(router.DefaultRules, router.WithoutFallback())
		_, err := r.Route(ctx, "hello", models.Null())
		assert.True(t, errors.Is(err, router.ErrNoRoute))
	})
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	t.Run("Valid", func(t *testing.T) {
		path := filepath.Join(dir, "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - keyword: weather
    tool: get_weather
    input_key: city
fallback:
  kind: SYSTEM
  tool: noop
`), 0o600))
		r, err := router.LoadRules(path)
		require.NoError(t, err)

		steps, err := r.Route(context.Background(), "Weather in Lisbon", models.Null())
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "get_weather", steps[0].Name)
		assert.Equal(t, "Weather in Lisbon", inputString(t, steps[0], "city"))

		steps, err = r.Route(context.Background(), "anything", models.Null())
		require.NoError(t, err)
		assert.Equal(t, models.SystemTaskKind, steps[0].Kind)
		assert.Equal(t, "noop", steps[0].Name)
	})

	t.Run("MissingTool", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules:\n  - keyword: x\n"), 0o600))
		_, err := router.LoadRules(path)
		assert.Error(t, err)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		path := filepath.Join(dir, "kind.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules:\n  - keyword: x\n    tool: y\n    kind: MAGIC\n"), 0o600))
		_, err := router.LoadRules(path)
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := router.LoadRules(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestFallback(t *testing.T) {
	failing := router.Func(func(context.Context, string, models.Value) ([]router.Step, error) {
		return nil, errors.New("model unavailable")
	})
	r := router.Fallback{Primary: failing, Secondary: router.NewKeywordRouter(router.DefaultRules)}
	steps, err := r.Route(context.Background(), "search docs", models.Null())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "search_web", steps[0].Name)
}
