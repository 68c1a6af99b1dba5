package platform

import (
	"errors"
	"testing"

	"github.com/actionplane/orchestrator/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMockClient("notion"))

	c, err := r.Get("notion")
	require.NoError(t, err)
	assert.Equal(t, "notion", c.Platform())
}

func TestRegistry_GetUnknownPlatformReturnsErrAdapterNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("trello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAdapterNotFound))
}

func TestRegistry_RegisterReplacesExistingAdapterForSameTag(t *testing.T) {
	r := NewRegistry()
	first := NewMockClient("slack")
	second := NewMockClient("slack")
	r.Register(first)
	r.Register(second)

	got, err := r.Get("slack")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistry_Platforms(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMockClient("notion"))
	r.Register(NewMockClient("trello"))

	assert.ElementsMatch(t, []string{"notion", "trello"}, r.Platforms())
}

func TestRegistry_ParamMapperRoundTrip(t *testing.T) {
	r := NewRegistry()
	_, ok := r.ParamMapper("create_task", "notion", "trello")
	assert.False(t, ok)

	r.RegisterParamMapper("create_task", "notion", "trello", func(params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"listId": params["statusProperty"]}, nil
	})

	mapper, ok := r.ParamMapper("create_task", "notion", "trello")
	require.True(t, ok)
	out, err := mapper(map[string]interface{}{"statusProperty": "in-progress"})
	require.NoError(t, err)
	assert.Equal(t, "in-progress", out["listId"])
}
