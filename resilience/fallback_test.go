package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/orchestrator/core"
)

func TestFallbackDispatcher_SucceedsOnFirstHop(t *testing.T) {
	d := NewFallbackDispatcher(nil, nil)
	outcome := d.Dispatch(context.Background(), "create_task", "notion", nil, []string{"trello"},
		func(ctx context.Context, platform string, params map[string]interface{}) (string, error) {
			return "trello-123", nil
		})

	assert.True(t, outcome.Ok)
	assert.Equal(t, "trello-123", outcome.ExternalID)
	assert.Equal(t, "trello", outcome.FallbackPlatform)
	assert.True(t, outcome.UsedFallback)
}

func TestFallbackDispatcher_SkipsOpenBreakerAndTriesNextHop(t *testing.T) {
	openBreaker, err := NewCircuitBreaker(&CircuitBreakerConfig{Name: "trello", FailureThreshold: 1})
	require.NoError(t, err)
	openBreaker.ForceOpen()

	lookup := func(platform string) (*CircuitBreaker, bool) {
		if platform == "trello" {
			return openBreaker, true
		}
		return nil, false
	}

	d := NewFallbackDispatcher(lookup, nil)
	var attempted []string
	outcome := d.Dispatch(context.Background(), "create_task", "notion", nil, []string{"trello", "slack"},
		func(ctx context.Context, platform string, params map[string]interface{}) (string, error) {
			attempted = append(attempted, platform)
			return "slack-1", nil
		})

	assert.True(t, outcome.Ok)
	assert.Equal(t, []string{"slack"}, attempted)
	assert.Equal(t, "slack", outcome.FallbackPlatform)
}

func TestFallbackDispatcher_AppliesRegisteredParamMapper(t *testing.T) {
	d := NewFallbackDispatcher(nil, nil)
	d.RegisterMapper("create_task", "notion", "trello", func(params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"listId": params["statusProperty"]}, nil
	})

	var received map[string]interface{}
	outcome := d.Dispatch(context.Background(), "create_task", "notion",
		map[string]interface{}{"statusProperty": "in-progress"}, []string{"trello"},
		func(ctx context.Context, platform string, params map[string]interface{}) (string, error) {
			received = params
			return "ok", nil
		})

	require.True(t, outcome.Ok)
	assert.Equal(t, "in-progress", received["listId"])
}

func TestFallbackDispatcher_ExhaustsChainAndReturnsLastError(t *testing.T) {
	d := NewFallbackDispatcher(nil, nil)
	outcome := d.Dispatch(context.Background(), "create_task", "notion", nil, []string{"trello", "slack"},
		func(ctx context.Context, platform string, params map[string]interface{}) (string, error) {
			return "", core.NewActionError(core.KindTransient, "exec", errors.New(platform+" down"))
		})

	assert.False(t, outcome.Ok)
	assert.True(t, outcome.UsedFallback)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "slack down")
}

func TestFallbackDispatcher_EmptyChainReportsNoFallbackUsed(t *testing.T) {
	d := NewFallbackDispatcher(nil, nil)
	outcome := d.Dispatch(context.Background(), "create_task", "notion", nil, nil,
		func(ctx context.Context, platform string, params map[string]interface{}) (string, error) {
			t.Fatal("exec must not be called for an empty chain")
			return "", nil
		})

	assert.False(t, outcome.Ok)
	assert.False(t, outcome.UsedFallback)
	assert.Nil(t, outcome.Err)
}
