package platform

import (
	"context"
	"testing"
	"time"

	"github.com/actionplane/orchestrator/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_ExecuteRecordsCallAndSucceeds(t *testing.T) {
	c := NewMockClient("notion")
	res := c.Execute(context.Background(), "create_page", map[string]interface{}{"title": "x"}, time.Time{})
	require.True(t, res.Ok)
	assert.NotEmpty(t, res.ExternalID)

	calls := c.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "create_page", calls[0].ActionType)
}

func TestMockClient_FailNextConsumedOnce(t *testing.T) {
	c := NewMockClient("trello")
	c.FailNext("move_card", core.KindRateLimit)

	first := c.Execute(context.Background(), "move_card", nil, time.Time{})
	assert.False(t, first.Ok)
	assert.Equal(t, core.KindRateLimit, first.ErrorKind)
	assert.True(t, first.IsRateLimit)

	second := c.Execute(context.Background(), "move_card", nil, time.Time{})
	assert.True(t, second.Ok, "scripted failure should only apply once")
}

func TestMockClient_LatencyAbortsOnContextCancel(t *testing.T) {
	c := NewMockClient("drive")
	c.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	res := c.Execute(ctx, "upload", nil, time.Time{})
	assert.False(t, res.Ok)
	assert.Equal(t, core.KindTimeout, res.ErrorKind)
}

func TestMockClient_CompensateSucceeds(t *testing.T) {
	c := NewMockClient("sheets")
	res := c.Compensate(context.Background(), "append_row", "sheets-mock-1", nil)
	assert.True(t, res.Ok)
	assert.Equal(t, "sheets-mock-1", res.ExternalID)
}

func TestMockClient_HealthCheckAlwaysOK(t *testing.T) {
	c := NewMockClient("slack")
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestIdempotencyKeyFor_DeterministicRegardlessOfParamOrder(t *testing.T) {
	a := map[string]interface{}{"channel": "general", "text": "hi"}
	b := map[string]interface{}{"text": "hi", "channel": "general"}

	keyA := IdempotencyKeyFor("notify", "slack", a)
	keyB := IdempotencyKeyFor("notify", "slack", b)
	assert.Equal(t, keyA, keyB)
}

func TestIdempotencyKeyFor_DiffersByActionTypeOrPlatform(t *testing.T) {
	params := map[string]interface{}{"x": 1}
	key1 := IdempotencyKeyFor("create", "notion", params)
	key2 := IdempotencyKeyFor("create", "trello", params)
	key3 := IdempotencyKeyFor("update", "notion", params)
	assert.NotEqual(t, key1, key2)
	assert.NotEqual(t, key1, key3)
}
