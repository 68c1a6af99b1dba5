package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/actionplane/orchestrator/core"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
)

func TestSlackClient_Platform(t *testing.T) {
	c := NewSlackClient("xoxb-test")
	assert.Equal(t, "slack", c.Platform())
}

func TestSlackClient_ExecuteRejectsUnknownActionType(t *testing.T) {
	c := NewSlackClient("xoxb-test")
	res := c.Execute(context.Background(), "delete_channel", map[string]interface{}{}, time.Time{})
	assert.False(t, res.Ok)
	assert.Equal(t, core.KindValidation, res.ErrorKind)
}

func TestSlackClient_ExecuteRejectsMissingChannelOrText(t *testing.T) {
	c := NewSlackClient("xoxb-test")

	res := c.Execute(context.Background(), "notify", map[string]interface{}{"text": "hi"}, time.Time{})
	assert.False(t, res.Ok)
	assert.Equal(t, core.KindValidation, res.ErrorKind)

	res = c.Execute(context.Background(), "notify", map[string]interface{}{"channel": "general"}, time.Time{})
	assert.False(t, res.Ok)
	assert.Equal(t, core.KindValidation, res.ErrorKind)
}

func TestClassifySlackError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want core.ErrorKind
	}{
		{"rate limited", &slack.RateLimitedError{RetryAfter: time.Second}, core.KindRateLimit},
		{"invalid auth", errors.New("invalid_auth"), core.KindAuth},
		{"account inactive", errors.New("account_inactive"), core.KindAuth},
		{"channel not found", errors.New("channel_not_found"), core.KindNotFound},
		{"unrecognized", errors.New("something_else"), core.KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifySlackError(tc.err))
		})
	}
}
