package platform

import (
	"context"
	"time"

	"github.com/actionplane/orchestrator/core"
	"github.com/slack-go/slack"
)

// SlackClient is the reference Client implementation for the "slack"
// platform tag, exercising slack-go/slack for the "notify" action type
// (spec §1: "Concrete platform adapters ... are pluggable PlatformClient
// implementations; only their contract is specified").
type SlackClient struct {
	api    *slack.Client
	logger core.Logger
}

// NewSlackClient builds a Slack adapter from a bot token.
func NewSlackClient(token string) *SlackClient {
	return &SlackClient{
		api:    slack.New(token),
		logger: &core.NoOpLogger{},
	}
}

// SetLogger attaches a component-tagged logger.
func (s *SlackClient) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("framework/platform")
	} else {
		s.logger = logger
	}
}

// Platform returns "slack".
func (s *SlackClient) Platform() string { return "slack" }

// Execute handles the "notify" action type by posting a message to the
// channel named in params["channel"] with the text in params["text"].
// Unrecognized action types return KindValidation.
func (s *SlackClient) Execute(ctx context.Context, actionType string, params map[string]interface{}, deadline time.Time) Result {
	if actionType != "notify" {
		return Result{Ok: false, ErrorKind: core.KindValidation}
	}

	channel, _ := params["channel"].(string)
	text, _ := params["text"].(string)
	if channel == "" || text == "" {
		return Result{Ok: false, ErrorKind: core.KindValidation}
	}

	respChannel, timestamp, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return Result{Ok: false, ErrorKind: classifySlackError(err), Retriable: classifySlackError(err).IsRetriable()}
	}

	return Result{
		Ok:         true,
		ExternalID: respChannel + ":" + timestamp,
		Value: map[string]interface{}{
			"channel":   respChannel,
			"timestamp": timestamp,
		},
	}
}

// HealthCheck calls Slack's auth.test endpoint.
func (s *SlackClient) HealthCheck(ctx context.Context) error {
	_, err := s.api.AuthTestContext(ctx)
	return err
}

func classifySlackError(err error) core.ErrorKind {
	rlErr, ok := err.(*slack.RateLimitedError)
	if ok && rlErr != nil {
		return core.KindRateLimit
	}
	switch err.Error() {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked":
		return core.KindAuth
	case "channel_not_found":
		return core.KindNotFound
	default:
		return core.KindTransient
	}
}
