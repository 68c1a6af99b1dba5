package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/journal"
)

type recordingJournal struct {
	records []journal.Record
}

func (r *recordingJournal) Append(rec journal.Record) error {
	r.records = append(r.records, rec)
	return nil
}
func (r *recordingJournal) Replay(fn func(journal.Record) error) error { return nil }
func (r *recordingJournal) Close() error                               { return nil }

func TestRouter_AdmitAcceptsValidDecision(t *testing.T) {
	router := NewRouter(NewPriorityQueue(10, 100), eventplane.NewBus())
	record, err := router.Admit(ActionDecision{ID: "a1", Type: "notify", Platform: "slack",
		Params: map[string]interface{}{"channel": "#ops", "text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, record.State)
}

func TestRouter_AdmitRejectsMissingRequiredParam(t *testing.T) {
	router := NewRouter(NewPriorityQueue(10, 100), eventplane.NewBus())
	_, err := router.Admit(ActionDecision{ID: "a2", Type: "notify", Platform: "slack"})
	require.Error(t, err)
}

func TestRouter_AdmitRejectsMissingCoreFields(t *testing.T) {
	router := NewRouter(NewPriorityQueue(10, 100), eventplane.NewBus())
	_, err := router.Admit(ActionDecision{Type: "log", Platform: "notion"})
	assert.Error(t, err)
}

func TestRouter_DowngradePolicyNeverExceedsDeclaredPriority(t *testing.T) {
	router := NewRouter(NewPriorityQueue(10, 100), eventplane.NewBus())
	router.SetDowngradePolicy(func(decision ActionDecision) Priority { return PriorityCritical })

	record, err := router.Admit(ActionDecision{ID: "a3", Type: "log", Platform: "notion",
		Priority: PriorityLow, Params: map[string]interface{}{"message": "x"}})
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, record.Decision.Priority, "downgrade hook must never upgrade priority")
}

func TestRouter_DowngradePolicyCanLowerPriority(t *testing.T) {
	router := NewRouter(NewPriorityQueue(10, 100), eventplane.NewBus())
	router.SetDowngradePolicy(func(decision ActionDecision) Priority { return PriorityLow })

	record, err := router.Admit(ActionDecision{ID: "a4", Type: "log", Platform: "notion",
		Priority: PriorityCritical, Params: map[string]interface{}{"message": "x"}})
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, record.Decision.Priority)
}

func TestRouter_RegisterRequiredParamsOverridesDefault(t *testing.T) {
	router := NewRouter(NewPriorityQueue(10, 100), eventplane.NewBus())
	router.RegisterRequiredParams("custom_action", []string{"widgetId"})

	_, err := router.Admit(ActionDecision{ID: "a5", Type: "custom_action", Platform: "notion"})
	assert.Error(t, err)

	_, err = router.Admit(ActionDecision{ID: "a6", Type: "custom_action", Platform: "notion",
		Params: map[string]interface{}{"widgetId": "w1"}})
	assert.NoError(t, err)
}

func TestRouter_AdmitWritesJournalRecordOnSuccess(t *testing.T) {
	rj := &recordingJournal{}
	router := NewRouter(NewPriorityQueue(10, 100), eventplane.NewBus())
	router.SetJournal(rj)

	_, err := router.Admit(ActionDecision{ID: "a7", Type: "log", Platform: "notion",
		Params: map[string]interface{}{"message": "x"}})
	require.NoError(t, err)

	require.Len(t, rj.records, 1)
	assert.Equal(t, journal.KindActionAdmitted, rj.records[0].Kind)
	assert.Equal(t, "a7", rj.records[0].ID)
}

func TestRouter_AdmitPublishesQueuedEventWithCorrectPriority(t *testing.T) {
	bus := eventplane.NewBus()
	ch, cancel := bus.Subscribe(context.Background(), 4, eventplane.KindActionQueued)
	defer cancel()

	router := NewRouter(NewPriorityQueue(10, 100), bus)
	_, err := router.Admit(ActionDecision{ID: "a8", Type: "log", Platform: "notion",
		Priority: PriorityHigh, Params: map[string]interface{}{"message": "x"}})
	require.NoError(t, err)

	select {
	case evt := <-ch:
		assert.Equal(t, "a8", evt.Fields["actionId"])
		assert.Equal(t, "high", evt.Fields["priority"])
	case <-time.After(time.Second):
		t.Fatal("expected action:queued event")
	}
}
