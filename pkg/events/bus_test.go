package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	topic := TopicWorkflowOps("wf-1")
	ch, cancel := bus.Subscribe(topic)
	defer cancel()

	bus.Publish(topic, Event{Type: "operation_applied", Data: map[string]any{"seq": 1}})

	select {
	case ev := <-ch:
		assert.Equal(t, "operation_applied", ev.Type)
		assert.Equal(t, topic, ev.Topic)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribersAreTopicScoped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	opsCh, cancelOps := bus.Subscribe(TopicWorkflowOps("wf-1"))
	defer cancelOps()
	presCh, cancelPres := bus.Subscribe(TopicWorkflowPresence("wf-1"))
	defer cancelPres()

	bus.Publish(TopicWorkflowOps("wf-1"), Event{Type: "operation_applied"})

	select {
	case <-opsCh:
	case <-time.After(time.Second):
		t.Fatal("ops subscriber did not receive")
	}
	select {
	case ev := <-presCh:
		t.Fatalf("presence subscriber received unrelated event %v", ev)
	default:
	}
}

func TestOrderingPerSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	topic := TopicWorkflowOps("wf-1")
	ch, cancel := bus.Subscribe(topic)
	defer cancel()

	for i := 1; i <= 10; i++ {
		bus.Publish(topic, Event{Type: "operation_applied", Data: map[string]any{"seq": i}})
	}
	for i := 1; i <= 10; i++ {
		ev := <-ch
		assert.Equal(t, i, ev.Data["seq"])
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe("t")
	cancel()
	cancel()
	assert.Equal(t, 0, bus.SubscriberCount("t"))
}

func TestCloseThenCancelDoesNotPanic(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t")
	bus.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestSanitizePreservesBoolsAndNil(t *testing.T) {
	in := map[string]any{
		"ok":     true,
		"off":    false,
		"absent": nil,
		"n":      float64(3),
	}
	out := Sanitize(in).(map[string]any)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, false, out["off"])
	assert.Nil(t, out["absent"])
	assert.Equal(t, float64(3), out["n"])
}

func TestSanitizeCutsCircularReferences(t *testing.T) {
	m := map[string]any{"name": "loop"}
	m["self"] = m

	out := Sanitize(m).(map[string]any)
	assert.Equal(t, "loop", out["name"])
	assert.Equal(t, CircularSentinel, out["self"])
}

func TestSanitizeStringifiesUnserializable(t *testing.T) {
	out := Sanitize(map[string]any{"f": func() {}}).(map[string]any)
	_, isString := out["f"].(string)
	assert.True(t, isString)
}

func TestWrapForRecord(t *testing.T) {
	require.Nil(t, WrapForRecord(nil))
	assert.Equal(t, map[string]any{"value": 3}, WrapForRecord(3))
	assert.Equal(t, map[string]any{"k": "v"}, WrapForRecord(map[string]any{"k": "v"}))
}
