package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/models"
)

// eventCollector gathers delivered events for assertion
type eventCollector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *eventCollector) handler(channel string, event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *eventCollector) waitFor(t *testing.T, n int) []models.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := make([]models.Event, len(c.events))
			copy(out, c.events)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, c.count())
	return nil
}

func TestServicePublishReachesSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	collector := &eventCollector{}

	unsubscribe := svc.Subscribe("system:jobs", collector.handler)
	defer unsubscribe()

	svc.Publish("system:jobs", models.Event{Type: "job.created"})

	events := collector.waitFor(t, 1)
	assert.Equal(t, "job.created", events[0].Type)
}

func TestServicePublishDoesNotCrossChannels(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	collector := &eventCollector{}

	defer svc.Subscribe("channel:a", collector.handler)()

	svc.Publish("channel:b", models.Event{Type: "elsewhere"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, collector.count())
}

func TestServiceUnsubscribeStopsDelivery(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	collector := &eventCollector{}

	unsubscribe := svc.Subscribe("ch", collector.handler)
	svc.Publish("ch", models.Event{Type: "one"})
	collector.waitFor(t, 1)

	unsubscribe()
	svc.Publish("ch", models.Event{Type: "two"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, collector.count())
}

func TestServiceHandlerPanicIsRecovered(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	collector := &eventCollector{}

	defer svc.Subscribe("ch", func(channel string, event models.Event) {
		panic("handler bug")
	})()
	defer svc.Subscribe("ch", collector.handler)()

	svc.Publish("ch", models.Event{Type: "survives"})

	// The well-behaved subscriber still gets the event
	events := collector.waitFor(t, 1)
	assert.Equal(t, "survives", events[0].Type)
}

func TestServicePublishAfterCloseIsNoop(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	collector := &eventCollector{}
	svc.Subscribe("ch", collector.handler)

	require.NoError(t, svc.Close())
	svc.Publish("ch", models.Event{Type: "late"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, collector.count())
}

func TestPublisherRoutesJobEvents(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	publisher := NewPublisher(svc, arbor.NewLogger())

	system := &eventCollector{}
	session := &eventCollector{}
	defer svc.Subscribe(models.ChannelSystemJobs, system.handler)()
	defer svc.Subscribe(models.SessionJobChannel("s1"), session.handler)()

	job := &models.Job{ID: "job_1", Type: "test", SessionID: "s1", CorrelationID: "corr_1"}
	publisher.PublishJobEvent(models.EventJobStarted, job)

	events := system.waitFor(t, 1)
	assert.Equal(t, models.EventJobStarted, events[0].Type)
	assert.Equal(t, "corr_1", events[0].Metadata.CorrelationID)
	session.waitFor(t, 1)
}

func TestPublisherSkipsSessionChannelWithoutSession(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	publisher := NewPublisher(svc, arbor.NewLogger())

	session := &eventCollector{}
	defer svc.Subscribe(models.SessionJobChannel(""), session.handler)()

	publisher.PublishJobEvent(models.EventJobStarted, &models.Job{ID: "job_1", Type: "test"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, session.count())
}

func TestPublisherRoutesRunEvents(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	publisher := NewPublisher(svc, arbor.NewLogger())

	graph := &eventCollector{}
	defer svc.Subscribe(models.WorkspaceGraphChannel("pl_1"), graph.handler)()

	run := &models.PipelineRun{ID: "run_1", PipelineID: "pl_1"}
	publisher.PublishRunEvent(models.EventRunStarted, run)
	publisher.PublishStepEvent(models.EventStepStarted, run, "step_a")

	// Delivery is asynchronous, so assert membership rather than order
	events := graph.waitFor(t, 2)
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	assert.True(t, types[models.EventRunStarted])
	assert.True(t, types[models.EventStepStarted])
}
